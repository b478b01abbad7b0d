package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ax/internal/domain"
)

const journalFile = ".commits.json"

// commitRecord is one journal entry. PrevContent carries enough state to
// undo the commit; an empty PrevExisted means revert deletes the file.
type commitRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Reason      string    `json:"reason,omitempty"`
	PrevContent string    `json:"prev_content,omitempty"`
	PrevExisted bool      `json:"prev_existed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store implements domain.SkillStore as a directory of markdown skills with
// a commit journal, so revert is well defined at commit granularity.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the skills directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skills dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the skills directory path.
func (s *Store) Dir() string { return s.dir }

// Commit atomically writes the named skill and journals the change.
func (s *Store) Commit(ctx context.Context, name, content, reason string) (string, error) {
	if !validSkillName(name) {
		return "", domain.NewDomainError("SkillStore.Commit", domain.ErrInvalidInput, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	rec := commitRecord{
		ID:        ulid.Make().String(),
		Name:      name,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if prev, err := os.ReadFile(path); err == nil {
		rec.PrevContent = string(prev)
		rec.PrevExisted = true
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", domain.NewDomainError("SkillStore.Commit", domain.ErrStorage, err.Error())
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", domain.NewDomainError("SkillStore.Commit", domain.ErrStorage, err.Error())
	}
	if err := s.appendJournal(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Revert undoes one commit: the file returns to its pre-commit content, or
// is deleted if the commit created it.
func (s *Store) Revert(ctx context.Context, commit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readJournal()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ID != commit {
			continue
		}
		path := filepath.Join(s.dir, rec.Name)
		if !rec.PrevExisted {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return domain.NewDomainError("SkillStore.Revert", domain.ErrStorage, err.Error())
			}
			return nil
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(rec.PrevContent), 0o644); err != nil {
			return domain.NewDomainError("SkillStore.Revert", domain.ErrStorage, err.Error())
		}
		if err := os.Rename(tmp, path); err != nil {
			return domain.NewDomainError("SkillStore.Revert", domain.ErrStorage, err.Error())
		}
		return nil
	}
	return domain.NewDomainError("SkillStore.Revert", domain.ErrNotFound, commit)
}

// List returns the current skill file names, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := filepath.Glob(filepath.Join(s.dir, "*.md"))
	if err != nil {
		return nil, domain.NewDomainError("SkillStore.List", domain.ErrStorage, err.Error())
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, filepath.Base(n))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) appendJournal(rec commitRecord) error {
	records, err := s.readJournal()
	if err != nil {
		return err
	}
	records = append(records, rec)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return domain.NewDomainError("SkillStore.journal", domain.ErrStorage, err.Error())
	}
	path := filepath.Join(s.dir, journalFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewDomainError("SkillStore.journal", domain.ErrStorage, err.Error())
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.NewDomainError("SkillStore.journal", domain.ErrStorage, err.Error())
	}
	return nil
}

func (s *Store) readJournal() ([]commitRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, journalFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDomainError("SkillStore.journal", domain.ErrStorage, err.Error())
	}
	var records []commitRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, domain.NewDomainError("SkillStore.journal", domain.ErrStorage, err.Error())
	}
	return records, nil
}

// validSkillName accepts flat markdown file names only.
func validSkillName(name string) bool {
	return name != "" &&
		strings.HasSuffix(name, ".md") &&
		!strings.ContainsAny(name, "/\\") &&
		name != ".md" &&
		filepath.Base(name) == name
}

// SyncSnapshot mirrors the host skills directory into a workspace skills
// subdirectory: every host .md is copied, and workspace skills the host no
// longer has are deleted. Runs every turn so newly approved skills appear
// on the next call.
func SyncSnapshot(hostDir, workspaceDir string) error {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("create workspace skills dir: %w", err)
	}

	hostNames, err := filepath.Glob(filepath.Join(hostDir, "*.md"))
	if err != nil {
		return fmt.Errorf("list host skills: %w", err)
	}
	want := make(map[string]bool, len(hostNames))
	for _, src := range hostNames {
		base := filepath.Base(src)
		want[base] = true
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read skill %s: %w", base, err)
		}
		if err := os.WriteFile(filepath.Join(workspaceDir, base), data, 0o644); err != nil {
			return fmt.Errorf("copy skill %s: %w", base, err)
		}
	}

	existing, err := filepath.Glob(filepath.Join(workspaceDir, "*.md"))
	if err != nil {
		return fmt.Errorf("list workspace skills: %w", err)
	}
	for _, path := range existing {
		if !want[filepath.Base(path)] {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove stale skill %s: %w", filepath.Base(path), err)
			}
		}
	}
	return nil
}
