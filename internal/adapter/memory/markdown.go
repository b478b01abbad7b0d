package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"ax/internal/domain"
)

// MarkdownStore implements domain.MemoryProvider as one markdown file per
// entry with YAML front matter. Files are human-readable and greppable,
// which matters more here than query speed.
type MarkdownStore struct {
	dir string
	mu  sync.Mutex
}

type frontMatter struct {
	Scope     string    `yaml:"scope"`
	Tags      []string  `yaml:"tags,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// NewMarkdownStore creates the memory directory if needed.
func NewMarkdownStore(dir string) (*MarkdownStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &MarkdownStore{dir: dir}, nil
}

// Write stores a new entry and returns its ID.
func (m *MarkdownStore) Write(ctx context.Context, scope, content string, tags []string) (string, error) {
	id := ulid.Make().String()
	fm, err := yaml.Marshal(frontMatter{Scope: scope, Tags: tags, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", domain.NewDomainError("MarkdownStore.Write", domain.ErrStorage, err.Error())
	}
	doc := fmt.Sprintf("---\n%s---\n%s", fm, content)

	m.mu.Lock()
	defer m.mu.Unlock()
	path := filepath.Join(m.dir, id+".md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(doc), 0o644); err != nil {
		return "", domain.NewDomainError("MarkdownStore.Write", domain.ErrStorage, err.Error())
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", domain.NewDomainError("MarkdownStore.Write", domain.ErrStorage, err.Error())
	}
	return id, nil
}

// Read loads one entry by ID.
func (m *MarkdownStore) Read(ctx context.Context, id string) (*domain.MemoryEntry, error) {
	if !domain.ValidSessionSegment(id) {
		return nil, domain.NewDomainError("MarkdownStore.Read", domain.ErrInvalidInput, id)
	}
	entry, err := m.parse(id)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes an entry. Deleting a missing entry is an error: the caller
// asked for a state change that did not happen.
func (m *MarkdownStore) Delete(ctx context.Context, id string) error {
	if !domain.ValidSessionSegment(id) {
		return domain.NewDomainError("MarkdownStore.Delete", domain.ErrInvalidInput, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	err := os.Remove(filepath.Join(m.dir, id+".md"))
	if os.IsNotExist(err) {
		return domain.NewDomainError("MarkdownStore.Delete", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.NewDomainError("MarkdownStore.Delete", domain.ErrStorage, err.Error())
	}
	return nil
}

// Query returns entries in scope whose content or tags contain the query
// string, newest first.
func (m *MarkdownStore) Query(ctx context.Context, scope, query string, limit int) ([]domain.MemoryEntry, error) {
	entries, err := m.scan(scope)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var hits []domain.MemoryEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Content), needle) || tagMatch(e.Tags, needle) {
			hits = append(hits, e)
		}
	}
	return truncate(hits, limit), nil
}

// List returns the scope's entries, newest first.
func (m *MarkdownStore) List(ctx context.Context, scope string, limit int) ([]domain.MemoryEntry, error) {
	entries, err := m.scan(scope)
	if err != nil {
		return nil, err
	}
	return truncate(entries, limit), nil
}

func (m *MarkdownStore) scan(scope string) ([]domain.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := filepath.Glob(filepath.Join(m.dir, "*.md"))
	if err != nil {
		return nil, domain.NewDomainError("MarkdownStore.scan", domain.ErrStorage, err.Error())
	}
	var entries []domain.MemoryEntry
	for _, name := range names {
		id := strings.TrimSuffix(filepath.Base(name), ".md")
		entry, err := m.parse(id)
		if err != nil {
			continue // skip unreadable entries, they are not this query's problem
		}
		if scope != "" && entry.Scope != scope {
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (m *MarkdownStore) parse(id string) (*domain.MemoryEntry, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id+".md"))
	if os.IsNotExist(err) {
		return nil, domain.NewDomainError("MarkdownStore.parse", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, domain.NewDomainError("MarkdownStore.parse", domain.ErrStorage, err.Error())
	}

	text := string(data)
	entry := domain.MemoryEntry{ID: id, Content: text}
	if rest, ok := strings.CutPrefix(text, "---\n"); ok {
		if fmEnd := strings.Index(rest, "---\n"); fmEnd >= 0 {
			var fm frontMatter
			if err := yaml.Unmarshal([]byte(rest[:fmEnd]), &fm); err == nil {
				entry.Scope = fm.Scope
				entry.Tags = fm.Tags
				entry.CreatedAt = fm.CreatedAt
				entry.Content = rest[fmEnd+len("---\n"):]
			}
		}
	}
	return &entry, nil
}

func tagMatch(tags []string, needle string) bool {
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func truncate(entries []domain.MemoryEntry, limit int) []domain.MemoryEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
