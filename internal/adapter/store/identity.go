package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ax/internal/domain"
)

// FSIdentityStore implements domain.IdentityStore on a directory tree:
// <root>/<agentID>/{SOUL.md, IDENTITY.md, USER.md, BOOTSTRAP.md, admins, users/}.
type FSIdentityStore struct {
	root string
	mu   sync.Mutex
}

// NewFSIdentityStore creates the agents root directory if needed.
func NewFSIdentityStore(root string) (*FSIdentityStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create agents dir: %w", err)
	}
	return &FSIdentityStore{root: root}, nil
}

// AgentDir returns the directory for agentID, creating it if absent. An
// agentID that fails validation yields an empty path and no directory.
func (s *FSIdentityStore) AgentDir(agentID string) string {
	if !domain.ValidAgentID(agentID) {
		return ""
	}
	dir := filepath.Join(s.root, agentID)
	os.MkdirAll(dir, 0o755)
	return dir
}

// Read returns the contents of an identity file.
func (s *FSIdentityStore) Read(agentID, file string) (string, error) {
	if !domain.ValidAgentID(agentID) {
		return "", domain.NewDomainError("FSIdentityStore.Read", domain.ErrInvalidInput, agentID)
	}
	if !domain.IdentityWritable(file) && file != domain.FileAdmins {
		return "", domain.NewDomainError("FSIdentityStore.Read", domain.ErrIdentityFile, file)
	}
	data, err := os.ReadFile(filepath.Join(s.root, agentID, file))
	if os.IsNotExist(err) {
		return "", domain.NewDomainError("FSIdentityStore.Read", domain.ErrNotFound, file)
	}
	if err != nil {
		return "", domain.NewDomainError("FSIdentityStore.Read", domain.ErrStorage, err.Error())
	}
	return string(data), nil
}

// Write replaces an identity file. Writing SOUL.md ends bootstrap mode by
// deleting BOOTSTRAP.md in the same critical section.
func (s *FSIdentityStore) Write(agentID, file, content string) error {
	if !domain.ValidAgentID(agentID) {
		return domain.NewDomainError("FSIdentityStore.Write", domain.ErrInvalidInput, agentID)
	}
	if !domain.IdentityWritable(file) {
		return domain.NewDomainError("FSIdentityStore.Write", domain.ErrIdentityFile, file)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.AgentDir(agentID)
	if err := atomicWrite(filepath.Join(dir, file), content); err != nil {
		return domain.NewDomainError("FSIdentityStore.Write", domain.ErrStorage, err.Error())
	}
	if file == domain.FileSoul {
		if err := os.Remove(filepath.Join(dir, domain.FileBootstrap)); err != nil && !os.IsNotExist(err) {
			return domain.NewDomainError("FSIdentityStore.Write", domain.ErrStorage, err.Error())
		}
	}
	return nil
}

// WriteUser writes a per-user profile. Empty userID targets the shared
// USER.md; otherwise the file lives under users/<userID>.md.
func (s *FSIdentityStore) WriteUser(agentID, userID, content string) error {
	if !domain.ValidAgentID(agentID) {
		return domain.NewDomainError("FSIdentityStore.WriteUser", domain.ErrInvalidInput, agentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.AgentDir(agentID)
	if userID == "" {
		if err := atomicWrite(filepath.Join(dir, domain.FileUser), content); err != nil {
			return domain.NewDomainError("FSIdentityStore.WriteUser", domain.ErrStorage, err.Error())
		}
		return nil
	}
	if !domain.ValidSessionSegment(userID) {
		return domain.NewDomainError("FSIdentityStore.WriteUser", domain.ErrInvalidInput, userID)
	}
	usersDir := filepath.Join(dir, "users")
	if err := os.MkdirAll(usersDir, 0o755); err != nil {
		return domain.NewDomainError("FSIdentityStore.WriteUser", domain.ErrStorage, err.Error())
	}
	if err := atomicWrite(filepath.Join(usersDir, userID+".md"), content); err != nil {
		return domain.NewDomainError("FSIdentityStore.WriteUser", domain.ErrStorage, err.Error())
	}
	return nil
}

// Admins returns the user IDs listed in the agent's admins file, one per
// line. A missing file means no admins.
func (s *FSIdentityStore) Admins(agentID string) ([]string, error) {
	if !domain.ValidAgentID(agentID) {
		return nil, domain.NewDomainError("FSIdentityStore.Admins", domain.ErrInvalidInput, agentID)
	}
	data, err := os.ReadFile(filepath.Join(s.root, agentID, domain.FileAdmins))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDomainError("FSIdentityStore.Admins", domain.ErrStorage, err.Error())
	}
	var admins []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			admins = append(admins, line)
		}
	}
	return admins, nil
}

// InBootstrap reports whether the agent still has BOOTSTRAP.md and no SOUL.md.
func (s *FSIdentityStore) InBootstrap(agentID string) bool {
	if !domain.ValidAgentID(agentID) {
		return false
	}
	dir := filepath.Join(s.root, agentID)
	if _, err := os.Stat(filepath.Join(dir, domain.FileSoul)); err == nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, domain.FileBootstrap))
	return err == nil
}

func atomicWrite(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
