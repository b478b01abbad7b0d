package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ax/internal/domain"
)

// FileRegistry implements domain.AgentRegistry as a single JSON file.
// All writes go through a temp-file rename so the file is never observed
// half-written.
type FileRegistry struct {
	path string
	mu   sync.Mutex
}

// NewFileRegistry loads (or initializes) the registry file.
func NewFileRegistry(path string) (*FileRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	r := &FileRegistry{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := r.save(nil); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a new agent record. Fails if the ID already exists.
func (r *FileRegistry) Register(ctx context.Context, rec domain.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.load()
	if err != nil {
		return err
	}
	for _, existing := range recs {
		if existing.ID == rec.ID {
			return domain.NewDomainError("FileRegistry.Register", domain.ErrDuplicate, rec.ID)
		}
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = domain.AgentActive
	}
	return r.save(append(recs, rec))
}

// Get returns the record for id.
func (r *FileRegistry) Get(ctx context.Context, id string) (*domain.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.load()
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].ID == id {
			rec := recs[i]
			return &rec, nil
		}
	}
	return nil, domain.NewDomainError("FileRegistry.Get", domain.ErrNotFound, id)
}

// List returns all records.
func (r *FileRegistry) List(ctx context.Context) ([]domain.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Update replaces the record with the same ID.
func (r *FileRegistry) Update(ctx context.Context, rec domain.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.load()
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ID == rec.ID {
			rec.CreatedAt = recs[i].CreatedAt
			rec.UpdatedAt = time.Now().UTC()
			recs[i] = rec
			return r.save(recs)
		}
	}
	return domain.NewDomainError("FileRegistry.Update", domain.ErrNotFound, rec.ID)
}

func (r *FileRegistry) load() ([]domain.AgentRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, domain.NewDomainError("FileRegistry.load", domain.ErrStorage, err.Error())
	}
	var recs []domain.AgentRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, domain.NewDomainError("FileRegistry.load", domain.ErrStorage, err.Error())
	}
	return recs, nil
}

func (r *FileRegistry) save(recs []domain.AgentRecord) error {
	if recs == nil {
		recs = []domain.AgentRecord{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return domain.NewDomainError("FileRegistry.save", domain.ErrStorage, err.Error())
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewDomainError("FileRegistry.save", domain.ErrStorage, err.Error())
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return domain.NewDomainError("FileRegistry.save", domain.ErrStorage, err.Error())
	}
	return nil
}
