package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ax/internal/domain"
)

// SQLiteSessions implements domain.SessionStore: the last channel session
// address per agent, used to resolve scheduled-job delivery target "last".
type SQLiteSessions struct {
	db *sql.DB
}

// NewSQLiteSessions opens (or creates) the session-tracking table. It may
// share a database file with the conversation store.
func NewSQLiteSessions(dbPath string) (*SQLiteSessions, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS last_sessions (
			agent_id   TEXT PRIMARY KEY,
			address    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sessions db: %w", err)
	}
	return &SQLiteSessions{db: db}, nil
}

// SetLast records addr as the agent's most recent channel session.
func (s *SQLiteSessions) SetLast(ctx context.Context, agentID string, addr domain.SessionAddress) error {
	data, err := json.Marshal(addr)
	if err != nil {
		return domain.NewDomainError("SQLiteSessions.SetLast", domain.ErrStorage, err.Error())
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO last_sessions (agent_id, address, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET address = excluded.address, updated_at = excluded.updated_at`,
		agentID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return domain.NewDomainError("SQLiteSessions.SetLast", domain.ErrStorage, err.Error())
	}
	return nil
}

// Last returns the agent's most recent channel session address.
func (s *SQLiteSessions) Last(ctx context.Context, agentID string) (*domain.SessionAddress, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT address FROM last_sessions WHERE agent_id = ?`, agentID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError("SQLiteSessions.Last", domain.ErrSessionNotFound, agentID)
	}
	if err != nil {
		return nil, domain.NewDomainError("SQLiteSessions.Last", domain.ErrStorage, err.Error())
	}
	var addr domain.SessionAddress
	if err := json.Unmarshal([]byte(data), &addr); err != nil {
		return nil, domain.NewDomainError("SQLiteSessions.Last", domain.ErrStorage, err.Error())
	}
	return &addr, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSessions) Close() error { return s.db.Close() }
