package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ax/internal/domain"
)

// SQLiteConversations implements domain.ConversationStore. Appends for a
// session are serialized so seq stays monotonic.
type SQLiteConversations struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteConversations opens (or creates) the conversations database.
func NewSQLiteConversations(dbPath string) (*SQLiteConversations, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversations db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT    NOT NULL,
			content    TEXT    NOT NULL,
			sender     TEXT,
			timestamp  TEXT    NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversations db: %w", err)
	}
	return &SQLiteConversations{db: db}, nil
}

// Append adds one turn with the next seq for the session.
func (s *SQLiteConversations) Append(ctx context.Context, sessionID, role, content, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, role, content, sender, timestamp)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM turns WHERE session_id = ?`,
		sessionID, role, content, sender,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return domain.NewDomainError("SQLiteConversations.Append", domain.ErrStorage, err.Error())
	}
	return nil
}

// Load returns the most recent limit turns in chronological order.
// limit <= 0 loads the whole session.
func (s *SQLiteConversations) Load(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, role, content, COALESCE(sender, ''), timestamp
		FROM (
			SELECT * FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, domain.NewDomainError("SQLiteConversations.Load", domain.ErrStorage, err.Error())
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		var ts string
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.Role, &t.Content, &t.Sender, &ts); err != nil {
			return nil, domain.NewDomainError("SQLiteConversations.Load", domain.ErrStorage, err.Error())
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Count returns the number of stored turns for a session.
func (s *SQLiteConversations) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, domain.NewDomainError("SQLiteConversations.Count", domain.ErrStorage, err.Error())
	}
	return n, nil
}

// Prune keeps only the most recent keepTail turns of a session.
func (s *SQLiteConversations) Prune(ctx context.Context, sessionID string, keepTail int) error {
	if keepTail < 0 {
		keepTail = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM turns
		WHERE session_id = ?
		  AND seq NOT IN (
			SELECT seq FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		  )`, sessionID, sessionID, keepTail)
	if err != nil {
		return domain.NewDomainError("SQLiteConversations.Prune", domain.ErrStorage, err.Error())
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteConversations) Close() error { return s.db.Close() }
