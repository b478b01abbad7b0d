package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"ax/internal/domain"
)

// SQLiteQueue implements domain.MessageQueue on a SQLite database.
// The status column forms the FSM queued → in-flight → (complete|failed);
// dequeue operations are serialized so at most one row per session is ever
// in-flight.
type SQLiteQueue struct {
	db *sql.DB
	mu sync.Mutex // serializes dequeue's select-then-update
}

// NewSQLiteQueue opens (or creates) the queue database and migrates it.
func NewSQLiteQueue(dbPath string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			sender      TEXT NOT NULL,
			channel     TEXT NOT NULL,
			content     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'queued',
			enqueued_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_status
			ON messages(status, enqueued_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

// Enqueue persists msg with status queued and returns its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, msg domain.QueuedMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender, channel, content, status, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Sender, msg.Channel, msg.Content,
		string(domain.StatusQueued), msg.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", domain.NewDomainError("SQLiteQueue.Enqueue", domain.ErrStorage, err.Error())
	}
	return msg.ID, nil
}

// Dequeue claims the oldest queued message whose session has no in-flight
// row, moving it to in-flight. Returns nil when nothing is eligible.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*domain.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender, channel, content, status, enqueued_at
		FROM messages m
		WHERE m.status = 'queued'
		  AND NOT EXISTS (
			SELECT 1 FROM messages f
			WHERE f.session_id = m.session_id AND f.status = 'in-flight'
		  )
		ORDER BY m.enqueued_at, m.id
		LIMIT 1`)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewDomainError("SQLiteQueue.Dequeue", domain.ErrStorage, err.Error())
	}
	return q.claim(ctx, msg)
}

// DequeueByID claims a specific queued message, letting the HTTP pipeline
// retrieve the message it just enqueued without FIFO interleaving.
func (q *SQLiteQueue) DequeueByID(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender, channel, content, status, enqueued_at
		FROM messages m
		WHERE m.id = ? AND m.status = 'queued'
		  AND NOT EXISTS (
			SELECT 1 FROM messages f
			WHERE f.session_id = m.session_id AND f.status = 'in-flight'
		  )`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError("SQLiteQueue.DequeueByID", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, domain.NewDomainError("SQLiteQueue.DequeueByID", domain.ErrStorage, err.Error())
	}
	return q.claim(ctx, msg)
}

// claim flips a queued row to in-flight. Caller holds q.mu.
func (q *SQLiteQueue) claim(ctx context.Context, msg *domain.QueuedMessage) (*domain.QueuedMessage, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status = 'in-flight' WHERE id = ? AND status = 'queued'`, msg.ID)
	if err != nil {
		return nil, domain.NewDomainError("SQLiteQueue.claim", domain.ErrStorage, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NewDomainError("SQLiteQueue.claim", domain.ErrStorage, "lost claim race for "+msg.ID)
	}
	msg.Status = domain.StatusInFlight
	return msg, nil
}

// Complete marks an in-flight message complete.
func (q *SQLiteQueue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, domain.StatusComplete)
}

// Fail marks an in-flight message failed.
func (q *SQLiteQueue) Fail(ctx context.Context, id string) error {
	return q.finish(ctx, id, domain.StatusFailed)
}

func (q *SQLiteQueue) finish(ctx context.Context, id string, status domain.MessageStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ? AND status = 'in-flight'`,
		string(status), id)
	if err != nil {
		return domain.NewDomainError("SQLiteQueue.finish", domain.ErrStorage, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteQueue.finish", domain.ErrNotFound,
			fmt.Sprintf("message %s not in-flight", id))
	}
	return nil
}

// RecoverStale marks every in-flight row failed. Called once at startup:
// an in-flight row at boot means the previous process died mid-turn.
func (q *SQLiteQueue) RecoverStale(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed' WHERE status = 'in-flight'`)
	if err != nil {
		return 0, domain.NewDomainError("SQLiteQueue.RecoverStale", domain.ErrStorage, err.Error())
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get returns a message row by ID regardless of status.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender, channel, content, status, enqueued_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError("SQLiteQueue.Get", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, domain.NewDomainError("SQLiteQueue.Get", domain.ErrStorage, err.Error())
	}
	return msg, nil
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error { return q.db.Close() }

func scanMessage(row *sql.Row) (*domain.QueuedMessage, error) {
	var m domain.QueuedMessage
	var status, enqueued string
	if err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Channel, &m.Content, &status, &enqueued); err != nil {
		return nil, err
	}
	m.Status = domain.MessageStatus(status)
	m.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueued)
	return &m, nil
}
