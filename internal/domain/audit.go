package domain

import (
	"context"
	"time"
)

// AuditResult classifies the outcome of an audited action.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditBlocked AuditResult = "blocked"
	AuditError   AuditResult = "error"
)

// AuditEntry is one append-only record of a privileged operation.
type AuditEntry struct {
	Action     string         `json:"action"`
	SessionID  string         `json:"session_id,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     AuditResult    `json:"result"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AuditFilter selects entries for audit_query and operator tooling.
type AuditFilter struct {
	Action    string      `json:"action,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Result    AuditResult `json:"result,omitempty"`
	Since     time.Time   `json:"since,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// AuditLog persists audit entries and serves queries over them.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	Close() error
}
