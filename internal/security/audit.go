package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ax/internal/domain"
)

// FileAuditLog implements domain.AuditLog by appending JSONL to a file and
// answering queries by scanning it. Entries double as OTel span events when
// a span is recording.
type FileAuditLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileAuditLog creates an audit log that appends to the given path.
// The file is created with 0600 permissions if it does not exist.
func NewFileAuditLog(path string) (*FileAuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLog{file: f, path: path}, nil
}

// Record writes an audit entry as a single JSON line.
func (a *FileAuditLog) Record(ctx context.Context, entry domain.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return domain.NewDomainError("FileAuditLog.Record", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		a.mu.Unlock()
		return domain.NewDomainError("FileAuditLog.Record", domain.ErrAuditWrite, err.Error())
	}
	a.mu.Unlock()

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("audit."+entry.Action, trace.WithAttributes(
			attribute.String("audit.session_id", entry.SessionID),
			attribute.String("audit.result", string(entry.Result)),
			attribute.Int64("audit.duration_ms", entry.DurationMs),
		))
	}

	return nil
}

// Query scans the log file and returns entries matching the filter, newest
// last. A zero filter returns everything (bounded by Limit).
func (a *FileAuditLog) Query(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	path := a.path
	a.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []domain.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.AuditEntry
		if json.Unmarshal(line, &e) != nil {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.Result != "" && e.Result != filter.Result {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	return entries, nil
}

// EnforceRetention rewrites the log keeping only entries newer than maxAge.
// Safe to call while the logger is active.
func (a *FileAuditLog) EnforceRetention(maxAge time.Duration) (removed int, err error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	reopen := func() {
		a.file, _ = os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	}

	readFile, err := os.Open(a.path)
	if err != nil {
		reopen()
		return 0, fmt.Errorf("open for reading: %w", err)
	}

	var kept [][]byte
	scanner := bufio.NewScanner(readFile)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if json.Unmarshal(line, &e) == nil && !e.Timestamp.IsZero() && e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		kept = append(kept, cp)
	}
	readFile.Close()
	if err := scanner.Err(); err != nil {
		reopen()
		return 0, fmt.Errorf("scan audit log: %w", err)
	}

	tmp := a.path + ".tmp"
	tmpFile, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		reopen()
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	for _, line := range kept {
		tmpFile.Write(line)
		tmpFile.Write([]byte{'\n'})
	}
	tmpFile.Close()

	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		reopen()
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	a.file, err = os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return removed, fmt.Errorf("reopen after retention: %w", err)
	}
	return removed, nil
}

// Close flushes and closes the audit log file.
func (a *FileAuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
