package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ax/internal/domain"
)

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Record(_ context.Context, e domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) Query(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *memAudit) Close() error { return nil }

func (a *memAudit) byAction(action string) []domain.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// fakeTaint denies the actions listed in deny.
type fakeTaint struct {
	deny map[string]bool
}

func (f *fakeTaint) RecordContent(string, string, bool) {}
func (f *fakeTaint) AddUserOverride(string, string)     {}
func (f *fakeTaint) State(string) domain.TaintState     { return domain.TaintState{} }
func (f *fakeTaint) Reset(string)                       {}

func (f *fakeTaint) CheckAction(_, action string) domain.TaintDecision {
	if f.deny[action] {
		return domain.TaintDecision{Allowed: false, Reason: "taint ratio 0.50 exceeds balanced threshold 0.30 for " + action}
	}
	return domain.TaintDecision{Allowed: true}
}

func startTestServer(t *testing.T, taint domain.TaintBudget, audit *memAudit) (*Server, string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(socket, log, audit, taint, 2*time.Second, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socket); err == nil {
			conn.Close()
			return srv, socket
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ipc server did not start")
	return nil, ""
}

func roundTrip(t *testing.T, socket string, request any) map[string]any {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var body []byte
	switch v := request.(type) {
	case []byte:
		body = v
	default:
		body, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	if err := WriteFrame(conn, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	frame, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestServerParseError(t *testing.T) {
	audit := &memAudit{}
	_, socket := startTestServer(t, &fakeTaint{}, audit)

	resp := roundTrip(t, socket, []byte(`{not json`))
	if resp["ok"] != false || resp["error"] != "Invalid JSON" {
		t.Errorf("resp = %v", resp)
	}
	if len(audit.byAction("ipc_parse_error")) != 1 {
		t.Error("missing ipc_parse_error audit entry")
	}
}

func TestServerUnknownAction(t *testing.T) {
	audit := &memAudit{}
	_, socket := startTestServer(t, &fakeTaint{}, audit)

	resp := roundTrip(t, socket, map[string]any{"action": "launch_missiles"})
	if resp["ok"] != false || resp["error"] != "Unknown or missing action" {
		t.Errorf("resp = %v", resp)
	}
	if len(audit.byAction("ipc_unknown_action")) != 1 {
		t.Error("missing ipc_unknown_action audit entry")
	}
}

func TestServerValidationFailure(t *testing.T) {
	audit := &memAudit{}
	srv, socket := startTestServer(t, &fakeTaint{}, audit)

	called := false
	srv.Register(ActionWebFetch, func(ctx context.Context, req Request) (map[string]any, error) {
		called = true
		return nil, nil
	})

	resp := roundTrip(t, socket, map[string]any{
		"action": "web_fetch", "url": "https://x", "extra": "field",
	})
	if resp["ok"] != false {
		t.Errorf("resp = %v", resp)
	}
	if called {
		t.Error("handler must not run on validation failure")
	}
	if len(audit.byAction("ipc_validation_failure")) != 1 {
		t.Error("missing ipc_validation_failure audit entry")
	}
}

func TestServerTaintBlocked(t *testing.T) {
	audit := &memAudit{}
	srv, socket := startTestServer(t, &fakeTaint{deny: map[string]bool{"web_fetch": true}}, audit)

	called := false
	srv.Register(ActionWebFetch, func(ctx context.Context, req Request) (map[string]any, error) {
		called = true
		return nil, nil
	})

	resp := roundTrip(t, socket, map[string]any{
		"action": "web_fetch", "url": "https://x", "sessionId": "s1",
	})
	if resp["ok"] != false || resp["taintBlocked"] != true {
		t.Errorf("resp = %v", resp)
	}
	if called {
		t.Error("handler must not run when the taint gate denies")
	}
	if len(audit.byAction("ipc_taint_blocked")) != 1 {
		t.Error("missing ipc_taint_blocked audit entry")
	}
}

func TestServerIdentityWriteSkipsTaintGate(t *testing.T) {
	audit := &memAudit{}
	deny := map[string]bool{"identity_write": true}
	srv, socket := startTestServer(t, &fakeTaint{deny: deny}, audit)

	srv.Register(ActionIdentityWrite, func(ctx context.Context, req Request) (map[string]any, error) {
		return map[string]any{"queued": true}, nil
	})

	resp := roundTrip(t, socket, map[string]any{
		"action": "identity_write", "file": "SOUL.md", "content": "x", "sessionId": "s1",
	})
	if resp["ok"] != true || resp["queued"] != true {
		t.Errorf("identity_write should reach its handler, resp = %v", resp)
	}
}

func TestServerHandlerSuccessAndAudit(t *testing.T) {
	audit := &memAudit{}
	srv, socket := startTestServer(t, &fakeTaint{}, audit)

	srv.Register(ActionMemoryRead, func(ctx context.Context, req Request) (map[string]any, error) {
		return map[string]any{"entry": map[string]any{"id": getString(req.Args, "id")}}, nil
	})

	resp := roundTrip(t, socket, map[string]any{
		"action": "memory_read", "id": "m1", "sessionId": "s1",
	})
	if resp["ok"] != true {
		t.Fatalf("resp = %v", resp)
	}
	entries := audit.byAction("memory_read")
	if len(entries) != 1 || entries[0].Result != domain.AuditSuccess {
		t.Errorf("audit entries = %+v", entries)
	}
	if entries[0].SessionID != "s1" {
		t.Errorf("audit session = %q, want s1", entries[0].SessionID)
	}
}

func TestServerHandlerError(t *testing.T) {
	audit := &memAudit{}
	srv, socket := startTestServer(t, &fakeTaint{}, audit)

	srv.Register(ActionMemoryRead, func(ctx context.Context, req Request) (map[string]any, error) {
		return nil, fmt.Errorf("backend unavailable")
	})

	resp := roundTrip(t, socket, map[string]any{"action": "memory_read", "id": "m1"})
	if resp["ok"] != false || resp["error"] != "backend unavailable" {
		t.Errorf("resp = %v", resp)
	}
	if len(audit.byAction("ipc_handler_error")) != 1 {
		t.Error("missing ipc_handler_error audit entry")
	}
}

func TestServerMultiRequestConnection(t *testing.T) {
	audit := &memAudit{}
	srv, socket := startTestServer(t, &fakeTaint{}, audit)

	srv.Register(ActionSkillList, func(ctx context.Context, req Request) (map[string]any, error) {
		return map[string]any{"skills": []string{}}, nil
	})

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]any{"action": "skill_list"})
		if err := WriteFrame(conn, body); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		frame, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var resp map[string]any
		json.Unmarshal(frame, &resp)
		if resp["ok"] != true {
			t.Fatalf("request %d resp = %v", i, resp)
		}
	}
}
