package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"ax/internal/domain"
)

// Request is a validated IPC request handed to a handler.
type Request struct {
	Action    string
	SessionID string
	AgentID   string
	Args      map[string]any
}

// Handler processes one validated request. The returned map is merged into
// the {ok:true} response.
type Handler func(ctx context.Context, req Request) (map[string]any, error)

// Server is the unix-socket IPC gateway. Each connection is independent and
// multi-request: frames are read until the peer closes.
type Server struct {
	socketPath string
	log        *slog.Logger
	audit      domain.AuditLog
	taint      domain.TaintBudget
	validator  *Validator

	actionTimeout time.Duration
	llmTimeout    time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a gateway bound to socketPath. Handlers are registered
// before Serve.
func NewServer(socketPath string, log *slog.Logger, audit domain.AuditLog, taint domain.TaintBudget, actionTimeout, llmTimeout time.Duration) *Server {
	return &Server{
		socketPath:    socketPath,
		log:           log,
		audit:         audit,
		taint:         taint,
		validator:     NewValidator(),
		actionTimeout: actionTimeout,
		llmTimeout:    llmTimeout,
		handlers:      make(map[string]Handler),
	}
}

// Register binds a handler to an action name. Registering an action outside
// the allowlist panics: the schema table is the source of truth.
func (s *Server) Register(action string, h Handler) {
	if !s.validator.Known(action) {
		panic(fmt.Sprintf("ipc: register unknown action %q", action))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// Serve listens on the unix socket and accepts connections until ctx is
// cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on ipc socket: %w", err)
	}
	// The sandboxed agent is the only intended peer.
	os.Chmod(s.socketPath, 0o600)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("ipc gateway listening", "socket", s.socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("ipc accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops the listener, waits for in-flight connections, and removes
// the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("ipc connection terminated", "error", err)
			}
			return
		}
		resp := s.dispatch(ctx, frame)
		body, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("ipc response marshal failed", "error", err)
			return
		}
		if err := WriteFrame(conn, body); err != nil {
			s.log.Warn("ipc write failed", "error", err)
			return
		}
	}
}

// dispatch runs the request pipeline: parse, envelope, schema, taint gate,
// handler. Every outcome is audited.
func (s *Server) dispatch(ctx context.Context, frame []byte) map[string]any {
	var payload any
	if err := json.Unmarshal(frame, &payload); err != nil {
		s.recordAudit(ctx, "ipc_parse_error", "", nil, domain.AuditError, 0)
		return errResponse("Invalid JSON")
	}
	envelope, ok := payload.(map[string]any)
	if !ok {
		s.recordAudit(ctx, "ipc_parse_error", "", nil, domain.AuditError, 0)
		return errResponse("Invalid JSON")
	}

	action, _ := envelope["action"].(string)
	sessionID, _ := envelope["sessionId"].(string)
	agentID, _ := envelope["agentId"].(string)

	if action == "" || !s.validator.Known(action) {
		s.recordAudit(ctx, "ipc_unknown_action", sessionID,
			map[string]any{"action": action}, domain.AuditBlocked, 0)
		return errResponse("Unknown or missing action")
	}

	if err := s.validator.Validate(action, payload); err != nil {
		s.recordAudit(ctx, "ipc_validation_failure", sessionID,
			map[string]any{"action": action}, domain.AuditBlocked, 0)
		return errResponse(fmt.Sprintf("Validation failed for action %s", action))
	}

	// Identity mutations bypass the gate here; their handlers queue tainted
	// writes instead of rejecting them.
	if action != ActionIdentityWrite && action != ActionUserWrite {
		if decision := s.taint.CheckAction(sessionID, action); !decision.Allowed {
			s.recordAudit(ctx, "ipc_taint_blocked", sessionID,
				map[string]any{"action": action, "taint_ratio": decision.TaintRatio}, domain.AuditBlocked, 0)
			resp := errResponse(decision.Reason)
			resp["taintBlocked"] = true
			return resp
		}
	}

	s.mu.Lock()
	handler := s.handlers[action]
	s.mu.Unlock()
	if handler == nil {
		s.recordAudit(ctx, "ipc_handler_error", sessionID,
			map[string]any{"action": action}, domain.AuditError, 0)
		return errResponse(fmt.Sprintf("No handler for action %s", action))
	}

	req := Request{Action: action, SessionID: sessionID, AgentID: agentID, Args: envelope}
	hctx, cancel := context.WithTimeout(ctx, s.timeoutFor(action))
	defer cancel()

	start := time.Now()
	result, err := handler(hctx, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		s.recordAudit(ctx, "ipc_handler_error", sessionID,
			map[string]any{"action": action, "error": err.Error()}, domain.AuditError, elapsed)
		return errResponse(err.Error())
	}

	s.recordAudit(ctx, action, sessionID, auditArgs(envelope), domain.AuditSuccess, elapsed)
	resp := map[string]any{"ok": true}
	for k, v := range result {
		resp[k] = v
	}
	return resp
}

// timeoutFor returns the action-level deadline. Model responses are slow, so
// llm_call gets a much longer budget than everything else.
func (s *Server) timeoutFor(action string) time.Duration {
	if action == ActionLLMCall {
		return s.llmTimeout
	}
	return s.actionTimeout
}

func (s *Server) recordAudit(ctx context.Context, action, sessionID string, args map[string]any, result domain.AuditResult, durationMs int64) {
	err := s.audit.Record(ctx, domain.AuditEntry{
		Action:     action,
		SessionID:  sessionID,
		Args:       args,
		Result:     result,
		DurationMs: durationMs,
	})
	if err != nil {
		s.log.Error("audit record failed", "action", action, "error", err)
	}
}

// auditArgs copies the envelope without bulky or sensitive content fields.
func auditArgs(envelope map[string]any) map[string]any {
	args := make(map[string]any, len(envelope))
	for k, v := range envelope {
		switch k {
		case "action", "content", "messages", "text":
			continue
		}
		if str, ok := v.(string); ok && len(str) > 256 {
			v = str[:256]
		}
		args[k] = v
	}
	return args
}

func errResponse(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

// getString extracts an optional string argument.
func getString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// getInt extracts an optional numeric argument. JSON numbers decode as
// float64.
func getInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// getStrings extracts an optional string-array argument.
func getStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
