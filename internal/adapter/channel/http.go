package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"ax/internal/domain"
	"ax/internal/infra/middleware"
)

// maxRequestBytes caps chat-completion request bodies at 1 MiB.
const maxRequestBytes = 1 << 20

// ProcessFunc runs one full host turn for an HTTP-originated message and
// returns the response content with an OpenAI finish reason.
type ProcessFunc func(ctx context.Context, msg domain.InboundMessage, history []domain.ChatMessage) (content, finishReason string, err error)

// HTTPServer exposes the OpenAI-compatible surface on a unix socket.
type HTTPServer struct {
	socketPath string
	model      string
	process    ProcessFunc
	log        *slog.Logger

	requestsPerMin int
	burst          int

	server *http.Server
	cancel context.CancelFunc
}

// NewHTTPServer creates the surface. model is the ID advertised by
// /v1/models.
func NewHTTPServer(socketPath, model string, requestsPerMin, burst int, process ProcessFunc, log *slog.Logger) *HTTPServer {
	return &HTTPServer{
		socketPath:     socketPath,
		model:          model,
		process:        process,
		log:            log,
		requestsPerMin: requestsPerMin,
		burst:          burst,
	}
}

// Start listens on the unix socket and serves until Close.
func (s *HTTPServer) Start() error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on http socket: %w", err)
	}
	os.Chmod(s.socketPath, 0o660)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/chat/completions", s.handleChat)

	handler := middleware.CORS(mux)
	if s.requestsPerMin > 0 {
		handler = middleware.RateLimit(ctx, s.requestsPerMin, s.burst)(handler)
	}
	s.server = &http.Server{Handler: handler}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http surface stopped", "error", err)
		}
	}()
	s.log.Info("http surface listening", "socket", s.socketPath)
	return nil
}

// Close shuts the server down and removes the socket.
func (s *HTTPServer) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	os.Remove(s.socketPath)
	return err
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.model,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "ax",
		}},
	})
}

// chatRequest is the accepted subset of the OpenAI chat-completions body.
type chatRequest struct {
	Model     string               `json:"model"`
	Messages  []domain.ChatMessage `json:"messages"`
	Stream    bool                 `json:"stream"`
	MaxTokens int                  `json:"max_tokens"`
	SessionID string               `json:"session_id"`
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body over 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content == "" {
		writeError(w, http.StatusBadRequest, "last message must be a non-empty user message")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = domain.EphemeralSessionID()
	} else if err := domain.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}

	msg := domain.InboundMessage{
		ID:      ulid.Make().String(),
		Sender:  "http",
		Content: last.Content,
		Address: domain.SessionAddress{
			Provider: "http",
			Scope:    domain.ScopeDM,
			UserID:   sessionID,
		},
		Timestamp: time.Now().UTC(),
		IsMention: true,
	}
	// The session ID arrives pre-composed over HTTP, so it is carried
	// out of band rather than recomposed from the address.
	ctx := withSessionID(r.Context(), sessionID)

	content, finish, err := s.process(ctx, msg, req.Messages[:len(req.Messages)-1])
	if err != nil {
		s.log.Error("chat turn failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if finish == "" {
		finish = "stop"
	}

	if req.Stream {
		s.streamCompletion(w, content, finish)
		return
	}
	writeJSON(w, http.StatusOK, completionBody(s.model, content, finish))
}

// streamCompletion emits the response as OpenAI-style SSE: one role chunk,
// one content chunk, one finish chunk, then [DONE].
func (s *HTTPServer) streamCompletion(w http.ResponseWriter, content, finish string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	id := "chatcmpl-" + ulid.Make().String()
	created := time.Now().Unix()

	send := func(delta map[string]any, finishReason any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   s.model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			}},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send(map[string]any{"role": "assistant"}, nil)
	if content != "" {
		send(map[string]any{"content": content}, nil)
	}
	send(map[string]any{}, finish)
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func completionBody(model, content, finish string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-" + ulid.Make().String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content,
			},
			"finish_reason": finish,
		}},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": errorType(status)},
	})
}

func errorType(status int) string {
	if status >= 500 {
		return "server_error"
	}
	return "invalid_request_error"
}

type sessionIDKey struct{}

// withSessionID stores the resolved session ID for the turn pipeline.
func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext retrieves the session ID placed by the HTTP surface.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok && strings.TrimSpace(id) != ""
}
