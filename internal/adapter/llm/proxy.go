package llm

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"
)

// CredentialProxy is a per-turn unix-socket HTTP proxy that forwards to the
// real LLM API and injects credentials the sandboxed agent never sees. Its
// lifetime is exactly one turn: Start before spawn, Stop in the turn's
// cleanup.
type CredentialProxy struct {
	apiKey   string
	upstream *url.URL
	log      *slog.Logger

	mu     sync.Mutex
	server *http.Server
	socket string
}

// NewCredentialProxy targets baseURL (the public API if empty).
func NewCredentialProxy(apiKey, baseURL string, log *slog.Logger) (*CredentialProxy, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	upstream, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse llm base url: %w", err)
	}
	return &CredentialProxy{apiKey: apiKey, upstream: upstream, log: log}, nil
}

// Start listens on socketPath and serves until Stop.
func (p *CredentialProxy) Start(socketPath string) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on proxy socket: %w", err)
	}
	os.Chmod(socketPath, 0o600)

	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(p.upstream)
			r.Out.Host = p.upstream.Host
			// Strip whatever the sandbox sent and inject the real key.
			r.Out.Header.Del("Authorization")
			r.Out.Header.Set("x-api-key", p.apiKey)
			if r.Out.Header.Get("anthropic-version") == "" {
				r.Out.Header.Set("anthropic-version", anthropicVersion)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn("credential proxy upstream error", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	srv := &http.Server{Handler: proxy}
	p.mu.Lock()
	p.server = srv
	p.socket = socketPath
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !strings.Contains(err.Error(), "closed") {
			p.log.Warn("credential proxy stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and removes the socket file.
func (p *CredentialProxy) Stop() {
	p.mu.Lock()
	srv, socket := p.server, p.socket
	p.server, p.socket = nil, ""
	p.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
	if socket != "" {
		os.Remove(socket)
	}
}
