package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ax/internal/domain"
	"ax/internal/security"
)

// InboundResult is the outcome of admitting one message.
type InboundResult struct {
	Queued      bool
	SessionID   string
	MessageID   string
	CanaryToken string
	Scan        domain.ScanResult
	BlockReason string
}

// OutboundResult is the outcome of screening one agent response.
type OutboundResult struct {
	Content      string
	CanaryLeaked bool
	Scan         domain.ScanResult
}

// Router composes scanner, canary vault, taint budget, and queue into the
// inbound and outbound pipelines. Inbound fully completes, including canary
// mint and taint update, before the corresponding outbound can run.
type Router struct {
	scanner domain.Scanner
	taint   domain.TaintBudget
	queue   domain.MessageQueue
	vault   *security.CanaryVault
	audit   domain.AuditLog
	log     *slog.Logger
}

// NewRouter builds a router.
func NewRouter(scanner domain.Scanner, taint domain.TaintBudget, queue domain.MessageQueue, vault *security.CanaryVault, audit domain.AuditLog, log *slog.Logger) *Router {
	return &Router{scanner: scanner, taint: taint, queue: queue, vault: vault, audit: audit, log: log}
}

// canarySentinel hides the token in a trailing HTML comment. The tagged
// copy is what the queue persists; the user never sees it.
func canarySentinel(content, token string) string {
	return fmt.Sprintf("%s\n<!-- %s -->", content, token)
}

// stripCanary undoes canarySentinel so the user-visible copy can be
// recovered from the queued one.
func stripCanary(content, token string) string {
	if token == "" {
		return content
	}
	return strings.TrimSuffix(content, fmt.Sprintf("\n<!-- %s -->", token))
}

// ProcessInbound screens and admits one message. A BLOCK verdict returns
// queued=false with the reason; nothing is persisted for blocked messages.
func (r *Router) ProcessInbound(ctx context.Context, msg domain.InboundMessage, sessionID string) (InboundResult, error) {
	if sessionID == "" {
		var err error
		sessionID, err = msg.Address.SessionID()
		if err != nil {
			return InboundResult{}, domain.WrapOp("Router.ProcessInbound", err)
		}
	}

	scan := r.scanner.ScanInput(msg.Content)
	if scan.Verdict == domain.VerdictBlock {
		r.log.Warn("inbound blocked", "session", sessionID, "patterns", scan.Patterns)
		if err := r.audit.Record(ctx, domain.AuditEntry{
			Action:    "scan_inbound",
			SessionID: sessionID,
			Args:      map[string]any{"patterns": scan.Patterns},
			Result:    domain.AuditBlocked,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			r.log.Error("audit write failed", "error", err)
		}
		return InboundResult{
			SessionID:   sessionID,
			Scan:        scan,
			BlockReason: scan.Reason,
		}, nil
	}

	token := r.scanner.CanaryToken()
	r.vault.Put(sessionID, token)

	// Content arriving from outside the operator's own surface counts
	// against the session's taint budget.
	tainted := msg.Address.Provider != "http"
	r.taint.RecordContent(sessionID, msg.Content, tainted)

	id, err := r.queue.Enqueue(ctx, domain.QueuedMessage{
		SessionID: sessionID,
		Sender:    msg.Sender,
		Channel:   msg.Address.Provider,
		Content:   canarySentinel(msg.Content, token),
	})
	if err != nil {
		r.vault.Delete(sessionID)
		return InboundResult{}, domain.WrapOp("Router.ProcessInbound", err)
	}

	return InboundResult{
		Queued:      true,
		SessionID:   sessionID,
		MessageID:   id,
		CanaryToken: token,
		Scan:        scan,
	}, nil
}

// ProcessOutbound screens one agent response. Canary leaks and output
// blocks both replace the content; the replacement never contains the
// token.
func (r *Router) ProcessOutbound(ctx context.Context, response, sessionID, canaryToken string) OutboundResult {
	leaked := r.scanner.CheckCanary(response, canaryToken)
	if leaked {
		r.log.Warn("canary_leaked", "session", sessionID)
		response = "Response redacted: the agent attempted to exfiltrate a session secret."
	}

	scan := r.scanner.ScanOutput(response)
	if scan.Verdict == domain.VerdictBlock {
		r.log.Warn("outbound blocked", "session", sessionID, "patterns", scan.Patterns)
		response = "Response blocked: the agent output matched a secret pattern."
		leaked = false
	}

	// Assistant content is trusted for taint accounting.
	r.taint.RecordContent(sessionID, response, false)

	return OutboundResult{Content: response, CanaryLeaked: leaked, Scan: scan}
}

// ReleaseCanary removes the session's canary token. Runs in the turn's
// cleanup regardless of outcome.
func (r *Router) ReleaseCanary(sessionID string) {
	r.vault.Delete(sessionID)
}

// Canary returns the current token for a session.
func (r *Router) Canary(sessionID string) string {
	return r.vault.Get(sessionID)
}
