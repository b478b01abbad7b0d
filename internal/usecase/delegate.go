package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ax/internal/domain"
)

// Delegator bounds agent-to-agent delegation and recurses into the spawn
// pipeline for each child task.
type Delegator struct {
	maxConcurrent int
	maxDepth      int
	router        *Router
	orch          *Orchestrator
	audit         domain.AuditLog
	agentID       string
	log           *slog.Logger

	mu     sync.Mutex
	active int
}

// NewDelegator builds the delegation gate.
func NewDelegator(maxConcurrent, maxDepth int, router *Router, orch *Orchestrator, audit domain.AuditLog, agentID string, log *slog.Logger) *Delegator {
	return &Delegator{
		maxConcurrent: maxConcurrent,
		maxDepth:      maxDepth,
		router:        router,
		orch:          orch,
		audit:         audit,
		agentID:       agentID,
		log:           log,
	}
}

// Active returns the current in-flight delegation count.
func (d *Delegator) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Delegate implements ipc.DelegateFunc. depth is the caller's depth; the
// child runs at depth+1.
func (d *Delegator) Delegate(ctx context.Context, task, taskContext string, depth int) (string, error) {
	if depth >= d.maxDepth {
		d.recordAudit(ctx, depth, domain.AuditBlocked)
		return "", domain.NewDomainError("Delegator.Delegate", domain.ErrDelegationLimit, "max depth reached")
	}

	d.mu.Lock()
	if d.active >= d.maxConcurrent {
		d.mu.Unlock()
		d.recordAudit(ctx, depth, domain.AuditBlocked)
		return "", domain.NewDomainError("Delegator.Delegate", domain.ErrDelegationLimit, "too many concurrent delegations")
	}
	d.active++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	response, err := d.runChild(ctx, task, taskContext, depth+1)
	if err != nil {
		d.recordAudit(ctx, depth, domain.AuditError)
		return "", err
	}
	d.recordAudit(ctx, depth, domain.AuditSuccess)
	return response, nil
}

// runChild admits the task as an ephemeral session and runs one full turn.
func (d *Delegator) runChild(ctx context.Context, task, taskContext string, childDepth int) (string, error) {
	content := task
	if taskContext != "" {
		content = taskContext + "\n\n" + task
	}

	childAgentID := domain.DelegateChildAgentID(d.agentID, childDepth)
	sessionID := domain.EphemeralSessionID()
	msg := domain.InboundMessage{
		ID:        sessionID,
		Sender:    childAgentID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Address: domain.SessionAddress{
			Provider: "delegate",
			Scope:    domain.ScopeDM,
			AgentID:  d.agentID,
			UserID:   childAgentID,
		},
	}

	result, err := d.router.ProcessInbound(ctx, msg, sessionID)
	if err != nil {
		return "", err
	}
	if !result.Queued {
		return "", domain.NewDomainError("Delegator.runChild", domain.ErrScannerBlocked, result.BlockReason)
	}

	queued, err := d.orch.queue.DequeueByID(ctx, result.MessageID)
	if err != nil {
		return "", err
	}
	turn, err := d.orch.RunTurn(ctx, queued, TurnOptions{UserID: childAgentID})
	if err != nil {
		return "", err
	}
	if turn.Failed {
		return "", domain.NewDomainError("Delegator.runChild", domain.ErrProcessFailure, strings.TrimPrefix(turn.Content, failurePrefix+" "))
	}
	return turn.Content, nil
}

func (d *Delegator) recordAudit(ctx context.Context, depth int, result domain.AuditResult) {
	if err := d.audit.Record(ctx, domain.AuditEntry{
		Action:    "agent_delegate",
		Args:      map[string]any{"depth": depth},
		Result:    result,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		d.log.Error("delegation audit failed", "error", err)
	}
}
