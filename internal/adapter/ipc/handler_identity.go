package ipc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ax/internal/domain"
)

// PendingWrite is an identity mutation parked for human review.
type PendingWrite struct {
	AgentID   string    `json:"agent_id"`
	File      string    `json:"file"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
	Reason    string    `json:"reason,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Decision  string    `json:"decision"`
	CreatedAt time.Time `json:"created_at"`
}

// IdentityPolicy decides whether an identity mutation is rejected, queued,
// or applied. Decision order: scanner verdict, then taint, then profile.
// Only applied=true guarantees the file is on disk.
type IdentityPolicy struct {
	Scanner domain.Scanner
	Taint   domain.TaintBudget
	Store   domain.IdentityStore
	Audit   domain.AuditLog
	Profile domain.Profile
	Log     *slog.Logger

	mu     sync.Mutex
	queued []PendingWrite
}

// Queued returns a snapshot of writes awaiting human review.
func (p *IdentityPolicy) Queued() []PendingWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingWrite, len(p.queued))
	copy(out, p.queued)
	return out
}

// decide runs the policy state machine and returns the decision label.
func (p *IdentityPolicy) decide(sessionID, action, content string) (string, string) {
	if p.Scanner.ScanInput(content).Verdict == domain.VerdictBlock {
		return "rejected", "scanner_blocked"
	}
	taintDenied := !p.Taint.CheckAction(sessionID, action).Allowed
	if p.Profile != domain.ProfileYolo && taintDenied {
		return "queued", "queued_tainted"
	}
	if p.Profile == domain.ProfileParanoid {
		return "queued", "queued_paranoid"
	}
	return "applied", "applied"
}

func (p *IdentityPolicy) park(w PendingWrite) {
	p.mu.Lock()
	p.queued = append(p.queued, w)
	p.mu.Unlock()
}

func (p *IdentityPolicy) audit(ctx context.Context, decision, sessionID string, args map[string]any) {
	result := domain.AuditSuccess
	if decision == "scanner_blocked" {
		result = domain.AuditBlocked
	}
	if err := p.Audit.Record(ctx, domain.AuditEntry{
		Action:    decision,
		SessionID: sessionID,
		Args:      args,
		Result:    result,
	}); err != nil {
		p.Log.Error("identity audit failed", "decision", decision, "error", err)
	}
}

// IdentityWriteHandler applies the policy to a named agent-directory file.
func IdentityWriteHandler(p *IdentityPolicy) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		file := getString(req.Args, "file")
		content := getString(req.Args, "content")
		if !domain.IdentityWritable(file) {
			return nil, domain.NewDomainError("identity_write", domain.ErrIdentityFile, file)
		}

		decision, label := p.decide(req.SessionID, ActionIdentityWrite, content)
		args := map[string]any{"file": file, "origin": getString(req.Args, "origin")}
		p.audit(ctx, label, req.SessionID, args)

		switch decision {
		case "rejected":
			return nil, domain.NewDomainError("identity_write", domain.ErrScannerBlocked, file)
		case "queued":
			p.park(PendingWrite{
				AgentID:   req.AgentID,
				File:      file,
				Content:   content,
				Reason:    getString(req.Args, "reason"),
				Origin:    getString(req.Args, "origin"),
				Decision:  label,
				CreatedAt: time.Now().UTC(),
			})
			return map[string]any{"queued": true, "file": file}, nil
		}

		if err := p.Store.Write(req.AgentID, file, content); err != nil {
			return nil, domain.WrapOp("identity_write", err)
		}
		return map[string]any{"applied": true, "file": file}, nil
	}
}

// UserWriteHandler is identity_write for per-user profile files.
func UserWriteHandler(p *IdentityPolicy) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		userID := getString(req.Args, "userId")
		content := getString(req.Args, "content")

		decision, label := p.decide(req.SessionID, ActionUserWrite, content)
		args := map[string]any{"userId": userID, "origin": getString(req.Args, "origin")}
		p.audit(ctx, label, req.SessionID, args)

		switch decision {
		case "rejected":
			return nil, domain.NewDomainError("user_write", domain.ErrScannerBlocked, userID)
		case "queued":
			p.park(PendingWrite{
				AgentID:   req.AgentID,
				UserID:    userID,
				Content:   content,
				Reason:    getString(req.Args, "reason"),
				Origin:    getString(req.Args, "origin"),
				Decision:  label,
				CreatedAt: time.Now().UTC(),
			})
			return map[string]any{"queued": true, "userId": userID}, nil
		}

		if err := p.Store.WriteUser(req.AgentID, userID, content); err != nil {
			return nil, domain.WrapOp("user_write", err)
		}
		return map[string]any{"applied": true, "userId": userID}, nil
	}
}
