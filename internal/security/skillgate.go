package security

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ax/internal/domain"
)

// Hard-reject patterns: content matching any of these is never written.
var hardRejectPatterns = []pattern{
	{"skill.eval", regexp.MustCompile(`\beval\s*\(`), domain.VerdictBlock},
	{"skill.exec", regexp.MustCompile(`\bexec\s*\(`), domain.VerdictBlock},
	{"skill.shell_subst", regexp.MustCompile("\\$\\(|`"), domain.VerdictBlock},
	{"skill.pipe_to_shell", regexp.MustCompile(`(?i)(curl|wget)\s+[^\n|]*\|\s*(ba)?sh`), domain.VerdictBlock},
	{"skill.rm_rf", regexp.MustCompile(`(?i)\brm\s+-rf?\b`), domain.VerdictBlock},
}

// Capability-trigger patterns: content needs a human look before it ships.
var capabilityPatterns = []pattern{
	{"skill.env_access", regexp.MustCompile(`(?i)\b(os\.environ|process\.env|getenv)\b`), domain.VerdictFlag},
	{"skill.network", regexp.MustCompile(`(?i)\b(http[s]?://|fetch\(|requests\.|urllib)\b`), domain.VerdictFlag},
	{"skill.filesystem", regexp.MustCompile(`(?i)\b(open\(|writefile|os\.remove|unlink)\b`), domain.VerdictFlag},
	{"skill.subprocess", regexp.MustCompile(`(?i)\b(subprocess|spawn|popen)\b`), domain.VerdictFlag},
}

// SkillGate classifies skill proposals and tracks pending ones.
// AUTO_APPROVE commits to the skill store immediately; NEEDS_REVIEW parks
// the proposal until Approve or Reject; REJECT never writes.
type SkillGate struct {
	store domain.SkillStore

	mu      sync.Mutex
	pending map[string]domain.SkillProposal
}

// NewSkillGate creates a gate over the given versioned skill store.
func NewSkillGate(store domain.SkillStore) *SkillGate {
	return &SkillGate{store: store, pending: make(map[string]domain.SkillProposal)}
}

// Classify runs the two pattern sets over content.
func Classify(content string) (domain.SkillVerdict, string) {
	for _, p := range hardRejectPatterns {
		if p.re.MatchString(content) {
			return domain.SkillReject, p.name
		}
	}
	for _, p := range capabilityPatterns {
		if p.re.MatchString(content) {
			return domain.SkillNeedsReview, p.name
		}
	}
	return domain.SkillAutoApprove, ""
}

// Propose classifies and, for AUTO_APPROVE, commits the skill atomically.
func (g *SkillGate) Propose(ctx context.Context, skill, content, reason string) (domain.SkillProposal, error) {
	verdict, matched := Classify(content)
	proposal := domain.SkillProposal{
		ID:        ulid.Make().String(),
		Skill:     skill,
		Content:   content,
		Reason:    reason,
		Verdict:   verdict,
		CreatedAt: time.Now().UTC(),
	}
	if matched != "" {
		proposal.Reason = matched
	}

	switch verdict {
	case domain.SkillAutoApprove:
		commit, err := g.store.Commit(ctx, skill, content, reason)
		if err != nil {
			return proposal, domain.WrapOp("SkillGate.Propose", err)
		}
		proposal.Commit = commit
	case domain.SkillNeedsReview:
		g.mu.Lock()
		g.pending[proposal.ID] = proposal
		g.mu.Unlock()
	}
	return proposal, nil
}

// Approve commits a pending proposal.
func (g *SkillGate) Approve(ctx context.Context, id string) (string, error) {
	g.mu.Lock()
	proposal, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return "", domain.NewDomainError("SkillGate.Approve", domain.ErrNotFound, id)
	}
	return g.store.Commit(ctx, proposal.Skill, proposal.Content, proposal.Reason)
}

// Reject discards a pending proposal.
func (g *SkillGate) Reject(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return domain.NewDomainError("SkillGate.Reject", domain.ErrNotFound, id)
	}
	delete(g.pending, id)
	return nil
}

// Revert undoes an already-applied skill at commit granularity.
func (g *SkillGate) Revert(ctx context.Context, commit string) error {
	return g.store.Revert(ctx, commit)
}

// Pending lists proposals awaiting review.
func (g *SkillGate) Pending() []domain.SkillProposal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.SkillProposal, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p)
	}
	return out
}
