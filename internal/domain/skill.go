package domain

import (
	"context"
	"time"
)

// SkillVerdict is the classifier outcome for a proposed skill.
type SkillVerdict string

const (
	SkillAutoApprove SkillVerdict = "AUTO_APPROVE"
	SkillNeedsReview SkillVerdict = "NEEDS_REVIEW"
	SkillReject      SkillVerdict = "REJECT"
)

// SkillProposal is a pending or decided skill submission.
type SkillProposal struct {
	ID        string       `json:"id"`
	Skill     string       `json:"skill"`
	Content   string       `json:"content"`
	Reason    string       `json:"reason,omitempty"`
	Verdict   SkillVerdict `json:"verdict"`
	Commit    string       `json:"commit,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SkillStore is a versioned, revertible store of skill files, so that
// revert is well defined at commit granularity.
type SkillStore interface {
	// Commit atomically writes the named skill and returns a commit ID.
	Commit(ctx context.Context, name, content, reason string) (string, error)
	Revert(ctx context.Context, commit string) error
	List(ctx context.Context) ([]string, error)
	Dir() string
}
