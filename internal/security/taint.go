package security

import (
	"fmt"
	"sort"
	"sync"

	"ax/internal/domain"
)

// Budget implements domain.TaintBudget with per-session counters.
// Updates for a session are serialized by a per-session mutex; counters
// never decrease except on Reset.
type Budget struct {
	profile domain.Profile

	mu       sync.Mutex
	sessions map[string]*sessionTaint
}

type sessionTaint struct {
	mu           sync.Mutex
	totalBytes   int64
	taintedBytes int64
	overrides    map[string]bool
}

// NewBudget creates a taint budget for the given profile.
func NewBudget(profile domain.Profile) *Budget {
	return &Budget{
		profile:  profile,
		sessions: make(map[string]*sessionTaint),
	}
}

func (b *Budget) session(sessionID string) *sessionTaint {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionTaint{overrides: make(map[string]bool)}
		b.sessions[sessionID] = st
	}
	return st
}

// RecordContent accounts content bytes for a session.
func (b *Budget) RecordContent(sessionID, content string, tainted bool) {
	st := b.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	n := int64(len(content))
	st.totalBytes += n
	if tainted {
		st.taintedBytes += n
	}
}

// CheckAction denies a sensitive action when the taint ratio has reached
// the profile threshold and no user override exists for it.
func (b *Budget) CheckAction(sessionID, action string) domain.TaintDecision {
	st := b.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	state := domain.TaintState{TotalBytes: st.totalBytes, TaintedBytes: st.taintedBytes}
	decision := domain.TaintDecision{
		Allowed:    true,
		TaintRatio: state.Ratio(),
		Threshold:  b.profile.Threshold(),
	}

	if !domain.SensitiveActions[action] {
		return decision
	}
	if st.overrides[action] {
		return decision
	}
	if decision.TaintRatio >= decision.Threshold {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf(
			"taint ratio %.2f exceeds %s threshold %.2f for %s",
			decision.TaintRatio, b.profile, decision.Threshold, action)
	}
	return decision
}

// AddUserOverride allowlists one action for one session.
func (b *Budget) AddUserOverride(sessionID, action string) {
	st := b.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.overrides[action] = true
}

// State returns a snapshot of the session's taint accounting.
func (b *Budget) State(sessionID string) domain.TaintState {
	st := b.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	overrides := make([]string, 0, len(st.overrides))
	for a := range st.overrides {
		overrides = append(overrides, a)
	}
	sort.Strings(overrides)
	return domain.TaintState{
		TotalBytes:   st.totalBytes,
		TaintedBytes: st.taintedBytes,
		Overrides:    overrides,
	}
}

// Reset clears all accounting for a session.
func (b *Budget) Reset(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}
