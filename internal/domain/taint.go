package domain

// Profile is a named set of security policy knobs. It primarily sets the
// taint threshold and the identity-write auto-apply policy.
type Profile string

const (
	ProfileParanoid Profile = "paranoid"
	ProfileBalanced Profile = "balanced"
	ProfileYolo     Profile = "yolo"
)

// Threshold returns the taint ratio at which sensitive actions are denied.
func (p Profile) Threshold() float64 {
	switch p {
	case ProfileParanoid:
		return 0.10
	case ProfileYolo:
		return 0.60
	default:
		return 0.30
	}
}

// Valid reports whether p is a known profile name.
func (p Profile) Valid() bool {
	switch p {
	case ProfileParanoid, ProfileBalanced, ProfileYolo:
		return true
	}
	return false
}

// SensitiveActions is the static set of IPC actions gated by the taint
// budget.
var SensitiveActions = map[string]bool{
	"skill_propose":  true,
	"oauth_call":     true,
	"identity_write": true,
	"user_write":     true,
	"web_fetch":      true,
	"web_search":     true,
	"agent_delegate": true,
}

// TaintState is the per-session taint accounting snapshot.
type TaintState struct {
	TotalBytes   int64    `json:"total_bytes"`
	TaintedBytes int64    `json:"tainted_bytes"`
	Overrides    []string `json:"overrides,omitempty"`
}

// Ratio returns taintedBytes / max(totalBytes, 1).
func (s TaintState) Ratio() float64 {
	total := s.TotalBytes
	if total < 1 {
		total = 1
	}
	return float64(s.TaintedBytes) / float64(total)
}

// TaintDecision is the result of a taint policy check.
type TaintDecision struct {
	Allowed    bool    `json:"allowed"`
	TaintRatio float64 `json:"taint_ratio"`
	Threshold  float64 `json:"threshold"`
	Reason     string  `json:"reason,omitempty"`
}

// TaintBudget tracks external-origin vs user-origin bytes per session and
// gates sensitive actions. Updates for a session are serialized: the ratio
// observed by CheckAction reflects all content recorded before the call.
type TaintBudget interface {
	RecordContent(sessionID, content string, tainted bool)
	CheckAction(sessionID, action string) TaintDecision
	AddUserOverride(sessionID, action string)
	State(sessionID string) TaintState
	Reset(sessionID string)
}
