package domain

// Verdict is the outcome of a content scan.
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictFlag  Verdict = "FLAG"
	VerdictBlock Verdict = "BLOCK"
)

// Severity returns an ordinal for verdict escalation: when several patterns
// match, the strongest verdict wins.
func (v Verdict) Severity() int {
	switch v {
	case VerdictBlock:
		return 2
	case VerdictFlag:
		return 1
	default:
		return 0
	}
}

// ScanResult carries a scan verdict with the matched pattern names.
type ScanResult struct {
	Verdict  Verdict  `json:"verdict"`
	Reason   string   `json:"reason,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// Scanner inspects content crossing the trust boundary and manages canary
// tokens. Implementations may chain multiple strategies behind this single
// contract.
type Scanner interface {
	ScanInput(content string) ScanResult
	ScanOutput(content string) ScanResult

	// CanaryToken mints an opaque high-entropy token. The only correct
	// leak detection is substring match, performed by CheckCanary.
	CanaryToken() string
	CheckCanary(output, token string) bool
}
