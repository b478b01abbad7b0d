package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"ax/internal/domain"
)

// pattern pairs a name with a compiled regex and the verdict it triggers.
type pattern struct {
	name    string
	re      *regexp.Regexp
	verdict domain.Verdict
}

// Default inbound patterns target prompt injection. The exact set is
// policy, not architecture; the verdict contract and escalation rule are
// fixed.
var defaultInputPatterns = []pattern{
	{"injection.ignore_instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`), domain.VerdictBlock},
	{"injection.disregard_system", regexp.MustCompile(`(?i)disregard\s+(the\s+)?(system\s+prompt|your\s+instructions)`), domain.VerdictBlock},
	{"injection.new_persona", regexp.MustCompile(`(?i)you\s+are\s+now\s+(dan|unrestricted|jailbroken)`), domain.VerdictBlock},
	{"injection.reveal_prompt", regexp.MustCompile(`(?i)(reveal|print|repeat)\s+(your\s+)?(system\s+prompt|initial\s+instructions)`), domain.VerdictFlag},
	{"injection.role_override", regexp.MustCompile(`(?i)\bsystem\s*:\s*you\s+(are|must|will)\b`), domain.VerdictFlag},
	{"injection.tool_hijack", regexp.MustCompile(`(?i)call\s+the\s+\w+\s+tool\s+with\s+my\s+credentials`), domain.VerdictFlag},
}

// Default outbound patterns target secret leakage.
var defaultOutputPatterns = []pattern{
	{"secret.anthropic_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`), domain.VerdictBlock},
	{"secret.openai_key", regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`), domain.VerdictBlock},
	{"secret.slack_token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), domain.VerdictBlock},
	{"secret.aws_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), domain.VerdictBlock},
	{"secret.private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), domain.VerdictBlock},
	{"secret.env_assignment", regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password)\s*=\s*\S{8,}`), domain.VerdictFlag},
}

const canaryPrefix = "CANARY-"

// RegexScanner implements domain.Scanner with two regex pattern sets.
type RegexScanner struct {
	input  []pattern
	output []pattern
}

// NewRegexScanner creates a scanner with the default pattern sets.
func NewRegexScanner() *RegexScanner {
	return &RegexScanner{input: defaultInputPatterns, output: defaultOutputPatterns}
}

func (s *RegexScanner) ScanInput(content string) domain.ScanResult {
	return scan(content, s.input)
}

func (s *RegexScanner) ScanOutput(content string) domain.ScanResult {
	return scan(content, s.output)
}

// scan applies every pattern; the strongest verdict wins.
func scan(content string, patterns []pattern) domain.ScanResult {
	result := domain.ScanResult{Verdict: domain.VerdictPass}
	for _, p := range patterns {
		if !p.re.MatchString(content) {
			continue
		}
		result.Patterns = append(result.Patterns, p.name)
		if p.verdict.Severity() > result.Verdict.Severity() {
			result.Verdict = p.verdict
			result.Reason = p.name
		}
	}
	return result
}

// CanaryToken mints CANARY-<32 hex> with 128 bits of entropy.
func (s *RegexScanner) CanaryToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure is not recoverable for a security token.
		panic(fmt.Sprintf("canary entropy: %v", err))
	}
	return canaryPrefix + hex.EncodeToString(buf[:])
}

// CheckCanary is substring match — the only correct detection.
func (s *RegexScanner) CheckCanary(output, token string) bool {
	if token == "" {
		return false
	}
	return strings.Contains(output, token)
}

// ChainScanner combines multiple scanner strategies behind the single
// contract. Canary operations delegate to the first scanner.
type ChainScanner struct {
	scanners []domain.Scanner
}

// NewChainScanner combines scanners; at least one is required.
func NewChainScanner(scanners ...domain.Scanner) *ChainScanner {
	if len(scanners) == 0 {
		panic("chain scanner needs at least one scanner")
	}
	return &ChainScanner{scanners: scanners}
}

func (c *ChainScanner) ScanInput(content string) domain.ScanResult {
	return c.combine(func(s domain.Scanner) domain.ScanResult { return s.ScanInput(content) })
}

func (c *ChainScanner) ScanOutput(content string) domain.ScanResult {
	return c.combine(func(s domain.Scanner) domain.ScanResult { return s.ScanOutput(content) })
}

func (c *ChainScanner) combine(apply func(domain.Scanner) domain.ScanResult) domain.ScanResult {
	result := domain.ScanResult{Verdict: domain.VerdictPass}
	for _, s := range c.scanners {
		r := apply(s)
		result.Patterns = append(result.Patterns, r.Patterns...)
		if r.Verdict.Severity() > result.Verdict.Severity() {
			result.Verdict = r.Verdict
			result.Reason = r.Reason
		}
	}
	return result
}

func (c *ChainScanner) CanaryToken() string { return c.scanners[0].CanaryToken() }

func (c *ChainScanner) CheckCanary(output, token string) bool {
	return c.scanners[0].CheckCanary(output, token)
}

// CanaryVault holds the active canary token per session for one inbound
// turn. Tokens are destroyed after the outbound is processed.
type CanaryVault struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewCanaryVault creates an empty vault.
func NewCanaryVault() *CanaryVault {
	return &CanaryVault{tokens: make(map[string]string)}
}

// Put binds token to sessionID, replacing any previous binding.
func (v *CanaryVault) Put(sessionID, token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[sessionID] = token
}

// Get returns the active token for sessionID, or "".
func (v *CanaryVault) Get(sessionID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokens[sessionID]
}

// Delete destroys the binding for sessionID.
func (v *CanaryVault) Delete(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, sessionID)
}
