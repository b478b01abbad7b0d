package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewDomainError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
)

// Sentinel errors for the trust-boundary subsystem.
var (
	ErrValidation      = fmt.Errorf("validation failed")
	ErrScannerBlocked  = fmt.Errorf("content blocked by scanner")
	ErrTaintBlocked    = fmt.Errorf("action blocked by taint budget")
	ErrProcessFailure  = fmt.Errorf("agent process failed")
	ErrProviderError   = fmt.Errorf("provider error")
	ErrStorage         = fmt.Errorf("storage operation failed")
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrSessionInvalid  = fmt.Errorf("invalid session id")
	ErrSSRFBlocked     = fmt.Errorf("request to private/reserved IP blocked")
	ErrAuditWrite      = fmt.Errorf("audit log write failed")
	ErrFrameTooLarge   = fmt.Errorf("ipc frame exceeds maximum size")
	ErrUnknownAction   = fmt.Errorf("unknown or missing action")
	ErrDelegationLimit = fmt.Errorf("delegation limit exceeded")
	ErrBootstrapGated  = fmt.Errorf("agent is in bootstrap mode")
	ErrIdentityFile    = fmt.Errorf("identity file not writable")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Router.ProcessInbound")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTerminal reports whether err is a security decision that is final for
// the current request and must not be re-raised past the request boundary.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrScannerBlocked) || errors.Is(err, ErrTaintBlocked)
}
