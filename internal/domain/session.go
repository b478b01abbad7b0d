package domain

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Session IDs come in two shapes: a UUID (ephemeral) or a colon-separated
// tuple agent:channel:scope[:identifier] (persistent). Each tuple segment
// maps to a path component of the session workspace.

var sessionSegmentRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidSessionSegment reports whether s is usable as a session ID segment.
// Path-traversal segments are rejected here, before any path is derived.
func ValidSessionSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return sessionSegmentRe.MatchString(s)
}

// ComposeSessionID joins validated segments into a canonical session ID.
func ComposeSessionID(parts ...string) (string, error) {
	if len(parts) < 3 {
		return "", NewDomainError("ComposeSessionID", ErrSessionInvalid, "need at least agent:channel:scope")
	}
	for _, p := range parts {
		if !ValidSessionSegment(p) {
			return "", NewDomainError("ComposeSessionID", ErrSessionInvalid, "bad segment "+p)
		}
	}
	return strings.Join(parts, ":"), nil
}

// ParseSessionID splits a tuple-form session ID into its segments,
// validating each one.
func ParseSessionID(id string) ([]string, error) {
	parts := strings.Split(id, ":")
	if len(parts) < 3 {
		return nil, NewDomainError("ParseSessionID", ErrSessionInvalid, id)
	}
	for _, p := range parts {
		if !ValidSessionSegment(p) {
			return nil, NewDomainError("ParseSessionID", ErrSessionInvalid, id)
		}
	}
	return parts, nil
}

// ValidateSessionID accepts either shape: UUID or tuple.
func ValidateSessionID(id string) error {
	if id == "" {
		return NewDomainError("ValidateSessionID", ErrSessionInvalid, "empty")
	}
	if _, err := uuid.Parse(id); err == nil {
		return nil
	}
	_, err := ParseSessionID(id)
	return err
}

// EphemeralSessionID mints a UUID-shaped session ID.
func EphemeralSessionID() string { return uuid.NewString() }

// IsEphemeralSessionID reports whether id is UUID-shaped.
func IsEphemeralSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// WorkspaceRelPath derives the workspace directory for a session, relative
// to the workspaces root. Tuple segments become path components; UUID
// sessions map to a single directory.
func WorkspaceRelPath(sessionID string) (string, error) {
	if IsEphemeralSessionID(sessionID) {
		return sessionID, nil
	}
	parts, err := ParseSessionID(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(parts...), nil
}
