package domain

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentArchived  AgentStatus = "archived"
)

// AgentRecord is one row of the agent registry.
type AgentRecord struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Status       AgentStatus `json:"status"`
	ParentID     string      `json:"parent_id,omitempty"`
	AgentType    string      `json:"agent_type,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	CreatedBy    string      `json:"created_by,omitempty"`
}

// AgentRegistry persists agent records. ID uniqueness is enforced
// atomically on register.
type AgentRegistry interface {
	Register(ctx context.Context, rec AgentRecord) error
	Get(ctx context.Context, id string) (*AgentRecord, error)
	List(ctx context.Context) ([]AgentRecord, error)
	Update(ctx context.Context, rec AgentRecord) error
}

// Identity file names inside an agent directory. BOOTSTRAP.md and SOUL.md
// are mutually exclusive: writing SOUL.md deletes BOOTSTRAP.md.
const (
	FileSoul      = "SOUL.md"
	FileIdentity  = "IDENTITY.md"
	FileUser      = "USER.md"
	FileBootstrap = "BOOTSTRAP.md"
	FileAdmins    = "admins"
)

// IdentityWritable reports whether name is a file identity_write may touch.
func IdentityWritable(name string) bool {
	switch name {
	case FileSoul, FileIdentity, FileUser, FileBootstrap:
		return true
	}
	return false
}

// ValidAgentID reports whether id is safe to use as a directory name under
// the agents root: a single path-safe segment, or the delegated form
// "delegate-<id>:depth=N".
func ValidAgentID(id string) bool {
	if base, ok := strings.CutPrefix(id, "delegate-"); ok {
		name, depth, found := strings.Cut(base, ":depth=")
		if !found {
			return false
		}
		if n, err := strconv.Atoi(depth); err != nil || n < 0 {
			return false
		}
		return ValidSessionSegment(name)
	}
	return ValidSessionSegment(id)
}

// ParseDelegationDepth extracts the depth from an agent ID of the form
// "delegate-<parent>:depth=N". A top-level agent is depth 0.
func ParseDelegationDepth(agentID string) int {
	idx := strings.LastIndex(agentID, "depth=")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(agentID[idx+len("depth="):])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DelegateChildAgentID builds the child context's agent ID so the next hop
// sees its own depth.
func DelegateChildAgentID(parentAgentID string, depth int) string {
	base := parentAgentID
	if idx := strings.LastIndex(base, ":depth="); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimPrefix(base, "delegate-")
	return "delegate-" + base + ":depth=" + strconv.Itoa(depth)
}

// IdentityStore owns the per-agent directory files. Mutations go through
// the identity_write / user_write IPC handlers only.
type IdentityStore interface {
	Read(agentID, file string) (string, error)
	Write(agentID, file, content string) error
	WriteUser(agentID, userID, content string) error
	Admins(agentID string) ([]string, error)
	InBootstrap(agentID string) bool
	AgentDir(agentID string) string
}
