package domain

import (
	"context"
	"io"
)

// SpawnSpec describes one agent process run.
type SpawnSpec struct {
	Command    []string // argv; IPC socket and workspace paths are appended
	Workspace  string
	SkillsDir  string
	IPCSocket  string
	AgentDir   string
	TimeoutSec int
	MemoryMB   int
}

// Process is a handle on a spawned agent process.
type Process interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	// Timeout expiry kills the child and is reported as a non-zero exit.
	Wait(ctx context.Context) (int, error)
	Kill()
}

// Sandbox spawns agent processes. Subprocess, container, and OS-sandbox
// providers all satisfy the same contract.
type Sandbox interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// StdinPayload is the single JSON blob written to the agent's stdin.
type StdinPayload struct {
	History        []ConversationTurn `json:"history"`
	Message        string             `json:"message"`
	TaintRatio     float64            `json:"taint_ratio"`
	TaintThreshold float64            `json:"taint_threshold"`
	Profile        Profile            `json:"profile"`
	SandboxType    string             `json:"sandbox_type"`
	UserID         string             `json:"user_id,omitempty"`
	ReplyOptional  bool               `json:"reply_optional,omitempty"`
	AgentID        string             `json:"agent_id"`
	AgentName      string             `json:"agent_name,omitempty"`
	Identity       string             `json:"identity,omitempty"`
	Soul           string             `json:"soul,omitempty"`
}
