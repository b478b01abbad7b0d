package domain

import "time"

// DeliveryMode routes a scheduled job's output.
type DeliveryMode string

const (
	DeliveryChannel DeliveryMode = "channel"
	DeliveryLog     DeliveryMode = "log"
)

// Delivery describes where a scheduled job's response goes: an explicit
// channel session, the agent's last seen channel session, or the log.
type Delivery struct {
	Mode   DeliveryMode    `json:"mode"`
	Target *SessionAddress `json:"target,omitempty"`
	Last   bool            `json:"last,omitempty"`
}

// Job is one registered scheduled job. RunOnce jobs are removed from the
// registry after one fire.
type Job struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Schedule  string    `json:"schedule"` // cron expression, or RFC3339 time for run_at
	Prompt    string    `json:"prompt"`
	RunOnce   bool      `json:"run_once,omitempty"`
	Delivery  Delivery  `json:"delivery"`
	CreatedAt time.Time `json:"created_at"`
}
