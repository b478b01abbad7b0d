package domain

import (
	"context"
	"time"
)

// Role constants for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Scope classifies where a message arrived.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeChannel Scope = "channel"
	ScopeThread  Scope = "thread"
)

// SessionAddress locates a conversation on a channel provider.
type SessionAddress struct {
	Provider  string `json:"provider"`
	Scope     Scope  `json:"scope"`
	AgentID   string `json:"agent_id"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// SessionID canonicalizes the address into agent:channel:scope[:identifier].
func (a SessionAddress) SessionID() (string, error) {
	switch a.Scope {
	case ScopeThread:
		return ComposeSessionID(a.AgentID, a.Provider, string(ScopeThread), a.ThreadID)
	case ScopeDM:
		return ComposeSessionID(a.AgentID, a.Provider, string(ScopeDM), a.UserID)
	default:
		return ComposeSessionID(a.AgentID, a.Provider, string(ScopeChannel), a.ChannelID)
	}
}

// ParentChannelID returns the session ID of the channel a thread lives in.
func (a SessionAddress) ParentChannelID() (string, error) {
	return ComposeSessionID(a.AgentID, a.Provider, string(ScopeChannel), a.ChannelID)
}

// Attachment is an opaque reference to media carried by a message.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// InboundMessage is a user message received from a channel or the HTTP
// surface. It is owned by the Router until enqueued.
type InboundMessage struct {
	ID          string         `json:"id"`
	Address     SessionAddress `json:"session_address"`
	Sender      string         `json:"sender"`
	SenderName  string         `json:"sender_name,omitempty"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	IsMention   bool           `json:"is_mention,omitempty"`
}

// MessageStatus is the queue state of an admitted message. Transitions form
// a finite state machine with no backward edges:
// queued → in-flight → (complete | failed).
type MessageStatus string

const (
	StatusQueued   MessageStatus = "queued"
	StatusInFlight MessageStatus = "in-flight"
	StatusComplete MessageStatus = "complete"
	StatusFailed   MessageStatus = "failed"
)

// QueuedMessage is the persisted row for an admitted message.
type QueuedMessage struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Sender     string        `json:"sender"`
	Channel    string        `json:"channel"`
	Content    string        `json:"content"`
	Status     MessageStatus `json:"status"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// MessageQueue is a durable FIFO of admitted messages. At most one row per
// session may be in-flight at a time.
type MessageQueue interface {
	Enqueue(ctx context.Context, msg QueuedMessage) (string, error)
	Dequeue(ctx context.Context) (*QueuedMessage, error)
	DequeueByID(ctx context.Context, id string) (*QueuedMessage, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string) error

	// RecoverStale marks in-flight rows left behind by a crash as failed.
	RecoverStale(ctx context.Context) (int, error)
	Close() error
}

// ConversationTurn is one persisted turn of a session's conversation.
type ConversationTurn struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationStore is the per-session append-only turn log.
type ConversationStore interface {
	Append(ctx context.Context, sessionID, role, content, sender string) error
	// Load returns the most recent limit turns in chronological order.
	Load(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error)
	Count(ctx context.Context, sessionID string) (int, error)
	Prune(ctx context.Context, sessionID string, keepTail int) error
	Close() error
}

// SessionStore tracks the last channel session per agent so scheduled jobs
// with delivery target "last" can resolve.
type SessionStore interface {
	SetLast(ctx context.Context, agentID string, addr SessionAddress) error
	Last(ctx context.Context, agentID string) (*SessionAddress, error)
	Close() error
}
