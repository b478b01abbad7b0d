package domain

import "context"

// OutboundMessage is an agent response routed back to a channel.
type OutboundMessage struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// MessageHandler is the callback a channel invokes for each inbound message.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// Channel is a user-facing message provider. The host treats channels as
// opaque beyond this interface.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	OnMessage(handler MessageHandler)
	ShouldRespond(msg InboundMessage) bool
	Send(ctx context.Context, addr SessionAddress, msg OutboundMessage) error
}

// Reactor is implemented by channels that support message reactions.
type Reactor interface {
	AddReaction(ctx context.Context, msg InboundMessage, name string) error
	RemoveReaction(ctx context.Context, msg InboundMessage, name string) error
}

// ThreadHistoryFetcher is implemented by channels that can backfill prior
// thread messages on first engagement.
type ThreadHistoryFetcher interface {
	FetchThreadHistory(ctx context.Context, addr SessionAddress, limit int) ([]InboundMessage, error)
}
