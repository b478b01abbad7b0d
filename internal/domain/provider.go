package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ChunkType tags a streaming LLM chunk.
type ChunkType string

const (
	ChunkText    ChunkType = "text"
	ChunkToolUse ChunkType = "tool_use"
	ChunkDone    ChunkType = "done"
)

// ChatChunk is one element of a streaming chat response.
type ChatChunk struct {
	Type       ChunkType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
}

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes a tool offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Tools     []ToolSchema  `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// LLMProvider streams chat completions as a lazy chunk sequence. The channel
// is closed after the terminal done chunk; backpressure is the consumer's
// decision.
type LLMProvider interface {
	Name() string
	StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)
}

// MemoryEntry is one stored memory item.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryProvider backs the memory_* IPC actions.
type MemoryProvider interface {
	Write(ctx context.Context, scope, content string, tags []string) (string, error)
	Query(ctx context.Context, scope, query string, limit int) ([]MemoryEntry, error)
	Read(ctx context.Context, id string) (*MemoryEntry, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, scope string, limit int) ([]MemoryEntry, error)
}

// WebResult is the outcome of a web fetch.
type WebResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
}

// SearchResult is one hit from a web search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebProvider backs web_fetch and web_search. SSRF protection is the
// provider's duty.
type WebProvider interface {
	Fetch(ctx context.Context, url string) (*WebResult, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// BrowserProvider backs the browser_* IPC actions. Sessions are opaque
// provider-scoped identifiers.
type BrowserProvider interface {
	Navigate(ctx context.Context, session, url string) error
	Click(ctx context.Context, session, ref string) error
	Type(ctx context.Context, session, ref, text string) error
	Text(ctx context.Context, session string) (string, error)
	CloseSession(ctx context.Context, session string) error
}
