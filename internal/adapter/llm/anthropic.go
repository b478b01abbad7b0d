package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ax/internal/domain"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider streams chat completions from the Anthropic Messages
// API. It implements domain.LLMProvider.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewAnthropicProvider creates a provider. An empty baseURL targets the
// public API.
func NewAnthropicProvider(apiKey, baseURL string, log *slog.Logger) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
		log:     log,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model     string               `json:"model"`
	MaxTokens int                  `json:"max_tokens"`
	Messages  []domain.ChatMessage `json:"messages"`
	Tools     []anthropicTool      `json:"tools,omitempty"`
	Stream    bool                 `json:"stream"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// sseEvent mirrors the union of streaming event payloads we care about.
type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamChat opens a streaming Messages request and converts SSE events into
// ChatChunks. The returned channel closes after the terminal done chunk.
func (p *AnthropicProvider) StreamChat(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, error) {
	body := messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  req.Messages,
		Stream:    true,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = 4096
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapOp("anthropic.StreamChat", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, domain.WrapOp("anthropic.StreamChat", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewDomainError("anthropic.StreamChat", domain.ErrProviderError, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.NewDomainError("anthropic.StreamChat", domain.ErrProviderError,
			fmt.Sprintf("status %d: %s", resp.StatusCode, msg))
	}

	out := make(chan domain.ChatChunk)
	go p.drainSSE(ctx, resp.Body, out)
	return out, nil
}

// drainSSE reads the event stream until message_stop, an error event, or
// context cancellation, then emits the done chunk and closes out.
func (p *AnthropicProvider) drainSSE(ctx context.Context, body io.ReadCloser, out chan<- domain.ChatChunk) {
	defer close(out)
	defer body.Close()

	stopReason := "stop"
	var toolName string
	var toolInput strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
			p.log.Warn("anthropic stream: bad event", "error", err)
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolName = ev.ContentBlock.Name
				toolInput.Reset()
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if !emit(ctx, out, domain.ChatChunk{Type: domain.ChunkText, Text: ev.Delta.Text}) {
					return
				}
			case "input_json_delta":
				toolInput.WriteString(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			if toolName != "" {
				chunk := domain.ChatChunk{
					Type:      domain.ChunkToolUse,
					ToolName:  toolName,
					ToolInput: json.RawMessage(toolInput.String()),
				}
				toolName = ""
				if !emit(ctx, out, chunk) {
					return
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
		case "message_stop":
			emit(ctx, out, domain.ChatChunk{Type: domain.ChunkDone, StopReason: stopReason})
			return
		case "error":
			p.log.Error("anthropic stream error", "message", ev.Error.Message)
			emit(ctx, out, domain.ChatChunk{Type: domain.ChunkDone, StopReason: "error"})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn("anthropic stream truncated", "error", err)
	}
	emit(ctx, out, domain.ChatChunk{Type: domain.ChunkDone, StopReason: stopReason})
}

func emit(ctx context.Context, out chan<- domain.ChatChunk, chunk domain.ChatChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
