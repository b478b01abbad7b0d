package ipc

import (
	"context"
	"encoding/json"

	"ax/internal/domain"
)

// LLMCallHandler iterates the provider's streaming chat and collects the
// chunks into a single response. Streaming back over IPC is not needed: the
// sandboxed agent blocks on the full reply anyway.
func LLMCallHandler(provider domain.LLMProvider, defaultModel string, defaultMaxTokens int) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		chatReq := domain.ChatRequest{
			Model:     getString(req.Args, "model"),
			MaxTokens: getInt(req.Args, "maxTokens"),
		}
		if chatReq.Model == "" {
			chatReq.Model = defaultModel
		}
		if chatReq.MaxTokens == 0 {
			chatReq.MaxTokens = defaultMaxTokens
		}

		if rawMsgs, ok := req.Args["messages"].([]any); ok {
			for _, rm := range rawMsgs {
				m, ok := rm.(map[string]any)
				if !ok {
					continue
				}
				chatReq.Messages = append(chatReq.Messages, domain.ChatMessage{
					Role:    getString(m, "role"),
					Content: getString(m, "content"),
				})
			}
		}
		if rawTools, ok := req.Args["tools"].([]any); ok {
			for _, rt := range rawTools {
				t, ok := rt.(map[string]any)
				if !ok {
					continue
				}
				tool := domain.ToolSchema{
					Name:        getString(t, "name"),
					Description: getString(t, "description"),
				}
				if params, ok := t["parameters"]; ok {
					raw, err := json.Marshal(params)
					if err == nil {
						tool.Parameters = raw
					}
				}
				chatReq.Tools = append(chatReq.Tools, tool)
			}
		}

		stream, err := provider.StreamChat(ctx, chatReq)
		if err != nil {
			return nil, domain.WrapOp("llm_call", err)
		}
		var chunks []domain.ChatChunk
		for chunk := range stream {
			chunks = append(chunks, chunk)
		}
		if err := ctx.Err(); err != nil {
			return nil, domain.NewDomainError("llm_call", domain.ErrTimeout, err.Error())
		}
		return map[string]any{"chunks": chunks}, nil
	}
}
