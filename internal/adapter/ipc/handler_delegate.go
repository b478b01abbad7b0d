package ipc

import (
	"context"

	"ax/internal/domain"
)

// DelegateFunc runs a delegated child task and returns its response. The
// implementation enforces the concurrency and depth bounds.
type DelegateFunc func(ctx context.Context, task, taskContext string, depth int) (string, error)

// AgentDelegateHandler routes agent_delegate into the delegation pipeline.
func AgentDelegateHandler(delegate DelegateFunc) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		depth := domain.ParseDelegationDepth(req.AgentID)
		response, err := delegate(ctx, getString(req.Args, "task"),
			getString(req.Args, "context"), depth)
		if err != nil {
			return nil, domain.WrapOp("agent_delegate", err)
		}
		return map[string]any{"response": response}, nil
	}
}
