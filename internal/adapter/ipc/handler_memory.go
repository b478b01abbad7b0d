package ipc

import (
	"context"

	"ax/internal/domain"
)

// RegisterMemoryHandlers binds the memory_* actions to a memory provider.
func RegisterMemoryHandlers(s *Server, mem domain.MemoryProvider) {
	s.Register(ActionMemoryWrite, func(ctx context.Context, req Request) (map[string]any, error) {
		id, err := mem.Write(ctx, getString(req.Args, "scope"), getString(req.Args, "content"),
			getStrings(req.Args, "tags"))
		if err != nil {
			return nil, domain.WrapOp("memory_write", err)
		}
		return map[string]any{"id": id}, nil
	})

	s.Register(ActionMemoryQuery, func(ctx context.Context, req Request) (map[string]any, error) {
		entries, err := mem.Query(ctx, getString(req.Args, "scope"), getString(req.Args, "query"),
			getInt(req.Args, "limit"))
		if err != nil {
			return nil, domain.WrapOp("memory_query", err)
		}
		return map[string]any{"entries": entries}, nil
	})

	s.Register(ActionMemoryRead, func(ctx context.Context, req Request) (map[string]any, error) {
		entry, err := mem.Read(ctx, getString(req.Args, "id"))
		if err != nil {
			return nil, domain.WrapOp("memory_read", err)
		}
		return map[string]any{"entry": entry}, nil
	})

	s.Register(ActionMemoryDelete, func(ctx context.Context, req Request) (map[string]any, error) {
		if err := mem.Delete(ctx, getString(req.Args, "id")); err != nil {
			return nil, domain.WrapOp("memory_delete", err)
		}
		return nil, nil
	})

	s.Register(ActionMemoryList, func(ctx context.Context, req Request) (map[string]any, error) {
		entries, err := mem.List(ctx, getString(req.Args, "scope"), getInt(req.Args, "limit"))
		if err != nil {
			return nil, domain.WrapOp("memory_list", err)
		}
		return map[string]any{"entries": entries}, nil
	})
}
