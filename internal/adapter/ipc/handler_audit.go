package ipc

import (
	"context"
	"time"

	"ax/internal/domain"
)

// AuditQueryHandler serves audit_query from the audit store.
func AuditQueryHandler(audit domain.AuditLog) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		var filter domain.AuditFilter
		if raw, ok := req.Args["filter"].(map[string]any); ok {
			filter.Action = getString(raw, "action")
			filter.SessionID = getString(raw, "sessionId")
			filter.Result = domain.AuditResult(getString(raw, "result"))
			filter.Limit = getInt(raw, "limit")
			if since := getString(raw, "since"); since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return nil, domain.NewDomainError("audit_query", domain.ErrInvalidInput, "since: "+since)
				}
				filter.Since = t
			}
		}
		entries, err := audit.Query(ctx, filter)
		if err != nil {
			return nil, domain.WrapOp("audit_query", err)
		}
		return map[string]any{"entries": entries}, nil
	}
}
