package ipc

import (
	"context"

	"ax/internal/domain"
)

// RegisterWebHandlers binds web_fetch and web_search. SSRF protection lives
// in the provider, not here.
func RegisterWebHandlers(s *Server, web domain.WebProvider) {
	s.Register(ActionWebFetch, func(ctx context.Context, req Request) (map[string]any, error) {
		result, err := web.Fetch(ctx, getString(req.Args, "url"))
		if err != nil {
			return nil, domain.WrapOp("web_fetch", err)
		}
		return map[string]any{
			"url":         result.URL,
			"status":      result.Status,
			"contentType": result.ContentType,
			"body":        result.Body,
		}, nil
	})

	s.Register(ActionWebSearch, func(ctx context.Context, req Request) (map[string]any, error) {
		results, err := web.Search(ctx, getString(req.Args, "query"), getInt(req.Args, "limit"))
		if err != nil {
			return nil, domain.WrapOp("web_search", err)
		}
		return map[string]any{"results": results}, nil
	})
}

// RegisterBrowserHandlers binds the browser_* actions.
func RegisterBrowserHandlers(s *Server, browser domain.BrowserProvider) {
	s.Register(ActionBrowserNavigate, func(ctx context.Context, req Request) (map[string]any, error) {
		err := browser.Navigate(ctx, getString(req.Args, "session"), getString(req.Args, "url"))
		return nil, domain.WrapOp("browser_navigate", err)
	})

	s.Register(ActionBrowserClick, func(ctx context.Context, req Request) (map[string]any, error) {
		err := browser.Click(ctx, getString(req.Args, "session"), getString(req.Args, "ref"))
		return nil, domain.WrapOp("browser_click", err)
	})

	s.Register(ActionBrowserType, func(ctx context.Context, req Request) (map[string]any, error) {
		err := browser.Type(ctx, getString(req.Args, "session"), getString(req.Args, "ref"),
			getString(req.Args, "text"))
		return nil, domain.WrapOp("browser_type", err)
	})

	s.Register(ActionBrowserText, func(ctx context.Context, req Request) (map[string]any, error) {
		text, err := browser.Text(ctx, getString(req.Args, "session"))
		if err != nil {
			return nil, domain.WrapOp("browser_text", err)
		}
		return map[string]any{"text": text}, nil
	})

	s.Register(ActionBrowserClose, func(ctx context.Context, req Request) (map[string]any, error) {
		err := browser.CloseSession(ctx, getString(req.Args, "session"))
		return nil, domain.WrapOp("browser_close", err)
	})
}
