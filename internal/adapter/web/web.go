package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ax/internal/domain"
)

// maxBodyBytes caps fetched response bodies. Agents summarize pages, they
// do not mirror them.
const maxBodyBytes = 2 << 20

// Provider implements domain.WebProvider over a SSRF-guarded HTTP client
// and a SearxNG-compatible search endpoint.
type Provider struct {
	client    *http.Client
	searchURL string
	log       *slog.Logger
}

// NewProvider creates a web provider. searchURL may be empty, in which case
// web_search is disabled.
func NewProvider(searchURL string, log *slog.Logger) *Provider {
	return &Provider{
		client: &http.Client{
			Transport: guardedTransport(),
			Timeout:   30 * time.Second,
		},
		searchURL: searchURL,
		log:       log,
	}
}

// Fetch retrieves a URL. Only http and https schemes are allowed; the
// transport blocks private destinations including redirect targets.
func (p *Provider) Fetch(ctx context.Context, rawURL string) (*domain.WebResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.NewDomainError("web.Fetch", domain.ErrInvalidInput, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, domain.NewDomainError("web.Fetch", domain.ErrInvalidInput, "scheme "+u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.WrapOp("web.Fetch", err)
	}
	req.Header.Set("User-Agent", "ax/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.WrapOp("web.Fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.WrapOp("web.Fetch", err)
	}
	return &domain.WebResult{
		URL:         u.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}, nil
}

// searxResponse is the JSON shape of a SearxNG /search response.
type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search queries the configured SearxNG endpoint.
func (p *Provider) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	if p.searchURL == "" {
		return nil, domain.NewDomainError("web.Search", domain.ErrDisabled, "no search endpoint configured")
	}
	if limit <= 0 {
		limit = 5
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.searchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.WrapOp("web.Search", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.WrapOp("web.Search", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewDomainError("web.Search", domain.ErrProviderError,
			"status "+strconv.Itoa(resp.StatusCode))
	}

	var parsed searxResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("web.Search: decode: %w", err)
	}
	results := make([]domain.SearchResult, 0, limit)
	for _, r := range parsed.Results {
		results = append(results, domain.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}
