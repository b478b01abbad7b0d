package browser

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chromedp/chromedp"

	"ax/internal/domain"
)

// ChromeProvider implements domain.BrowserProvider on headless Chrome via
// chromedp. Each session owns one browser tab; the tab lives until
// CloseSession or provider shutdown.
type ChromeProvider struct {
	log *slog.Logger

	mu        sync.Mutex
	allocator context.Context
	allocStop context.CancelFunc
	sessions  map[string]*tab
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChromeProvider creates the shared headless allocator. Browsers launch
// lazily on first use per session.
func NewChromeProvider(log *slog.Logger) *ChromeProvider {
	allocator, stop := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
		)...)
	return &ChromeProvider{
		log:       log,
		allocator: allocator,
		allocStop: stop,
		sessions:  make(map[string]*tab),
	}
}

// session returns the tab for id, creating it on first use.
func (p *ChromeProvider) session(id string) (*tab, error) {
	if id == "" {
		return nil, domain.NewDomainError("browser.session", domain.ErrInvalidInput, "empty session")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.sessions[id]; ok {
		return t, nil
	}
	ctx, cancel := chromedp.NewContext(p.allocator)
	t := &tab{ctx: ctx, cancel: cancel}
	p.sessions[id] = t
	p.log.Debug("browser session opened", "session", id)
	return t, nil
}

func (p *ChromeProvider) run(ctx context.Context, session string, actions ...chromedp.Action) error {
	t, err := p.session(session)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(t.ctx, actions...) }()
	select {
	case err := <-done:
		return domain.WrapOp("browser.run", err)
	case <-ctx.Done():
		return domain.NewDomainError("browser.run", domain.ErrTimeout, ctx.Err().Error())
	}
}

func (p *ChromeProvider) Navigate(ctx context.Context, session, url string) error {
	return p.run(ctx, session, chromedp.Navigate(url))
}

func (p *ChromeProvider) Click(ctx context.Context, session, ref string) error {
	return p.run(ctx, session, chromedp.Click(ref, chromedp.NodeVisible))
}

func (p *ChromeProvider) Type(ctx context.Context, session, ref, text string) error {
	return p.run(ctx, session, chromedp.SendKeys(ref, text, chromedp.NodeVisible))
}

func (p *ChromeProvider) Text(ctx context.Context, session string) (string, error) {
	var text string
	err := p.run(ctx, session, chromedp.Text("body", &text, chromedp.ByQuery))
	return text, err
}

// CloseSession tears down a session's tab. Closing an unknown session is an
// error so agents notice typoed handles.
func (p *ChromeProvider) CloseSession(_ context.Context, session string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.sessions[session]
	if !ok {
		return domain.NewDomainError("browser.CloseSession", domain.ErrNotFound, session)
	}
	t.cancel()
	delete(p.sessions, session)
	return nil
}

// Close tears down every session and the allocator.
func (p *ChromeProvider) Close() {
	p.mu.Lock()
	for id, t := range p.sessions {
		t.cancel()
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	p.allocStop()
}
