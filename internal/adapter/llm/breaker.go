package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"ax/internal/domain"
)

// BreakerProvider wraps an LLM provider with a circuit breaker so a flapping
// upstream fails fast instead of tying up every session turn for the full
// timeout.
type BreakerProvider struct {
	inner domain.LLMProvider
	cb    *gobreaker.CircuitBreaker[<-chan domain.ChatChunk]
}

// NewBreakerProvider opens the circuit after 5 consecutive failures and
// probes again after 30 seconds.
func NewBreakerProvider(inner domain.LLMProvider, log *slog.Logger) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("llm circuit state change", "provider", name,
				"from", from.String(), "to", to.String())
		},
	}
	return &BreakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[<-chan domain.ChatChunk](settings),
	}
}

func (b *BreakerProvider) Name() string { return b.inner.Name() }

// StreamChat delegates through the breaker. Only the request setup counts
// toward failures; mid-stream errors surface as an error stop reason.
func (b *BreakerProvider) StreamChat(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, error) {
	stream, err := b.cb.Execute(func() (<-chan domain.ChatChunk, error) {
		return b.inner.StreamChat(ctx, req)
	})
	if err != nil {
		return nil, domain.NewDomainError("llm.breaker", domain.ErrProviderError, err.Error())
	}
	return stream, nil
}
