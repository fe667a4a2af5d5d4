package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// Breaker stops calling a failing backend for a while. While open, searches fail fast
// with a *ports.ProviderError the model sees as a tool error.
type Breaker struct {
	provider ports.SearchProvider
	cb       *gobreaker.CircuitBreaker
}

// NewBreaker wraps provider. Consecutive failures past cfg.MaxFailures open the circuit
// for cfg.OpenTimeout; cancelled searches never count against the backend.
func NewBreaker(provider ports.SearchProvider, cfg config.BreakerConfig, logger zerolog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	halfOpen := cfg.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}

	log := logger.With().Str("provider", provider.Name()).Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider.Name(),
		MaxRequests: halfOpen,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("search circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return &Breaker{provider: provider, cb: cb}
}

func (b *Breaker) Name() string { return b.provider.Name() }

// State reports "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) Search(ctx context.Context, req ports.SearchRequest) ([]ports.SearchResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.provider.Search(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ports.ProviderError{
				Provider: b.provider.Name(),
				Op:       "search",
				Err:      fmt.Errorf("circuit breaker: %w", err),
			}
		}
		return nil, err
	}
	results, _ := out.([]ports.SearchResult)
	if results == nil {
		results = []ports.SearchResult{}
	}
	return results, nil
}

var _ ports.SearchProvider = (*Breaker)(nil)
