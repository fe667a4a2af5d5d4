// Package search implements the recency-filtered search backends the summarizer calls
// through its search tools.
package search

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

const (
	BackendExa   = "exa"
	BackendArxiv = "arxiv"

	defaultRecency    = 24 * time.Hour
	defaultMaxResults = 3
	maxErrorBody      = 512
)

// Option customizes a backend.
type Option func(*options)

type options struct {
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger
}

// WithHTTPClient replaces the backend's HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithClock fixes the time used to compute the recency window.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

func applyOptions(timeout time.Duration, opts []Option) options {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	o := options{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the configured backend, wrapped in a circuit breaker when enabled.
func New(cfg config.SearchConfig, logger zerolog.Logger, opts ...Option) (ports.SearchProvider, error) {
	opts = append([]Option{WithLogger(logger)}, opts...)

	var provider ports.SearchProvider
	switch strings.ToLower(cfg.Backend) {
	case BackendExa, "":
		provider = NewExa(cfg.Exa, cfg.Timeout, opts...)
	case BackendArxiv:
		provider = NewArxiv(cfg.Arxiv, cfg.Timeout, opts...)
	default:
		return nil, fmt.Errorf("search: unknown backend %q", cfg.Backend)
	}

	if !cfg.Breaker.Enabled {
		return provider, nil
	}
	return NewBreaker(provider, cfg.Breaker, logger), nil
}

// window returns the [now-recency, now] bounds of a request.
func window(now time.Time, recency time.Duration) (time.Time, time.Time) {
	if recency <= 0 {
		recency = defaultRecency
	}
	return now.Add(-recency), now
}

func maxResults(n int) int {
	if n < 1 {
		return defaultMaxResults
	}
	return n
}

// squash collapses the line wrapping and indentation feeds put into titles and abstracts.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
