package harness

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/tools"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg     *config.Config
	db      *sql.DB // Optional, for the run store
	metrics ports.Metrics
	logger  zerolog.Logger
}

// NewFactory creates a new harness factory. db and metrics may be nil.
func NewFactory(cfg *config.Config, db *sql.DB, metrics ports.Metrics, logger zerolog.Logger) *Factory {
	if metrics == nil {
		metrics = &noOpMetrics{}
	}
	return &Factory{cfg: cfg, db: db, metrics: metrics, logger: logger}
}

// CreateOrchestrator wires the model client and search provider into an Orchestrator.
// The search tool matching the provider's corpus is the only tool declared.
func (f *Factory) CreateOrchestrator(model ports.ModelClient, provider ports.SearchProvider) (*Orchestrator, error) {
	h := f.cfg.Harness
	tool := f.CreateTool(provider)

	opts := f.CreatePromptOptions(tool.Name())
	builder := NewPromptBuilder(opts)

	var wrapped ports.Tool = tool
	if h.CacheEnabled {
		wrapped = tools.NewCachedTool(tool, f.createCache(), h.CacheTTLSeconds, f.metrics.CacheLookup)
	}

	return NewOrchestrator(model, builder, []ports.Tool{wrapped},
		WithPolicy(f.CreatePolicy()),
		WithGuardrails(f.CreateGuardrails()),
		WithEncoder(NewPayloadEncoder(Budget{MaxContextTokens: h.MaxContextTokens, MaxSummaryTokens: h.MaxSummaryTokens}, nil)),
		WithContract(NewContract(opts.MaxBullets, opts.FallbackSentence)),
		WithStore(f.createStore()),
		WithLimiter(f.createRateLimiter()),
		WithTracer(f.createTracer()),
		WithMetrics(f.metrics),
		WithLogger(f.logger.With().Str("component", "harness").Logger()),
	)
}

// CreateTool picks the tool flavor for the configured search backend.
func (f *Factory) CreateTool(provider ports.SearchProvider) *tools.SearchTool {
	s := f.cfg.Search
	if s.Backend == "arxiv" {
		return tools.NewPaperSearchTool(provider, s.MaxResults, s.Recency)
	}
	return tools.NewWebSearchTool(provider, s.MaxResults, s.Recency)
}

// CreatePromptOptions derives the prompt parameters from the search and harness config.
func (f *Factory) CreatePromptOptions(toolName string) PromptOptions {
	corpus := "news and articles"
	if f.cfg.Search.Backend == "arxiv" {
		corpus = "research papers"
	}
	return PromptOptions{
		Recency:          f.cfg.Search.Recency,
		MaxBullets:       f.clamp("max_bullets", f.cfg.Harness.MaxBullets, 1, 4),
		MaxResults:       f.cfg.Search.MaxResults,
		Corpus:           corpus,
		ToolNames:        []string{toolName},
		FallbackSentence: f.cfg.Byline.FallbackText,
	}
}

// createCache creates a cache adapter from config.
func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.clamp("cache_capacity", f.cfg.Harness.CacheCapacity, 1, 100000))
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	if f.cfg.Harness.Tracer == "otel" {
		return adapters.NewOTelTracer(otel.Tracer(f.cfg.Observability.ServiceName))
	}
	return adapters.NewZerologTracer(f.logger)
}

// createStore creates a run store adapter from config.
func (f *Factory) createStore() ports.RunStore {
	if f.db == nil || !f.cfg.Byline.PersistRuns {
		return nil
	}
	return adapters.NewLibSQLRunStore(f.db)
}

// CreateGuardrails creates guardrails from config.
func (f *Factory) CreateGuardrails() *Guardrails {
	guardrails := NewGuardrails()
	if f.cfg.Harness.EnableGuardrails {
		for _, toolName := range f.cfg.Harness.AllowedTools {
			guardrails.AddAllowedTool(toolName)
		}
	}
	return guardrails
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	h := f.cfg.Harness
	policy := &Policy{
		MaxRounds:       f.clamp("max_rounds", h.MaxRounds, 1, 20),
		ToolConcurrency: f.clamp("tool_concurrency", h.ToolConcurrency, 1, 16),
		ToolTimeout:     h.ToolTimeout,
		EnforceContract: h.EnforceContract,
		SanitizeOutput:  h.EnableGuardrails,
	}
	if policy.ToolTimeout <= 0 {
		policy.ToolTimeout = 30 * time.Second
		f.logger.Warn().Dur("tool_timeout", h.ToolTimeout).Msg("ToolTimeout defaulted to 30s")
	}
	return policy
}

func (f *Factory) clamp(name string, v, lo, hi int) int {
	if v < lo {
		f.logger.Warn().Int(name, v).Msgf("%s clamped to minimum of %d", name, lo)
		return lo
	}
	if v > hi {
		f.logger.Warn().Int(name, v).Msgf("%s clamped to maximum of %d", name, hi)
		return hi
	}
	return v
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpMetrics implements Metrics interface with no-op behavior.
type noOpMetrics struct{}

func (m *noOpMetrics) RunFinished(state string, rounds int, elapsed time.Duration) {}
func (m *noOpMetrics) ModelCall(provider string, elapsed time.Duration, err error) {}
func (m *noOpMetrics) ToolCall(tool, outcome string, elapsed time.Duration) {}
func (m *noOpMetrics) CacheLookup(tool string, hit bool) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
	_ ports.Metrics     = (*noOpMetrics)(nil)
)
