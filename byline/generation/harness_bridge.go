package generation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// HarnessGenerator bridges the digest pipeline to the conversation harness: one
// orchestrator run per interest, bounded by a per-run timeout.
type HarnessGenerator struct {
	orchestrator *harness.Orchestrator
	timeout      time.Duration
	concurrency  int
	logger       zerolog.Logger
}

// NewHarnessGenerator wraps orchestrator. timeout <= 0 disables the per-run deadline;
// concurrency bounds how many interests of one user are summarized at once.
func NewHarnessGenerator(orchestrator *harness.Orchestrator, timeout time.Duration, concurrency int, logger zerolog.Logger) *HarnessGenerator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HarnessGenerator{
		orchestrator: orchestrator,
		timeout:      timeout,
		concurrency:  concurrency,
		logger:       logger.With().Str("component", "generator").Logger(),
	}
}

// Generate summarizes one interest.
func (g *HarnessGenerator) Generate(ctx context.Context, interest ports.Interest) (*harness.Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.orchestrator.Run(ctx, interest)
}

// GenerateAll summarizes interests concurrently. Sections come back in interest order;
// a failed interest yields a section with Err set and never stops the others.
func (g *HarnessGenerator) GenerateAll(ctx context.Context, interests []ports.Interest) []Section {
	mapper := iter.Mapper[ports.Interest, Section]{MaxGoroutines: g.concurrency}
	return mapper.Map(interests, func(in *ports.Interest) Section {
		res, err := g.Generate(ctx, *in)
		log := g.logger.With().Str("topic", in.Topic).Logger()
		switch {
		case err != nil:
			var me *ports.ModelError
			if errors.As(err, &me) {
				log.Error().Err(err).Int("status", me.StatusCode).Msg("interest could not be summarized")
			} else {
				log.Error().Err(err).Msg("interest rejected")
			}
		case res.LimitExceeded():
			log.Warn().Int("rounds", res.Rounds).Msg("tool round limit reached; delivering best-effort text")
		}
		return Section{Interest: *in, Result: res, Err: err}
	})
}

var _ Generator = (*HarnessGenerator)(nil)
