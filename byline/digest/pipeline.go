// Package digest runs the daily job: summarize every user's interests and mail the result.
package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"github.com/ZanzyTHEbar/byline-digest/byline/generation"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness"
	"github.com/ZanzyTHEbar/byline-digest/byline/mail"
	"github.com/ZanzyTHEbar/byline-digest/byline/users"
)

// Per-user outcomes, also used as metric labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// DeliveryLog remembers who already received a given day's digest.
type DeliveryLog interface {
	Delivered(ctx context.Context, userID string, day time.Time) (bool, error)
	MarkDelivered(ctx context.Context, userID, email string, day time.Time, interests int) error
}

// Recorder counts per-user outcomes.
type Recorder interface {
	Delivery(outcome string)
}

// Report summarizes one pipeline run.
type Report struct {
	Users     int
	Delivered int
	Failed    int
	Skipped   int
}

func (r Report) String() string {
	return fmt.Sprintf("users=%d delivered=%d failed=%d skipped=%d", r.Users, r.Delivered, r.Failed, r.Skipped)
}

type Option func(*Pipeline)

func WithDeliveryLog(l DeliveryLog) Option { return func(p *Pipeline) { p.deliveries = l } }

// WithContract enables the heading order check on composed digests.
func WithContract(c *harness.Contract) Option { return func(p *Pipeline) { p.contract = c } }

func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithConcurrency bounds how many users are processed at once.
func WithConcurrency(n int) Option { return func(p *Pipeline) { p.concurrency = n } }

func WithLogger(l zerolog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// Pipeline delivers one digest per user. A failure for one user never stops the others.
type Pipeline struct {
	users       users.Source
	generator   generation.Generator
	sender      mail.Sender
	deliveries  DeliveryLog
	contract    *harness.Contract
	recorder    Recorder
	now         func() time.Time
	concurrency int
	logger      zerolog.Logger
}

func NewPipeline(source users.Source, generator generation.Generator, sender mail.Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		users:       source,
		generator:   generator,
		sender:      sender,
		now:         time.Now,
		concurrency: 1,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	p.logger = p.logger.With().Str("component", "digest").Logger()
	return p
}

// Run processes every user once. It fails only when the user list cannot be loaded.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	list, err := p.users.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list users: %w", err)
	}
	day := p.now()
	p.logger.Info().Int("users", len(list)).Str("day", day.Format("2006-01-02")).Msg("digest run started")

	mapper := iter.Mapper[users.User, string]{MaxGoroutines: p.concurrency}
	outcomes := mapper.Map(list, func(u *users.User) string {
		outcome := p.deliver(ctx, *u, day)
		if p.recorder != nil {
			p.recorder.Delivery(outcome)
		}
		return outcome
	})

	report := Report{Users: len(list)}
	for _, o := range outcomes {
		switch o {
		case OutcomeDelivered:
			report.Delivered++
		case OutcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	p.logger.Info().
		Int("users", report.Users).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("digest run finished")
	return report, nil
}

func (p *Pipeline) deliver(ctx context.Context, u users.User, day time.Time) string {
	log := p.logger.With().Str("user_id", u.ID).Str("email", u.Email).Logger()

	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("run cancelled before user was processed")
		return OutcomeSkipped
	}
	if len(u.Interests) == 0 {
		log.Warn().Msg("user has no interests")
		return OutcomeSkipped
	}
	if p.deliveries != nil {
		done, err := p.deliveries.Delivered(ctx, u.ID, day)
		if err != nil {
			log.Warn().Err(err).Msg("delivery log unavailable; sending anyway")
		} else if done {
			log.Info().Msg("digest already delivered today")
			return OutcomeSkipped
		}
	}

	sections := p.generator.GenerateAll(ctx, u.Interests)
	body := generation.Compose(sections)
	produced := generation.Succeeded(sections)
	if body == "" {
		log.Warn().Int("interests", len(u.Interests)).Msg("no interest produced a summary")
		return OutcomeSkipped
	}
	if p.contract != nil {
		if problems := p.contract.CheckOrder(body, produced); len(problems) > 0 {
			log.Warn().Strs("problems", problems).Msg("digest headings out of order")
		}
	}

	msg, err := mail.Compose(u.Email, body, day)
	if err != nil {
		log.Error().Err(err).Msg("failed to render digest")
		return OutcomeFailed
	}
	if err := p.sender.Send(ctx, msg); err != nil {
		log.Error().Err(err).Msg("failed to deliver digest")
		return OutcomeFailed
	}

	if p.deliveries != nil {
		if err := p.deliveries.MarkDelivered(ctx, u.ID, u.Email, day, len(produced)); err != nil {
			log.Error().Err(err).Msg("failed to record delivery")
		}
	}
	log.Info().Int("interests", len(u.Interests)).Int("summarized", len(produced)).Msg("digest delivered")
	return OutcomeDelivered
}
