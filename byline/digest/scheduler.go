package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Runner runs the pipeline once.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler runs the pipeline once a day at a fixed local time.
type Scheduler struct {
	runner Runner
	hour   int
	minute int
	now    func() time.Time
	logger zerolog.Logger
}

// NewScheduler parses dailyAt as "HH:MM" in the local time zone.
func NewScheduler(runner Runner, dailyAt string, logger zerolog.Logger) (*Scheduler, error) {
	at, err := time.Parse("15:04", dailyAt)
	if err != nil {
		return nil, fmt.Errorf("digest: daily time %q is not HH:MM: %w", dailyAt, err)
	}
	return &Scheduler{
		runner: runner,
		hour:   at.Hour(),
		minute: at.Minute(),
		now:    time.Now,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Next returns the first scheduled time strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run blocks until ctx is cancelled, running the pipeline at each scheduled time.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := s.now()
		next := s.Next(now)
		s.logger.Info().Time("next_run", next).Msg("digest scheduled")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
		}

		report, err := s.runner.Run(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduled digest run failed")
			continue
		}
		s.logger.Info().Stringer("report", report).Msg("scheduled digest run finished")
	}
}
