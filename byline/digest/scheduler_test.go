package digest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Next(t *testing.T) {
	s, err := NewScheduler(nil, "07:30", zerolog.Nop())
	require.NoError(t, err)

	before := time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 7, 30, 0, 0, time.UTC), s.Next(before))

	exactly := time.Date(2025, 6, 2, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 3, 7, 30, 0, 0, time.UTC), s.Next(exactly))

	after := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 7, 30, 0, 0, time.UTC), s.Next(after))
}

func TestNewScheduler_RejectsBadTime(t *testing.T) {
	_, err := NewScheduler(nil, "7am", zerolog.Nop())
	assert.Error(t, err)
}

type countingRunner struct{ runs chan struct{} }

func (r countingRunner) Run(ctx context.Context) (Report, error) {
	select {
	case r.runs <- struct{}{}:
	default:
	}
	return Report{}, nil
}

func TestScheduler_RunFiresAndStops(t *testing.T) {
	runner := countingRunner{runs: make(chan struct{}, 1)}
	s, err := NewScheduler(runner, "07:00", zerolog.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 6, 2, 6, 59, 59, 990_000_000, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-runner.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run did not fire")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
