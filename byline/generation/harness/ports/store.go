package harnessports

import (
	"context"
	"time"
)

// RunRecord is the audit row written once a conversation finishes.
type RunRecord struct {
	RunID          string
	ConversationID string
	Topic          string
	State          string
	Rounds         int
	ModelCalls     int
	ToolCalls      int
	Text           string
	Error          string
	Turns          []Turn
	StartedAt      time.Time
	FinishedAt     time.Time
}

// RunStore persists finished runs. It is write-mostly; nothing resumes from it.
type RunStore interface {
	SaveRun(ctx context.Context, rec RunRecord) error
	ListRuns(ctx context.Context, topic string, limit int) ([]RunRecord, error)
}
