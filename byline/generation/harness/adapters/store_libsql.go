package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// LibSQLRunStore implements RunStore on the embedded libsql database. The schema is
// created by the db package migrations.
type LibSQLRunStore struct {
	db *sql.DB
}

// NewLibSQLRunStore creates a new LibSQL run store.
func NewLibSQLRunStore(db *sql.DB) *LibSQLRunStore {
	return &LibSQLRunStore{db: db}
}

// SaveRun writes one finished run with its transcript.
func (s *LibSQLRunStore) SaveRun(ctx context.Context, rec ports.RunRecord) error {
	turns := rec.Turns
	if turns == nil {
		turns = []ports.Turn{}
	}
	transcript, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO runs (
			run_id, conversation_id, topic, state, rounds, model_calls, tool_calls,
			text, error, transcript, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.ConversationID, rec.Topic, rec.State,
		rec.Rounds, rec.ModelCalls, rec.ToolCalls,
		rec.Text, rec.Error, string(transcript),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty topic lists all topics.
func (s *LibSQLRunStore) ListRuns(ctx context.Context, topic string, limit int) ([]ports.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT run_id, conversation_id, topic, state, rounds, model_calls, tool_calls,
		       text, error, transcript, started_at, finished_at
		FROM runs
		WHERE (? = '' OR topic = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, topic, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []ports.RunRecord
	for rows.Next() {
		var (
			rec               ports.RunRecord
			transcript        string
			started, finished string
		)
		if err := rows.Scan(&rec.RunID, &rec.ConversationID, &rec.Topic, &rec.State,
			&rec.Rounds, &rec.ModelCalls, &rec.ToolCalls,
			&rec.Text, &rec.Error, &transcript, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(transcript), &rec.Turns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transcript for run %s: %w", rec.RunID, err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

// Ensure LibSQLRunStore implements the RunStore interface.
var _ ports.RunStore = (*LibSQLRunStore)(nil)
