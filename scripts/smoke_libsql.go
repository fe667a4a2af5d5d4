//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/db"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// RunSmokeLibSQL checks the embedded database features the digest relies on:
// plain SQL, JSON1, migrations, the run store and the delivery log.
func RunSmokeLibSQL(ctx context.Context, dir string) error {
	fmt.Println("Smoke test: LibSQL embedded features")
	path := filepath.Join(dir, "smoke.db")
	defer os.Remove(path)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	dbconn, err := db.ConnectToDB(ctx, path, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer dbconn.Close()

	// Basic
	var v int
	if err := dbconn.QueryRowContext(ctx, "SELECT 1").Scan(&v); err != nil {
		return fmt.Errorf("basic SELECT: %w", err)
	}
	if v != 1 {
		return fmt.Errorf("basic SELECT returned %v", v)
	}
	fmt.Println("OK: basic SQL")

	// JSON1, used for stored conversation turns
	var jsonRes string
	if err := dbconn.QueryRowContext(ctx, `SELECT json_extract('{"test":"value"}', '$.test')`).Scan(&jsonRes); err != nil {
		return fmt.Errorf("JSON1 query: %w", err)
	}
	if jsonRes != "value" {
		return fmt.Errorf("JSON1 returned unexpected: %v", jsonRes)
	}
	fmt.Println("OK: JSON1")

	// Migrations are idempotent
	if err := db.Migrate(ctx, dbconn, logger); err != nil {
		return fmt.Errorf("re-migrate: %w", err)
	}
	fmt.Println("OK: migrations")

	// Run store round trip
	store := adapters.NewLibSQLRunStore(dbconn)
	now := time.Now().UTC()
	rec := ports.RunRecord{
		RunID:      "smoke-run",
		Topic:      "smoke",
		State:      "done",
		Rounds:     1,
		ModelCalls: 2,
		ToolCalls:  1,
		Text:       "<h2>smoke</h2>",
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
	}
	if err := store.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	runs, err := store.ListRuns(ctx, "smoke", 5)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) != 1 || runs[0].RunID != rec.RunID {
		return fmt.Errorf("run store returned %d runs", len(runs))
	}
	fmt.Println("OK: run store")

	// Delivery log
	deliveries := db.NewDeliveryLog(dbconn)
	if err := deliveries.MarkDelivered(ctx, "smoke-user", "smoke@example.com", now, 1); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	sent, err := deliveries.Delivered(ctx, "smoke-user", now)
	if err != nil {
		return fmt.Errorf("delivered: %w", err)
	}
	if !sent {
		return fmt.Errorf("delivery was not recorded")
	}
	fmt.Println("OK: delivery log")

	fmt.Println("Smoke checks completed.")
	return nil
}
