package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	"github.com/ZanzyTHEbar/byline-digest/byline/db"
	"github.com/ZanzyTHEbar/byline-digest/byline/digest"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/models"
	"github.com/ZanzyTHEbar/byline-digest/byline/mail"
	"github.com/ZanzyTHEbar/byline-digest/byline/observability"
	"github.com/ZanzyTHEbar/byline-digest/byline/search"
	"github.com/ZanzyTHEbar/byline-digest/byline/users"
)

// app holds the wired components of one process.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	db        *sql.DB
	collector *observability.Collector
	generator *generation.HarnessGenerator
	pipeline  *digest.Pipeline

	closers []func(context.Context) error
}

// newApp wires the summarizer. withPipeline also wires users, mail and delivery
// tracking; previews skip them.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, out io.Writer, withPipeline bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	shutdown, err := observability.InitTracing(ctx, cfg.Observability, version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	var metrics ports.Metrics
	if cfg.Observability.Metrics {
		a.collector = observability.NewCollector(internalName)
		metrics = a.collector
	}

	if cfg.Byline.PersistRuns || withPipeline {
		a.db, err = db.ConnectToDB(ctx, db.PathFromDSN(cfg.Byline.Database.DSN), logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	}

	model, err := models.New(cfg.Model, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	provider, err := search.New(cfg.Search, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	orchestrator, err := harness.NewFactory(cfg, a.db, metrics, logger).CreateOrchestrator(model, provider)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.generator = generation.NewHarnessGenerator(orchestrator, cfg.Byline.RunTimeout, cfg.Byline.Concurrency, logger)

	if !withPipeline {
		return a, nil
	}

	source, err := users.New(cfg.Users, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	sender, err := mail.New(cfg.Mail, out, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	opts := []digest.Option{
		digest.WithDeliveryLog(db.NewDeliveryLog(a.db)),
		digest.WithContract(harness.NewContract(cfg.Harness.MaxBullets, cfg.Byline.FallbackText)),
		digest.WithConcurrency(cfg.Byline.Concurrency),
		digest.WithLogger(logger),
	}
	if a.collector != nil {
		opts = append(opts, digest.WithRecorder(a.collector))
	}
	a.pipeline = digest.NewPipeline(source, a.generator, sender, opts...)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown incomplete")
	}
}

// loadConfig reads configuration and applies check, which may be nil.
func loadConfig(path string, check func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func fatal(logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Msg(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
