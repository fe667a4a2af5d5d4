// Command byline generates and mails the daily research digest.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	internal "github.com/ZanzyTHEbar/byline-digest/byline"
	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	"github.com/ZanzyTHEbar/byline-digest/byline/db"
	"github.com/ZanzyTHEbar/byline-digest/byline/digest"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/ZanzyTHEbar/byline-digest/byline/logging"
	"github.com/ZanzyTHEbar/byline-digest/byline/server"
)

const internalName = internal.DefaultAppName

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `usage: byline <command> [flags]

commands:
  run       generate and deliver today's digest once
  preview   summarize a single interest and print the HTML
  serve     serve the HTTP API and deliver the digest daily
  runs      list recorded conversations
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		runCmd(args)
	case "preview":
		previewCmd(args)
	case "serve":
		serveCmd(args)
	case "runs":
		runsCmd(args)
	case "version", "--version", "-v":
		fmt.Printf("byline %s (built %s)\n", version, buildTime)
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

// newFlagSet registers the flags every command shares and binds them into viper.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to the configuration file")
	fs.String("log-level", "", "override logging.level (trace, debug, info, warn, error)")
	fs.String("log-format", "", "override logging.format (console, json)")
	return fs, configPath
}

// setup parses flags, loads configuration and builds the logger.
func setup(fs *pflag.FlagSet, configPath *string, args []string, check func(*config.Config) error) (*config.Config, zerolog.Logger, func()) {
	_ = fs.Parse(args)

	for key, flag := range map[string]string{"logging.level": "log-level", "logging.format": "log-format"} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			_ = viper.BindPFlag(key, f)
		}
	}

	cfg, err := loadConfig(*configPath, check)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("app", internalName).Logger()
	return cfg, logger, func() { _ = closer.Close() }
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd(args []string) {
	fs, configPath := newFlagSet("run")
	cfg, logger, closeLog := setup(fs, configPath, args, (*config.Config).Validate)
	defer closeLog()

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stdout, true)
	if err != nil {
		fatal(logger, err, "startup failed")
	}
	defer a.Close(context.Background())

	report, err := a.pipeline.Run(ctx)
	if err != nil {
		a.Close(context.Background())
		fatal(logger, err, "digest run failed")
	}
	logger.Info().Stringer("report", report).Msg("digest run finished")
	if report.Failed > 0 {
		a.Close(context.Background())
		closeLog()
		os.Exit(1)
	}
}

func previewCmd(args []string) {
	fs, configPath := newFlagSet("preview")
	topic := fs.StringP("topic", "t", "", "interest to summarize")
	subs := fs.StringSliceP("sub", "s", nil, "subinterest (repeatable or comma separated)")
	cfg, logger, closeLog := setup(fs, configPath, args, (*config.Config).ValidateForPreview)
	defer closeLog()

	interest, err := ports.NewInterest(*topic, *subs...)
	if err != nil {
		fatal(logger, err, "invalid interest")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stdout, false)
	if err != nil {
		fatal(logger, err, "startup failed")
	}
	defer a.Close(context.Background())

	res, err := a.generator.Generate(ctx, interest)
	if err != nil {
		a.Close(context.Background())
		fatal(logger, err, "preview failed")
	}
	logger.Info().
		Str("run_id", res.RunID).
		Str("state", res.State.String()).
		Int("rounds", res.Rounds).
		Int("tool_calls", res.ToolCalls).
		Msg("preview finished")
	fmt.Println(res.Text)
}

func serveCmd(args []string) {
	fs, configPath := newFlagSet("serve")
	noSchedule := fs.Bool("no-schedule", false, "serve the API without the daily run")
	cfg, logger, closeLog := setup(fs, configPath, args, (*config.Config).Validate)
	defer closeLog()

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stdout, true)
	if err != nil {
		fatal(logger, err, "startup failed")
	}
	defer a.Close(context.Background())

	var metrics http.Handler
	if a.collector != nil {
		metrics = a.collector.Handler()
	}
	srv := server.New(a.generator, a.pipeline, metrics, version, logger).HTTPServer(cfg.Server)

	if !*noSchedule {
		sched, err := digest.NewScheduler(a.pipeline, cfg.Byline.DailyAt, logger)
		if err != nil {
			a.Close(context.Background())
			fatal(logger, err, "invalid schedule")
		}
		go sched.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().Str("addr", cfg.Server.Addr).Str("version", version).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Close(context.Background())
		fatal(logger, err, "server error")
	}
}

func runsCmd(args []string) {
	fs, configPath := newFlagSet("runs")
	topic := fs.StringP("topic", "t", "", "only runs for this interest")
	limit := fs.IntP("limit", "n", 20, "maximum number of runs")
	cfg, logger, closeLog := setup(fs, configPath, args, nil)
	defer closeLog()

	ctx, stop := signalContext()
	defer stop()

	sqlDB, err := db.ConnectToDB(ctx, db.PathFromDSN(cfg.Byline.Database.DSN), logger)
	if err != nil {
		fatal(logger, err, "open database")
	}
	defer sqlDB.Close()

	runs, err := adapters.NewLibSQLRunStore(sqlDB).ListRuns(ctx, *topic, *limit)
	if err != nil {
		_ = sqlDB.Close()
		fatal(logger, err, "list runs")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTOPIC\tSTATE\tROUNDS\tTOOLS\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", r.RunID, r.Topic, r.State, r.Rounds, r.ToolCalls, r.FinishedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
