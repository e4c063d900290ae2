// Command remediation validates and repairs historical market data against
// the authoritative vendor feed.
//
// Usage:
//
//	remediation validate  -symbol nifty -from 2024-06-01 -to 2024-06-30 [-mode current]
//	remediation remediate -symbol nifty -from 2024-06-01 -to 2024-06-30 [-mode current] [-dry-run] [-run-id ID]
//	remediation status    -run-id ID
//	remediation reset     -run-id ID -confirm
//	remediation serve
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/iceberg-data/remediation/internal/calendar"
	"github.com/iceberg-data/remediation/internal/clients/breeze"
	"github.com/iceberg-data/remediation/internal/config"
	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/engine"
	"github.com/iceberg-data/remediation/internal/ledger"
	"github.com/iceberg-data/remediation/internal/scheduler"
	"github.com/iceberg-data/remediation/internal/server"
	"github.com/iceberg-data/remediation/internal/storage"
	"github.com/iceberg-data/remediation/internal/strikes"
	"github.com/iceberg-data/remediation/internal/symbols"
	"github.com/iceberg-data/remediation/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "validate":
		code = runValidate(ctx, cfg, log, os.Args[2:])
	case "remediate":
		code = runRemediate(ctx, cfg, log, os.Args[2:])
	case "status":
		code = runStatus(ctx, cfg, log, os.Args[2:])
	case "reset":
		code = runReset(ctx, cfg, log, os.Args[2:])
	case "serve":
		code = runServe(ctx, cfg, log)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `remediation - historical market data remediation engine

Commands:
  validate    compare stored candles against the vendor, report discrepancies
  remediate   re-derive and correct stored candles (ledger-tracked, resumable)
  status      show the progress of a run
  reset       clear a run's progress so it starts from scratch
  serve       run the read-only status API (and scheduled validation, if configured)`)
}

// rangeFlags are the flags shared by validate and remediate.
type rangeFlags struct {
	symbol string
	from   string
	to     string
	mode   string
}

func (rf *rangeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&rf.symbol, "symbol", "", "underlying symbol (nifty, banknifty, ...)")
	fs.StringVar(&rf.from, "from", "", "start date, YYYY-MM-DD")
	fs.StringVar(&rf.to, "to", "", "end date, YYYY-MM-DD (inclusive)")
	fs.StringVar(&rf.mode, "mode", string(domain.ModeCurrent), "series mode: current or positional")
}

func (rf *rangeFlags) parse() (symbol string, mode domain.Mode, from, to time.Time, err error) {
	if rf.symbol == "" {
		return "", "", time.Time{}, time.Time{}, errors.New("-symbol is required")
	}
	mode = domain.Mode(rf.mode)
	if !mode.Valid() {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("invalid -mode %q", rf.mode)
	}
	from, err = parseDate(rf.from, "-from")
	if err != nil {
		return
	}
	to, err = parseDate(rf.to, "-to")
	if err != nil {
		return
	}
	if to.Before(from) {
		err = fmt.Errorf("-to %s is before -from %s", rf.to, rf.from)
		return
	}
	return rf.symbol, mode, from, to, nil
}

func parseDate(s, name string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	d, err := time.ParseInLocation(domain.DateFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q, want YYYY-MM-DD", name, s)
	}
	return d, nil
}

// stack bundles the shared dependencies of validate and remediate.
type stack struct {
	reg      *symbols.Registry
	store    *storage.Postgres
	source   *breeze.Client
	cal      *calendar.Calendar
	resolver *strikes.Resolver
}

func buildStack(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stack, error) {
	reg, err := symbols.Load(cfg.SymbolsPath)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewPostgres(ctx, cfg.PostgresDSN(), log)
	if err != nil {
		return nil, err
	}

	source, err := breeze.New(breeze.Config{
		BaseURL:        cfg.BreezeBaseURL,
		APIKey:         cfg.BreezeAPIKey,
		APISecret:      cfg.BreezeAPISecret,
		SessionToken:   cfg.BreezeSessionToken,
		RateLimitDelay: cfg.RateLimitDelay,
		MaxRetries:     cfg.MaxRetries,
		DailyBudget:    cfg.DailyRequestBudget,
	}, reg, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := source.Connect(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return &stack{
		reg:      reg,
		store:    store,
		source:   source,
		cal:      calendar.New(reg),
		resolver: strikes.NewResolver(reg, store, cfg.StrikeWindow, log),
	}, nil
}

func runValidate(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	var rf rangeFlags
	rf.register(fs)
	_ = fs.Parse(args)

	symbol, mode, from, to, err := rf.parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	st, err := buildStack(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer st.store.Close()

	validator := engine.NewValidator(st.store, st.source, st.cal, st.resolver, cfg.PriceTolerance, log)
	reports, err := validator.ValidateRange(ctx, symbol, mode, from, to)
	if err != nil {
		log.Error().Err(err).Msg("validation failed")
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		log.Error().Err(err).Msg("encoding reports failed")
		return 1
	}

	total := 0
	for _, r := range reports {
		total += len(r.Discrepancies)
	}
	log.Info().Int("days", len(reports)).Int("discrepancies", total).Msg("validation finished")
	return 0
}

func runRemediate(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("remediate", flag.ExitOnError)
	var rf rangeFlags
	rf.register(fs)
	runID := fs.String("run-id", "", "reuse a run ID to resume it (default: new run)")
	dryRun := fs.Bool("dry-run", false, "walk the range and report, write nothing")
	_ = fs.Parse(args)

	symbol, mode, from, to, err := rf.parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	st, err := buildStack(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer st.store.Close()

	led, err := ledger.Open(cfg.LedgerPath, log)
	if err != nil {
		log.Error().Err(err).Msg("opening ledger failed")
		return 1
	}
	defer led.Close()

	recalc := engine.NewTalibRecalculator(st.store, log)
	remediator := engine.NewRemediator(st.store, st.source, led, st.cal, st.resolver, recalc, log)

	summary, err := remediator.Remediate(ctx, engine.RunRequest{
		RunID:  *runID,
		Symbol: symbol,
		Mode:   mode,
		From:   from,
		To:     to,
		DryRun: *dryRun,
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", summary.RunID).Msg("run aborted, resume with -run-id")
		return 1
	}

	printSummary(summary)
	if summary.Status == domain.RunCompletedWithFailures {
		log.Warn().
			Int("failed_items", summary.Counts[domain.StatusFailed]).
			Str("run_id", summary.RunID).
			Msg("run completed with failures, resume with -run-id to retry them")
	}
	return 0
}

func printSummary(s domain.RunSummary) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s)
}

func runStatus(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run-id", "", "run to inspect")
	_ = fs.Parse(args)

	if *runID == "" {
		fmt.Fprintln(os.Stderr, "-run-id is required")
		return 2
	}

	led, err := ledger.Open(cfg.LedgerPath, log)
	if err != nil {
		log.Error().Err(err).Msg("opening ledger failed")
		return 1
	}
	defer led.Close()

	counts, err := led.Summary(ctx, *runID)
	if err != nil {
		log.Error().Err(err).Msg("reading run summary failed")
		return 1
	}
	if len(counts) == 0 {
		fmt.Fprintf(os.Stderr, "run %s not found\n", *runID)
		return 1
	}

	failed, err := led.FailedItems(ctx, *runID)
	if err != nil {
		log.Error().Err(err).Msg("reading failed items failed")
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"run_id": *runID,
		"counts": counts,
		"failed": failed,
	})
	return 0
}

func runReset(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	runID := fs.String("run-id", "", "run to reset")
	confirm := fs.Bool("confirm", false, "confirm the reset")
	_ = fs.Parse(args)

	if *runID == "" {
		fmt.Fprintln(os.Stderr, "-run-id is required")
		return 2
	}
	if !*confirm {
		fmt.Fprintf(os.Stderr, "reset discards the progress of run %s; pass -confirm to proceed\n", *runID)
		return 2
	}

	led, err := ledger.Open(cfg.LedgerPath, log)
	if err != nil {
		log.Error().Err(err).Msg("opening ledger failed")
		return 1
	}
	defer led.Close()

	removed, err := led.ResetRun(ctx, *runID)
	if err != nil {
		log.Error().Err(err).Msg("reset failed")
		return 1
	}
	fmt.Printf("run %s reset, %d items removed (audit entries kept)\n", *runID, removed)
	return 0
}

func runServe(ctx context.Context, cfg *config.Config, log zerolog.Logger) int {
	led, err := ledger.Open(cfg.LedgerPath, log)
	if err != nil {
		log.Error().Err(err).Msg("opening ledger failed")
		return 1
	}
	defer led.Close()

	srv := server.New(server.Config{Port: cfg.Port, Log: log, Ledger: led})

	var sched *scheduler.Scheduler
	if cfg.ValidateSchedule != "" {
		st, err := buildStack(ctx, cfg, log)
		if err != nil {
			log.Error().Err(err).Msg("startup failed")
			return 1
		}
		defer st.store.Close()

		validator := engine.NewValidator(st.store, st.source, st.cal, st.resolver, cfg.PriceTolerance, log)
		job := scheduler.NewValidationJob(validator, st.reg.Names(), 5, log)

		sched = scheduler.New(log)
		if err := sched.AddJob(cfg.ValidateSchedule, job); err != nil {
			log.Error().Err(err).Msg("registering validation job failed")
			return 1
		}
		sched.Start()
		defer sched.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
			return 1
		}
		return 0
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
		return 1
	}
}
