package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/iceberg-data/remediation/internal/calendar"
	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/ledger"
	"github.com/iceberg-data/remediation/internal/storage"
	"github.com/iceberg-data/remediation/internal/strikes"
)

const (
	indexTable  = "processing.candles_5m"
	optionTable = "processing.option_chain_candles_5m"
)

// Remediator re-derives candle rows from the authoritative source and
// writes corrections back, one ledger-tracked item at a time. Source
// failures fail the item and the run continues; store or ledger failures
// abort the run.
type Remediator struct {
	store    storage.Store
	source   Source
	ledger   *ledger.Ledger
	cal      *calendar.Calendar
	resolver *strikes.Resolver
	recalc   Recalculator // optional
	log      zerolog.Logger
}

func NewRemediator(store storage.Store, source Source, led *ledger.Ledger,
	cal *calendar.Calendar, resolver *strikes.Resolver, recalc Recalculator,
	log zerolog.Logger) *Remediator {

	return &Remediator{
		store:    store,
		source:   source,
		ledger:   led,
		cal:      cal,
		resolver: resolver,
		recalc:   recalc,
		log:      log.With().Str("component", "remediator").Logger(),
	}
}

// RunRequest describes one remediation run.
type RunRequest struct {
	RunID  string // empty = generate
	Symbol string
	Mode   domain.Mode
	From   time.Time
	To     time.Time
	DryRun bool
}

// runState carries the mutable tallies of one run.
type runState struct {
	req       RunRequest
	fetched   int
	upserted  int
	unchanged int
	failures  int
}

// Remediate executes a run over every trading day in the range. Reusing a
// run ID resumes: completed items are skipped without refetching.
func (r *Remediator) Remediate(ctx context.Context, req RunRequest) (domain.RunSummary, error) {
	started := time.Now()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if !req.Mode.Valid() {
		return domain.RunSummary{}, fmt.Errorf("invalid mode %q", req.Mode)
	}

	log := r.log.With().
		Str("run_id", req.RunID).
		Str("symbol", req.Symbol).
		Str("mode", string(req.Mode)).
		Bool("dry_run", req.DryRun).
		Logger()

	days, err := calendar.TradingDays(ctx, r.store, req.From, req.To)
	if err != nil {
		return domain.RunSummary{}, err
	}
	log.Info().
		Str("from", domain.DateOf(req.From).Format(domain.DateFormat)).
		Str("to", domain.DateOf(req.To).Format(domain.DateFormat)).
		Int("trading_days", len(days)).
		Msg("remediation run starting")

	state := &runState{req: req}
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return r.summary(ctx, state, days, started, err)
		}
		if err := r.remediateDay(ctx, state, day, log); err != nil {
			return r.summary(ctx, state, days, started, err)
		}
	}
	return r.summary(ctx, state, days, started, nil)
}

func (r *Remediator) remediateDay(ctx context.Context, state *runState, day time.Time, log zerolog.Logger) error {
	req := state.req
	dayLog := log.With().Str("date", day.Format(domain.DateFormat)).Logger()

	expiry, err := r.cal.ExpiryForDate(req.Symbol, day, req.Mode)
	if err != nil {
		// Calendar failures are configuration problems, not item flakes.
		return fmt.Errorf("resolving expiry for %s: %w", day.Format(domain.DateFormat), err)
	}

	// The index item never depends on a strike range.
	indexChanged, err := r.remediateIndex(ctx, state, day, dayLog)
	if err != nil {
		return err
	}

	// The chain item tracks the day's option work as a whole. It exists so
	// a day whose strike window cannot be resolved shows up as a failed
	// item in the ledger and gets retried on resume, rather than slipping
	// through as a clean run.
	chainKey := ledger.ItemKey{
		RunID:     req.RunID,
		Symbol:    req.Symbol,
		TradeDate: day,
		Mode:      req.Mode,
		Chain:     true,
	}
	if err := r.ledger.MarkStarted(ctx, chainKey); err != nil {
		return err
	}

	rng, err := r.resolver.Resolve(ctx, req.Symbol, req.Mode, day)
	if errors.Is(err, strikes.ErrNoStrikeRange) {
		dayLog.Warn().Msg("no strike range derivable, option contracts skipped")
		if ferr := r.failItem(ctx, state, chainKey, dayLog, err); ferr != nil {
			return ferr
		}
		return r.maybeRecalc(ctx, state, day, indexChanged, dayLog)
	}
	if err != nil {
		return err
	}
	strikeList, err := r.resolver.Strikes(rng)
	if err != nil {
		return err
	}
	dayLog.Debug().
		Str("range_source", string(rng.Source)).
		Int("strikes", len(strikeList)).
		Str("expiry", expiry.Format(domain.DateFormat)).
		Msg("strike range resolved")

	for _, strike := range strikeList {
		for _, ot := range domain.OptionTypes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.remediateContract(ctx, state, day, expiry, strike, ot, dayLog); err != nil {
				return err
			}
		}
	}
	// Contract failures are per-item; the chain item only records that the
	// day's window resolved and every contract was walked.
	if err := r.ledger.MarkCompleted(ctx, chainKey, nil); err != nil {
		return err
	}
	return r.maybeRecalc(ctx, state, day, indexChanged, dayLog)
}

// remediateIndex processes the day's index-level item. Returns whether any
// index row changed, which gates indicator recalculation.
func (r *Remediator) remediateIndex(ctx context.Context, state *runState, day time.Time, log zerolog.Logger) (bool, error) {
	req := state.req
	key := ledger.ItemKey{
		RunID:     req.RunID,
		Symbol:    req.Symbol,
		TradeDate: day,
		Mode:      req.Mode,
	}

	done, err := r.ledger.IsCompleted(ctx, key)
	if err != nil {
		return false, err
	}
	if done {
		log.Debug().Msg("index item already completed, skipping")
		return false, nil
	}
	if err := r.ledger.MarkStarted(ctx, key); err != nil {
		return false, err
	}

	authoritative, err := r.source.IndexCandles(ctx, req.Symbol, day)
	if err != nil {
		return false, r.failItem(ctx, state, key, log, fmt.Errorf("fetching index candles: %w", err))
	}
	state.fetched += len(authoritative)

	stored, err := r.store.IndexCandles(ctx, req.Symbol, day)
	if err != nil {
		return false, err
	}
	changed := changedIndexCandles(stored, authoritative)
	state.unchanged += len(authoritative) - len(changed)

	if req.DryRun {
		log.Info().Int("would_upsert", len(changed)).Msg("dry run, index writes skipped")
		return false, r.ledger.MarkCompleted(ctx, key, lastIndexBucket(authoritative))
	}

	if len(changed) > 0 {
		n, err := r.store.UpsertIndexCandles(ctx, changed)
		if err != nil {
			return false, fmt.Errorf("upserting index candles: %w", err)
		}
		state.upserted += n
		if err := r.ledger.LogAudit(ctx, domain.AuditEntry{
			RunID:     req.RunID,
			Operation: "upsert",
			TableName: indexTable,
			Symbol:    req.Symbol,
			TradeDate: day,
			RowCount:  n,
		}); err != nil {
			return false, err
		}
		log.Info().Int("rows", n).Msg("index candles corrected")
	}
	return len(changed) > 0, r.ledger.MarkCompleted(ctx, key, lastIndexBucket(authoritative))
}

func (r *Remediator) remediateContract(ctx context.Context, state *runState, day, expiry time.Time,
	strike decimal.Decimal, ot domain.OptionType, log zerolog.Logger) error {

	req := state.req
	strikeCopy := strike
	otCopy := ot
	key := ledger.ItemKey{
		RunID:      req.RunID,
		Symbol:     req.Symbol,
		TradeDate:  day,
		Mode:       req.Mode,
		Strike:     &strikeCopy,
		OptionType: &otCopy,
	}
	itemLog := log.With().Str("strike", strike.String()).Str("option_type", string(ot)).Logger()

	done, err := r.ledger.IsCompleted(ctx, key)
	if err != nil {
		return err
	}
	if done {
		itemLog.Debug().Msg("item already completed, skipping")
		return nil
	}
	if err := r.ledger.MarkStarted(ctx, key); err != nil {
		return err
	}

	authoritative, err := r.source.OptionCandles(ctx, req.Symbol, expiry, strike, ot, day)
	if err != nil {
		return r.failItem(ctx, state, key, itemLog, fmt.Errorf("fetching option candles: %w", err))
	}
	state.fetched += len(authoritative)

	stored, err := r.store.OptionCandles(ctx, req.Symbol, expiry, strike, ot, day)
	if err != nil {
		return err
	}
	changed := changedOptionCandles(stored, authoritative)
	state.unchanged += len(authoritative) - len(changed)

	if req.DryRun {
		itemLog.Debug().Int("would_upsert", len(changed)).Msg("dry run, option writes skipped")
		return r.ledger.MarkCompleted(ctx, key, lastOptionBucket(authoritative))
	}

	if len(changed) > 0 {
		n, err := r.store.UpsertOptionCandles(ctx, changed)
		if err != nil {
			return fmt.Errorf("upserting option candles: %w", err)
		}
		state.upserted += n
		if err := r.ledger.LogAudit(ctx, domain.AuditEntry{
			RunID:     req.RunID,
			Operation: "upsert",
			TableName: optionTable,
			Symbol:    req.Symbol,
			TradeDate: day,
			RowCount:  n,
			Details:   fmt.Sprintf("strike=%s type=%s expiry=%s", strike, ot, expiry.Format(domain.DateFormat)),
		}); err != nil {
			return err
		}
		itemLog.Info().Int("rows", n).Msg("option candles corrected")
	}
	return r.ledger.MarkCompleted(ctx, key, lastOptionBucket(authoritative))
}

// failItem records an item failure and keeps the run going.
func (r *Remediator) failItem(ctx context.Context, state *runState, key ledger.ItemKey,
	log zerolog.Logger, cause error) error {

	state.failures++
	log.Error().Err(cause).Msg("item failed")
	if err := r.ledger.MarkFailed(ctx, key, cause); err != nil {
		return err
	}
	return nil
}

// maybeRecalc recomputes derived indicators after index corrections.
// Recalculation failures are logged, never fatal.
func (r *Remediator) maybeRecalc(ctx context.Context, state *runState, day time.Time,
	indexChanged bool, log zerolog.Logger) error {

	if r.recalc == nil || state.req.DryRun || !indexChanged {
		return nil
	}
	candles, err := r.store.IndexCandles(ctx, state.req.Symbol, day)
	if err != nil {
		return err
	}
	if err := r.recalc.Recalculate(ctx, state.req.Symbol, day, candles); err != nil {
		log.Warn().Err(err).Msg("indicator recalculation failed")
	}
	return nil
}

func (r *Remediator) summary(ctx context.Context, state *runState, days []time.Time,
	started time.Time, runErr error) (domain.RunSummary, error) {

	req := state.req
	counts, err := r.ledger.Summary(ctx, req.RunID)
	if err != nil && runErr == nil {
		runErr = err
	}

	status := domain.RunCompleted
	if counts[domain.StatusFailed] > 0 {
		status = domain.RunCompletedWithFailures
	}

	summary := domain.RunSummary{
		RunID:       req.RunID,
		Symbol:      req.Symbol,
		Mode:        req.Mode,
		FromDate:    domain.DateOf(req.From),
		ToDate:      domain.DateOf(req.To),
		DryRun:      req.DryRun,
		Status:      status,
		TradingDays: len(days),
		Counts:      counts,
		Fetched:     state.fetched,
		Upserted:    state.upserted,
		Unchanged:   state.unchanged,
		Duration:    time.Since(started),
	}

	evt := r.log.Info()
	if runErr != nil {
		evt = r.log.Error().Err(runErr)
	}
	evt.Str("run_id", req.RunID).
		Str("status", string(summary.Status)).
		Int("fetched", summary.Fetched).
		Int("upserted", summary.Upserted).
		Int("unchanged", summary.Unchanged).
		Int("failed_items", counts[domain.StatusFailed]).
		Dur("duration", summary.Duration).
		Msg("remediation run finished")

	return summary, runErr
}

// changedIndexCandles returns the authoritative candles whose stored
// counterpart is absent or differs.
func changedIndexCandles(stored, authoritative []domain.IndexCandle) []domain.IndexCandle {
	by := make(map[time.Time]domain.IndexCandle, len(stored))
	for _, c := range stored {
		by[c.BucketTS.UTC()] = c
	}
	var out []domain.IndexCandle
	for _, auth := range authoritative {
		have, ok := by[auth.BucketTS.UTC()]
		if !ok || !indexCandleEqual(have, auth) {
			out = append(out, auth)
		}
	}
	return out
}

func changedOptionCandles(stored, authoritative []domain.OptionCandle) []domain.OptionCandle {
	by := make(map[time.Time]domain.OptionCandle, len(stored))
	for _, c := range stored {
		by[c.BucketTS.UTC()] = c
	}
	var out []domain.OptionCandle
	for _, auth := range authoritative {
		have, ok := by[auth.BucketTS.UTC()]
		if !ok || !optionCandleEqual(have, auth) {
			out = append(out, auth)
		}
	}
	return out
}

func indexCandleEqual(have, auth domain.IndexCandle) bool {
	return have.Open.Equal(auth.Open) &&
		have.High.Equal(auth.High) &&
		have.Low.Equal(auth.Low) &&
		have.Close.Equal(auth.Close) &&
		int64PtrMatches(have.Volume, auth.Volume)
}

// optionCandleEqual treats a candle as unchanged when prices match and
// every snapshot field the source reports matches the stored value.
func optionCandleEqual(have, auth domain.OptionCandle) bool {
	return have.Open.Equal(auth.Open) &&
		have.High.Equal(auth.High) &&
		have.Low.Equal(auth.Low) &&
		have.Close.Equal(auth.Close) &&
		int64PtrMatches(have.OIOpen, auth.OIOpen) &&
		int64PtrMatches(have.OIHigh, auth.OIHigh) &&
		int64PtrMatches(have.OILow, auth.OILow) &&
		int64PtrMatches(have.OIClose, auth.OIClose) &&
		int64PtrMatches(have.VolOpen, auth.VolOpen) &&
		int64PtrMatches(have.VolHigh, auth.VolHigh) &&
		int64PtrMatches(have.VolLow, auth.VolLow) &&
		int64PtrMatches(have.VolClose, auth.VolClose)
}

// int64PtrMatches: a nil authoritative value imposes nothing (the upsert
// COALESCE keeps the stored value anyway).
func int64PtrMatches(have, auth *int64) bool {
	if auth == nil {
		return true
	}
	return have != nil && *have == *auth
}

func lastIndexBucket(candles []domain.IndexCandle) *time.Time {
	if len(candles) == 0 {
		return nil
	}
	ts := candles[len(candles)-1].BucketTS
	return &ts
}

func lastOptionBucket(candles []domain.OptionCandle) *time.Time {
	if len(candles) == 0 {
		return nil
	}
	ts := candles[len(candles)-1].BucketTS
	return &ts
}
