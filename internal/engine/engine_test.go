package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceberg-data/remediation/internal/calendar"
	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/ledger"
	"github.com/iceberg-data/remediation/internal/storage"
	"github.com/iceberg-data/remediation/internal/strikes"
	"github.com/iceberg-data/remediation/internal/symbols"
)

var (
	tradeDay = domain.Date(2024, time.June, 3) // Monday
	expiry   = domain.Date(2024, time.June, 6) // that week's Thursday
	strike   = decimal.NewFromInt(24850)
)

func bucket(hh, mm int) time.Time {
	return time.Date(2024, time.June, 3, hh, mm, 0, 0, time.UTC)
}

func i64(v int64) *int64 { return &v }

func indexCandle(ts time.Time, close string) domain.IndexCandle {
	c := decimal.RequireFromString(close)
	return domain.IndexCandle{
		Symbol:    "nifty",
		BucketTS:  ts,
		TradeDate: tradeDay,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
	}
}

func optionCandle(ot domain.OptionType, ts time.Time, close string, oi *int64) domain.OptionCandle {
	c := decimal.RequireFromString(close)
	return domain.OptionCandle{
		Symbol:     "nifty",
		Expiry:     expiry,
		Strike:     strike,
		OptionType: ot,
		BucketTS:   ts,
		TradeDate:  tradeDay,
		Open:       c,
		High:       c,
		Low:        c,
		Close:      c,
		OIClose:    oi,
	}
}

// fakeSource serves canned authoritative candles keyed by date and
// contract, with per-contract error injection.
type fakeSource struct {
	index       map[string][]domain.IndexCandle
	options     map[string][]domain.OptionCandle
	indexErr    error
	optionErrs  map[string]error
	indexCalls  int
	optionCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		index:      make(map[string][]domain.IndexCandle),
		options:    make(map[string][]domain.OptionCandle),
		optionErrs: make(map[string]error),
	}
}

func dayKey(day time.Time) string { return day.Format(domain.DateFormat) }

func contractKey(day time.Time, strike decimal.Decimal, ot domain.OptionType) string {
	return fmt.Sprintf("%s|%s|%s", dayKey(day), strike, ot)
}

func (f *fakeSource) IndexCandles(ctx context.Context, symbol string, day time.Time) ([]domain.IndexCandle, error) {
	f.indexCalls++
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	return f.index[dayKey(day)], nil
}

func (f *fakeSource) OptionCandles(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, ot domain.OptionType, day time.Time) ([]domain.OptionCandle, error) {
	f.optionCalls++
	key := contractKey(day, strike, ot)
	if err := f.optionErrs[key]; err != nil {
		return nil, err
	}
	return f.options[key], nil
}

type fixture struct {
	store    *storage.MockStore
	source   *fakeSource
	ledger   *ledger.Ledger
	cal      *calendar.Calendar
	resolver *strikes.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := symbols.LoadDefault()
	require.NoError(t, err)

	store := storage.NewMockStore()
	// Pin the range to a single strike so each day is four ledger items:
	// index, option chain, CE and PE.
	store.SetAdminRange(&domain.StrikeRange{
		Symbol: "nifty",
		Mode:   domain.ModeCurrent,
		Lower:  strike,
		Upper:  strike,
	})

	led, err := ledger.Open(filepath.Join(t.TempDir(), "progress.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	return &fixture{
		store:    store,
		source:   newFakeSource(),
		ledger:   led,
		cal:      calendar.New(reg),
		resolver: strikes.NewResolver(reg, store, 5, zerolog.Nop()),
	}
}

func (f *fixture) remediator(recalc Recalculator) *Remediator {
	return NewRemediator(f.store, f.source, f.ledger, f.cal, f.resolver, recalc, zerolog.Nop())
}

func (f *fixture) validator() *Validator {
	return NewValidator(f.store, f.source, f.cal, f.resolver, 0.01, zerolog.Nop())
}

func oneDayRequest(runID string) RunRequest {
	return RunRequest{
		RunID:  runID,
		Symbol: "nifty",
		Mode:   domain.ModeCurrent,
		From:   tradeDay,
		To:     tradeDay,
	}
}

// seedBaseline: index has one wrong and one missing bucket, CE is wrong,
// PE already matches the source.
func seedBaseline(f *fixture) {
	f.store.SeedIndex(indexCandle(bucket(3, 45), "22400"))
	f.store.SeedOptions(
		optionCandle(domain.Call, bucket(3, 45), "90", i64(50000)),
		optionCandle(domain.Put, bucket(3, 45), "120.5", i64(61000)),
	)

	f.source.index[dayKey(tradeDay)] = []domain.IndexCandle{
		indexCandle(bucket(3, 45), "22451.3"),
		indexCandle(bucket(3, 50), "22460.1"),
	}
	f.source.options[contractKey(tradeDay, strike, domain.Call)] = []domain.OptionCandle{
		optionCandle(domain.Call, bucket(3, 45), "95.2", i64(52000)),
	}
	f.source.options[contractKey(tradeDay, strike, domain.Put)] = []domain.OptionCandle{
		optionCandle(domain.Put, bucket(3, 45), "120.5", i64(61000)),
	}
}

func TestRemediateCorrectsDivergentRows(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)

	summary, err := f.remediator(nil).Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.TradingDays)
	assert.Equal(t, 4, summary.Fetched)
	assert.Equal(t, 3, summary.Upserted) // two index buckets, one CE bucket
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, 4, summary.Counts[domain.StatusCompleted])

	// The store now matches the source.
	stored, err := f.store.IndexCandles(context.Background(), "nifty", tradeDay)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].Close.Equal(decimal.RequireFromString("22451.3")))

	ce, err := f.store.OptionCandles(context.Background(), "nifty", expiry, strike, domain.Call, tradeDay)
	require.NoError(t, err)
	require.Len(t, ce, 1)
	assert.True(t, ce[0].Close.Equal(decimal.RequireFromString("95.2")))
	assert.Equal(t, int64(52000), *ce[0].OIClose)
}

func TestRemediateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)
	r := f.remediator(nil)

	_, err := r.Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)
	fetchesAfterFirst := f.source.indexCalls + f.source.optionCalls
	writesAfterFirst := f.store.UpsertCalls

	// Resuming the same run skips completed items entirely.
	summary, err := r.Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Fetched)
	assert.Equal(t, 0, summary.Upserted)
	assert.Equal(t, fetchesAfterFirst, f.source.indexCalls+f.source.optionCalls)
	assert.Equal(t, writesAfterFirst, f.store.UpsertCalls)

	// A fresh run refetches but finds nothing left to change.
	summary, err = r.Remediate(context.Background(), oneDayRequest("run-2"))
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Fetched)
	assert.Equal(t, 0, summary.Upserted)
	assert.Equal(t, 4, summary.Unchanged)
}

func TestRemediateDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)

	req := oneDayRequest("run-dry")
	req.DryRun = true
	summary, err := f.remediator(NewTalibRecalculator(f.store, zerolog.Nop())).
		Remediate(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, summary.DryRun)
	assert.Equal(t, 0, summary.Upserted)
	assert.Equal(t, 0, f.store.UpsertCalls)
	assert.Equal(t, 0, f.store.IndicatorCount())
	// The ledger still records the walk, so a later wet run can resume.
	assert.Equal(t, 4, summary.Counts[domain.StatusCompleted])

	stored, err := f.store.IndexCandles(context.Background(), "nifty", tradeDay)
	require.NoError(t, err)
	assert.Len(t, stored, 1) // untouched
}

func TestRemediateItemFailureContinuesRun(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)
	f.source.optionErrs[contractKey(tradeDay, strike, domain.Call)] = errors.New("vendor timeout")

	summary, err := f.remediator(nil).Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompletedWithFailures, summary.Status)
	assert.Equal(t, 1, summary.Counts[domain.StatusFailed])
	assert.Equal(t, 3, summary.Counts[domain.StatusCompleted])

	failed, err := f.ledger.FailedItems(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ErrorMessage, "vendor timeout")

	// Clearing the fault and resuming repairs only the failed item.
	delete(f.source.optionErrs, contractKey(tradeDay, strike, domain.Call))
	summary, err = f.remediator(nil).Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, summary.Status)
	assert.Equal(t, 4, summary.Counts[domain.StatusCompleted])
}

func TestRemediateNoStrikeRangeFailsChainItem(t *testing.T) {
	reg, err := symbols.LoadDefault()
	require.NoError(t, err)
	// No admin range and no index close anywhere, so the day's strike
	// window cannot be resolved.
	store := storage.NewMockStore()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "progress.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	source := newFakeSource()
	r := NewRemediator(store, source, led, calendar.New(reg),
		strikes.NewResolver(reg, store, 5, zerolog.Nop()), nil, zerolog.Nop())

	summary, err := r.Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)

	// The run finishes but the day is not a clean success.
	assert.Equal(t, domain.RunCompletedWithFailures, summary.Status)
	assert.Equal(t, 1, summary.Counts[domain.StatusFailed])

	failed, err := led.FailedItems(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Chain)
	assert.Nil(t, failed[0].Strike)
	assert.Contains(t, failed[0].ErrorMessage, "no strike range derivable")

	// Configuring a range and resuming the run repairs the day.
	store.SetAdminRange(&domain.StrikeRange{
		Symbol: "nifty",
		Mode:   domain.ModeCurrent,
		Lower:  strike,
		Upper:  strike,
	})
	summary, err = r.Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, summary.Status)
	assert.Equal(t, 0, summary.Counts[domain.StatusFailed])
	assert.Equal(t, 4, summary.Counts[domain.StatusCompleted])
}

func TestRemediateStoreFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)
	f.store.UpsertErr = errors.New("connection lost")

	_, err := f.remediator(nil).Remediate(context.Background(), oneDayRequest("run-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestRemediateHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.remediator(nil).Remediate(ctx, oneDayRequest("run-1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemediateSkipsHolidays(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)
	f.store.SetHolidays(domain.Date(2024, time.June, 4))

	req := oneDayRequest("run-1")
	req.To = domain.Date(2024, time.June, 4)
	summary, err := f.remediator(nil).Remediate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TradingDays)
}

func TestRemediateRecalculatesIndicatorsAfterIndexChange(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)

	_, err := f.remediator(NewTalibRecalculator(f.store, zerolog.Nop())).
		Remediate(context.Background(), oneDayRequest("run-1"))
	require.NoError(t, err)
	// One row per corrected index bucket, nil indicators during warmup.
	assert.Equal(t, 2, f.store.IndicatorCount())
}

func TestValidateDayFlagsOIMismatchRegardlessOfPriceTolerance(t *testing.T) {
	f := newFixture(t)
	f.store.SeedIndex(indexCandle(bucket(3, 45), "22451.3"))
	f.source.index[dayKey(tradeDay)] = []domain.IndexCandle{indexCandle(bucket(3, 45), "22451.3")}

	// Identical prices, OI 1050 stored vs 1000 authoritative.
	f.store.SeedOptions(optionCandle(domain.Call, bucket(3, 45), "95.2", i64(1050)))
	f.source.options[contractKey(tradeDay, strike, domain.Call)] = []domain.OptionCandle{
		optionCandle(domain.Call, bucket(3, 45), "95.2", i64(1000)),
	}

	report, err := f.validator().ValidateDay(context.Background(), "nifty", domain.ModeCurrent, tradeDay)
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	oiDiff := &report.Discrepancies[0]
	assert.Equal(t, domain.KindMismatch, oiDiff.Kind)
	require.Contains(t, oiDiff.Fields, "oi_close")
	assert.Equal(t, "1050", oiDiff.Fields["oi_close"].Stored)
	assert.Equal(t, "1000", oiDiff.Fields["oi_close"].Authoritative)
	// The price fields are untouched.
	assert.NotContains(t, oiDiff.Fields, "close")
}

func TestValidateDayFlagsVolumeSnapshotMismatch(t *testing.T) {
	f := newFixture(t)
	f.store.SeedIndex(indexCandle(bucket(3, 45), "22451.3"))
	f.source.index[dayKey(tradeDay)] = []domain.IndexCandle{indexCandle(bucket(3, 45), "22451.3")}

	// Identical prices and OI, volume snapshot 410 stored vs 400 reported.
	stored := optionCandle(domain.Call, bucket(3, 45), "95.2", i64(1000))
	stored.VolOpen = i64(410)
	auth := optionCandle(domain.Call, bucket(3, 45), "95.2", i64(1000))
	auth.VolOpen = i64(400)
	f.store.SeedOptions(stored)
	f.source.options[contractKey(tradeDay, strike, domain.Call)] = []domain.OptionCandle{auth}

	report, err := f.validator().ValidateDay(context.Background(), "nifty", domain.ModeCurrent, tradeDay)
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, domain.KindMismatch, d.Kind)
	require.Contains(t, d.Fields, "vol_open")
	assert.Equal(t, "410", d.Fields["vol_open"].Stored)
	assert.Equal(t, "400", d.Fields["vol_open"].Authoritative)
	assert.NotContains(t, d.Fields, "oi_close")
}

func TestValidateDayPriceTolerance(t *testing.T) {
	f := newFixture(t)
	f.source.index[dayKey(tradeDay)] = []domain.IndexCandle{indexCandle(bucket(3, 45), "22451.3")}
	f.store.SeedIndex(indexCandle(bucket(3, 45), "22451.3"))

	// Within 1%: 95.2 vs 96.0 is ~0.83%.
	f.store.SeedOptions(optionCandle(domain.Call, bucket(3, 45), "96.0", i64(1000)))
	f.source.options[contractKey(tradeDay, strike, domain.Call)] = []domain.OptionCandle{
		optionCandle(domain.Call, bucket(3, 45), "95.2", i64(1000)),
	}
	// Beyond 1%: 120.5 vs 130.
	f.store.SeedOptions(optionCandle(domain.Put, bucket(3, 45), "130", i64(2000)))
	f.source.options[contractKey(tradeDay, strike, domain.Put)] = []domain.OptionCandle{
		optionCandle(domain.Put, bucket(3, 45), "120.5", i64(2000)),
	}

	report, err := f.validator().ValidateDay(context.Background(), "nifty", domain.ModeCurrent, tradeDay)
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, domain.KindMismatch, d.Kind)
	require.NotNil(t, d.OptionType)
	assert.Equal(t, domain.Put, *d.OptionType)
	assert.Contains(t, d.Fields, "close")
	assert.Greater(t, report.MaxDeviationPct, 1.0)
}

func TestValidateDayMissingAndExtra(t *testing.T) {
	f := newFixture(t)
	// Authoritative has 03:45 and 03:50; store has 03:45 and a stray 04:00.
	f.source.index[dayKey(tradeDay)] = []domain.IndexCandle{
		indexCandle(bucket(3, 45), "22451.3"),
		indexCandle(bucket(3, 50), "22460.1"),
	}
	f.store.SeedIndex(
		indexCandle(bucket(3, 45), "22451.3"),
		indexCandle(bucket(4, 0), "22470.0"),
	)

	report, err := f.validator().ValidateDay(context.Background(), "nifty", domain.ModeCurrent, tradeDay)
	require.NoError(t, err)

	kinds := make(map[domain.DiscrepancyKind]int)
	for _, d := range report.Discrepancies {
		kinds[d.Kind]++
	}
	assert.Equal(t, 1, kinds[domain.KindMissing])
	assert.Equal(t, 1, kinds[domain.KindExtra])
}

func TestValidateDaySkipsWhenNoRangeDerivable(t *testing.T) {
	f := newFixture(t)
	// Remove the admin range and give the store no index close to fall
	// back on.
	f.store = storage.NewMockStore()
	reg, err := symbols.LoadDefault()
	require.NoError(t, err)
	v := NewValidator(f.store, f.source, f.cal,
		strikes.NewResolver(reg, f.store, 5, zerolog.Nop()), 0.01, zerolog.Nop())

	report, err := v.ValidateDay(context.Background(), "nifty", domain.ModeCurrent, tradeDay)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Skipped)
	assert.Empty(t, report.Discrepancies)
}

func TestValidateRangeWalksTradingDays(t *testing.T) {
	f := newFixture(t)
	seedBaseline(f)
	f.store.SetHolidays(domain.Date(2024, time.June, 4))

	reports, err := f.validator().ValidateRange(context.Background(), "nifty", domain.ModeCurrent,
		tradeDay, domain.Date(2024, time.June, 5))
	require.NoError(t, err)
	require.Len(t, reports, 2) // Monday and Wednesday, Tuesday is a holiday
	assert.Equal(t, tradeDay, reports[0].TradeDate)
	assert.Equal(t, domain.Date(2024, time.June, 5), reports[1].TradeDate)
}
