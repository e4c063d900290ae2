package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/iceberg-data/remediation/internal/calendar"
	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/storage"
	"github.com/iceberg-data/remediation/internal/strikes"
)

// Validator compares stored candles against the authoritative source and
// reports discrepancies. It never writes anything.
type Validator struct {
	store     storage.Store
	source    Source
	cal       *calendar.Calendar
	resolver  *strikes.Resolver
	tolerance float64 // relative OHLC tolerance, e.g. 0.01
	log       zerolog.Logger
}

func NewValidator(store storage.Store, source Source, cal *calendar.Calendar,
	resolver *strikes.Resolver, tolerance float64, log zerolog.Logger) *Validator {

	return &Validator{
		store:     store,
		source:    source,
		cal:       cal,
		resolver:  resolver,
		tolerance: tolerance,
		log:       log.With().Str("component", "validator").Logger(),
	}
}

// ValidateRange validates every trading day in [from, to].
func (v *Validator) ValidateRange(ctx context.Context, symbol string, mode domain.Mode,
	from, to time.Time) ([]domain.DayReport, error) {

	days, err := calendar.TradingDays(ctx, v.store, from, to)
	if err != nil {
		return nil, err
	}

	reports := make([]domain.DayReport, 0, len(days))
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := v.ValidateDay(ctx, symbol, mode, day)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ValidateDay validates one trading day: the index series plus every
// option contract in the day's strike range.
func (v *Validator) ValidateDay(ctx context.Context, symbol string, mode domain.Mode, day time.Time) (domain.DayReport, error) {
	day = domain.DateOf(day)
	report := domain.DayReport{Symbol: symbol, TradeDate: day, Mode: mode}

	expiry, err := v.cal.ExpiryForDate(symbol, day, mode)
	if err != nil {
		return report, err
	}

	rng, err := v.resolver.Resolve(ctx, symbol, mode, day)
	if errors.Is(err, strikes.ErrNoStrikeRange) {
		report.Skipped = "no strike range derivable"
		v.log.Warn().Str("symbol", symbol).Str("date", day.Format(domain.DateFormat)).
			Msg("skipping day, no strike range derivable")
		return report, nil
	}
	if err != nil {
		return report, err
	}
	strikeList, err := v.resolver.Strikes(rng)
	if err != nil {
		return report, err
	}
	report.TotalStrikes = len(strikeList)

	// Index series first.
	diffs, compared, err := v.validateIndex(ctx, symbol, day)
	if err != nil {
		return report, err
	}
	report.Discrepancies = append(report.Discrepancies, diffs...)
	report.Compared += compared

	for _, strike := range strikeList {
		for _, ot := range domain.OptionTypes {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			diffs, compared, err := v.validateContract(ctx, symbol, expiry, strike, ot, day)
			if err != nil {
				return report, err
			}
			report.Discrepancies = append(report.Discrepancies, diffs...)
			report.Compared += compared
		}
	}

	sortDiscrepancies(report.Discrepancies)
	report.MeanDeviationPct, report.MaxDeviationPct = deviationStats(report.Discrepancies)

	v.log.Info().
		Str("symbol", symbol).
		Str("date", day.Format(domain.DateFormat)).
		Int("compared", report.Compared).
		Int("discrepancies", len(report.Discrepancies)).
		Msg("day validated")
	return report, nil
}

func (v *Validator) validateIndex(ctx context.Context, symbol string, day time.Time) ([]domain.Discrepancy, int, error) {
	authoritative, err := v.source.IndexCandles(ctx, symbol, day)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching index candles: %w", err)
	}
	stored, err := v.store.IndexCandles(ctx, symbol, day)
	if err != nil {
		return nil, 0, fmt.Errorf("reading stored index candles: %w", err)
	}

	storedBy := make(map[time.Time]domain.IndexCandle, len(stored))
	for _, c := range stored {
		storedBy[c.BucketTS.UTC()] = c
	}

	var diffs []domain.Discrepancy
	for _, auth := range authoritative {
		bucket := auth.BucketTS.UTC()
		have, ok := storedBy[bucket]
		if !ok {
			diffs = append(diffs, domain.Discrepancy{
				Symbol: symbol, TradeDate: day, BucketTS: bucket, Kind: domain.KindMissing,
			})
			continue
		}
		delete(storedBy, bucket)
		fields := v.priceDiffs(have.Open, have.High, have.Low, have.Close,
			auth.Open, auth.High, auth.Low, auth.Close)
		if len(fields) > 0 {
			diffs = append(diffs, domain.Discrepancy{
				Symbol: symbol, TradeDate: day, BucketTS: bucket,
				Kind: domain.KindMismatch, Fields: fields,
			})
		}
	}
	for bucket := range storedBy {
		diffs = append(diffs, domain.Discrepancy{
			Symbol: symbol, TradeDate: day, BucketTS: bucket, Kind: domain.KindExtra,
		})
	}
	return diffs, len(authoritative), nil
}

func (v *Validator) validateContract(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, ot domain.OptionType, day time.Time) ([]domain.Discrepancy, int, error) {

	authoritative, err := v.source.OptionCandles(ctx, symbol, expiry, strike, ot, day)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching option candles %s %s: %w", strike, ot, err)
	}
	stored, err := v.store.OptionCandles(ctx, symbol, expiry, strike, ot, day)
	if err != nil {
		return nil, 0, fmt.Errorf("reading stored option candles %s %s: %w", strike, ot, err)
	}

	storedBy := make(map[time.Time]domain.OptionCandle, len(stored))
	for _, c := range stored {
		storedBy[c.BucketTS.UTC()] = c
	}

	strikeCopy := strike
	otCopy := ot

	var diffs []domain.Discrepancy
	for _, auth := range authoritative {
		bucket := auth.BucketTS.UTC()
		have, ok := storedBy[bucket]
		if !ok {
			diffs = append(diffs, domain.Discrepancy{
				Symbol: symbol, TradeDate: day, Strike: &strikeCopy, OptionType: &otCopy,
				BucketTS: bucket, Kind: domain.KindMissing,
			})
			continue
		}
		delete(storedBy, bucket)

		fields := v.priceDiffs(have.Open, have.High, have.Low, have.Close,
			auth.Open, auth.High, auth.Low, auth.Close)
		// OI and volume snapshots match exactly or not at all. Only the
		// fields the source reports participate, same set the remediator
		// compares when deciding whether a row changed.
		exactDiff("oi_open", have.OIOpen, auth.OIOpen, fields)
		exactDiff("oi_high", have.OIHigh, auth.OIHigh, fields)
		exactDiff("oi_low", have.OILow, auth.OILow, fields)
		exactDiff("oi_close", have.OIClose, auth.OIClose, fields)
		exactDiff("vol_open", have.VolOpen, auth.VolOpen, fields)
		exactDiff("vol_high", have.VolHigh, auth.VolHigh, fields)
		exactDiff("vol_low", have.VolLow, auth.VolLow, fields)
		exactDiff("vol_close", have.VolClose, auth.VolClose, fields)

		if len(fields) > 0 {
			diffs = append(diffs, domain.Discrepancy{
				Symbol: symbol, TradeDate: day, Strike: &strikeCopy, OptionType: &otCopy,
				BucketTS: bucket, Kind: domain.KindMismatch, Fields: fields,
			})
		}
	}
	for bucket := range storedBy {
		// Reported but never deleted.
		diffs = append(diffs, domain.Discrepancy{
			Symbol: symbol, TradeDate: day, Strike: &strikeCopy, OptionType: &otCopy,
			BucketTS: bucket, Kind: domain.KindExtra,
		})
	}
	return diffs, len(authoritative), nil
}

// priceDiffs compares OHLC under the relative tolerance and returns the
// differing fields. An empty map is returned as nil-safe non-nil for
// callers to extend with exact-match fields.
func (v *Validator) priceDiffs(haveO, haveH, haveL, haveC, authO, authH, authL, authC decimal.Decimal) map[string]domain.FieldDiff {
	fields := make(map[string]domain.FieldDiff)
	v.priceDiff("open", haveO, authO, fields)
	v.priceDiff("high", haveH, authH, fields)
	v.priceDiff("low", haveL, authL, fields)
	v.priceDiff("close", haveC, authC, fields)
	return fields
}

func (v *Validator) priceDiff(name string, have, auth decimal.Decimal, fields map[string]domain.FieldDiff) {
	pct := relativeDeviation(have, auth)
	if pct > v.tolerance {
		fields[name] = domain.FieldDiff{
			Stored:        have.String(),
			Authoritative: auth.String(),
			DiffPct:       pct * 100,
		}
	}
}

// relativeDeviation is |have-auth| / |auth|, with a zero authoritative
// value matching only an exactly zero stored value.
func relativeDeviation(have, auth decimal.Decimal) float64 {
	diff := have.Sub(auth).Abs()
	if auth.IsZero() {
		if diff.IsZero() {
			return 0
		}
		return 1
	}
	f, _ := diff.Div(auth.Abs()).Float64()
	return f
}

func exactDiff(name string, have, auth *int64, fields map[string]domain.FieldDiff) {
	if auth == nil {
		return
	}
	if have != nil && *have == *auth {
		return
	}
	stored := "null"
	if have != nil {
		stored = fmt.Sprintf("%d", *have)
	}
	fields[name] = domain.FieldDiff{
		Stored:        stored,
		Authoritative: fmt.Sprintf("%d", *auth),
	}
}

// sortDiscrepancies orders deterministically: index items first, then by
// strike, option type and bucket.
func sortDiscrepancies(diffs []domain.Discrepancy) {
	sort.SliceStable(diffs, func(i, j int) bool {
		a, b := diffs[i], diffs[j]
		if !a.TradeDate.Equal(b.TradeDate) {
			return a.TradeDate.Before(b.TradeDate)
		}
		switch {
		case a.Strike == nil && b.Strike != nil:
			return true
		case a.Strike != nil && b.Strike == nil:
			return false
		case a.Strike != nil && b.Strike != nil && !a.Strike.Equal(*b.Strike):
			return a.Strike.LessThan(*b.Strike)
		}
		at, bt := optionTypeOf(a.OptionType), optionTypeOf(b.OptionType)
		if at != bt {
			return at < bt
		}
		return a.BucketTS.Before(b.BucketTS)
	})
}

func optionTypeOf(ot *domain.OptionType) string {
	if ot == nil {
		return ""
	}
	return string(*ot)
}

// deviationStats summarises price deviations across mismatches, percent.
func deviationStats(diffs []domain.Discrepancy) (mean, max float64) {
	var pcts []float64
	for _, d := range diffs {
		if d.Kind != domain.KindMismatch {
			continue
		}
		for _, f := range d.Fields {
			if f.DiffPct > 0 {
				pcts = append(pcts, f.DiffPct)
			}
		}
	}
	if len(pcts) == 0 {
		return 0, 0
	}
	mean = stat.Mean(pcts, nil)
	for _, p := range pcts {
		if p > max {
			max = p
		}
	}
	return mean, max
}
