// Package strikes resolves the strike window to process for a trading day:
// an administratively configured range when one exists, otherwise a window
// around the ATM strike derived from the day's index close.
package strikes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/symbols"
)

// ErrNoStrikeRange is returned when neither an admin range nor an index
// close exists for the day, so no window can be derived.
var ErrNoStrikeRange = errors.New("no strike range derivable")

// Source is the slice of the candle store the resolver needs.
type Source interface {
	// AdminRange returns the configured range effective on the date, or
	// (nil, nil) when none is configured.
	AdminRange(ctx context.Context, symbol string, mode domain.Mode, on time.Time) (*domain.StrikeRange, error)
	// IndexClose returns the last index close of the trading day. ok is
	// false when the day has no index candles.
	IndexClose(ctx context.Context, symbol string, on time.Time) (decimal.Decimal, bool, error)
}

// Resolver derives per-day strike ranges. Ranges are recomputed on every
// call and never cached or persisted.
type Resolver struct {
	reg    *symbols.Registry
	src    Source
	window int
	log    zerolog.Logger
}

func NewResolver(reg *symbols.Registry, src Source, window int, log zerolog.Logger) *Resolver {
	return &Resolver{
		reg:    reg,
		src:    src,
		window: window,
		log:    log.With().Str("component", "strikes").Logger(),
	}
}

// Resolve returns the strike range for one symbol, mode and trading day.
func (r *Resolver) Resolve(ctx context.Context, symbol string, mode domain.Mode, on time.Time) (domain.StrikeRange, error) {
	sym, err := r.reg.Lookup(symbol)
	if err != nil {
		return domain.StrikeRange{}, err
	}
	on = domain.DateOf(on)

	rng, err := r.src.AdminRange(ctx, sym.Name, mode, on)
	if err != nil {
		return domain.StrikeRange{}, fmt.Errorf("looking up admin range: %w", err)
	}
	if rng != nil {
		rng.Source = domain.RangeAdmin
		return *rng, nil
	}

	spot, ok, err := r.src.IndexClose(ctx, sym.Name, on)
	if err != nil {
		return domain.StrikeRange{}, fmt.Errorf("looking up index close: %w", err)
	}
	if !ok {
		return domain.StrikeRange{}, fmt.Errorf("%w: %s %s on %s",
			ErrNoStrikeRange, sym.Name, mode, on.Format(domain.DateFormat))
	}

	atm := CalculateATMStrike(spot, sym.StrikeInterval)
	half := sym.StrikeInterval.Mul(decimal.NewFromInt(int64(r.window)))
	r.log.Debug().
		Str("symbol", sym.Name).
		Str("date", on.Format(domain.DateFormat)).
		Str("spot", spot.String()).
		Str("atm", atm.String()).
		Msg("no admin range, using ATM fallback window")

	return domain.StrikeRange{
		Symbol: sym.Name,
		Mode:   mode,
		Lower:  atm.Sub(half),
		Upper:  atm.Add(half),
		Source: domain.RangeATMFallback,
	}, nil
}

// Strikes expands a resolved range into the concrete strike list for the
// symbol's interval, both bounds inclusive.
func (r *Resolver) Strikes(rng domain.StrikeRange) ([]decimal.Decimal, error) {
	sym, err := r.reg.Lookup(rng.Symbol)
	if err != nil {
		return nil, err
	}
	return GenerateStrikes(rng.Lower, rng.Upper, sym.StrikeInterval), nil
}

// CalculateATMStrike rounds spot to the nearest multiple of interval.
func CalculateATMStrike(spot, interval decimal.Decimal) decimal.Decimal {
	return spot.Div(interval).Round(0).Mul(interval)
}

// NormalizeStrike snaps an arbitrary strike value onto the interval grid.
func NormalizeStrike(strike, interval decimal.Decimal) decimal.Decimal {
	return CalculateATMStrike(strike, interval)
}

// GenerateStrikes lists every strike from lower to upper inclusive, stepping
// by interval. Empty exactly when lower exceeds upper.
func GenerateStrikes(lower, upper, interval decimal.Decimal) []decimal.Decimal {
	var out []decimal.Decimal
	for s := lower; !s.GreaterThan(upper); s = s.Add(interval) {
		out = append(out, s)
	}
	return out
}
