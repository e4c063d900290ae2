// Package calendar resolves option expiry dates from the effective-dated
// weekday rules in the symbol registry, and iterates trading days.
package calendar

import (
	"errors"
	"fmt"
	"time"

	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/symbols"
)

// ErrNoPositionalSeries is returned when a positional expiry is requested
// for a symbol that has no monthly series.
var ErrNoPositionalSeries = errors.New("symbol has no positional series")

// Calendar resolves expiries against a loaded symbol registry.
type Calendar struct {
	reg *symbols.Registry
}

func New(reg *symbols.Registry) *Calendar {
	return &Calendar{reg: reg}
}

// ExpiryForDate returns the expiry date of the series a trade date belongs
// to. Current mode: the next occurrence of the symbol's expiry weekday on or
// after the trade date, under the era rule in force on the trade date.
// Positional mode: the last occurrence of the expiry weekday in the trade
// date's calendar month, rolling to the next month once it has passed.
func (c *Calendar) ExpiryForDate(symbol string, on time.Time, mode domain.Mode) (time.Time, error) {
	sym, err := c.reg.Lookup(symbol)
	if err != nil {
		return time.Time{}, err
	}
	on = domain.DateOf(on)

	switch mode {
	case domain.ModeCurrent:
		return nextWeekday(on, sym.ExpiryWeekday(on).Time()), nil
	case domain.ModePositional:
		if !sym.Positional {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNoPositionalSeries, sym.Name)
		}
		exp := monthlyExpiry(sym, on.Year(), on.Month())
		if exp.Before(on) {
			exp = monthlyExpiry(sym, on.Year(), on.Month()+1)
		}
		return exp, nil
	default:
		return time.Time{}, fmt.Errorf("invalid mode %q", mode)
	}
}

// IsExpiryDay reports whether the date is an expiry day for the symbol's
// weekly series.
func (c *Calendar) IsExpiryDay(symbol string, on time.Time) (bool, error) {
	sym, err := c.reg.Lookup(symbol)
	if err != nil {
		return false, err
	}
	on = domain.DateOf(on)
	return on.Weekday() == sym.ExpiryWeekday(on).Time(), nil
}

// nextWeekday returns the first date on or after from that falls on target.
func nextWeekday(from time.Time, target time.Weekday) time.Time {
	days := (int(target) - int(from.Weekday()) + 7) % 7
	return from.AddDate(0, 0, days)
}

// monthlyExpiry is the last occurrence of the expiry weekday in the given
// month. The era rule is taken at month end, matching how the monthly
// series is listed.
func monthlyExpiry(sym *symbols.Symbol, year int, month time.Month) time.Time {
	end := domain.Date(year, month+1, 0)
	target := sym.ExpiryWeekday(end).Time()
	days := (int(end.Weekday()) - int(target) + 7) % 7
	return end.AddDate(0, 0, -days)
}
