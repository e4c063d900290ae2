package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/iceberg-data/remediation/internal/domain"
)

// HolidaySource yields exchange holidays inside a date range. The candle
// store implements this from its market_holidays table.
type HolidaySource interface {
	Holidays(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

// IsWeekend reports whether the date falls on Saturday or Sunday.
func IsWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// TradingDays returns every weekday in [from, to] that is not an exchange
// holiday, in ascending order.
func TradingDays(ctx context.Context, src HolidaySource, from, to time.Time) ([]time.Time, error) {
	from = domain.DateOf(from)
	to = domain.DateOf(to)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s after %s",
			from.Format(domain.DateFormat), to.Format(domain.DateFormat))
	}

	hols, err := src.Holidays(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading holidays: %w", err)
	}
	skip := make(map[time.Time]struct{}, len(hols))
	for _, h := range hols {
		skip[domain.DateOf(h)] = struct{}{}
	}

	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if IsWeekend(d) {
			continue
		}
		if _, ok := skip[d]; ok {
			continue
		}
		days = append(days, d)
	}
	return days, nil
}
