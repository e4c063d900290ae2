// Package engine contains the validation and remediation workflows that
// compare stored candles against the authoritative vendor and correct them.
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iceberg-data/remediation/internal/domain"
)

// Source is the authoritative historical data feed. The vendor client
// implements it; tests substitute fakes.
type Source interface {
	IndexCandles(ctx context.Context, symbol string, day time.Time) ([]domain.IndexCandle, error)
	OptionCandles(ctx context.Context, symbol string, expiry time.Time,
		strike decimal.Decimal, optionType domain.OptionType, day time.Time) ([]domain.OptionCandle, error)
}
