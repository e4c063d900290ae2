// Package storage is the target candle store: the PostgreSQL database whose
// historical rows the engine validates and corrects. The engine only ever
// reads, inserts and updates here. It never deletes.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iceberg-data/remediation/internal/domain"
)

// Store is the candle-store surface the engine depends on.
type Store interface {
	// IndexCandles returns the stored index candles of one trading day,
	// ordered by bucket timestamp.
	IndexCandles(ctx context.Context, symbol string, day time.Time) ([]domain.IndexCandle, error)

	// OptionCandles returns the stored option candles of one contract for
	// one trading day, ordered by bucket timestamp.
	OptionCandles(ctx context.Context, symbol string, expiry time.Time,
		strike decimal.Decimal, optionType domain.OptionType, day time.Time) ([]domain.OptionCandle, error)

	// UpsertIndexCandles writes index candles in a single transaction,
	// inserting new buckets and updating existing ones in place. Returns
	// the number of rows written.
	UpsertIndexCandles(ctx context.Context, candles []domain.IndexCandle) (int, error)

	// UpsertOptionCandles writes option candles in a single transaction.
	// OI, volume and tick fields merge with COALESCE: a NULL from the
	// source never clobbers a stored snapshot value.
	UpsertOptionCandles(ctx context.Context, candles []domain.OptionCandle) (int, error)

	// UpsertIndicatorRows writes recalculated indicator rows in a single
	// transaction.
	UpsertIndicatorRows(ctx context.Context, rows []domain.IndicatorRow) (int, error)

	// AdminRange returns the admin-configured strike range effective on
	// the date, or (nil, nil) when none is configured.
	AdminRange(ctx context.Context, symbol string, mode domain.Mode, on time.Time) (*domain.StrikeRange, error)

	// IndexClose returns the last stored index close of the trading day.
	// ok is false when the day has no index candles.
	IndexClose(ctx context.Context, symbol string, on time.Time) (decimal.Decimal, bool, error)

	// Holidays returns the exchange holidays inside [from, to].
	Holidays(ctx context.Context, from, to time.Time) ([]time.Time, error)

	Ping(ctx context.Context) error
	Close()
}
