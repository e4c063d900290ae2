package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/storage"
)

// Recalculator recomputes derived values after index candles change.
type Recalculator interface {
	Recalculate(ctx context.Context, symbol string, day time.Time, candles []domain.IndexCandle) error
}

const (
	emaPeriod = 20
	rsiPeriod = 14
)

// TalibRecalculator recomputes EMA and RSI rows from corrected index
// closes and upserts them through the store.
type TalibRecalculator struct {
	store storage.Store
	log   zerolog.Logger
}

var _ Recalculator = (*TalibRecalculator)(nil)

func NewTalibRecalculator(store storage.Store, log zerolog.Logger) *TalibRecalculator {
	return &TalibRecalculator{
		store: store,
		log:   log.With().Str("component", "recalc").Logger(),
	}
}

// Recalculate produces one indicator row per input candle. Warmup buckets
// before an indicator has enough history carry a nil value.
func (t *TalibRecalculator) Recalculate(ctx context.Context, symbol string, day time.Time, candles []domain.IndexCandle) error {
	if len(candles) == 0 {
		return nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
	}

	rows := make([]domain.IndicatorRow, len(candles))
	for i, c := range candles {
		rows[i] = domain.IndicatorRow{Symbol: symbol, BucketTS: c.BucketTS}
	}
	if len(closes) >= emaPeriod {
		ema := talib.Ema(closes, emaPeriod)
		for i := emaPeriod - 1; i < len(rows); i++ {
			v := ema[i]
			rows[i].EMA = &v
		}
	}
	if len(closes) > rsiPeriod {
		rsi := talib.Rsi(closes, rsiPeriod)
		for i := rsiPeriod; i < len(rows); i++ {
			v := rsi[i]
			rows[i].RSI = &v
		}
	}

	n, err := t.store.UpsertIndicatorRows(ctx, rows)
	if err != nil {
		return fmt.Errorf("upserting indicator rows: %w", err)
	}
	t.log.Debug().
		Str("symbol", symbol).
		Str("date", day.Format(domain.DateFormat)).
		Int("rows", n).
		Msg("indicators recalculated")
	return nil
}
