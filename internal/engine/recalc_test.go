package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/storage"
)

func closeSeries(n int) []domain.IndexCandle {
	candles := make([]domain.IndexCandle, n)
	for i := range candles {
		price := decimal.NewFromInt(22400 + int64(i%7)*3)
		candles[i] = domain.IndexCandle{
			Symbol:    "nifty",
			BucketTS:  bucket(3, 45).Add(time.Duration(i) * 5 * time.Minute),
			TradeDate: tradeDay,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		}
	}
	return candles
}

func TestRecalculateWritesOneRowPerCandle(t *testing.T) {
	store := storage.NewMockStore()
	r := NewTalibRecalculator(store, zerolog.Nop())

	require.NoError(t, r.Recalculate(context.Background(), "nifty", tradeDay, closeSeries(30)))
	assert.Equal(t, 30, store.IndicatorCount())
}

func TestRecalculateShortSeriesStillWritesRows(t *testing.T) {
	store := storage.NewMockStore()
	r := NewTalibRecalculator(store, zerolog.Nop())

	// Fewer buckets than any indicator period: rows exist, values are nil.
	require.NoError(t, r.Recalculate(context.Background(), "nifty", tradeDay, closeSeries(5)))
	assert.Equal(t, 5, store.IndicatorCount())
}

func TestRecalculateEmptyInputIsNoop(t *testing.T) {
	store := storage.NewMockStore()
	r := NewTalibRecalculator(store, zerolog.Nop())

	require.NoError(t, r.Recalculate(context.Background(), "nifty", tradeDay, nil))
	assert.Equal(t, 0, store.IndicatorCount())
}

func TestRecalculatePropagatesStoreError(t *testing.T) {
	store := storage.NewMockStore()
	store.IndicatorErr = errors.New("indicator table locked")
	r := NewTalibRecalculator(store, zerolog.Nop())

	err := r.Recalculate(context.Background(), "nifty", tradeDay, closeSeries(30))
	assert.ErrorContains(t, err, "indicator table locked")
}
