package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceberg-data/remediation/internal/domain"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "progress.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func optionKey(runID string) ItemKey {
	strike := decimal.NewFromInt(24850)
	ot := domain.Call
	return ItemKey{
		RunID:      runID,
		Symbol:     "nifty",
		TradeDate:  domain.Date(2024, time.June, 3),
		Mode:       domain.ModeCurrent,
		Strike:     &strike,
		OptionType: &ot,
	}
}

func indexKey(runID string) ItemKey {
	return ItemKey{
		RunID:     runID,
		Symbol:    "nifty",
		TradeDate: domain.Date(2024, time.June, 3),
		Mode:      domain.ModeCurrent,
	}
}

func TestMarkStartedIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	key := optionKey("run-1")

	require.NoError(t, l.MarkStarted(ctx, key))
	require.NoError(t, l.MarkStarted(ctx, key))

	counts, err := l.Summary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.WorkItemStatus]int{domain.StatusInProgress: 1}, counts)
}

func TestCompletedIsTerminal(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	key := optionKey("run-1")

	require.NoError(t, l.MarkStarted(ctx, key))
	require.NoError(t, l.MarkCompleted(ctx, key, nil))

	// A resumed run restarts and refails items, but never loses completion.
	require.NoError(t, l.MarkStarted(ctx, key))
	require.NoError(t, l.MarkFailed(ctx, key, errors.New("late failure")))

	done, err := l.IsCompleted(ctx, key)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIndexItemUsesStableSurrogates(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	// The index-level item (no strike, no option type) must land on one row
	// and be found again by the same nil-keyed lookup.
	require.NoError(t, l.MarkStarted(ctx, indexKey("run-1")))
	require.NoError(t, l.MarkCompleted(ctx, indexKey("run-1"), nil))

	done, err := l.IsCompleted(ctx, indexKey("run-1"))
	require.NoError(t, err)
	assert.True(t, done)

	counts, err := l.Summary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusCompleted])

	// The option item with the same run/date is a distinct row.
	require.NoError(t, l.MarkStarted(ctx, optionKey("run-1")))
	counts, err = l.Summary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusCompleted])
	assert.Equal(t, 1, counts[domain.StatusInProgress])
}

func TestChainItemIsDistinctAndRoundTrips(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	chain := indexKey("run-1")
	chain.Chain = true

	// Index, chain and option items of the same day are three rows.
	require.NoError(t, l.MarkStarted(ctx, indexKey("run-1")))
	require.NoError(t, l.MarkStarted(ctx, chain))
	require.NoError(t, l.MarkStarted(ctx, optionKey("run-1")))

	counts, err := l.Summary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatusInProgress])

	require.NoError(t, l.MarkFailed(ctx, chain, errors.New("no strike range derivable")))

	items, err := l.FailedItems(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Chain)
	assert.Nil(t, items[0].Strike)
	assert.Nil(t, items[0].OptionType)

	// Failed chain items retry and complete like any other item.
	require.NoError(t, l.MarkStarted(ctx, chain))
	require.NoError(t, l.MarkCompleted(ctx, chain, nil))
	done, err := l.IsCompleted(ctx, chain)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMarkCompletedRequiresStart(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	err := l.MarkCompleted(ctx, optionKey("run-1"), nil)
	assert.ErrorIs(t, err, ErrItemNotStarted)

	err = l.MarkFailed(ctx, optionKey("run-1"), errors.New("boom"))
	assert.ErrorIs(t, err, ErrItemNotStarted)
}

func TestFailedItemsRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	key := optionKey("run-1")

	require.NoError(t, l.MarkStarted(ctx, key))
	require.NoError(t, l.MarkFailed(ctx, key, errors.New("vendor timeout")))
	require.NoError(t, l.MarkStarted(ctx, indexKey("run-1")))
	require.NoError(t, l.MarkCompleted(ctx, indexKey("run-1"), nil))

	items, err := l.FailedItems(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, "nifty", got.Symbol)
	assert.Equal(t, domain.Date(2024, time.June, 3), got.TradeDate)
	require.NotNil(t, got.Strike)
	assert.True(t, got.Strike.Equal(decimal.NewFromInt(24850)))
	require.NotNil(t, got.OptionType)
	assert.Equal(t, domain.Call, *got.OptionType)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "vendor timeout", got.ErrorMessage)
}

func TestCheckpointPersistsLastBucket(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	key := optionKey("run-1")

	require.NoError(t, l.MarkStarted(ctx, key))
	bucket := time.Date(2024, time.June, 3, 5, 30, 0, 0, time.UTC)
	require.NoError(t, l.Checkpoint(ctx, key, bucket))
	require.NoError(t, l.MarkFailed(ctx, key, errors.New("cut off")))

	items, err := l.FailedItems(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].LastBucketTS)
	assert.True(t, items[0].LastBucketTS.Equal(bucket))
}

func TestResetRunKeepsOtherRunsAndAudit(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.MarkStarted(ctx, optionKey("run-1")))
	require.NoError(t, l.MarkStarted(ctx, optionKey("run-2")))
	require.NoError(t, l.LogAudit(ctx, domain.AuditEntry{
		RunID:     "run-1",
		Operation: "upsert",
		TableName: "processing.option_chain_candles_5m",
		Symbol:    "nifty",
		TradeDate: domain.Date(2024, time.June, 3),
		RowCount:  75,
	}))

	removed, err := l.ResetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	counts, err := l.Summary(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, counts)

	counts, err = l.Summary(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusInProgress])

	// The audit trail is append-only and survives resets.
	var n int
	err = l.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM remediation_audit WHERE run_id = 'run-1'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
