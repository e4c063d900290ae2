// Package ledger is the local progress and audit store for remediation
// runs. It lives in a SQLite file owned by this engine, separate from the
// candle store, so runs survive crashes and can resume without refetching
// completed work.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/iceberg-data/remediation/internal/domain"
)

// ErrItemNotStarted is returned when a completion or failure is recorded
// for a work item that was never marked started. That indicates a caller
// bug and must surface, not be papered over.
var ErrItemNotStarted = errors.New("work item not started")

// Null surrogates, so the unique key never relies on SQL NULL equality.
// strikeNone marks the index-level item, strikeChain the day's option-chain
// aggregate item.
const (
	strikeNone     = "-1"
	strikeChain    = "-2"
	optionTypeNone = "-"
)

//go:embed schema.sql
var schemaSQL string

// Ledger is the run-progress store. Safe for use from a single process;
// WAL mode plus full synchronous writes keep it durable across crashes.
type Ledger struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates or opens the ledger database at path and applies the schema.
// A "file:" URI is passed through untouched, which tests use for in-memory
// databases.
func Open(path string, log zerolog.Logger) (*Ledger, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving ledger path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
		path = abs
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	// Maximum-safety profile: fsync on every write, never reclaim pages.
	connStr := path + sep + "_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=auto_vacuum(NONE)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging ledger: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("applying ledger schema: %w", err)
	}

	return &Ledger{
		conn: conn,
		path: path,
		log:  log.With().Str("component", "ledger").Logger(),
	}, nil
}

func (l *Ledger) Close() error {
	return l.conn.Close()
}

// ItemKey identifies one work item. Strike and OptionType are nil for the
// index-level item of a day. Chain marks the day's option-chain aggregate
// item instead; it carries no strike or option type of its own.
type ItemKey struct {
	RunID      string
	Symbol     string
	TradeDate  time.Time
	Mode       domain.Mode
	Strike     *decimal.Decimal
	OptionType *domain.OptionType
	Chain      bool
}

func (k ItemKey) strikeKey() string {
	if k.Chain {
		return strikeChain
	}
	if k.Strike == nil {
		return strikeNone
	}
	return k.Strike.String()
}

func (k ItemKey) typeKey() string {
	if k.OptionType == nil {
		return optionTypeNone
	}
	return string(*k.OptionType)
}

func (k ItemKey) dateKey() string {
	return k.TradeDate.Format(domain.DateFormat)
}

// MarkStarted records the item as in progress, inserting it on first sight.
// A completed item is terminal: restarting a run never downgrades it.
func (l *Ledger) MarkStarted(ctx context.Context, key ItemKey) error {
	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO remediation_progress (run_id, symbol, trade_date, mode, strike, option_type, status)
		VALUES (?, ?, ?, ?, ?, ?, 'in_progress')
		ON CONFLICT (run_id, symbol, trade_date, mode, strike, option_type)
		DO UPDATE SET
			status = 'in_progress',
			error_message = '',
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE remediation_progress.status != 'completed'`,
		key.RunID, key.Symbol, key.dateKey(), key.Mode, key.strikeKey(), key.typeKey())
	if err != nil {
		return fmt.Errorf("marking item started: %w", err)
	}
	return nil
}

// IsCompleted reports whether the item already finished in this run.
func (l *Ledger) IsCompleted(ctx context.Context, key ItemKey) (bool, error) {
	var status string
	err := l.conn.QueryRowContext(ctx, `
		SELECT status FROM remediation_progress
		WHERE run_id = ? AND symbol = ? AND trade_date = ? AND mode = ? AND strike = ? AND option_type = ?`,
		key.RunID, key.Symbol, key.dateKey(), key.Mode, key.strikeKey(), key.typeKey()).
		Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking item status: %w", err)
	}
	return status == string(domain.StatusCompleted), nil
}

// MarkCompleted records success for a started item. lastBucket, when
// non-nil, is the last bucket timestamp written for the item.
func (l *Ledger) MarkCompleted(ctx context.Context, key ItemKey, lastBucket *time.Time) error {
	var bucket any
	if lastBucket != nil {
		bucket = lastBucket.UTC().Format(time.RFC3339)
	}
	res, err := l.conn.ExecContext(ctx, `
		UPDATE remediation_progress SET
			status = 'completed',
			last_bucket_ts = COALESCE(?, last_bucket_ts),
			error_message = '',
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE run_id = ? AND symbol = ? AND trade_date = ? AND mode = ? AND strike = ? AND option_type = ?`,
		bucket, key.RunID, key.Symbol, key.dateKey(), key.Mode, key.strikeKey(), key.typeKey())
	if err != nil {
		return fmt.Errorf("marking item completed: %w", err)
	}
	return l.requireRow(res, key)
}

// MarkFailed records the failure cause for a started item. A completed
// item stays completed.
func (l *Ledger) MarkFailed(ctx context.Context, key ItemKey, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := l.conn.ExecContext(ctx, `
		UPDATE remediation_progress SET
			status = 'failed',
			error_message = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE run_id = ? AND symbol = ? AND trade_date = ? AND mode = ? AND strike = ? AND option_type = ?
		  AND status != 'completed'`,
		msg, key.RunID, key.Symbol, key.dateKey(), key.Mode, key.strikeKey(), key.typeKey())
	if err != nil {
		return fmt.Errorf("marking item failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking item failed: %w", err)
	}
	if rows == 0 {
		// Either never started (caller bug) or already completed (no-op).
		done, err := l.IsCompleted(ctx, key)
		if err != nil {
			return err
		}
		if !done {
			return fmt.Errorf("%w: %s %s %s", ErrItemNotStarted, key.Symbol, key.dateKey(), key.strikeKey())
		}
	}
	return nil
}

// Checkpoint records the last bucket timestamp written for an in-progress
// item, so a resumed run knows how far the item got.
func (l *Ledger) Checkpoint(ctx context.Context, key ItemKey, bucketTS time.Time) error {
	_, err := l.conn.ExecContext(ctx, `
		UPDATE remediation_progress SET
			last_bucket_ts = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE run_id = ? AND symbol = ? AND trade_date = ? AND mode = ? AND strike = ? AND option_type = ?`,
		bucketTS.UTC().Format(time.RFC3339),
		key.RunID, key.Symbol, key.dateKey(), key.Mode, key.strikeKey(), key.typeKey())
	if err != nil {
		return fmt.Errorf("checkpointing item: %w", err)
	}
	return nil
}

func (l *Ledger) requireRow(res sql.Result, key ItemKey) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %s %s", ErrItemNotStarted, key.Symbol, key.dateKey(), key.strikeKey())
	}
	return nil
}

// LogAudit appends one audit record for a write performed against the
// candle store.
func (l *Ledger) LogAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO remediation_audit (run_id, operation, table_name, symbol, trade_date, row_count, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Operation, e.TableName, e.Symbol,
		e.TradeDate.Format(domain.DateFormat), e.RowCount, e.Details)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Summary returns the item count per status for a run.
func (l *Ledger) Summary(ctx context.Context, runID string) (map[domain.WorkItemStatus]int, error) {
	rows, err := l.conn.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM remediation_progress
		WHERE run_id = ?
		GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("summarising run: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.WorkItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		counts[domain.WorkItemStatus(status)] = n
	}
	return counts, rows.Err()
}

// FailedItems returns every failed item of a run, ordered by date then key.
func (l *Ledger) FailedItems(ctx context.Context, runID string) ([]domain.WorkItem, error) {
	rows, err := l.conn.QueryContext(ctx, `
		SELECT run_id, symbol, trade_date, mode, strike, option_type, status,
		       last_bucket_ts, error_message, created_at, updated_at
		FROM remediation_progress
		WHERE run_id = ? AND status = 'failed'
		ORDER BY trade_date, strike, option_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing failed items: %w", err)
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResetRun deletes all progress rows of a run so it can start from scratch.
// Audit entries are never deleted. Returns the number of rows removed.
func (l *Ledger) ResetRun(ctx context.Context, runID string) (int64, error) {
	res, err := l.conn.ExecContext(ctx,
		`DELETE FROM remediation_progress WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("resetting run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting run: %w", err)
	}
	l.log.Info().Str("run_id", runID).Int64("rows", rows).Msg("run progress reset")
	return rows, nil
}

func scanWorkItem(rows *sql.Rows) (domain.WorkItem, error) {
	var (
		item                 domain.WorkItem
		tradeDate, strikeStr string
		typeStr, lastBucket  sql.NullString
		createdAt, updatedAt string
	)
	if err := rows.Scan(&item.RunID, &item.Symbol, &tradeDate, &item.Mode,
		&strikeStr, &typeStr, &item.Status, &lastBucket, &item.ErrorMessage,
		&createdAt, &updatedAt); err != nil {
		return domain.WorkItem{}, fmt.Errorf("scanning work item: %w", err)
	}

	date, err := time.ParseInLocation(domain.DateFormat, tradeDate, time.UTC)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("parsing trade date %q: %w", tradeDate, err)
	}
	item.TradeDate = date

	switch strikeStr {
	case strikeNone:
	case strikeChain:
		item.Chain = true
	default:
		strike, err := decimal.NewFromString(strikeStr)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("parsing strike %q: %w", strikeStr, err)
		}
		item.Strike = &strike
	}
	if typeStr.Valid && typeStr.String != optionTypeNone {
		ot := domain.OptionType(typeStr.String)
		item.OptionType = &ot
	}
	if lastBucket.Valid {
		ts, err := time.Parse(time.RFC3339, lastBucket.String)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("parsing bucket ts %q: %w", lastBucket.String, err)
		}
		item.LastBucketTS = &ts
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999Z", createdAt); err == nil {
		item.CreatedAt = ts
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999Z", updatedAt); err == nil {
		item.UpdatedAt = ts
	}
	return item, nil
}
