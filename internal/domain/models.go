// Package domain defines the data model shared by the remediation engine:
// candles, strike ranges, ledger work items and run-level reporting types.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects which option series a remediation targets.
type Mode string

const (
	// ModeCurrent targets the nearest (weekly-style) expiry series.
	ModeCurrent Mode = "current"
	// ModePositional targets the month-end (monthly-style) expiry series.
	ModePositional Mode = "positional"
)

// Valid reports whether the mode is one of the two known values.
func (m Mode) Valid() bool {
	return m == ModeCurrent || m == ModePositional
}

// OptionType is the contract right: CE (call) or PE (put).
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// OptionTypes lists both rights in enumeration order.
var OptionTypes = []OptionType{Call, Put}

// DateFormat is the canonical wire/storage format for trade dates.
const DateFormat = "2006-01-02"

// Date builds a UTC-midnight date, the canonical representation for trade
// dates and expiries throughout the engine.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates a timestamp to its UTC-midnight date.
func DateOf(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return Date(y, m, d)
}

// IndexCandle is a 5-minute index candle. Identity: (symbol, bucket ts).
type IndexCandle struct {
	Symbol    string
	BucketTS  time.Time // 5-minute aligned, UTC
	TradeDate time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    *int64
	TickCount *int64
}

// OptionCandle is a 5-minute option candle with open-interest and volume
// snapshots. Identity: (symbol, expiry, strike, option type, bucket ts).
type OptionCandle struct {
	Symbol     string
	Expiry     time.Time
	Strike     decimal.Decimal
	OptionType OptionType
	BucketTS   time.Time
	TradeDate  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	// Open-interest range during the bucket. Absent (nil) means the source
	// did not report it; it is never the same as zero.
	OIOpen  *int64
	OIHigh  *int64
	OILow   *int64
	OIClose *int64
	// Traded-volume range during the bucket.
	VolOpen  *int64
	VolHigh  *int64
	VolLow   *int64
	VolClose *int64

	TickCount *int64
}

// RangeSource records where a strike range came from.
type RangeSource string

const (
	// RangeAdmin means the range was administratively configured upstream.
	RangeAdmin RangeSource = "admin"
	// RangeATMFallback means the range was computed around the ATM strike.
	RangeATMFallback RangeSource = "atm_fallback"
)

// StrikeRange is the strike window to validate/remediate for one day.
// Ephemeral: recomputed per call, never persisted by this engine.
type StrikeRange struct {
	Symbol         string
	Mode           Mode
	Lower          decimal.Decimal
	Upper          decimal.Decimal
	Source         RangeSource
	EffectiveFrom  *time.Time // set for admin ranges
	EffectiveUntil *time.Time // admin ranges only, nil = still open
}

// WorkItemStatus is the ledger state of one unit of remediation work.
type WorkItemStatus string

const (
	StatusPending    WorkItemStatus = "pending"
	StatusInProgress WorkItemStatus = "in_progress"
	StatusCompleted  WorkItemStatus = "completed"
	StatusFailed     WorkItemStatus = "failed"
)

// WorkItem is one ledger row: the atomic, independently retryable unit of
// remediation. Strike and OptionType are nil for the index-level item.
// Chain marks the day's option-chain aggregate item, which fails when no
// strike window can be resolved for the day.
type WorkItem struct {
	RunID        string
	Symbol       string
	TradeDate    time.Time
	Mode         Mode
	Strike       *decimal.Decimal
	OptionType   *OptionType
	Chain        bool
	Status       WorkItemStatus
	LastBucketTS *time.Time
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditEntry is one append-only record of a write performed against the
// target store on behalf of a run.
type AuditEntry struct {
	RunID     string
	Operation string
	TableName string
	Symbol    string
	TradeDate time.Time
	RowCount  int
	Details   string
	CreatedAt time.Time
}

// DiscrepancyKind classifies a validator finding.
type DiscrepancyKind string

const (
	// KindMismatch means stored and authoritative rows both exist but differ.
	KindMismatch DiscrepancyKind = "mismatch"
	// KindMissing means the authoritative row has no stored counterpart.
	KindMissing DiscrepancyKind = "missing"
	// KindExtra means a stored row has no authoritative counterpart. Extra
	// rows are reported only; the engine never deletes.
	KindExtra DiscrepancyKind = "extra"
)

// FieldDiff describes one field-level difference between a stored and an
// authoritative candle.
type FieldDiff struct {
	Stored        string  `json:"stored"`
	Authoritative string  `json:"authoritative"`
	DiffPct       float64 `json:"diff_pct,omitempty"`
}

// Discrepancy is one validator finding for a single bucket.
type Discrepancy struct {
	Symbol     string               `json:"symbol"`
	TradeDate  time.Time            `json:"trade_date"`
	Strike     *decimal.Decimal     `json:"strike,omitempty"`
	OptionType *OptionType          `json:"option_type,omitempty"`
	BucketTS   time.Time            `json:"bucket_ts"`
	Kind       DiscrepancyKind      `json:"kind"`
	Fields     map[string]FieldDiff `json:"fields,omitempty"`
}

// DayReport summarises validation of one trading day.
type DayReport struct {
	Symbol        string        `json:"symbol"`
	TradeDate     time.Time     `json:"trade_date"`
	Mode          Mode          `json:"mode"`
	TotalStrikes  int           `json:"total_strikes"`
	Compared      int           `json:"compared"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	// Deviation statistics over mismatched price fields, in percent.
	MeanDeviationPct float64 `json:"mean_deviation_pct"`
	MaxDeviationPct  float64 `json:"max_deviation_pct"`
	Skipped          string  `json:"skipped,omitempty"`
}

// RunStatus is the terminal state of a whole remediation run.
type RunStatus string

const (
	RunCompleted             RunStatus = "completed"
	RunCompletedWithFailures RunStatus = "completed_with_failures"
)

// RunSummary aggregates ledger counts at the end of a run.
type RunSummary struct {
	RunID       string                 `json:"run_id"`
	Symbol      string                 `json:"symbol"`
	Mode        Mode                   `json:"mode"`
	FromDate    time.Time              `json:"from_date"`
	ToDate      time.Time              `json:"to_date"`
	DryRun      bool                   `json:"dry_run"`
	Status      RunStatus              `json:"status"`
	TradingDays int                    `json:"trading_days"`
	Counts      map[WorkItemStatus]int `json:"counts"`
	Fetched     int                    `json:"candles_fetched"`
	Upserted    int                    `json:"candles_upserted"`
	Unchanged   int                    `json:"candles_unchanged"`
	Duration    time.Duration          `json:"duration"`
}

// IndicatorRow is one recalculated indicator record derived from corrected
// index closes.
type IndicatorRow struct {
	Symbol   string
	BucketTS time.Time
	EMA      *float64
	RSI      *float64
}
