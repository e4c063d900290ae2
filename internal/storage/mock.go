package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iceberg-data/remediation/internal/domain"
)

// MockStore is an in-memory Store for tests. It reproduces the upsert
// semantics of the Postgres implementation, including COALESCE merging of
// OI, volume and tick fields.
type MockStore struct {
	mu sync.Mutex

	index       map[string]domain.IndexCandle   // symbol|bucket
	options     map[string]domain.OptionCandle  // symbol|expiry|strike|type|bucket
	indicators  map[string]domain.IndicatorRow  // symbol|bucket
	adminRanges map[string][]domain.StrikeRange // symbol|mode
	holidays    []time.Time

	// Error injection, one field per operation.
	ReadErr      error
	UpsertErr    error
	AdminErr     error
	IndicatorErr error

	UpsertCalls int
}

var _ Store = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		index:       make(map[string]domain.IndexCandle),
		options:     make(map[string]domain.OptionCandle),
		indicators:  make(map[string]domain.IndicatorRow),
		adminRanges: make(map[string][]domain.StrikeRange),
	}
}

func indexKey(symbol string, bucket time.Time) string {
	return symbol + "|" + bucket.UTC().Format(time.RFC3339)
}

func optionKey(c domain.OptionCandle) string {
	return c.Symbol + "|" + c.Expiry.Format(domain.DateFormat) + "|" +
		c.Strike.String() + "|" + string(c.OptionType) + "|" +
		c.BucketTS.UTC().Format(time.RFC3339)
}

// SeedIndex loads index candles without counting as engine writes.
func (m *MockStore) SeedIndex(candles ...domain.IndexCandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		m.index[indexKey(c.Symbol, c.BucketTS)] = c
	}
}

// SeedOptions loads option candles without counting as engine writes.
func (m *MockStore) SeedOptions(candles ...domain.OptionCandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		m.options[optionKey(c)] = c
	}
}

// SetAdminRange adds an admin range. Ranges without EffectiveFrom or
// EffectiveUntil cover all dates on that side of the window.
func (m *MockStore) SetAdminRange(rng *domain.StrikeRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rng.Symbol + "|" + string(rng.Mode)
	m.adminRanges[key] = append(m.adminRanges[key], *rng)
}

// SetHolidays configures the holiday list.
func (m *MockStore) SetHolidays(days ...time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays = days
}

func (m *MockStore) IndexCandles(ctx context.Context, symbol string, day time.Time) ([]domain.IndexCandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	day = domain.DateOf(day)
	var out []domain.IndexCandle
	for _, c := range m.index {
		if c.Symbol == symbol && domain.DateOf(c.TradeDate).Equal(day) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketTS.Before(out[j].BucketTS) })
	return out, nil
}

func (m *MockStore) OptionCandles(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, optionType domain.OptionType, day time.Time) ([]domain.OptionCandle, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	day = domain.DateOf(day)
	var out []domain.OptionCandle
	for _, c := range m.options {
		if c.Symbol == symbol && domain.DateOf(c.Expiry).Equal(domain.DateOf(expiry)) &&
			c.Strike.Equal(strike) && c.OptionType == optionType &&
			domain.DateOf(c.TradeDate).Equal(day) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketTS.Before(out[j].BucketTS) })
	return out, nil
}

func (m *MockStore) UpsertIndexCandles(ctx context.Context, candles []domain.IndexCandle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if m.UpsertErr != nil {
		return 0, m.UpsertErr
	}
	for _, c := range candles {
		key := indexKey(c.Symbol, c.BucketTS)
		if prev, ok := m.index[key]; ok {
			c.Volume = coalesce(c.Volume, prev.Volume)
			c.TickCount = coalesce(c.TickCount, prev.TickCount)
		}
		m.index[key] = c
	}
	return len(candles), nil
}

func (m *MockStore) UpsertOptionCandles(ctx context.Context, candles []domain.OptionCandle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if m.UpsertErr != nil {
		return 0, m.UpsertErr
	}
	for _, c := range candles {
		key := optionKey(c)
		if prev, ok := m.options[key]; ok {
			c.OIOpen = coalesce(c.OIOpen, prev.OIOpen)
			c.OIHigh = coalesce(c.OIHigh, prev.OIHigh)
			c.OILow = coalesce(c.OILow, prev.OILow)
			c.OIClose = coalesce(c.OIClose, prev.OIClose)
			c.VolOpen = coalesce(c.VolOpen, prev.VolOpen)
			c.VolHigh = coalesce(c.VolHigh, prev.VolHigh)
			c.VolLow = coalesce(c.VolLow, prev.VolLow)
			c.VolClose = coalesce(c.VolClose, prev.VolClose)
			c.TickCount = coalesce(c.TickCount, prev.TickCount)
		}
		m.options[key] = c
	}
	return len(candles), nil
}

func (m *MockStore) UpsertIndicatorRows(ctx context.Context, rows []domain.IndicatorRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IndicatorErr != nil {
		return 0, m.IndicatorErr
	}
	for _, r := range rows {
		m.indicators[indexKey(r.Symbol, r.BucketTS)] = r
	}
	return len(rows), nil
}

// AdminRange mirrors the Postgres window semantics: effective_from at or
// before the date, effective_until absent or after it, most recent wins.
func (m *MockStore) AdminRange(ctx context.Context, symbol string, mode domain.Mode, on time.Time) (*domain.StrikeRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AdminErr != nil {
		return nil, m.AdminErr
	}
	day := domain.DateOf(on)
	var found *domain.StrikeRange
	for _, rng := range m.adminRanges[symbol+"|"+string(mode)] {
		rng := rng
		if rng.EffectiveFrom != nil && rng.EffectiveFrom.After(day) {
			continue
		}
		if rng.EffectiveUntil != nil && !rng.EffectiveUntil.After(day) {
			continue
		}
		if found == nil || laterFrom(rng.EffectiveFrom, found.EffectiveFrom) {
			found = &rng
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

// laterFrom reports whether a starts after b, with nil meaning the dawn of
// time.
func laterFrom(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func (m *MockStore) IndexClose(ctx context.Context, symbol string, on time.Time) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return decimal.Decimal{}, false, m.ReadErr
	}
	day := domain.DateOf(on)
	var last *domain.IndexCandle
	for _, c := range m.index {
		c := c
		if c.Symbol != symbol || !domain.DateOf(c.TradeDate).Equal(day) {
			continue
		}
		if last == nil || c.BucketTS.After(last.BucketTS) {
			last = &c
		}
	}
	if last == nil {
		return decimal.Decimal{}, false, nil
	}
	return last.Close, true, nil
}

func (m *MockStore) Holidays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for _, h := range m.holidays {
		h = domain.DateOf(h)
		if !h.Before(domain.DateOf(from)) && !h.After(domain.DateOf(to)) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MockStore) Ping(ctx context.Context) error { return nil }
func (m *MockStore) Close()                         {}

// OptionCount reports the number of stored option rows.
func (m *MockStore) OptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.options)
}

// IndicatorCount reports the number of stored indicator rows.
func (m *MockStore) IndicatorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.indicators)
}

func coalesce(v, prev *int64) *int64 {
	if v != nil {
		return v
	}
	return prev
}
