package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/iceberg-data/remediation/internal/domain"
)

// Postgres implements Store against the shared market-data database.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pool to the candle store and verifies it.
func NewPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing candle store DSN: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to candle store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging candle store: %w", err)
	}

	return &Postgres{
		pool: pool,
		log:  log.With().Str("component", "storage").Logger(),
	}, nil
}

func (pg *Postgres) Ping(ctx context.Context) error {
	return pg.pool.Ping(ctx)
}

func (pg *Postgres) Close() {
	pg.pool.Close()
}

func (pg *Postgres) IndexCandles(ctx context.Context, symbol string, day time.Time) ([]domain.IndexCandle, error) {
	rows, err := pg.pool.Query(ctx, `
		SELECT symbol, bucket_ts, trade_date, open, high, low, close, volume, tick_count
		FROM processing.candles_5m
		WHERE symbol = @symbol AND trade_date = @trade_date
		ORDER BY bucket_ts`,
		pgx.NamedArgs{"symbol": symbol, "trade_date": domain.DateOf(day)})
	if err != nil {
		return nil, fmt.Errorf("querying index candles: %w", err)
	}
	defer rows.Close()

	var out []domain.IndexCandle
	for rows.Next() {
		var c domain.IndexCandle
		if err := rows.Scan(&c.Symbol, &c.BucketTS, &c.TradeDate,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TickCount); err != nil {
			return nil, fmt.Errorf("scanning index candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (pg *Postgres) OptionCandles(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, optionType domain.OptionType, day time.Time) ([]domain.OptionCandle, error) {

	rows, err := pg.pool.Query(ctx, `
		SELECT symbol, expiry, strike, option_type, bucket_ts, trade_date,
		       open, high, low, close,
		       oi_open, oi_high, oi_low, oi_close,
		       vol_open, vol_high, vol_low, vol_close,
		       tick_count
		FROM processing.option_chain_candles_5m
		WHERE symbol = @symbol AND expiry = @expiry AND strike = @strike
		  AND option_type = @option_type AND trade_date = @trade_date
		ORDER BY bucket_ts`,
		pgx.NamedArgs{
			"symbol":      symbol,
			"expiry":      domain.DateOf(expiry),
			"strike":      strike,
			"option_type": string(optionType),
			"trade_date":  domain.DateOf(day),
		})
	if err != nil {
		return nil, fmt.Errorf("querying option candles: %w", err)
	}
	defer rows.Close()

	var out []domain.OptionCandle
	for rows.Next() {
		var c domain.OptionCandle
		if err := rows.Scan(&c.Symbol, &c.Expiry, &c.Strike, &c.OptionType,
			&c.BucketTS, &c.TradeDate,
			&c.Open, &c.High, &c.Low, &c.Close,
			&c.OIOpen, &c.OIHigh, &c.OILow, &c.OIClose,
			&c.VolOpen, &c.VolHigh, &c.VolLow, &c.VolClose,
			&c.TickCount); err != nil {
			return nil, fmt.Errorf("scanning option candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertIndexCandles writes the batch inside one transaction. The identity
// key (symbol, bucket_ts) is never changed by the update arm.
func (pg *Postgres) UpsertIndexCandles(ctx context.Context, candles []domain.IndexCandle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	n, err := pg.inTx(ctx, func(tx pgx.Tx) (int, error) {
		count := 0
		for _, c := range candles {
			tag, err := tx.Exec(ctx, `
				INSERT INTO processing.candles_5m
					(symbol, bucket_ts, trade_date, open, high, low, close, volume, tick_count)
				VALUES (@symbol, @bucket_ts, @trade_date, @open, @high, @low, @close, @volume, @tick_count)
				ON CONFLICT (symbol, bucket_ts) DO UPDATE SET
					trade_date = EXCLUDED.trade_date,
					open = EXCLUDED.open,
					high = EXCLUDED.high,
					low = EXCLUDED.low,
					close = EXCLUDED.close,
					volume = COALESCE(EXCLUDED.volume, processing.candles_5m.volume),
					tick_count = COALESCE(EXCLUDED.tick_count, processing.candles_5m.tick_count)`,
				pgx.NamedArgs{
					"symbol":     c.Symbol,
					"bucket_ts":  c.BucketTS,
					"trade_date": domain.DateOf(c.TradeDate),
					"open":       c.Open,
					"high":       c.High,
					"low":        c.Low,
					"close":      c.Close,
					"volume":     c.Volume,
					"tick_count": c.TickCount,
				})
			if err != nil {
				return 0, fmt.Errorf("upserting index candle %s: %w", c.BucketTS, err)
			}
			count += int(tag.RowsAffected())
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	pg.log.Debug().Int("rows", n).Msg("index candles upserted")
	return n, nil
}

// UpsertOptionCandles writes the batch inside one transaction. OI, volume
// and tick fields merge with COALESCE so a NULL from the source never
// erases a stored snapshot value.
func (pg *Postgres) UpsertOptionCandles(ctx context.Context, candles []domain.OptionCandle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	n, err := pg.inTx(ctx, func(tx pgx.Tx) (int, error) {
		count := 0
		for _, c := range candles {
			tag, err := tx.Exec(ctx, `
				INSERT INTO processing.option_chain_candles_5m
					(symbol, expiry, strike, option_type, bucket_ts, trade_date,
					 open, high, low, close,
					 oi_open, oi_high, oi_low, oi_close,
					 vol_open, vol_high, vol_low, vol_close,
					 tick_count)
				VALUES (@symbol, @expiry, @strike, @option_type, @bucket_ts, @trade_date,
					 @open, @high, @low, @close,
					 @oi_open, @oi_high, @oi_low, @oi_close,
					 @vol_open, @vol_high, @vol_low, @vol_close,
					 @tick_count)
				ON CONFLICT (symbol, expiry, strike, option_type, bucket_ts) DO UPDATE SET
					trade_date = EXCLUDED.trade_date,
					open = EXCLUDED.open,
					high = EXCLUDED.high,
					low = EXCLUDED.low,
					close = EXCLUDED.close,
					oi_open = COALESCE(EXCLUDED.oi_open, processing.option_chain_candles_5m.oi_open),
					oi_high = COALESCE(EXCLUDED.oi_high, processing.option_chain_candles_5m.oi_high),
					oi_low = COALESCE(EXCLUDED.oi_low, processing.option_chain_candles_5m.oi_low),
					oi_close = COALESCE(EXCLUDED.oi_close, processing.option_chain_candles_5m.oi_close),
					vol_open = COALESCE(EXCLUDED.vol_open, processing.option_chain_candles_5m.vol_open),
					vol_high = COALESCE(EXCLUDED.vol_high, processing.option_chain_candles_5m.vol_high),
					vol_low = COALESCE(EXCLUDED.vol_low, processing.option_chain_candles_5m.vol_low),
					vol_close = COALESCE(EXCLUDED.vol_close, processing.option_chain_candles_5m.vol_close),
					tick_count = COALESCE(EXCLUDED.tick_count, processing.option_chain_candles_5m.tick_count)`,
				pgx.NamedArgs{
					"symbol":      c.Symbol,
					"expiry":      domain.DateOf(c.Expiry),
					"strike":      c.Strike,
					"option_type": string(c.OptionType),
					"bucket_ts":   c.BucketTS,
					"trade_date":  domain.DateOf(c.TradeDate),
					"open":        c.Open,
					"high":        c.High,
					"low":         c.Low,
					"close":       c.Close,
					"oi_open":     c.OIOpen,
					"oi_high":     c.OIHigh,
					"oi_low":      c.OILow,
					"oi_close":    c.OIClose,
					"vol_open":    c.VolOpen,
					"vol_high":    c.VolHigh,
					"vol_low":     c.VolLow,
					"vol_close":   c.VolClose,
					"tick_count":  c.TickCount,
				})
			if err != nil {
				return 0, fmt.Errorf("upserting option candle %s %s %s %s: %w",
					c.Strike, c.OptionType, c.BucketTS, c.Expiry.Format(domain.DateFormat), err)
			}
			count += int(tag.RowsAffected())
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	pg.log.Debug().Int("rows", n).Msg("option candles upserted")
	return n, nil
}

func (pg *Postgres) UpsertIndicatorRows(ctx context.Context, rows []domain.IndicatorRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return pg.inTx(ctx, func(tx pgx.Tx) (int, error) {
		count := 0
		for _, r := range rows {
			tag, err := tx.Exec(ctx, `
				INSERT INTO processing.index_indicators_5m (symbol, bucket_ts, ema_20, rsi_14)
				VALUES (@symbol, @bucket_ts, @ema_20, @rsi_14)
				ON CONFLICT (symbol, bucket_ts) DO UPDATE SET
					ema_20 = EXCLUDED.ema_20,
					rsi_14 = EXCLUDED.rsi_14`,
				pgx.NamedArgs{
					"symbol":    r.Symbol,
					"bucket_ts": r.BucketTS,
					"ema_20":    r.EMA,
					"rsi_14":    r.RSI,
				})
			if err != nil {
				return 0, fmt.Errorf("upserting indicator row %s: %w", r.BucketTS, err)
			}
			count += int(tag.RowsAffected())
		}
		return count, nil
	})
}

// AdminRange returns the most recent configured range whose effective
// window contains the date. A range whose effective_until has passed is
// expired and never returned, so callers fall through to the ATM window.
func (pg *Postgres) AdminRange(ctx context.Context, symbol string, mode domain.Mode, on time.Time) (*domain.StrikeRange, error) {
	var rng domain.StrikeRange
	var effectiveFrom time.Time
	var effectiveUntil *time.Time
	err := pg.pool.QueryRow(ctx, `
		SELECT symbol, mode, lower_strike, upper_strike, effective_from, effective_until
		FROM app.admin_key_ranges
		WHERE symbol = @symbol AND mode = @mode
		  AND effective_from <= @on
		  AND (effective_until IS NULL OR effective_until > @on)
		ORDER BY effective_from DESC
		LIMIT 1`,
		pgx.NamedArgs{"symbol": symbol, "mode": string(mode), "on": domain.DateOf(on)}).
		Scan(&rng.Symbol, &rng.Mode, &rng.Lower, &rng.Upper, &effectiveFrom, &effectiveUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin range: %w", err)
	}
	rng.Source = domain.RangeAdmin
	rng.EffectiveFrom = &effectiveFrom
	rng.EffectiveUntil = effectiveUntil
	return &rng, nil
}

func (pg *Postgres) IndexClose(ctx context.Context, symbol string, on time.Time) (decimal.Decimal, bool, error) {
	var last decimal.Decimal
	err := pg.pool.QueryRow(ctx, `
		SELECT close FROM processing.candles_5m
		WHERE symbol = @symbol AND trade_date = @trade_date
		ORDER BY bucket_ts DESC
		LIMIT 1`,
		pgx.NamedArgs{"symbol": symbol, "trade_date": domain.DateOf(on)}).
		Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Decimal{}, false, nil
	}
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("querying index close: %w", err)
	}
	return last, true, nil
}

func (pg *Postgres) Holidays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := pg.pool.Query(ctx, `
		SELECT holiday_date FROM app.market_holidays
		WHERE holiday_date BETWEEN @from AND @to
		ORDER BY holiday_date`,
		pgx.NamedArgs{"from": domain.DateOf(from), "to": domain.DateOf(to)})
	if err != nil {
		return nil, fmt.Errorf("querying holidays: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning holiday: %w", err)
		}
		out = append(out, domain.DateOf(d))
	}
	return out, rows.Err()
}

// inTx runs fn inside one transaction, rolling back on error.
func (pg *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) (int, error)) (int, error) {
	tx, err := pg.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	n, err := fn(tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return n, nil
}
