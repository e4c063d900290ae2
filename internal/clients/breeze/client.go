// Package breeze is the client for the authoritative historical data
// vendor. All reads the engine treats as ground truth come through here,
// paced by a rate limiter, guarded by a circuit breaker and a daily
// request budget, with bounded retries on transient failures.
package breeze

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // exchange timezone must resolve without system tzdata

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/symbols"
)

const (
	defaultBaseURL = "https://api.icicidirect.com/breezeapi/api/v1"

	endpointHistorical = "historicalcharts"
	endpointSession    = "customerdetails"

	interval5m = "5minute"

	// Trading session bounds, exchange local time.
	sessionOpen  = "09:15:00"
	sessionClose = "15:30:00"
)

var (
	// ErrRateLimited is returned once the vendor keeps throttling past the
	// point the client is willing to wait.
	ErrRateLimited = errors.New("vendor rate limited")
	// ErrClientFault is a non-retryable 4xx: bad request, expired session,
	// unknown instrument. Retrying cannot help.
	ErrClientFault = errors.New("vendor rejected request")
	// ErrBudgetExhausted means the daily request budget is spent.
	ErrBudgetExhausted = errors.New("daily request budget exhausted")
)

// Config holds client settings.
type Config struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	SessionToken string

	RateLimitDelay time.Duration
	MaxRetries     int
	DailyBudget    int // 0 = unlimited
}

// Client talks to the vendor API. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	reg     *symbols.Registry
	log     zerolog.Logger
	ist     *time.Location

	mu        sync.Mutex
	session   string
	budgetDay time.Time
	requests  int
}

// New builds a client. Connect must be called before the first data fetch.
func New(cfg Config, reg *symbols.Registry, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 300 * time.Millisecond
	}
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "breeze",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Throttling and our own bad requests are not vendor outages.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrClientFault)
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(cfg.RateLimitDelay), 1),
		breaker: breaker,
		reg:     reg,
		log:     log.With().Str("component", "breeze").Logger(),
		ist:     ist,
	}, nil
}

// Connect bootstraps the API session from the configured session token.
func (c *Client) Connect(ctx context.Context) error {
	body, err := json.Marshal(sessionRequest{
		SessionToken: c.cfg.SessionToken,
		AppKey:       c.cfg.APIKey,
	})
	if err != nil {
		return fmt.Errorf("encoding session request: %w", err)
	}

	raw, err := c.doWithRetry(ctx, endpointSession, body, false)
	if err != nil {
		return fmt.Errorf("bootstrapping session: %w", err)
	}

	var details customerDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return fmt.Errorf("decoding session response: %w", err)
	}
	if details.SessionToken == "" {
		return fmt.Errorf("%w: empty session token", ErrClientFault)
	}

	c.mu.Lock()
	c.session = details.SessionToken
	c.mu.Unlock()
	c.log.Info().Msg("vendor session established")
	return nil
}

// IndexCandles fetches the authoritative 5-minute index candles for one
// trading day.
func (c *Client) IndexCandles(ctx context.Context, symbol string, day time.Time) ([]domain.IndexCandle, error) {
	sym, err := c.vendorSymbol(symbol)
	if err != nil {
		return nil, err
	}
	day = domain.DateOf(day)

	req := historicalRequest{
		Interval:     interval5m,
		FromDate:     c.sessionBound(day, sessionOpen),
		ToDate:       c.sessionBound(day, sessionClose),
		StockCode:    sym.Vendor.StockCode,
		ExchangeCode: sym.Vendor.IndexExchange,
		ProductType:  "cash",
	}
	wire, err := c.fetchCandles(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]domain.IndexCandle, 0, len(wire))
	for _, w := range wire {
		candle, err := c.indexFromWire(sym.Name, day, w)
		if err != nil {
			return nil, err
		}
		out = append(out, candle)
	}
	return out, nil
}

// OptionCandles fetches the authoritative 5-minute candles of one option
// contract for one trading day. The vendor reports only closing OI and
// volume snapshots per bucket.
func (c *Client) OptionCandles(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, optionType domain.OptionType, day time.Time) ([]domain.OptionCandle, error) {

	sym, err := c.vendorSymbol(symbol)
	if err != nil {
		return nil, err
	}
	day = domain.DateOf(day)

	right := "call"
	if optionType == domain.Put {
		right = "put"
	}
	req := historicalRequest{
		Interval:     interval5m,
		FromDate:     c.sessionBound(day, sessionOpen),
		ToDate:       c.sessionBound(day, sessionClose),
		StockCode:    sym.Vendor.StockCode,
		ExchangeCode: sym.Vendor.OptionExchange,
		ProductType:  "options",
		ExpiryDate:   domain.DateOf(expiry).Format(domain.DateFormat) + "T07:00:00.000Z",
		Right:        right,
		StrikePrice:  strike.String(),
	}
	wire, err := c.fetchCandles(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]domain.OptionCandle, 0, len(wire))
	for _, w := range wire {
		candle, err := c.optionFromWire(sym.Name, expiry, strike, optionType, day, w)
		if err != nil {
			return nil, err
		}
		out = append(out, candle)
	}
	return out, nil
}

// vendorSymbol resolves registry codes and rejects symbols the vendor
// does not serve.
func (c *Client) vendorSymbol(symbol string) (*symbols.Symbol, error) {
	sym, err := c.reg.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	if sym.Vendor.StockCode == "" {
		return nil, fmt.Errorf("%w: vendor does not serve %q", symbols.ErrUnknownSymbol, sym.Name)
	}
	return sym, nil
}

// sessionBound renders a session boundary for the request. The vendor
// expects exchange-local wall time with a Z suffix.
func (c *Client) sessionBound(day time.Time, hhmmss string) string {
	return day.Format(domain.DateFormat) + "T" + hhmmss + ".000Z"
}

func (c *Client) fetchCandles(ctx context.Context, req historicalRequest) ([]wireCandle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	raw, err := c.doWithRetry(ctx, endpointHistorical, body, true)
	if err != nil {
		return nil, err
	}

	var wire []wireCandle
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding candles: %w", err)
	}
	return wire, nil
}

func (c *Client) indexFromWire(symbol string, day time.Time, w wireCandle) (domain.IndexCandle, error) {
	bucket, err := c.parseBucket(w.Datetime)
	if err != nil {
		return domain.IndexCandle{}, err
	}
	candle := domain.IndexCandle{Symbol: symbol, BucketTS: bucket, TradeDate: day}
	if candle.Open, err = w.Open.Decimal(); err != nil {
		return domain.IndexCandle{}, fmt.Errorf("bucket %s open: %w", w.Datetime, err)
	}
	if candle.High, err = w.High.Decimal(); err != nil {
		return domain.IndexCandle{}, fmt.Errorf("bucket %s high: %w", w.Datetime, err)
	}
	if candle.Low, err = w.Low.Decimal(); err != nil {
		return domain.IndexCandle{}, fmt.Errorf("bucket %s low: %w", w.Datetime, err)
	}
	if candle.Close, err = w.Close.Decimal(); err != nil {
		return domain.IndexCandle{}, fmt.Errorf("bucket %s close: %w", w.Datetime, err)
	}
	if candle.Volume, err = w.Volume.Int64Ptr(); err != nil {
		return domain.IndexCandle{}, fmt.Errorf("bucket %s volume: %w", w.Datetime, err)
	}
	return candle, nil
}

func (c *Client) optionFromWire(symbol string, expiry time.Time, strike decimal.Decimal,
	optionType domain.OptionType, day time.Time, w wireCandle) (domain.OptionCandle, error) {

	bucket, err := c.parseBucket(w.Datetime)
	if err != nil {
		return domain.OptionCandle{}, err
	}
	candle := domain.OptionCandle{
		Symbol:     symbol,
		Expiry:     domain.DateOf(expiry),
		Strike:     strike,
		OptionType: optionType,
		BucketTS:   bucket,
		TradeDate:  day,
	}
	if candle.Open, err = w.Open.Decimal(); err != nil {
		return domain.OptionCandle{}, fmt.Errorf("bucket %s open: %w", w.Datetime, err)
	}
	if candle.High, err = w.High.Decimal(); err != nil {
		return domain.OptionCandle{}, fmt.Errorf("bucket %s high: %w", w.Datetime, err)
	}
	if candle.Low, err = w.Low.Decimal(); err != nil {
		return domain.OptionCandle{}, fmt.Errorf("bucket %s low: %w", w.Datetime, err)
	}
	if candle.Close, err = w.Close.Decimal(); err != nil {
		return domain.OptionCandle{}, fmt.Errorf("bucket %s close: %w", w.Datetime, err)
	}
	if candle.OIClose, err = w.OpenInterest.Int64Ptr(); err != nil {
		return domain.OptionCandle{}, fmt.Errorf("bucket %s open_interest: %w", w.Datetime, err)
	}
	if candle.VolClose, err = w.Volume.Int64Ptr(); err != nil {
		return domain.OptionCandle{}, fmt.Errorf("bucket %s volume: %w", w.Datetime, err)
	}
	return candle, nil
}

// parseBucket reads the vendor's exchange-local timestamp and converts it
// to UTC.
func (c *Client) parseBucket(s string) (time.Time, error) {
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, c.ist)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing bucket timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}

// doWithRetry performs one API call with pacing, budget accounting and
// bounded exponential backoff. A 429 waits out Retry-After without
// consuming a retry attempt; other 4xx fail immediately.
func (c *Client) doWithRetry(ctx context.Context, endpoint string, body []byte, signed bool) (json.RawMessage, error) {
	backoff := 2 * time.Second
	attempt := 0

	for {
		if err := c.consumeBudget(); err != nil {
			return nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		raw, retryAfter, err := c.doOnce(ctx, endpoint, body, signed)
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, ErrRateLimited) {
			wait := retryAfter
			if wait <= 0 {
				wait = backoff
			}
			c.log.Warn().Dur("wait", wait).Str("endpoint", endpoint).Msg("throttled by vendor, waiting")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		if !isTransient(err) {
			return nil, err
		}

		attempt++
		if attempt > c.cfg.MaxRetries {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Str("endpoint", endpoint).
			Dur("backoff", backoff).Msg("transient vendor error, retrying")
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
	}
}

func (c *Client) doOnce(ctx context.Context, endpoint string, body []byte, signed bool) (json.RawMessage, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		c.sign(req, body)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return retryAfterOf(resp), ErrRateLimited
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("vendor server error: HTTP %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("%w: HTTP %d: %s", ErrClientFault, resp.StatusCode, truncate(payload))
		}
		return payload, nil
	})
	if err != nil {
		if d, ok := result.(time.Duration); ok {
			return nil, d, err
		}
		return nil, 0, err
	}

	var env envelope
	if err := json.Unmarshal(result.([]byte), &env); err != nil {
		return nil, 0, fmt.Errorf("decoding envelope: %w", err)
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return nil, 0, fmt.Errorf("%w: %s", ErrClientFault, env.Error)
	}
	return env.Success, 0, nil
}

// sign attaches the checksum auth headers: SHA-256 over timestamp, body
// and the API secret.
func (c *Client) sign(req *http.Request, body []byte) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05") + ".000Z"
	sum := sha256.Sum256([]byte(ts + string(body) + c.cfg.APISecret))

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	req.Header.Set("X-Checksum", "token "+hex.EncodeToString(sum[:]))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-AppKey", c.cfg.APIKey)
	req.Header.Set("X-SessionToken", session)
}

// consumeBudget counts one request against the daily budget.
func (c *Client) consumeBudget() error {
	if c.cfg.DailyBudget <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	today := domain.DateOf(time.Now())
	if !c.budgetDay.Equal(today) {
		c.budgetDay = today
		c.requests = 0
	}
	if c.requests >= c.cfg.DailyBudget {
		return fmt.Errorf("%w: %d requests today", ErrBudgetExhausted, c.requests)
	}
	c.requests++
	return nil
}

func retryAfterOf(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrClientFault) || errors.Is(err, ErrBudgetExhausted) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, probe := range []string{
		"connection refused",
		"connection reset",
		"server error",
		"EOF",
		"no such host",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
