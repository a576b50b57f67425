// Package exchange composes admission scheduling, retries, caches, the
// market-data stream and pre-trade safety checks into the operations used by
// the strategy, position and risk loops.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/config"
	"tradegate/internal/cache"
	"tradegate/internal/clocksync"
	"tradegate/internal/errclass"
	"tradegate/internal/journal"
	"tradegate/internal/kucoin"
	"tradegate/internal/retry"
	"tradegate/internal/safety"
	"tradegate/internal/schedule"
	"tradegate/internal/stream"
	"tradegate/logger"
	"tradegate/models"
)

// ErrClosed is returned by order operations after Close.
var ErrClosed = errors.New("exchange client closed")

// Venue is the REST surface of the exchange. *kucoin.Client implements it.
type Venue interface {
	ServerTime(ctx context.Context) (time.Time, error)
	Contracts(ctx context.Context) ([]models.SymbolMetadata, error)
	Ticker(ctx context.Context, symbol string) (models.Ticker, error)
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	OrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error)
	Balance(ctx context.Context, currency string) (models.Balance, error)
	Positions(ctx context.Context) ([]models.Position, error)
	PlaceOrder(ctx context.Context, p kucoin.OrderParams) (kucoin.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	SetCrossLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
	SetTimeOffset(d time.Duration)
}

// MarketFeed is the streaming market-data source. *stream.Feed implements it.
type MarketFeed interface {
	SubscribeTicker(symbol string) bool
	SubscribeCandles(symbol, timeframe string) bool
	SubscribeOrderBook(symbol string) bool
	Ticker(symbol string) (models.Ticker, bool)
	OHLCV(symbol, timeframe string, limit int) ([]models.Candle, bool)
	OrderBook(symbol string) (models.OrderBook, bool)
	SeedCandles(symbol, timeframe string, history []models.Candle)
	Close()
}

// Recorder receives every order outcome. *journal.Journal implements it.
type Recorder interface {
	Record(r models.OrderResult)
}

var (
	_ Venue      = (*kucoin.Client)(nil)
	_ MarketFeed = (*stream.Feed)(nil)
	_ Recorder   = (*journal.Journal)(nil)
)

type BreakerConfig struct {
	Enabled   bool
	Threshold int
	Cooldown  time.Duration
}

type Config struct {
	Currency        string
	MarginMode      string
	DefaultLeverage int

	SchedulerMaxWait time.Duration
	Retry            errclass.Settings
	CallTimeout      time.Duration
	Breaker          BreakerConfig

	MetadataTTL time.Duration
	Candles     cache.CandleOptions
	Safety      safety.Config

	ClockInterval time.Duration
	MaxDrift      time.Duration

	CloseAttempts int
	CloseBackoff  time.Duration
	ScanWorkers   int
	// BookDepth is the REST depth requested for large-order liquidity checks.
	BookDepth int
}

func DefaultConfig() Config {
	return Config{
		Currency:         "USDT",
		MarginMode:       "CROSS",
		DefaultLeverage:  5,
		SchedulerMaxWait: 5 * time.Second,
		Retry:            errclass.DefaultSettings(),
		CallTimeout:      30 * time.Second,
		Breaker:          BreakerConfig{Threshold: 5, Cooldown: time.Minute},
		MetadataTTL:      time.Hour,
		Candles:          cache.CandleOptions{MaxLength: 500, IncrementalWindow: 20, RefreshTTL: time.Hour},
		Safety:           safety.DefaultConfig(),
		ClockInterval:    time.Hour,
		MaxDrift:         5 * time.Second,
		CloseAttempts:    5,
		CloseBackoff:     2 * time.Second,
		ScanWorkers:      8,
		BookDepth:        20,
	}
}

// ConfigFrom maps the application configuration onto the facade settings.
// Zero values keep the defaults.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	if cfg.Exchange.MarginMode != "" {
		c.MarginMode = cfg.Exchange.MarginMode
	}
	if cfg.Exchange.DefaultLeverage > 0 {
		c.DefaultLeverage = cfg.Exchange.DefaultLeverage
	}
	if cfg.Scheduler.MaxWait > 0 {
		c.SchedulerMaxWait = cfg.Scheduler.MaxWait
	}

	r := cfg.Retry
	if r.MaxAttempts > 0 {
		c.Retry.BaseAttempts = r.MaxAttempts
	}
	if r.CriticalMultiplier > 0 {
		c.Retry.CriticalMultiplier = r.CriticalMultiplier
	}
	if r.BaseDelay > 0 {
		c.Retry.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		c.Retry.MaxDelay = r.MaxDelay
	}
	if r.CallTimeout > 0 {
		c.CallTimeout = r.CallTimeout
	}
	c.Breaker.Enabled = r.CircuitBreaker.Enabled
	if r.CircuitBreaker.FailureThreshold > 0 {
		c.Breaker.Threshold = r.CircuitBreaker.FailureThreshold
	}
	if r.CircuitBreaker.RecoveryTimeout > 0 {
		c.Breaker.Cooldown = r.CircuitBreaker.RecoveryTimeout
	}

	if cfg.Cache.MetadataTTL > 0 {
		c.MetadataTTL = cfg.Cache.MetadataTTL
	}
	if cfg.Cache.CandleMaxLength > 0 {
		c.Candles.MaxLength = cfg.Cache.CandleMaxLength
	}
	if cfg.Cache.CandleIncrementalWindow > 0 {
		c.Candles.IncrementalWindow = cfg.Cache.CandleIncrementalWindow
	}
	if cfg.Cache.CandleRefreshTTL > 0 {
		c.Candles.RefreshTTL = cfg.Cache.CandleRefreshTTL
	}

	s := cfg.Safety
	if s.LargeOrderThreshold > 0 {
		c.Safety.LargeOrderThreshold = s.LargeOrderThreshold
	}
	if s.MinLiquidityRatio > 0 {
		c.Safety.MinLiquidityRatio = s.MinLiquidityRatio
	}
	if s.MaxSlippage > 0 {
		c.Safety.MaxSlippage = s.MaxSlippage
	}
	if s.MarginBuffer > 0 {
		c.Safety.MarginBuffer = s.MarginBuffer
	}
	if s.AdjustmentReserve > 0 {
		c.Safety.AdjustmentReserve = s.AdjustmentReserve
	}
	if s.MinPositionValue > 0 {
		c.Safety.MinPositionValue = s.MinPositionValue
	}
	if s.MinRequiredMargin > 0 {
		c.Safety.MinRequiredMargin = s.MinRequiredMargin
	}

	if cfg.ClockSync.Interval > 0 {
		c.ClockInterval = cfg.ClockSync.Interval
	}
	if cfg.ClockSync.MaxDrift > 0 {
		c.MaxDrift = cfg.ClockSync.MaxDrift
	}
	if cfg.Positions.CloseAttempts > 0 {
		c.CloseAttempts = cfg.Positions.CloseAttempts
	}
	if cfg.Positions.CloseBackoff > 0 {
		c.CloseBackoff = cfg.Positions.CloseBackoff
	}
	if cfg.Scanner.MaxWorkers > 0 {
		c.ScanWorkers = cfg.Scanner.MaxWorkers
	}
	return c
}

type Option func(*Client)

// WithFeed enables stream-first reads.
func WithFeed(f MarketFeed) Option {
	return func(c *Client) { c.feed = f }
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

func WithLogger(log *logger.Log) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// symbolSettings is the last margin mode and leverage applied to a symbol.
type symbolSettings struct {
	marginMode string
	leverage   int
}

// Client is safe for concurrent use by the position monitor, the scanner and
// ad-hoc order calls.
type Client struct {
	cfg      Config
	venue    Venue
	feed     MarketFeed
	recorder Recorder
	log      *logger.Log

	sched   *schedule.Scheduler
	runner  retry.Runner
	meta    *cache.MetadataCache
	candles *cache.CandleCache
	safety  *safety.Validator
	clock   *clocksync.Monitor

	settingsMu sync.Mutex
	settings   map[string]symbolSettings

	closing atomic.Bool
}

func New(venue Venue, cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		venue:    venue,
		log:      logger.GetLogger(),
		settings: make(map[string]symbolSettings),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Currency == "" {
		c.cfg.Currency = "USDT"
	}
	if c.cfg.DefaultLeverage < 1 {
		c.cfg.DefaultLeverage = 1
	}
	if c.cfg.CloseAttempts < 1 {
		c.cfg.CloseAttempts = 1
	}
	if c.cfg.ScanWorkers < 1 {
		c.cfg.ScanWorkers = 1
	}

	c.sched = schedule.New(c.cfg.SchedulerMaxWait, c.log)
	var runner retry.Runner = retry.NewExecutor(c.cfg.Retry, c.cfg.CallTimeout, c.log)
	if c.cfg.Breaker.Enabled {
		runner = retry.NewBreaker(runner, c.cfg.Breaker.Threshold, c.cfg.Breaker.Cooldown, c.log)
	}
	c.runner = runner

	c.meta = cache.NewMetadataCache(func(ctx context.Context) ([]models.SymbolMetadata, error) {
		return fetch(ctx, c, schedule.Normal, "contracts", false, venue.Contracts)
	}, c.cfg.MetadataTTL, c.log)
	c.candles = cache.NewCandleCache(func(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
		return fetch(ctx, c, schedule.Normal, "klines", false, func(ctx context.Context) ([]models.Candle, error) {
			return venue.Klines(ctx, symbol, timeframe, limit)
		})
	}, c.cfg.Candles, c.log)
	c.safety = safety.NewValidator(c.meta, c.cfg.Safety, c.log)
	c.clock = clocksync.New(venue.ServerTime,
		clocksync.WithInterval(c.cfg.ClockInterval),
		clocksync.WithMaxDrift(c.cfg.MaxDrift),
		clocksync.WithDriftHandler(venue.SetTimeOffset),
		clocksync.WithLogger(c.log),
	)
	return c
}

// NewStreamTokenFunc adapts the public token handshake for the stream feed.
func NewStreamTokenFunc(k *kucoin.Client) stream.TokenFunc {
	return func(ctx context.Context) (stream.Endpoint, error) {
		tok, err := k.PublicStreamToken(ctx)
		if err != nil {
			return stream.Endpoint{}, err
		}
		return stream.Endpoint{URL: tok.Endpoint, Token: tok.Token, PingInterval: tok.PingInterval}, nil
	}
}

// call runs op under the admission policy for p and the retry runner. The
// error is only set for fatal failures and cancellation.
func call[T any](ctx context.Context, c *Client, p schedule.Priority, name string, critical bool, op func(ctx context.Context) (T, error)) (T, retry.Outcome, error) {
	var (
		v   T
		out retry.Outcome
	)
	err := c.sched.Execute(ctx, p, func(ctx context.Context) error {
		var err error
		v, out, err = retry.Do(ctx, c.runner, name, critical, op)
		return err
	})
	return v, out, err
}

// fetch is call for cache loaders, which need a plain error on any failure.
func fetch[T any](ctx context.Context, c *Client, p schedule.Priority, name string, critical bool, op func(ctx context.Context) (T, error)) (T, error) {
	v, out, err := call(ctx, c, p, name, critical, op)
	if err != nil {
		return v, err
	}
	if !out.OK() {
		return v, fmt.Errorf("%s after %d attempts: %w", name, out.Attempts, out.Err)
	}
	return v, nil
}

// surface keeps only the errors callers must see: fatal ones and cancellation.
func surface(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errclass.ErrFatal) {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return nil
}

// Metadata returns cached exchange constraints for symbol.
func (c *Client) Metadata(ctx context.Context, symbol string) (models.SymbolMetadata, error) {
	return c.meta.Get(ctx, symbol, false)
}

// CheckClockSync measures drift when the check interval has elapsed and
// returns the latest verdict otherwise.
func (c *Client) CheckClockSync(ctx context.Context) clocksync.Result {
	return c.clock.CheckIfDue(ctx)
}

// RunClockSync checks drift on the configured interval until ctx ends.
func (c *Client) RunClockSync(ctx context.Context) {
	c.clock.Run(ctx)
}

// Pending is the number of critical calls in flight.
func (c *Client) Pending() int {
	return c.sched.Pending()
}

func (c *Client) Close() {
	if c.closing.Swap(true) {
		return
	}
	if c.feed != nil {
		c.feed.Close()
	}
	c.log.WithComponent("exchange").Info("exchange client closed")
}

func (c *Client) closed() bool {
	return c.closing.Load()
}
