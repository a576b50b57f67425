package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/logger"
	"tradegate/models"
)

// CandleFetcher returns up to limit of the most recent candles, any order.
type CandleFetcher func(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)

type CandleOptions struct {
	MaxLength         int
	IncrementalWindow int
	// RefreshTTL forces a full refetch of a series this old.
	RefreshTTL time.Duration
}

type seriesKey struct {
	symbol    string
	timeframe string
}

type series struct {
	rows   []models.Candle
	fullAt time.Time
}

// CandleCache serves OHLCV history and only fetches the recent tail once a
// series is long enough.
type CandleCache struct {
	fetch CandleFetcher
	opts  CandleOptions
	now   func() time.Time
	log   *logger.Log

	mu     sync.Mutex
	series map[seriesKey]*series

	fullFetches        atomic.Int64
	incrementalFetches atomic.Int64
}

func NewCandleCache(fetch CandleFetcher, opts CandleOptions, log *logger.Log) *CandleCache {
	if opts.MaxLength <= 0 {
		opts.MaxLength = 500
	}
	if opts.IncrementalWindow <= 0 {
		opts.IncrementalWindow = 20
	}
	if opts.IncrementalWindow > opts.MaxLength {
		opts.IncrementalWindow = opts.MaxLength
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 15 * time.Minute
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &CandleCache{
		fetch:  fetch,
		opts:   opts,
		now:    time.Now,
		log:    log,
		series: make(map[seriesKey]*series),
	}
}

// FetchCounts reports how many full and incremental fetches have been issued.
func (c *CandleCache) FetchCounts() (full, incremental int64) {
	return c.fullFetches.Load(), c.incrementalFetches.Load()
}

// snapshot copies the cached rows so the lock is not held across the fetch.
func (c *CandleCache) snapshot(key seriesKey) (int, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[key]
	if !ok {
		return 0, time.Time{}, false
	}
	return len(s.rows), s.fullAt, true
}

// Get returns the most recent limit candles for symbol and timeframe.
func (c *CandleCache) Get(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("candle limit must be positive, got %d", limit)
	}
	if limit > c.opts.MaxLength {
		limit = c.opts.MaxLength
	}
	key := seriesKey{symbol: symbol, timeframe: timeframe}

	cached, fullAt, ok := c.snapshot(key)
	full := !ok || cached < limit || c.now().Sub(fullAt) > c.opts.RefreshTTL

	if full {
		c.fullFetches.Add(1)
		rows, err := c.fetch(ctx, symbol, timeframe, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch %d %s candles for %s: %w", limit, timeframe, symbol, err)
		}
		rows = normalise(rows)
		if len(rows) > c.opts.MaxLength {
			rows = rows[len(rows)-c.opts.MaxLength:]
		}
		c.mu.Lock()
		c.series[key] = &series{rows: rows, fullAt: c.now()}
		out := tail(rows, limit)
		c.mu.Unlock()
		return out, nil
	}

	c.incrementalFetches.Add(1)
	recent, err := c.fetch(ctx, symbol, timeframe, c.opts.IncrementalWindow)
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.series[key]
	if s == nil {
		return nil, fmt.Errorf("candle series for %s %s evicted during fetch", symbol, timeframe)
	}
	if err != nil {
		c.log.WithComponent("candle_cache").WithError(err).WithFields(logger.Fields{
			"symbol":    symbol,
			"timeframe": timeframe,
		}).Warn("incremental candle fetch failed; serving cached series")
		return tail(s.rows, limit), nil
	}
	s.rows = merge(s.rows, normalise(recent), c.opts.MaxLength)
	return tail(s.rows, limit), nil
}

// Clear drops every cached series.
func (c *CandleCache) Clear() {
	c.mu.Lock()
	c.series = make(map[seriesKey]*series)
	c.mu.Unlock()
}

// normalise sorts by timestamp and keeps the last row seen for a timestamp.
func normalise(rows []models.Candle) []models.Candle {
	out := make([]models.Candle, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	dedup := out[:0]
	for _, r := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Timestamp == r.Timestamp {
			dedup[n-1] = r
			continue
		}
		dedup = append(dedup, r)
	}
	return dedup
}

// merge appends strictly newer rows, overwrites the forming last row when the
// timestamp repeats, skips anything older and trims to maxLen.
func merge(existing, recent []models.Candle, maxLen int) []models.Candle {
	for _, r := range recent {
		n := len(existing)
		switch {
		case n == 0 || r.Timestamp > existing[n-1].Timestamp:
			existing = append(existing, r)
		case r.Timestamp == existing[n-1].Timestamp:
			existing[n-1] = r
		}
	}
	if len(existing) > maxLen {
		trimmed := make([]models.Candle, maxLen)
		copy(trimmed, existing[len(existing)-maxLen:])
		existing = trimmed
	}
	return existing
}

func tail(rows []models.Candle, limit int) []models.Candle {
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]models.Candle, len(rows))
	copy(out, rows)
	return out
}
