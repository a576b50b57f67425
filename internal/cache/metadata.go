// Package cache holds the exchange metadata table and per-symbol candle history.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tradegate/logger"
	"tradegate/models"
)

// ErrUnknownSymbol is returned when a symbol is absent even after a refresh.
var ErrUnknownSymbol = errors.New("unknown symbol")

// missRefreshInterval spaces out refreshes triggered by symbols the table
// does not hold.
const missRefreshInterval = 30 * time.Second

// MetadataFetcher loads the full contract table from the exchange.
type MetadataFetcher func(ctx context.Context) ([]models.SymbolMetadata, error)

// MetadataCache refreshes the whole symbol table at most once per TTL unless
// forced or asked for a symbol it has never seen. Misses refresh at most once
// per missRefreshInterval. Concurrent refreshes are coalesced into one fetch.
type MetadataCache struct {
	fetch MetadataFetcher
	ttl   time.Duration
	now   func() time.Time
	log   *logger.Log
	group singleflight.Group

	mu          sync.RWMutex
	table       map[string]models.SymbolMetadata
	lastRefresh time.Time
	lastMiss    time.Time
}

func NewMetadataCache(fetch MetadataFetcher, ttl time.Duration, log *logger.Log) *MetadataCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &MetadataCache{
		fetch: fetch,
		ttl:   ttl,
		now:   time.Now,
		log:   log,
		table: make(map[string]models.SymbolMetadata),
	}
}

func (c *MetadataCache) lookup(symbol string) (models.SymbolMetadata, bool, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.table[symbol]
	return m, ok, c.lastRefresh
}

// Get returns metadata for symbol. A failed refresh falls back to the stale
// entry when one exists.
func (c *MetadataCache) Get(ctx context.Context, symbol string, force bool) (models.SymbolMetadata, error) {
	meta, ok, last := c.lookup(symbol)
	expired := last.IsZero() || c.now().Sub(last) > c.ttl
	if ok && !force && !expired {
		return meta, nil
	}
	if !ok && !force && !expired && !c.missRefreshDue() {
		return models.SymbolMetadata{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}

	if err := c.Refresh(ctx); err != nil {
		if ok {
			c.log.WithComponent("metadata_cache").WithError(err).WithFields(logger.Fields{
				"symbol":    symbol,
				"cached_at": meta.CachedAt.Format(time.RFC3339),
			}).Warn("metadata refresh failed; serving stale entry")
			return meta, nil
		}
		return models.SymbolMetadata{}, fmt.Errorf("metadata for %s: %w", symbol, err)
	}

	meta, ok, _ = c.lookup(symbol)
	if !ok {
		return models.SymbolMetadata{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return meta, nil
}

// missRefreshDue reports whether a miss may refresh the table, and claims the
// slot when it may.
func (c *MetadataCache) missRefreshDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.lastMiss.IsZero() && now.Sub(c.lastMiss) < missRefreshInterval {
		return false
	}
	c.lastMiss = now
	return true
}

// Refresh reloads the whole table.
func (c *MetadataCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		rows, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errors.New("exchange returned an empty contract list")
		}
		now := c.now()
		table := make(map[string]models.SymbolMetadata, len(rows))
		for _, m := range rows {
			m.CachedAt = now
			table[m.Symbol] = m
		}
		c.mu.Lock()
		c.table = table
		c.lastRefresh = now
		c.mu.Unlock()
		c.log.WithComponent("metadata_cache").WithFields(logger.Fields{"symbols": len(table)}).Debug("metadata refreshed")
		return nil, nil
	})
	return err
}

// Symbols lists the active symbols in the current table.
func (c *MetadataCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.table))
	for sym, m := range c.table {
		if m.Active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (c *MetadataCache) Clear() {
	c.mu.Lock()
	c.table = make(map[string]models.SymbolMetadata)
	c.lastRefresh = time.Time{}
	c.lastMiss = time.Time{}
	c.mu.Unlock()
}
