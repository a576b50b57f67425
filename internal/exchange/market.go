package exchange

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/pool"

	"tradegate/internal/schedule"
	"tradegate/internal/symbols"
	"tradegate/logger"
	"tradegate/models"
)

// streamBookDepth is the number of levels the order-book stream carries.
const streamBookDepth = 5

var errBalanceUnavailable = errors.New("balance unavailable")

// GetTicker reads the stream snapshot when fresh and falls back to REST. ok is
// false when no data could be obtained; err is only set for fatal failures
// and cancellation.
func (c *Client) GetTicker(ctx context.Context, symbol string, p schedule.Priority) (models.Ticker, bool, error) {
	if c.closed() {
		return models.Ticker{}, false, nil
	}
	symbol = symbols.ToKucoinFutures(symbol)
	if c.feed != nil {
		if t, ok := c.feed.Ticker(symbol); ok {
			return t, true, nil
		}
		c.feed.SubscribeTicker(symbol)
	}
	t, out, err := call(ctx, c, p, "ticker", p == schedule.Critical, func(ctx context.Context) (models.Ticker, error) {
		return c.venue.Ticker(ctx, symbol)
	})
	if err != nil {
		return models.Ticker{}, false, err
	}
	return t, out.OK(), nil
}

// GetOHLCV returns the newest limit candles, oldest first. REST history
// seeds the stream series when the candle subscription was accepted.
func (c *Client) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, bool, error) {
	if c.closed() {
		return nil, false, nil
	}
	symbol = symbols.ToKucoinFutures(symbol)
	subscribed := false
	if c.feed != nil {
		if rows, ok := c.feed.OHLCV(symbol, timeframe, limit); ok {
			return rows, true, nil
		}
		subscribed = c.feed.SubscribeCandles(symbol, timeframe)
	}
	rows, err := c.candles.Get(ctx, symbol, timeframe, limit)
	if err != nil {
		if err := surface(ctx, err); err != nil {
			return nil, false, err
		}
		c.log.WithComponent("exchange").WithError(err).WithFields(logger.Fields{
			"symbol":    symbol,
			"timeframe": timeframe,
			"limit":     limit,
		}).Warn("candles unavailable")
		return nil, false, nil
	}
	// Seeding a series no push will ever reach would only hide REST updates.
	if subscribed && len(rows) > 0 {
		c.feed.SeedCandles(symbol, timeframe, rows)
	}
	return rows, true, nil
}

// GetOrderBook prefers the depth-5 stream when depth allows it.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int, p schedule.Priority) (models.OrderBook, bool, error) {
	if c.closed() {
		return models.OrderBook{}, false, nil
	}
	symbol = symbols.ToKucoinFutures(symbol)
	if c.feed != nil && depth > 0 && depth <= streamBookDepth {
		if b, ok := c.feed.OrderBook(symbol); ok {
			return b, true, nil
		}
		c.feed.SubscribeOrderBook(symbol)
	}
	b, out, err := call(ctx, c, p, "order_book", p == schedule.Critical, func(ctx context.Context) (models.OrderBook, error) {
		return c.venue.OrderBook(ctx, symbol, depth)
	})
	if err != nil {
		return models.OrderBook{}, false, err
	}
	return b, out.OK(), nil
}

func (c *Client) GetBalance(ctx context.Context) (models.Balance, bool, error) {
	if c.closed() {
		return models.Balance{}, false, nil
	}
	b, out, err := call(ctx, c, schedule.High, "balance", false, func(ctx context.Context) (models.Balance, error) {
		return c.venue.Balance(ctx, c.cfg.Currency)
	})
	if err != nil {
		return models.Balance{}, false, err
	}
	return b, out.OK(), nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]models.Position, bool, error) {
	return c.positions(ctx, schedule.High)
}

func (c *Client) positions(ctx context.Context, p schedule.Priority) ([]models.Position, bool, error) {
	if c.closed() {
		return nil, false, nil
	}
	ps, out, err := call(ctx, c, p, "positions", p == schedule.Critical, c.venue.Positions)
	if err != nil {
		return nil, false, err
	}
	return ps, out.OK(), nil
}

// availableMargin feeds the margin check with the free balance.
func (c *Client) availableMargin(ctx context.Context) (float64, error) {
	b, ok, err := c.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errBalanceUnavailable
	}
	return b.Available, nil
}

// ScanTickers fetches tickers at low priority with bounded concurrency.
// Symbols without data are left out of the result.
func (c *Client) ScanTickers(ctx context.Context, syms []string) (map[string]models.Ticker, error) {
	type scanned struct {
		ticker models.Ticker
		ok     bool
	}
	p := pool.NewWithResults[scanned]().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(c.cfg.ScanWorkers)
	for _, sym := range syms {
		p.Go(func(ctx context.Context) (scanned, error) {
			t, ok, err := c.GetTicker(ctx, sym, schedule.Low)
			return scanned{ticker: t, ok: ok}, err
		})
	}
	results, err := p.Wait()

	out := make(map[string]models.Ticker, len(results))
	for _, r := range results {
		if r.ok {
			out[r.ticker.Symbol] = r.ticker
		}
	}
	c.log.WithComponent("scanner").WithFields(logger.Fields{
		"requested": len(syms),
		"received":  len(out),
	}).Debug("ticker scan finished")
	return out, err
}
