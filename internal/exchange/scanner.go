package exchange

import (
	"context"
	"errors"
	"time"

	"tradegate/config"
	"tradegate/internal/errclass"
	"tradegate/internal/schedule"
	"tradegate/logger"
)

// scanDepth is how many candles a scan keeps warm per series.
const scanDepth = 100

// ScanWatchlist runs one low priority pass over wl: tickers first, then every
// configured candle series. It returns the number of tickers received. Only
// fatal and context errors come back; anything else is skipped.
func (c *Client) ScanWatchlist(ctx context.Context, wl *config.Watchlist) (int, error) {
	tickers, err := c.ScanTickers(ctx, wl.Symbols())
	if err := scanAbort(ctx, err); err != nil {
		return len(tickers), err
	}
	for _, item := range wl.Items {
		for _, tf := range item.Timeframes {
			_, _, err := c.GetOHLCV(ctx, item.Symbol, tf, scanDepth)
			if err := scanAbort(ctx, err); err != nil {
				return len(tickers), err
			}
		}
	}
	return len(tickers), nil
}

func scanAbort(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errclass.ErrFatal) || ctx.Err() != nil {
		return err
	}
	return nil
}

// RunScanner repeats ScanWatchlist every interval until ctx ends or a pass
// fails fatally. A fatal error is returned so the caller can shut down; a
// cancelled context returns nil.
func (c *Client) RunScanner(ctx context.Context, wl *config.Watchlist, interval time.Duration) error {
	log := c.log.WithComponent("scanner")
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := c.ScanWatchlist(ctx, wl)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Error("scan stopped on fatal error")
			return err
		}
		log.WithFields(logger.Fields{
			"symbols":  len(wl.Items),
			"tickers":  n,
			"pending":  c.Pending(),
			"priority": schedule.Low.String(),
		}).Info("scan complete")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
