package exchange

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/kucoin"
	"tradegate/internal/schedule"
	"tradegate/internal/symbols"
	"tradegate/logger"
	"tradegate/models"
)

// CloseOptions selects how a position is flattened. With UseLimit the close
// is a reduce-only limit order priced SlippageTolerance through the touch.
type CloseOptions struct {
	UseLimit          bool
	SlippageTolerance float64
}

// ClosePosition flattens the open position in symbol, retrying the whole
// locate-and-close sequence. A position that is already gone counts as
// closed.
func (c *Client) ClosePosition(ctx context.Context, symbol string, opts CloseOptions) (models.OrderResult, error) {
	symbol = symbols.ToKucoinFutures(symbol)
	log := c.log.WithComponent("positions").WithFields(logger.Fields{"symbol": symbol, "use_limit": opts.UseLimit})
	last := models.OrderResult{Symbol: symbol, Timestamp: time.Now()}
	if c.closed() {
		return c.finish(log, last, models.StatusFailed, ErrClosed.Error()), ErrClosed
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.CloseBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 8 * c.cfg.CloseBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		var r models.OrderResult
		err := c.sched.Execute(ctx, schedule.Critical, func(ctx context.Context) error {
			var err error
			r, err = c.closeOnce(ctx, symbol, opts)
			return err
		})
		last = r
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if r.OK() {
			return struct{}{}, nil
		}
		return struct{}{}, errors.New(r.Reason)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.cfg.CloseAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt, "delay": d.String()}).Warn("close attempt failed, retrying")
		}),
	)

	log = log.WithFields(logger.Fields{"attempts": attempt})
	if err != nil && surface(ctx, err) != nil {
		return c.finish(log, last, models.StatusFailed, err.Error()), err
	}
	if last.OK() {
		return c.finish(log, last, last.Status, last.Reason), nil
	}
	if last.Reason == "" && err != nil {
		last.Reason = err.Error()
	}
	return c.finish(log, last, models.StatusFailed, last.Reason), nil
}

// closeOnce locates the position and submits one closing order. The error is
// only set for fatal failures and cancellation.
func (c *Client) closeOnce(ctx context.Context, symbol string, opts CloseOptions) (models.OrderResult, error) {
	res := models.OrderResult{Symbol: symbol, ReduceOnly: true, Timestamp: time.Now()}

	positions, ok, err := c.positions(ctx, schedule.Critical)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Status, res.Reason = models.StatusFailed, "positions unavailable"
		return res, nil
	}
	var pos models.Position
	found := false
	for _, p := range positions {
		if p.Symbol == symbol && p.IsOpen() {
			pos, found = p, true
			break
		}
	}
	if !found {
		res.Status, res.AlreadyFlat = models.StatusClosed, true
		return res, nil
	}

	side := pos.CloseSide()
	res.Side = side
	res.Amount = math.Abs(pos.Quantity)
	res.Leverage = int(pos.Leverage)
	params := kucoin.OrderParams{
		ClientOID:  uuid.NewString(),
		Symbol:     symbol,
		Side:       string(side),
		Type:       string(models.OrderTypeMarket),
		ReduceOnly: true,
		CloseOrder: true,
	}
	res.Type = models.OrderTypeMarket
	res.ClientOrderID = params.ClientOID

	if opts.UseLimit {
		price, err := c.closePrice(ctx, symbol, side, opts.SlippageTolerance)
		if err != nil {
			return res, err
		}
		if price.IsPositive() {
			params.Type = string(models.OrderTypeLimit)
			params.CloseOrder = false
			params.Size = decimal.NewFromFloat(res.Amount)
			params.Price = price
			res.Type = models.OrderTypeLimit
			res.Price, _ = price.Float64()
		}
	}

	ack, out, err := call(ctx, c, schedule.Critical, "close_position", true, func(ctx context.Context) (kucoin.OrderAck, error) {
		return c.venue.PlaceOrder(ctx, params)
	})
	if err != nil {
		return res, err
	}
	switch {
	case out.OK():
		res.OrderID = ack.OrderID
		res.Status = models.StatusClosed
	case out.NoPosition:
		res.Status, res.AlreadyFlat = models.StatusClosed, true
	default:
		res.Status, res.Reason = statusFor(out), out.Err.Error()
	}
	return res, nil
}

// closePrice is the touch moved tolerance against us, rounded to the tick. A
// zero price means the close falls back to a market order.
func (c *Client) closePrice(ctx context.Context, symbol string, side models.Side, tolerance float64) (decimal.Decimal, error) {
	t, ok, err := c.GetTicker(ctx, symbol, schedule.Critical)
	if err != nil || !ok {
		return decimal.Decimal{}, err
	}
	var px float64
	if side == models.SideBuy {
		px = t.Ask * (1 + tolerance)
	} else {
		px = t.Bid * (1 - tolerance)
	}
	if px <= 0 {
		return decimal.Decimal{}, nil
	}
	md, mdErr := c.meta.Get(ctx, symbol, false)
	if err := surface(ctx, mdErr); err != nil {
		return decimal.Decimal{}, err
	}
	return roundToTick(px, md.PriceTick), nil
}
