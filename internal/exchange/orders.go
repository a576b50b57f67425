package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/errclass"
	"tradegate/internal/kucoin"
	"tradegate/internal/retry"
	"tradegate/internal/schedule"
	"tradegate/internal/symbols"
	"tradegate/logger"
	"tradegate/models"
)

// PlaceMarketOrder submits a market order after local validation, margin
// sizing and liquidity protection. Rejections and infeasible orders come back
// as results; err is only set for fatal failures and cancellation.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, amount float64, leverage int, reduceOnly bool) (models.OrderResult, error) {
	return c.placeOrder(ctx, models.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       models.OrderTypeMarket,
		Amount:     amount,
		Leverage:   leverage,
		ReduceOnly: reduceOnly,
	})
}

func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, amount, price float64, leverage int, reduceOnly bool) (models.OrderResult, error) {
	return c.placeOrder(ctx, models.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       models.OrderTypeLimit,
		Amount:     amount,
		Price:      price,
		Leverage:   leverage,
		ReduceOnly: reduceOnly,
	})
}

// placeOrder admits the whole pre-flight and submission as one piece of
// critical work, so metadata, ticker, balance and book reads never wait behind
// the scheduler.
func (c *Client) placeOrder(ctx context.Context, req models.OrderRequest) (res models.OrderResult, err error) {
	_ = c.sched.Execute(ctx, schedule.Critical, func(ctx context.Context) error {
		res, err = c.submitOrder(ctx, req)
		return err
	})
	return res, err
}

func (c *Client) submitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	req.Symbol = symbols.ToKucoinFutures(req.Symbol)
	if req.Leverage < 1 {
		req.Leverage = c.cfg.DefaultLeverage
	}
	res := models.OrderResult{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Amount:     req.Amount,
		Price:      req.Price,
		Leverage:   req.Leverage,
		ReduceOnly: req.ReduceOnly,
		Timestamp:  time.Now(),
	}
	log := c.log.WithComponent("orders").WithFields(logger.Fields{
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"type":        string(req.Type),
		"amount":      req.Amount,
		"leverage":    req.Leverage,
		"reduce_only": req.ReduceOnly,
	})

	if c.closed() {
		return c.finish(log, res, models.StatusFailed, ErrClosed.Error()), ErrClosed
	}
	if !req.Side.Valid() {
		return c.finish(log, res, models.StatusRejected, fmt.Sprintf("invalid side %q", req.Side)), nil
	}
	if req.Type == models.OrderTypeLimit && req.Price <= 0 {
		return c.finish(log, res, models.StatusRejected, "limit order requires a positive price"), nil
	}

	// Market orders are validated without a price; cost bounds need one.
	if v := c.safety.ValidateLocally(ctx, req.Symbol, req.Amount, req.Price); !v.OK {
		return c.finish(log, res, models.StatusRejected, v.Reason), nil
	}

	md, mdErr := c.meta.Get(ctx, req.Symbol, false)
	if err := surface(ctx, mdErr); err != nil {
		return c.finish(log, res, models.StatusFailed, err.Error()), err
	}

	amount, leverage := req.Amount, req.Leverage
	if !req.ReduceOnly {
		refPrice := req.Price
		if refPrice <= 0 {
			var err error
			if refPrice, err = c.referencePrice(ctx, req.Symbol, req.Side); err != nil {
				return c.finish(log, res, models.StatusFailed, err.Error()), err
			}
			if refPrice <= 0 {
				log.Warn("reference price unknown, margin and liquidity checks skipped")
			}
		}

		check := c.safety.CheckAvailableMargin(ctx, req.Symbol, amount, refPrice, leverage, c.availableMargin)
		if !check.Sufficient {
			adj := c.safety.AdjustForMargin(ctx, req.Symbol, amount, refPrice, leverage, check.Available)
			if !adj.Feasible {
				log.WithFields(logger.Fields{
					"available": check.Available,
					"required":  check.Required,
				}).Warn("order infeasible with available margin")
				return c.finish(log, res, models.StatusInfeasible, check.Reason), nil
			}
			if v := c.safety.IsViable(ctx, req.Symbol, adj.Amount, refPrice, adj.Leverage); !v.OK {
				return c.finish(log, res, models.StatusInfeasible, v.Reason), nil
			}
			log.WithFields(logger.Fields{
				"available":         check.Available,
				"required":          check.Required,
				"adjusted_amount":   adj.Amount,
				"adjusted_leverage": adj.Leverage,
			}).Warn("order reduced to fit available margin")
			amount, leverage = adj.Amount, adj.Leverage
		}

		if c.safety.IsLarge(amount, refPrice, md.Multiplier()) {
			amount = c.protectLiquidity(ctx, log, req.Symbol, req.Side, amount)
		}

		if err := c.ensureSettings(ctx, req.Symbol, leverage); err != nil {
			return c.finish(log, res, models.StatusFailed, err.Error()), err
		}
	}

	size := floorToStep(amount, md.AmountStep)
	if !size.IsPositive() {
		return c.finish(log, res, models.StatusInfeasible, fmt.Sprintf("amount %.8g rounds to zero", amount)), nil
	}
	res.Amount, _ = size.Float64()
	res.Leverage = leverage

	params := kucoin.OrderParams{
		ClientOID:  uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Type:       string(req.Type),
		Size:       size,
		Leverage:   leverage,
		ReduceOnly: req.ReduceOnly,
		MarginMode: c.cfg.MarginMode,
	}
	if req.Type == models.OrderTypeLimit {
		params.Price = roundToTick(req.Price, md.PriceTick)
		res.Price, _ = params.Price.Float64()
	}
	res.ClientOrderID = params.ClientOID

	ack, out, err := call(ctx, c, schedule.Critical, "place_order", true, func(ctx context.Context) (kucoin.OrderAck, error) {
		return c.venue.PlaceOrder(ctx, params)
	})
	if err != nil {
		return c.finish(log, res, models.StatusFailed, err.Error()), err
	}
	if out.OK() {
		res.OrderID = ack.OrderID
		return c.finish(log, res, models.StatusPlaced, ""), nil
	}
	return c.finish(log, res, statusFor(out), out.Err.Error()), nil
}

// statusFor maps a failed retry outcome to an order status.
func statusFor(out retry.Outcome) models.OrderStatus {
	if out.Exhausted {
		return models.StatusFailed
	}
	switch out.Kind {
	case errclass.InsufficientFunds, errclass.RejectedOrder, errclass.BadRequest:
		return models.StatusRejected
	}
	return models.StatusFailed
}

// CancelOrder cancels an open order. It reports whether the exchange accepted
// the cancel.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if c.closed() {
		return false, ErrClosed
	}
	_, out, err := call(ctx, c, schedule.Critical, "cancel_order", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.venue.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return false, err
	}
	fields := logger.Fields{"order_id": orderID, "symbol": symbols.ToKucoinFutures(symbol), "attempts": out.Attempts}
	if !out.OK() {
		c.log.WithComponent("orders").WithError(out.Err).WithFields(fields).Warn("cancel failed")
		return false, nil
	}
	c.log.WithComponent("orders").WithFields(fields).Info("order cancelled")
	return true, nil
}

// finish stamps the status, logs and journals the outcome.
func (c *Client) finish(log *logger.Entry, res models.OrderResult, status models.OrderStatus, reason string) models.OrderResult {
	res.Status = status
	res.Reason = reason
	entry := log.WithFields(logger.Fields{
		"status":    string(status),
		"order_id":  res.OrderID,
		"client_id": res.ClientOrderID,
		"final_amt": res.Amount,
	})
	switch status {
	case models.StatusPlaced, models.StatusClosed:
		entry.Info("order accepted")
	case models.StatusRejected, models.StatusInfeasible:
		logger.IncrementOrderRejection()
		entry.WithFields(logger.Fields{"reason": reason}).Warn("order not placed")
	default:
		entry.WithFields(logger.Fields{"reason": reason}).Error("order failed")
	}
	if c.recorder != nil {
		c.recorder.Record(res)
	}
	return res
}

// referencePrice is the price a market order is expected to fill near.
func (c *Client) referencePrice(ctx context.Context, symbol string, side models.Side) (float64, error) {
	t, ok, err := c.GetTicker(ctx, symbol, schedule.High)
	if err != nil || !ok {
		return 0, err
	}
	switch {
	case side == models.SideBuy && t.Ask > 0:
		return t.Ask, nil
	case side == models.SideSell && t.Bid > 0:
		return t.Bid, nil
	case t.Last > 0:
		return t.Last, nil
	}
	return t.Mid(), nil
}

func (c *Client) protectLiquidity(ctx context.Context, log *logger.Entry, symbol string, side models.Side, amount float64) float64 {
	book, ok, err := c.GetOrderBook(ctx, symbol, c.cfg.BookDepth, schedule.High)
	if err != nil || !ok {
		log.Warn("order book unavailable, skipping liquidity check")
		return amount
	}
	lr := c.safety.ProtectLiquidity(book, side, amount)
	if lr.Warning != "" {
		log.WithFields(logger.Fields{"warning": lr.Warning}).Warn("thin order book")
	}
	if lr.Adjusted {
		log.WithFields(logger.Fields{
			"requested": amount,
			"adjusted":  lr.Amount,
			"slippage":  lr.Slippage,
			"avg_price": lr.AvgPrice,
		}).Warn("order reduced to available liquidity")
		return lr.Amount
	}
	return amount
}

// ensureSettings applies margin mode and leverage once per symbol. Failures
// other than fatal ones are logged and the order proceeds with the account's
// current settings.
func (c *Client) ensureSettings(ctx context.Context, symbol string, leverage int) error {
	mode := strings.ToUpper(c.cfg.MarginMode)

	c.settingsMu.Lock()
	current, known := c.settings[symbol]
	c.settingsMu.Unlock()
	if known && current.marginMode == mode && current.leverage == leverage {
		return nil
	}

	log := c.log.WithComponent("orders").WithFields(logger.Fields{"symbol": symbol, "margin_mode": mode, "leverage": leverage})
	next := current
	if mode != "" && (!known || current.marginMode != mode) {
		_, out, err := call(ctx, c, schedule.Critical, "set_margin_mode", true, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.venue.SetMarginMode(ctx, symbol, mode)
		})
		if err != nil {
			return err
		}
		if out.OK() {
			next.marginMode = mode
		} else {
			log.WithError(out.Err).Warn("margin mode not applied")
		}
	}
	if mode == "CROSS" && (!known || current.leverage != leverage) {
		_, out, err := call(ctx, c, schedule.Critical, "set_leverage", true, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.venue.SetCrossLeverage(ctx, symbol, leverage)
		})
		if err != nil {
			return err
		}
		if out.OK() {
			next.leverage = leverage
		} else {
			log.WithError(out.Err).Warn("leverage not applied")
		}
	} else if mode != "CROSS" {
		// Isolated leverage travels with each order.
		next.leverage = leverage
	}

	c.settingsMu.Lock()
	c.settings[symbol] = next
	c.settingsMu.Unlock()
	return nil
}

func floorToStep(amount, step float64) decimal.Decimal {
	d := decimal.NewFromFloat(amount)
	if step <= 0 {
		return d.Truncate(8)
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s)
}

func roundToTick(price, tick float64) decimal.Decimal {
	d := decimal.NewFromFloat(price)
	if tick <= 0 {
		return d
	}
	t := decimal.NewFromFloat(tick)
	return d.Div(t).Round(0).Mul(t)
}
