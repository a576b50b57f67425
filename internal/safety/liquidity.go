package safety

import (
	"fmt"
	"math"

	"tradegate/logger"
	"tradegate/models"
)

// LiquidityResult describes how a large order fits the visible book.
type LiquidityResult struct {
	Amount   float64
	AvgPrice float64
	Slippage float64
	Adjusted bool
	Warning  string
}

// walk fills amount against levels and returns the filled size and average price.
func walk(levels []models.PriceLevel, amount float64) (filled, avg float64) {
	var notional float64
	for _, l := range levels {
		if filled >= amount {
			break
		}
		take := math.Min(l.Size, amount-filled)
		filled += take
		notional += take * l.Price
	}
	if filled > 0 {
		avg = notional / filled
	}
	return filled, avg
}

// ProtectLiquidity estimates slippage for amount on the opposing side of
// book. Orders whose slippage exceeds the limit are shrunk to the size that
// fits within it, never below MinLiquidityRatio of the original amount.
func (v *Validator) ProtectLiquidity(book models.OrderBook, side models.Side, amount float64) LiquidityResult {
	res := LiquidityResult{Amount: amount}
	levels := book.Side(side)
	if amount <= 0 || len(levels) == 0 || levels[0].Price <= 0 {
		res.Warning = "order book empty, liquidity not checked"
		return res
	}
	best := levels[0].Price

	filled, avg := walk(levels, amount)
	res.AvgPrice = avg
	res.Slippage = math.Abs(avg-best) / best
	if filled >= amount && res.Slippage <= v.cfg.MaxSlippage {
		return res
	}

	// Largest size whose fills all sit within the slippage band.
	var within float64
	for _, l := range levels {
		if math.Abs(l.Price-best)/best > v.cfg.MaxSlippage {
			break
		}
		within += l.Size
	}
	target := math.Min(within, amount)
	floor := amount * v.cfg.MinLiquidityRatio
	log := v.log.WithComponent("safety").WithFields(logger.Fields{
		"symbol":    book.Symbol,
		"side":      string(side),
		"requested": amount,
		"liquid":    within,
		"slippage":  res.Slippage,
	})
	if target < floor {
		target = floor
		res.Warning = fmt.Sprintf("liquidity covers %.4g of %.4g; order held at %.0f%% floor", within, amount, v.cfg.MinLiquidityRatio*100)
		log.Warn("thin order book for large order")
	} else {
		log.Info("large order reduced toward available liquidity")
	}
	res.Amount = target
	res.Adjusted = target < amount
	_, res.AvgPrice = walk(levels, target)
	res.Slippage = math.Abs(res.AvgPrice-best) / best
	return res
}
