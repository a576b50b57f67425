package safety

import (
	"context"

	"github.com/shopspring/decimal"

	"tradegate/logger"
	"tradegate/models"
)

// minUsableMargin is the free margin below which no position is attempted.
const minUsableMargin = 0.01

// RequiredMargin is amount*price*contractSize/leverage. Leverage below 1 is
// treated as 1; a non-positive amount or price needs no margin.
func RequiredMargin(amount, price, contractSize float64, leverage int) float64 {
	if amount <= 0 || price <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	if contractSize <= 0 {
		contractSize = 1
	}
	return amount * price * contractSize / float64(leverage)
}

// RequiredMargin resolves the symbol's contract size before computing margin.
func (v *Validator) RequiredMargin(ctx context.Context, symbol string, amount, price float64, leverage int) float64 {
	md, _ := v.metadata(ctx, symbol)
	return RequiredMargin(amount, price, md.Multiplier(), leverage)
}

// Adjustment is a margin-safe (amount, leverage) pair.
type Adjustment struct {
	Amount   float64
	Leverage int
	Feasible bool
}

func infeasible() Adjustment { return Adjustment{Amount: 0, Leverage: 1} }

// AdjustForMargin shrinks an order until its margin fits within the free
// balance less the reserve. The result never exceeds the requested amount or
// the exchange maximum, and requiredMargin(result) <= usable margin holds.
func (v *Validator) AdjustForMargin(ctx context.Context, symbol string, amount, price float64, leverage int, available float64) Adjustment {
	if available <= minUsableMargin || price <= 0 || amount <= 0 {
		return infeasible()
	}
	md, _ := v.metadata(ctx, symbol)
	return adjust(md, amount, price, leverage, available, v.cfg.AdjustmentReserve, v.log)
}

func adjust(md models.SymbolMetadata, amount, price float64, leverage int, available, reserve float64, log *logger.Log) Adjustment {
	lev := leverage
	if lev < 1 {
		lev = 1
	}
	if md.MaxLeverage > 0 && lev > md.MaxLeverage {
		lev = md.MaxLeverage
	}

	mult := decimal.NewFromFloat(md.Multiplier())
	px := decimal.NewFromFloat(price)
	usable := decimal.NewFromFloat(available).Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(reserve)))
	unitMargin := px.Mul(mult).Div(decimal.NewFromInt(int64(lev)))

	candidate := decimal.NewFromFloat(amount)
	if affordable := usable.Div(unitMargin); affordable.LessThan(candidate) {
		candidate = affordable
	}
	if md.MaxAmount > 0 {
		candidate = decimal.Min(candidate, decimal.NewFromFloat(md.MaxAmount))
	}
	step := decimal.NewFromFloat(md.AmountStep)
	candidate = floorToStep(candidate, step)

	if !step.IsPositive() {
		step = decimal.New(1, -8)
	}
	usableF := available * (1 - reserve)
	exceeds := func(c decimal.Decimal) bool {
		f, _ := c.Float64()
		return c.Mul(unitMargin).GreaterThan(usable) || RequiredMargin(f, price, md.Multiplier(), lev) > usableF
	}
	// Rounding must never push margin over the usable amount.
	for candidate.IsPositive() && exceeds(candidate) {
		candidate = candidate.Sub(step)
	}
	if !candidate.IsPositive() {
		return infeasible()
	}

	out, _ := candidate.Float64()
	if out < amount || lev != leverage {
		log.WithComponent("safety").WithFields(logger.Fields{
			"symbol":           md.Symbol,
			"requested_amount": amount,
			"adjusted_amount":  out,
			"leverage":         lev,
			"usable_margin":    usable.String(),
		}).Info("order adjusted for margin")
	}
	return Adjustment{Amount: out, Leverage: lev, Feasible: true}
}

// floorToStep rounds down to a multiple of step, or to 8 decimals when the
// step is unknown.
func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v.Truncate(8)
	}
	return v.Div(step).Floor().Mul(step)
}

// IsViable rejects positions too small to matter: below the exchange minimum,
// below the absolute value floor, or needing less than the margin floor.
func (v *Validator) IsViable(ctx context.Context, symbol string, amount, price float64, leverage int) Verdict {
	if amount <= 0 {
		return reject("adjusted amount is zero")
	}
	if price <= 0 {
		return reject("price unknown")
	}
	md, _ := v.metadata(ctx, symbol)
	if md.MinAmount > 0 && amount < md.MinAmount {
		return reject("amount %.8g below exchange minimum %.8g", amount, md.MinAmount)
	}
	value := amount * price * md.Multiplier()
	if value < v.cfg.MinPositionValue {
		return reject("position value $%.4f below $%.2f", value, v.cfg.MinPositionValue)
	}
	margin := RequiredMargin(amount, price, md.Multiplier(), leverage)
	if margin < v.cfg.MinRequiredMargin {
		return reject("required margin $%.4f below $%.2f", margin, v.cfg.MinRequiredMargin)
	}
	return pass()
}
