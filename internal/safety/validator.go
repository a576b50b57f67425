// Package safety holds the local pre-flight checks run before any order
// reaches the exchange.
package safety

import (
	"context"
	"fmt"
	"time"

	"tradegate/logger"
	"tradegate/models"
)

// MetadataSource yields exchange constraints for a symbol.
type MetadataSource interface {
	Get(ctx context.Context, symbol string, force bool) (models.SymbolMetadata, error)
}

// AvailableFunc returns the free margin balance.
type AvailableFunc func(ctx context.Context) (float64, error)

type Config struct {
	// LargeOrderThreshold is the notional above which liquidity is checked.
	LargeOrderThreshold float64
	MinLiquidityRatio   float64
	MaxSlippage         float64
	MarginBuffer        float64
	AdjustmentReserve   float64
	MinPositionValue    float64
	MinRequiredMargin   float64
	MetadataTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		LargeOrderThreshold: 10000,
		MinLiquidityRatio:   0.7,
		MaxSlippage:         0.005,
		MarginBuffer:        0.05,
		AdjustmentReserve:   0.10,
		MinPositionValue:    1.0,
		MinRequiredMargin:   0.10,
		MetadataTimeout:     10 * time.Second,
	}
}

// Verdict is the outcome of a check. Reason is empty when OK.
type Verdict struct {
	OK     bool
	Reason string
}

func pass() Verdict { return Verdict{OK: true} }

func reject(format string, args ...interface{}) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// MarginCheck reports whether the free balance covers an order.
type MarginCheck struct {
	Sufficient bool
	Available  float64
	Required   float64
	Reason     string
}

type Validator struct {
	meta MetadataSource
	cfg  Config
	log  *logger.Log
}

func NewValidator(meta MetadataSource, cfg Config, log *logger.Log) *Validator {
	if log == nil {
		log = logger.GetLogger()
	}
	d := DefaultConfig()
	if cfg.MinLiquidityRatio <= 0 || cfg.MinLiquidityRatio > 1 {
		cfg.MinLiquidityRatio = d.MinLiquidityRatio
	}
	if cfg.MaxSlippage <= 0 {
		cfg.MaxSlippage = d.MaxSlippage
	}
	if cfg.AdjustmentReserve < 0 || cfg.AdjustmentReserve >= 1 {
		cfg.AdjustmentReserve = d.AdjustmentReserve
	}
	if cfg.MarginBuffer < 0 {
		cfg.MarginBuffer = d.MarginBuffer
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = d.MetadataTimeout
	}
	return &Validator{meta: meta, cfg: cfg, log: log}
}

func (v *Validator) metadata(ctx context.Context, symbol string) (models.SymbolMetadata, bool) {
	if v.meta == nil {
		return models.SymbolMetadata{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.MetadataTimeout)
	defer cancel()
	md, err := v.meta.Get(ctx, symbol, false)
	if err != nil {
		v.log.WithComponent("safety").WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("metadata unavailable")
		return models.SymbolMetadata{}, false
	}
	return md, true
}

// ValidateLocally checks an order against cached exchange constraints. Cost
// bounds are only checked when price is known. Missing metadata passes.
func (v *Validator) ValidateLocally(ctx context.Context, symbol string, amount, price float64) Verdict {
	if amount <= 0 {
		return reject("amount %.8g must be positive", amount)
	}
	md, ok := v.metadata(ctx, symbol)
	if !ok {
		v.log.WithComponent("safety").WithFields(logger.Fields{"symbol": symbol}).Warn("skipping local validation without metadata")
		return pass()
	}
	if !md.Active {
		return reject("%s is not active", symbol)
	}
	if md.MinAmount > 0 && amount < md.MinAmount {
		return reject("amount %.8g below minimum %.8g", amount, md.MinAmount)
	}
	if md.MaxAmount > 0 && amount > md.MaxAmount {
		return reject("amount %.8g above maximum %.8g", amount, md.MaxAmount)
	}
	if price > 0 {
		cost := amount * price * md.Multiplier()
		if md.MinCost > 0 && cost < md.MinCost {
			return reject("cost %.8g below minimum %.8g", cost, md.MinCost)
		}
		if md.MaxCost > 0 && cost > md.MaxCost {
			return reject("cost %.8g above maximum %.8g", cost, md.MaxCost)
		}
	}
	return pass()
}

// CheckAvailableMargin compares free balance with the required margin plus
// the configured buffer. An unknown balance counts as sufficient.
func (v *Validator) CheckAvailableMargin(ctx context.Context, symbol string, amount, price float64, leverage int, available AvailableFunc) MarginCheck {
	required := v.RequiredMargin(ctx, symbol, amount, price, leverage) * (1 + v.cfg.MarginBuffer)
	if available == nil {
		return MarginCheck{Sufficient: true, Required: required, Reason: "balance unknown"}
	}
	free, err := available(ctx)
	if err != nil {
		v.log.WithComponent("safety").WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("balance unavailable, assuming margin is sufficient")
		return MarginCheck{Sufficient: true, Required: required, Reason: "balance unknown"}
	}
	mc := MarginCheck{Sufficient: free >= required, Available: free, Required: required}
	if !mc.Sufficient {
		mc.Reason = fmt.Sprintf("insufficient margin: need %.4f, have %.4f", required, free)
	}
	return mc
}

// IsLarge reports whether an order's notional calls for a liquidity check.
func (v *Validator) IsLarge(amount, price, contractSize float64) bool {
	if v.cfg.LargeOrderThreshold <= 0 || price <= 0 {
		return false
	}
	if contractSize <= 0 {
		contractSize = 1
	}
	return amount*price*contractSize >= v.cfg.LargeOrderThreshold
}
