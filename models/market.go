package models

import "time"

// Ticker is the best bid/ask and last trade for a symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	BidSize   float64   `json:"bidSize"`
	AskSize   float64   `json:"askSize"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, or Last when either side is missing.
func (t Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Candle is one OHLCV row. Timestamp is the candle open time in milliseconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// SymbolMetadata holds the exchange-side order constraints for a contract.
// Amounts are in contracts; costs are in the quote currency. A zero max bound
// means unbounded.
type SymbolMetadata struct {
	Symbol       string    `json:"symbol"`
	MinAmount    float64   `json:"minAmount"`
	MaxAmount    float64   `json:"maxAmount"`
	MinCost      float64   `json:"minCost"`
	MaxCost      float64   `json:"maxCost"`
	PriceTick    float64   `json:"priceTick"`
	AmountStep   float64   `json:"amountStep"`
	ContractSize float64   `json:"contractSize"`
	MaxLeverage  int       `json:"maxLeverage"`
	Active       bool      `json:"active"`
	CachedAt     time.Time `json:"cachedAt"`
}

// Multiplier returns ContractSize, treating an unset value as 1.
func (m SymbolMetadata) Multiplier() float64 {
	if m.ContractSize <= 0 {
		return 1
	}
	return m.ContractSize
}
