package models

import "time"

type Balance struct {
	Currency   string  `json:"currency"`
	Equity     float64 `json:"equity"`
	Available  float64 `json:"available"`
	Margin     float64 `json:"margin"`
	Unrealised float64 `json:"unrealised"`
}

// Position is an open futures position. Quantity is signed: negative is short.
type Position struct {
	Symbol           string    `json:"symbol"`
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entryPrice"`
	MarkPrice        float64   `json:"markPrice"`
	Leverage         float64   `json:"leverage"`
	MarginMode       string    `json:"marginMode"`
	Margin           float64   `json:"margin"`
	Unrealised       float64   `json:"unrealised"`
	LiquidationPrice float64   `json:"liquidationPrice"`
	OpenedAt         time.Time `json:"openedAt"`
}

func (p Position) IsOpen() bool {
	return p.Quantity != 0
}

// CloseSide is the order side that reduces this position.
func (p Position) CloseSide() Side {
	if p.Quantity > 0 {
		return SideSell
	}
	return SideBuy
}
