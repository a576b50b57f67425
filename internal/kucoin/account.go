package kucoin

import (
	"context"
	"net/http"
	"net/url"

	"tradegate/models"
)

type accountOverview struct {
	AccountEquity    float64 `json:"accountEquity"`
	UnrealisedPNL    float64 `json:"unrealisedPNL"`
	MarginBalance    float64 `json:"marginBalance"`
	PositionMargin   float64 `json:"positionMargin"`
	OrderMargin      float64 `json:"orderMargin"`
	AvailableBalance float64 `json:"availableBalance"`
	Currency         string  `json:"currency"`
}

// Balance returns the futures account overview for currency.
func (c *Client) Balance(ctx context.Context, currency string) (models.Balance, error) {
	if currency == "" {
		currency = "USDT"
	}
	var rec accountOverview
	if err := c.do(ctx, http.MethodGet, "/api/v1/account-overview", url.Values{"currency": {currency}}, nil, true, &rec); err != nil {
		return models.Balance{}, err
	}
	if rec.Currency == "" {
		rec.Currency = currency
	}
	return models.Balance{
		Currency:   rec.Currency,
		Equity:     rec.AccountEquity,
		Available:  rec.AvailableBalance,
		Margin:     rec.PositionMargin + rec.OrderMargin,
		Unrealised: rec.UnrealisedPNL,
	}, nil
}

type positionRecord struct {
	Symbol           string  `json:"symbol"`
	CurrentQty       float64 `json:"currentQty"`
	AvgEntryPrice    float64 `json:"avgEntryPrice"`
	MarkPrice        float64 `json:"markPrice"`
	RealLeverage     float64 `json:"realLeverage"`
	Leverage         float64 `json:"leverage"`
	MarginMode       string  `json:"marginMode"`
	PosMargin        float64 `json:"posMargin"`
	UnrealisedPnl    float64 `json:"unrealisedPnl"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	OpeningTimestamp int64   `json:"openingTimestamp"`
	IsOpen           bool    `json:"isOpen"`
}

// Positions returns the open positions. Closed rows are dropped.
func (c *Client) Positions(ctx context.Context) ([]models.Position, error) {
	var records []positionRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, nil, true, &records); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(records))
	for _, r := range records {
		if !r.IsOpen || r.CurrentQty == 0 {
			continue
		}
		lev := r.Leverage
		if lev == 0 {
			lev = r.RealLeverage
		}
		out = append(out, models.Position{
			Symbol:           r.Symbol,
			Quantity:         r.CurrentQty,
			EntryPrice:       r.AvgEntryPrice,
			MarkPrice:        r.MarkPrice,
			Leverage:         lev,
			MarginMode:       r.MarginMode,
			Margin:           r.PosMargin,
			Unrealised:       r.UnrealisedPnl,
			LiquidationPrice: r.LiquidationPrice,
			OpenedAt:         nanosToTime(r.OpeningTimestamp),
		})
	}
	return out, nil
}
