package kucoin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderParams is a futures order in exchange units: Size in contracts.
type OrderParams struct {
	ClientOID  string
	Symbol     string
	Side       string
	Type       string
	Size       decimal.Decimal
	Price      decimal.Decimal
	Leverage   int
	ReduceOnly bool
	CloseOrder bool
	PostOnly   bool
	MarginMode string
}

type orderBody struct {
	ClientOID   string          `json:"clientOid"`
	Side        string          `json:"side"`
	Symbol      string          `json:"symbol"`
	Type        string          `json:"type"`
	Size        json.RawMessage `json:"size,omitempty"`
	Price       string          `json:"price,omitempty"`
	Leverage    string          `json:"leverage,omitempty"`
	ReduceOnly  bool            `json:"reduceOnly,omitempty"`
	CloseOrder  bool            `json:"closeOrder,omitempty"`
	PostOnly    bool            `json:"postOnly,omitempty"`
	TimeInForce string          `json:"timeInForce,omitempty"`
	MarginMode  string          `json:"marginMode,omitempty"`
}

// OrderAck is the exchange acknowledgement of a new order.
type OrderAck struct {
	OrderID   string `json:"orderId"`
	ClientOID string `json:"clientOid"`
}

// PlaceOrder submits an order. A clientOid is generated when absent.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (OrderAck, error) {
	if p.ClientOID == "" {
		p.ClientOID = uuid.NewString()
	}
	body := orderBody{
		ClientOID:  p.ClientOID,
		Side:       p.Side,
		Symbol:     p.Symbol,
		Type:       p.Type,
		ReduceOnly: p.ReduceOnly,
		CloseOrder: p.CloseOrder,
		PostOnly:   p.PostOnly,
		MarginMode: p.MarginMode,
	}
	// closeOrder ignores size and closes the whole position.
	if !p.CloseOrder {
		if !p.Size.IsPositive() {
			return OrderAck{}, fmt.Errorf("order size must be positive, got %s", p.Size)
		}
		body.Size = json.RawMessage(p.Size.String())
	}
	if p.Leverage > 0 {
		body.Leverage = strconv.Itoa(p.Leverage)
	}
	if p.Type == "limit" {
		if !p.Price.IsPositive() {
			return OrderAck{}, fmt.Errorf("limit order price must be positive, got %s", p.Price)
		}
		body.Price = p.Price.String()
		body.TimeInForce = "GTC"
	}

	var ack OrderAck
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", nil, body, true, &ack); err != nil {
		return OrderAck{}, err
	}
	if ack.ClientOID == "" {
		ack.ClientOID = p.ClientOID
	}
	return ack, nil
}

// CancelOrder cancels an open order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	var resp struct {
		CancelledOrderIDs []string `json:"cancelledOrderIds"`
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), nil, nil, true, &resp)
}

// SetCrossLeverage changes the leverage used for cross-margin positions.
func (c *Client) SetCrossLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{"symbol": symbol, "leverage": strconv.Itoa(leverage)}
	return c.do(ctx, http.MethodPost, "/api/v2/changeCrossUserLeverage", nil, body, true, nil)
}

// SetMarginMode switches a symbol between ISOLATED and CROSS.
func (c *Client) SetMarginMode(ctx context.Context, symbol, mode string) error {
	body := map[string]string{"symbol": symbol, "marginMode": mode}
	return c.do(ctx, http.MethodPost, "/api/v2/position/changeMarginMode", nil, body, true, nil)
}
