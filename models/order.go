package models

import "time"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest is what callers hand to the client. Amount is in contracts.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Amount     float64
	Price      float64
	Leverage   int
	ReduceOnly bool
	PostOnly   bool
}

// OrderStatus separates expected outcomes from transport failures.
type OrderStatus string

const (
	StatusPlaced     OrderStatus = "placed"
	StatusClosed     OrderStatus = "closed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRejected   OrderStatus = "rejected"
	StatusInfeasible OrderStatus = "infeasible"
	StatusFailed     OrderStatus = "failed"
)

// OrderResult is returned for every order operation. Rejected, infeasible and
// failed results carry a human-readable Reason.
type OrderResult struct {
	OrderID       string      `json:"orderId"`
	ClientOrderID string      `json:"clientOid"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Amount        float64     `json:"amount"`
	Price         float64     `json:"price"`
	Leverage      int         `json:"leverage"`
	ReduceOnly    bool        `json:"reduceOnly"`
	Status        OrderStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	AlreadyFlat   bool        `json:"alreadyFlat,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// OK reports whether the exchange accepted the operation or the desired end
// state already held.
func (r OrderResult) OK() bool {
	switch r.Status {
	case StatusPlaced, StatusClosed, StatusCancelled:
		return true
	}
	return false
}
