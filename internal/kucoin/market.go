package kucoin

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradegate/internal/symbols"
	"tradegate/models"
)

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := c.do(ctx, http.MethodGet, "/api/v1/timestamp", nil, nil, false, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

type contractRecord struct {
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	QuoteCurrency string  `json:"quoteCurrency"`
	LotSize       float64 `json:"lotSize"`
	TickSize      float64 `json:"tickSize"`
	Multiplier    float64 `json:"multiplier"`
	MaxOrderQty   float64 `json:"maxOrderQty"`
	MaxPrice      float64 `json:"maxPrice"`
	MaxLeverage   int     `json:"maxLeverage"`
	IsInverse     bool    `json:"isInverse"`
}

// Contracts returns metadata for every active contract.
func (c *Client) Contracts(ctx context.Context) ([]models.SymbolMetadata, error) {
	var records []contractRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/contracts/active", nil, nil, false, &records); err != nil {
		return nil, err
	}
	out := make([]models.SymbolMetadata, 0, len(records))
	for _, r := range records {
		if r.Symbol == "" {
			continue
		}
		out = append(out, models.SymbolMetadata{
			Symbol:       r.Symbol,
			MinAmount:    r.LotSize,
			MaxAmount:    r.MaxOrderQty,
			PriceTick:    r.TickSize,
			AmountStep:   r.LotSize,
			ContractSize: math.Abs(r.Multiplier),
			MaxLeverage:  r.MaxLeverage,
			Active:       strings.EqualFold(r.Status, "Open"),
		})
	}
	return out, nil
}

type tickerRecord struct {
	Sequence     int64   `json:"sequence"`
	Symbol       string  `json:"symbol"`
	Price        string  `json:"price"`
	Size         float64 `json:"size"`
	BestBidPrice string  `json:"bestBidPrice"`
	BestBidSize  float64 `json:"bestBidSize"`
	BestAskPrice string  `json:"bestAskPrice"`
	BestAskSize  float64 `json:"bestAskSize"`
	Ts           int64   `json:"ts"`
}

func (r tickerRecord) toModel() models.Ticker {
	return models.Ticker{
		Symbol:    r.Symbol,
		Last:      parseFloat(r.Price),
		Bid:       parseFloat(r.BestBidPrice),
		Ask:       parseFloat(r.BestAskPrice),
		BidSize:   r.BestBidSize,
		AskSize:   r.BestAskSize,
		Sequence:  r.Sequence,
		Timestamp: nanosToTime(r.Ts),
	}
}

func (c *Client) Ticker(ctx context.Context, symbol string) (models.Ticker, error) {
	var rec tickerRecord
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/ticker", q, nil, false, &rec); err != nil {
		return models.Ticker{}, err
	}
	if rec.Symbol == "" {
		rec.Symbol = symbol
	}
	return rec.toModel(), nil
}

// maxKlineRows is the most rows /kline/query returns in one call.
const maxKlineRows = 500

// Klines returns up to limit of the most recent candles, oldest first.
func (c *Client) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	granularity, err := symbols.Granularity(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxKlineRows {
		limit = maxKlineRows
	}
	to := time.Now()
	from := to.Add(-time.Duration(limit) * time.Duration(granularity) * time.Minute)
	q := url.Values{
		"symbol":      {symbol},
		"granularity": {strconv.Itoa(granularity)},
		"from":        {strconv.FormatInt(from.UnixMilli(), 10)},
		"to":          {strconv.FormatInt(to.UnixMilli(), 10)},
	}
	var rows [][]float64
	if err := c.do(ctx, http.MethodGet, "/api/v1/kline/query", q, nil, false, &rows); err != nil {
		return nil, err
	}
	candles := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: int64(r[0]),
			Open:      r[1],
			High:      r[2],
			Low:       r[3],
			Close:     r[4],
			Volume:    r[5],
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

type depthRecord struct {
	Symbol   string      `json:"symbol"`
	Sequence int64       `json:"sequence"`
	Bids     [][]float64 `json:"bids"`
	Asks     [][]float64 `json:"asks"`
	Ts       int64       `json:"ts"`
}

// OrderBook returns a depth20 or depth100 snapshot.
func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	path := "/api/v1/level2/depth20"
	if depth > 20 {
		path = "/api/v1/level2/depth100"
	}
	var rec depthRecord
	if err := c.do(ctx, http.MethodGet, path, url.Values{"symbol": {symbol}}, nil, false, &rec); err != nil {
		return models.OrderBook{}, err
	}
	return models.OrderBook{
		Symbol:    symbol,
		Bids:      convertLevels(rec.Bids),
		Asks:      convertLevels(rec.Asks),
		Sequence:  rec.Sequence,
		Timestamp: nanosToTime(rec.Ts),
	}, nil
}

func convertLevels(levels [][]float64) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if len(l) < 2 {
			continue
		}
		out = append(out, models.PriceLevel{Price: l[0], Size: l[1]})
	}
	return out
}

// KuCoin futures timestamps arrive in nanoseconds on some endpoints and
// milliseconds on others.
func nanosToTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Now()
	case ts > 1e17:
		return time.Unix(0, ts)
	default:
		return time.UnixMilli(ts)
	}
}

// StreamToken is the handshake result of /api/v1/bullet-public.
type StreamToken struct {
	Token        string
	Endpoint     string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

type bulletRecord struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		Encrypt      bool   `json:"encrypt"`
		PingInterval int64  `json:"pingInterval"`
		PingTimeout  int64  `json:"pingTimeout"`
	} `json:"instanceServers"`
}

// PublicStreamToken obtains a short-lived token for the public stream.
func (c *Client) PublicStreamToken(ctx context.Context) (StreamToken, error) {
	var rec bulletRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/bullet-public", nil, nil, false, &rec); err != nil {
		return StreamToken{}, err
	}
	if rec.Token == "" || len(rec.InstanceServers) == 0 {
		return StreamToken{}, fmt.Errorf("kucoin: bullet-public returned no instance servers")
	}
	srv := rec.InstanceServers[0]
	return StreamToken{
		Token:        rec.Token,
		Endpoint:     srv.Endpoint,
		PingInterval: time.Duration(srv.PingInterval) * time.Millisecond,
		PingTimeout:  time.Duration(srv.PingTimeout) * time.Millisecond,
	}, nil
}
