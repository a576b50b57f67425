package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"tradegate/internal/symbols"
	"tradegate/models"
)

// Channel names the market-data kinds the feed can subscribe to.
type Channel string

const (
	ChannelTicker    Channel = "ticker"
	ChannelCandles   Channel = "candles"
	ChannelOrderBook Channel = "orderbook"
)

const (
	tickerTopicPrefix = "/contractMarket/tickerV2:"
	candleTopicPrefix = "/contractMarket/limitCandle:"
	depthTopicPrefix  = "/contractMarket/level2Depth5:"
)

// Subscription is one entry of the replayable subscription set.
type Subscription struct {
	Channel   Channel
	Symbol    string
	Timeframe string
}

// Topic returns the exchange topic for the subscription.
func (s Subscription) Topic() (string, error) {
	switch s.Channel {
	case ChannelTicker:
		return tickerTopicPrefix + s.Symbol, nil
	case ChannelCandles:
		suffix, err := symbols.CandleTopicSuffix(s.Timeframe)
		if err != nil {
			return "", err
		}
		return candleTopicPrefix + s.Symbol + "_" + suffix, nil
	case ChannelOrderBook:
		return depthTopicPrefix + s.Symbol, nil
	}
	return "", fmt.Errorf("unknown stream channel %q", s.Channel)
}

// request is an outgoing client frame.
type request struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

func newRequest(kind, topic string) request {
	return request{ID: uuid.NewString(), Type: kind, Topic: topic, Response: kind != "ping"}
}

// frame is any inbound server frame: welcome, ack, message, pong or error.
type frame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    json.RawMessage `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (f frame) code() string {
	return strings.Trim(string(f.Code), `"`)
}

// number accepts both JSON numbers and numeric strings.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = number(v)
	return nil
}

type tickerPayload struct {
	Symbol       string `json:"symbol"`
	Sequence     int64  `json:"sequence"`
	BestBidPrice number `json:"bestBidPrice"`
	BestBidSize  number `json:"bestBidSize"`
	BestAskPrice number `json:"bestAskPrice"`
	BestAskSize  number `json:"bestAskSize"`
	Price        number `json:"price"`
	Ts           int64  `json:"ts"`
}

func (p tickerPayload) toModel(symbol string) models.Ticker {
	if p.Symbol != "" {
		symbol = p.Symbol
	}
	t := models.Ticker{
		Symbol:    symbol,
		Bid:       float64(p.BestBidPrice),
		Ask:       float64(p.BestAskPrice),
		BidSize:   float64(p.BestBidSize),
		AskSize:   float64(p.BestAskSize),
		Last:      float64(p.Price),
		Sequence:  p.Sequence,
		Timestamp: exchangeTime(p.Ts),
	}
	if t.Last == 0 {
		t.Last = t.Mid()
	}
	return t
}

// candlePayload rows are [start(s), open, close, high, low, volume, turnover].
type candlePayload struct {
	Symbol  string   `json:"symbol"`
	Candles []number `json:"candles"`
	Time    int64    `json:"time"`
}

func (p candlePayload) toModel() (models.Candle, error) {
	if len(p.Candles) < 6 {
		return models.Candle{}, fmt.Errorf("candle row has %d fields", len(p.Candles))
	}
	c := p.Candles
	return models.Candle{
		Timestamp: int64(c[0]) * 1000,
		Open:      float64(c[1]),
		Close:     float64(c[2]),
		High:      float64(c[3]),
		Low:       float64(c[4]),
		Volume:    float64(c[5]),
	}, nil
}

type depthPayload struct {
	Sequence  int64       `json:"sequence"`
	Bids      [][2]number `json:"bids"`
	Asks      [][2]number `json:"asks"`
	Ts        int64       `json:"ts"`
	Timestamp int64       `json:"timestamp"`
}

func (p depthPayload) toModel(symbol string) models.OrderBook {
	ts := p.Ts
	if ts == 0 {
		ts = p.Timestamp
	}
	return models.OrderBook{
		Symbol:    symbol,
		Bids:      levels(p.Bids),
		Asks:      levels(p.Asks),
		Sequence:  p.Sequence,
		Timestamp: exchangeTime(ts),
	}
}

func levels(in [][2]number) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, models.PriceLevel{Price: float64(l[0]), Size: float64(l[1])})
	}
	return out
}

// symbolFromTopic returns the symbol and, for candle topics, the timeframe.
func symbolFromTopic(topic string) (symbol, timeframe string) {
	i := strings.LastIndexByte(topic, ':')
	if i < 0 {
		return "", ""
	}
	symbol = topic[i+1:]
	if strings.HasPrefix(topic, candleTopicPrefix) {
		if j := strings.LastIndexByte(symbol, '_'); j > 0 {
			timeframe, _ = symbols.TimeframeFromTopicSuffix(symbol[j+1:])
			symbol = symbol[:j]
		}
	}
	return symbol, timeframe
}

func exchangeTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Now()
	case ts > 1e17:
		return time.Unix(0, ts)
	default:
		return time.UnixMilli(ts)
	}
}
