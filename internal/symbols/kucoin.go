package symbols

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeKucoinSymbol converts KuCoin futures symbols to a common format.
//
//	XBTUSDTM  -> BTCUSDT
//	XBT-USDTM -> BTCUSDT
//	ETHUSDTM  -> ETHUSDT
func NormalizeKucoinSymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "/", "")
	sym = strings.TrimSuffix(sym, "M")
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}

// ToKucoinFutures converts a common or KuCoin symbol into the perpetual
// contract code KuCoin futures expects.
//
//	BTCUSDT   -> XBTUSDTM
//	ETH/USDT  -> ETHUSDTM
//	XBTUSDTM  -> XBTUSDTM
func ToKucoinFutures(sym string) string {
	common := NormalizeKucoinSymbol(sym)
	if common == "" {
		return ""
	}
	if strings.HasPrefix(common, "BTC") {
		common = "XBT" + common[3:]
	}
	return common + "M"
}

var timeframeMinutes = map[string]int{
	"1m": 1, "3m": 3, "5m": 5, "15m": 15, "30m": 30,
	"1h": 60, "2h": 120, "4h": 240, "8h": 480, "12h": 720,
	"1d": 1440, "1w": 10080,
}

var timeframeTopics = map[string]string{
	"1m": "1min", "3m": "3min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "1hour", "2h": "2hour", "4h": "4hour", "8h": "8hour", "12h": "12hour",
	"1d": "1day", "1w": "1week",
}

// Granularity returns the kline granularity in minutes for a timeframe such as "1h".
func Granularity(timeframe string) (int, error) {
	m, ok := timeframeMinutes[strings.ToLower(timeframe)]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	return m, nil
}

// TimeframeDuration returns the candle length for a timeframe.
func TimeframeDuration(timeframe string) (time.Duration, error) {
	m, err := Granularity(timeframe)
	if err != nil {
		return 0, err
	}
	return time.Duration(m) * time.Minute, nil
}

// CandleTopicSuffix returns the stream topic suffix, e.g. "1hour" for "1h".
func CandleTopicSuffix(timeframe string) (string, error) {
	s, ok := timeframeTopics[strings.ToLower(timeframe)]
	if !ok {
		return "", fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	return s, nil
}

// TimeframeFromTopicSuffix is the inverse of CandleTopicSuffix.
func TimeframeFromTopicSuffix(suffix string) (string, bool) {
	for tf, s := range timeframeTopics {
		if s == suffix {
			return tf, true
		}
	}
	return "", false
}
