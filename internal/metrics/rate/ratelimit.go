package rate

import (
	"strings"

	"tradegate/logger"
)

// Limit is the kind of throttling an exchange error message signals.
type Limit int

const (
	NoLimit Limit = iota
	RateLimited
	IPBanned
)

func (l Limit) String() string {
	switch l {
	case RateLimited:
		return "rate_limit_exceeded"
	case IPBanned:
		return "ip_ban"
	default:
		return "none"
	}
}

// Detect reads an exchange error message. Wording differs per exchange; an
// IP ban wins over a plain rate limit.
func Detect(exchange, msg string) Limit {
	m := strings.ToLower(msg)
	has := func(s string) bool { return strings.Contains(m, s) }

	if strings.EqualFold(exchange, "kucoin") {
		switch {
		case has("ip") && has("limit") && has("triggered"):
			return IPBanned
		case has("too many requests"), has("rate limit"), has("request rate"):
			return RateLimited
		}
		return NoLimit
	}
	switch {
	case has("ip") && has("ban"):
		return IPBanned
	case has("rate limit"), has("too many requests"):
		return RateLimited
	}
	return NoLimit
}

// DetectLimit is Detect split into flags.
func DetectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	l := Detect(exchange, msg)
	return l == RateLimited, l == IPBanned
}

// ReportLimit emits a counter for the throttling msg signals, if any, and
// returns what it found. A ban is logged as an error since only waiting
// clears it.
func ReportLimit(log *logger.Log, exchange, symbol, endpoint, msg string) Limit {
	l := Detect(exchange, msg)
	if l == NoLimit {
		return l
	}
	exchange = strings.ToLower(exchange)
	component := exchange + "_rest"
	dims := logger.Fields{"exchange": exchange, "symbol": symbol, "endpoint": endpoint}

	entry := log.WithComponent(component)
	entry.Emit(logger.Metric{Component: component, Name: l.String(), Kind: logger.Counter, Value: 1, Dims: dims})
	if l == IPBanned {
		entry.WithFields(dims).Error("ip banned")
	} else {
		entry.WithFields(dims).Warn("rate limit exceeded")
	}
	return l
}
