package rate

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/logger"
)

// KucoinQuota is the rate limit state KuCoin returns on every REST response.
type KucoinQuota struct {
	Limit     int64
	Remaining int64
	Reset     time.Duration
}

// Known reports whether the response carried quota headers at all.
func (q KucoinQuota) Known() bool {
	return q.Limit > 0
}

// ParseKucoinQuota reads the gw-ratelimit-* headers.
func ParseKucoinQuota(header http.Header) KucoinQuota {
	limit, _ := strconv.ParseInt(header.Get("gw-ratelimit-limit"), 10, 64)
	remaining, _ := strconv.ParseInt(header.Get("gw-ratelimit-remaining"), 10, 64)
	resetMs, _ := strconv.ParseInt(header.Get("gw-ratelimit-reset"), 10, 64)
	return KucoinQuota{Limit: limit, Remaining: remaining, Reset: time.Duration(resetMs) * time.Millisecond}
}

// kucoinEndpointWeight is the pool weight KuCoin futures charges per endpoint.
func kucoinEndpointWeight(path string) int64 {
	switch {
	case strings.HasPrefix(path, "/api/v1/level2/depth100"):
		return 10
	case strings.HasPrefix(path, "/api/v1/level2/depth20"):
		return 5
	case strings.HasPrefix(path, "/api/v1/kline"):
		return 3
	case strings.HasPrefix(path, "/api/v1/contracts"):
		return 3
	case strings.HasPrefix(path, "/api/v1/orders"):
		return 2
	case strings.HasPrefix(path, "/api/v1/positions"):
		return 2
	case strings.HasPrefix(path, "/api/v1/ticker"), strings.HasPrefix(path, "/api/v1/timestamp"):
		return 2
	default:
		return 1
	}
}

// ReportKucoinRESTWeight emits quota usage for a REST response.
func ReportKucoinRESTWeight(log *logger.Log, quota KucoinQuota, path string) {
	if !quota.Known() {
		return
	}
	l := log.WithComponent("kucoin_rest")
	fields := logger.Fields{"endpoint": path}
	used := quota.Limit - quota.Remaining
	if used < 0 {
		used = 0
	}
	gauges := []struct {
		name  string
		value float64
	}{
		{"used_weight", float64(used)},
		{"remaining_weight", float64(quota.Remaining)},
		{"remaining_ratio", float64(quota.Remaining) / float64(quota.Limit)},
		{"reset_ms", float64(quota.Reset.Milliseconds())},
		{"endpoint_weight", float64(kucoinEndpointWeight(path))},
	}
	for _, g := range gauges {
		l.Emit(logger.Metric{Component: "kucoin_rest", Name: g.name, Kind: logger.Gauge, Value: g.value, Dims: fields})
	}
}

// KucoinWSWeightTracker tracks outgoing websocket messages and connection
// attempts. KuCoin allows 100 client messages per 10s and a limited number of
// connects per minute.
type KucoinWSWeightTracker struct {
	mu            sync.Mutex
	msgWindow     time.Time
	msgs          int
	attemptWindow time.Time
	attempts      int
}

func NewKucoinWSWeightTracker() *KucoinWSWeightTracker {
	now := time.Now()
	return &KucoinWSWeightTracker{msgWindow: now, attemptWindow: now}
}

// RegisterOutgoing records n outgoing client messages such as subscriptions or pings.
func (t *KucoinWSWeightTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.msgWindow) >= 10*time.Second {
		t.msgs = 0
		t.msgWindow = now
	}
	t.msgs += n
}

func (t *KucoinWSWeightTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.attemptWindow) >= time.Minute {
		t.attempts = 0
		t.attemptWindow = now
	}
	t.attempts++
}

// Stats returns messages sent in the current 10-second window and connection
// attempts in the current minute.
func (t *KucoinWSWeightTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.attempts
}

func ReportKucoinWSWeight(log *logger.Log, t *KucoinWSWeightTracker) {
	msgs, attempts := t.Stats()
	l := log.WithComponent("kucoin_stream")
	l.Emit(logger.Metric{Component: "kucoin_stream", Name: "outgoing_messages_10s", Kind: logger.Gauge, Value: float64(msgs)})
	l.Emit(logger.Metric{Component: "kucoin_stream", Name: "connection_attempts_min", Kind: logger.Gauge, Value: float64(attempts)})
}
