// Package clocksync watches the drift between the local clock and the
// exchange clock.
package clocksync

import (
	"context"
	"sync"
	"time"

	"tradegate/logger"
)

// ServerTimeFunc returns the exchange clock.
type ServerTimeFunc func(ctx context.Context) (time.Time, error)

// Result is one drift measurement. A failed fetch is reported as in sync.
type Result struct {
	Drift     time.Duration
	InSync    bool
	CheckedAt time.Time
	Err       error
}

type Monitor struct {
	fetch    ServerTimeFunc
	interval time.Duration
	maxDrift time.Duration
	log      *logger.Log
	now      func() time.Time
	// onDrift receives every successful measurement, e.g. to offset request timestamps.
	onDrift func(time.Duration)

	mu   sync.Mutex
	last Result
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithMaxDrift(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.maxDrift = d
		}
	}
}

func WithDriftHandler(fn func(time.Duration)) Option {
	return func(m *Monitor) { m.onDrift = fn }
}

func WithLogger(log *logger.Log) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

func New(fetch ServerTimeFunc, opts ...Option) *Monitor {
	m := &Monitor{
		fetch:    fetch,
		interval: time.Hour,
		maxDrift: 5 * time.Second,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check measures drift now.
func (m *Monitor) Check(ctx context.Context) Result {
	log := m.log.WithComponent("clock_sync")
	start := m.now()
	server, err := m.fetch(ctx)
	end := m.now()
	if err != nil {
		log.WithError(err).Warn("server time unavailable, assuming clock is in sync")
		r := Result{InSync: true, CheckedAt: end, Err: err}
		m.store(r)
		return r
	}

	local := start.Add(end.Sub(start) / 2)
	drift := server.Sub(local)
	r := Result{Drift: drift, InSync: abs(drift) <= m.maxDrift, CheckedAt: end}
	m.store(r)
	if m.onDrift != nil {
		m.onDrift(drift)
	}

	fields := logger.Fields{"drift_ms": drift.Milliseconds(), "max_drift_ms": m.maxDrift.Milliseconds()}
	if !r.InSync {
		log.WithFields(fields).Error("clock drift exceeds limit, trading is unsafe")
	} else {
		log.WithFields(fields).Debug("clock in sync")
	}
	log.Emit(logger.Metric{Component: "clock_sync", Name: "drift_ms", Kind: logger.Gauge, Value: float64(drift.Milliseconds())})
	return r
}

// CheckIfDue returns the cached result unless the interval has elapsed.
func (m *Monitor) CheckIfDue(ctx context.Context) Result {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if !last.CheckedAt.IsZero() && m.now().Sub(last.CheckedAt) < m.interval {
		return last
	}
	return m.Check(ctx)
}

func (m *Monitor) Last() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run checks once immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) store(r Result) {
	m.mu.Lock()
	m.last = r
	m.mu.Unlock()
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
