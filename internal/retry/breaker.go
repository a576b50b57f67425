package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradegate/internal/errclass"
	"tradegate/logger"
)

// ErrCircuitOpen is reported in Outcome.Err while the breaker is tripped.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker wraps a Runner and stops non-critical calls after too many
// consecutive failed outcomes. Critical calls always pass through.
type Breaker struct {
	next      Runner
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       *logger.Log

	mu       sync.Mutex
	failures int
	tripped  bool
	resetAt  time.Time
}

func NewBreaker(next Runner, threshold int, cooldown time.Duration, log *logger.Log) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Breaker{next: next, threshold: threshold, cooldown: cooldown, now: time.Now, log: log}
}

// State returns the consecutive failure count and whether the breaker is open.
func (b *Breaker) State() (failures int, tripped bool, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.failures, b.tripped, b.resetAt
}

func (b *Breaker) expireLocked() {
	if b.tripped && !b.now().Before(b.resetAt) {
		b.tripped = false
		b.failures = 0
	}
}

func (b *Breaker) Run(ctx context.Context, name string, critical bool, op func(ctx context.Context) error) (Outcome, error) {
	if !critical {
		b.mu.Lock()
		b.expireLocked()
		open, resetAt := b.tripped, b.resetAt
		b.mu.Unlock()
		if open {
			return Outcome{Err: fmt.Errorf("%s: %w until %s", name, ErrCircuitOpen, resetAt.Format(time.RFC3339))}, nil
		}
	}

	out, err := b.next.Run(ctx, name, critical, op)
	b.record(name, out, err)
	return out, err
}

// Rejections and "already flat" are answers from a healthy exchange and do not
// count as failures.
func (b *Breaker) record(name string, out Outcome, err error) {
	failed := err != nil || out.Exhausted || (out.Err != nil && out.Kind == errclass.Unknown)
	if errors.Is(err, context.Canceled) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if !b.tripped && b.failures >= b.threshold {
		b.tripped = true
		b.resetAt = b.now().Add(b.cooldown)
		b.log.WithComponent("retry").WithFields(logger.Fields{
			"operation": name,
			"failures":  b.failures,
			"reset_at":  b.resetAt.Format(time.RFC3339),
		}).Error("circuit breaker tripped")
	}
}
