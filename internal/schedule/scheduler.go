// Package schedule gates exchange calls by priority so order placement and
// position closing never queue behind market scanning.
package schedule

import (
	"context"
	"sync"
	"time"

	"tradegate/logger"
)

// Priority orders calls; a lower value is more urgent.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Scheduler admits critical work immediately and holds everything else for at
// most maxWait while critical work is in flight. After the wait expires the
// call proceeds regardless.
type Scheduler struct {
	maxWait time.Duration
	log     *logger.Log

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed while pending == 0
}

func New(maxWait time.Duration, log *logger.Log) *Scheduler {
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{maxWait: maxWait, log: log, idle: idle}
}

// Pending returns the number of critical calls currently running.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scheduler) acquireCritical() {
	s.mu.Lock()
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.mu.Unlock()
}

func (s *Scheduler) releaseCritical() {
	s.mu.Lock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

func (s *Scheduler) idleSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// Wait blocks a non-critical caller until no critical call is running, the
// bound expires, or ctx ends. It returns how long it waited.
func (s *Scheduler) Wait(ctx context.Context) (time.Duration, error) {
	idle := s.idleSignal()
	select {
	case <-idle:
		return 0, nil
	default:
	}

	start := time.Now()
	timer := time.NewTimer(s.maxWait)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
		s.log.WithComponent("scheduler").WithFields(logger.Fields{
			"waited":  time.Since(start).String(),
			"pending": s.Pending(),
		}).Debug("critical work still running; proceeding anyway")
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
	return time.Since(start), nil
}

type criticalKey struct{}

// InCritical reports whether ctx was handed out by a critical Execute.
func InCritical(ctx context.Context) bool {
	v, _ := ctx.Value(criticalKey{}).(bool)
	return v
}

// Execute runs fn under the admission policy for p. Calls made with a context
// from a critical Execute are part of that critical work and never wait,
// whatever their own priority.
func (s *Scheduler) Execute(ctx context.Context, p Priority, fn func(ctx context.Context) error) error {
	if p == Critical || InCritical(ctx) {
		s.acquireCritical()
		defer s.releaseCritical()
		return fn(context.WithValue(ctx, criticalKey{}, true))
	}
	if _, err := s.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Run is Execute for functions that return a value.
func Run[T any](ctx context.Context, s *Scheduler, p Priority, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Execute(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}
