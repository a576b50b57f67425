// Package retry runs exchange calls under a classifier-driven retry loop.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tradegate/internal/errclass"
	"tradegate/logger"
)

// Outcome describes how a retried call ended. Err is nil on success.
type Outcome struct {
	Attempts   int
	Kind       errclass.Kind
	Err        error
	NoPosition bool
	// Exhausted is set when a retryable failure used the whole attempt budget.
	Exhausted bool
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Runner executes op with retries. The returned error is non-nil only for
// terminal failures (wrapping errclass.ErrFatal) or caller cancellation;
// every other failure is reported through Outcome.
type Runner interface {
	Run(ctx context.Context, name string, critical bool, op func(ctx context.Context) error) (Outcome, error)
}

// Executor is the default Runner.
type Executor struct {
	settings    errclass.Settings
	callTimeout time.Duration
	log         *logger.Log
}

func NewExecutor(settings errclass.Settings, callTimeout time.Duration, log *logger.Log) *Executor {
	if log == nil {
		log = logger.GetLogger()
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Executor{settings: settings, callTimeout: callTimeout, log: log}
}

// policyBackOff feeds backoff.Retry the delay for the most recent failure.
type policyBackOff struct {
	settings errclass.Settings
	critical bool
	last     errclass.Classification
	retries  int
}

func (b *policyBackOff) Reset() { b.retries = 0 }

func (b *policyBackOff) NextBackOff() time.Duration {
	p := errclass.PolicyFor(b.last.Kind, b.critical, b.settings)
	d := p.Delay(b.retries)
	b.retries++
	if b.last.RetryAfter > d {
		d = b.last.RetryAfter
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

func (e *Executor) Run(ctx context.Context, name string, critical bool, op func(ctx context.Context) error) (Outcome, error) {
	var out Outcome
	sched := &policyBackOff{settings: e.settings, critical: critical}
	maxTries := e.settings.Attempts(critical)
	log := e.log.WithComponent("retry").WithFields(logger.Fields{"operation": name, "critical": critical})

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			return struct{}{}, nil
		}

		c := errclass.Classify(err)
		out.Kind = c.Kind
		out.NoPosition = c.NoPosition
		sched.last = c
		if !c.Retryable {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(sched),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.IncrementRetry()
			log.WithError(err).WithFields(logger.Fields{
				"attempt": out.Attempts,
				"kind":    sched.last.Kind.String(),
				"delay":   d.String(),
			}).Warn("retrying exchange call")
		}),
	)
	out.Err = err
	if err == nil {
		out.Kind = errclass.Unknown
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return out, err
	}

	c := errclass.Classify(err)
	fields := logger.Fields{"attempts": out.Attempts, "kind": c.Kind.String()}
	switch {
	case c.Terminal:
		log.WithError(err).WithFields(fields).Error("terminal exchange failure")
		return out, errclass.Fatal(err)
	case c.Retryable:
		out.Exhausted = true
		log.WithError(err).WithFields(fields).Error("retries exhausted")
	case c.NoPosition:
		log.WithFields(fields).Info("position already closed on exchange")
	case c.Kind == errclass.Unknown:
		log.WithError(err).WithFields(fields).Error("unclassified exchange failure")
	default:
		log.WithError(err).WithFields(fields).Warn("exchange rejected request")
	}
	return out, nil
}

// Do runs op through r and returns its value. ok is false when the call did
// not succeed; err is only set for terminal failures and cancellation.
func Do[T any](ctx context.Context, r Runner, name string, critical bool, op func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var result T
	out, err := r.Run(ctx, name, critical, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil || !out.OK() {
		var zero T
		return zero, out, err
	}
	return result, out, nil
}
