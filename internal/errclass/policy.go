package errclass

import "time"

// Settings are the configured retry knobs a Policy is derived from.
type Settings struct {
	BaseAttempts       int
	CriticalMultiplier int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
}

// DefaultSettings: three attempts, tripled for critical calls, 1s doubling to 30s.
func DefaultSettings() Settings {
	return Settings{BaseAttempts: 3, CriticalMultiplier: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Policy is how a given Kind is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
	Retryable   bool
}

// Attempts returns the attempt budget for a call.
func (s Settings) Attempts(critical bool) int {
	n := s.BaseAttempts
	if n <= 0 {
		n = 1
	}
	if critical && s.CriticalMultiplier > 1 {
		n *= s.CriticalMultiplier
	}
	return n
}

// PolicyFor is a pure function of the kind and criticality.
func PolicyFor(kind Kind, critical bool, s Settings) Policy {
	p := Policy{MaxAttempts: 1, BaseDelay: s.BaseDelay, MaxDelay: s.MaxDelay}
	switch kind {
	case RateLimited:
		p.Retryable = true
		p.Exponential = true
		p.BaseDelay = 2 * s.BaseDelay
	case Network:
		p.Retryable = true
		p.Exponential = true
	case ServerError:
		p.Retryable = true
	}
	if p.Retryable {
		p.MaxAttempts = s.Attempts(critical)
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the sleep before retry number attempt, counted from zero:
// min(base*2^attempt, max) when exponential, base otherwise.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	if p.Exponential {
		for i := 0; i < attempt && d < p.MaxDelay; i++ {
			d *= 2
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
