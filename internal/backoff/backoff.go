// Package backoff maps an attempt count and failure class to a retry delay.
// Everything here is a pure function of its inputs.
package backoff

import (
	"time"

	"postflow/internal/failure"
)

type Policy struct {
	BaseDelay      time.Duration `env:"BASE_DELAY" envDefault:"1s"`
	MaxDelay       time.Duration `env:"MAX_DELAY" envDefault:"30s"`
	RateLimitDelay time.Duration `env:"RATE_LIMIT_DELAY" envDefault:"5m"`
	// NetworkSchedule is the linear schedule used while the network is unavailable.
	NetworkSchedule   []time.Duration `env:"NETWORK_SCHEDULE" envSeparator:"," envDefault:"30s,60s,120s"`
	NetworkMaxRetries int             `env:"NETWORK_MAX_RETRIES" envDefault:"3"`
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		RateLimitDelay:    5 * time.Minute,
		NetworkSchedule:   []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		NetworkMaxRetries: 3,
	}
}

// Decision is what the caller should do after a failed attempt.
type Decision struct {
	Delay time.Duration
	Retry bool
	// Suspend means stop retrying until connectivity is restored.
	Suspend bool
}

// Next computes the decision for the attempt-th consecutive failure of class.
// hint is a server-provided wait and only applies to rate limiting.
func (p Policy) Next(attempt int, class failure.Class, hint time.Duration) Decision {
	switch class {
	case failure.AuthInvalid, failure.ContentRejected:
		return Decision{}
	case failure.RateLimited:
		if hint > 0 {
			return Decision{Delay: hint, Retry: true}
		}
		return Decision{Delay: p.RateLimitDelay, Retry: true}
	case failure.NetworkUnavailable:
		if attempt > p.NetworkMaxRetries {
			return Decision{Suspend: true}
		}
		return Decision{Delay: p.linear(attempt), Retry: true}
	default:
		return Decision{Delay: p.exponential(attempt), Retry: true}
	}
}

// Delay is Next without a server hint, returning 0 when no retry should happen.
func (p Policy) Delay(attempt int, class failure.Class) time.Duration {
	d := p.Next(attempt, class, 0)
	if !d.Retry {
		return 0
	}
	return d.Delay
}

func (p Policy) exponential(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

func (p Policy) linear(attempt int) time.Duration {
	if len(p.NetworkSchedule) == 0 {
		return p.exponential(attempt)
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.NetworkSchedule) {
		idx = len(p.NetworkSchedule) - 1
	}
	return p.NetworkSchedule[idx]
}
