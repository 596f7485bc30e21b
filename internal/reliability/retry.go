package reliability

import (
	"math"
	"math/rand"
	"time"
)

// DefaultReconnectDelay is the fixed pause between failed reconnect attempts
const DefaultReconnectDelay = 5 * time.Second

// BackoffPolicy decides how long to wait before the next reconnect
// attempt. attempt counts consecutive failures starting at 1. Policies
// never give up; only shutdown ends a reconnect loop.
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// FixedDelay waits the same amount of time after every failure
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay implements BackoffPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// ExponentialBackoff grows the delay geometrically up to MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates an exponential policy with jitter enabled
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements BackoffPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// DefaultBackoff returns the policy used when none is configured
func DefaultBackoff() BackoffPolicy {
	return NewFixedDelay(DefaultReconnectDelay)
}
