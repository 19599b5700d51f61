// Package retry drives repeated attempts of an upstream call according to an
// immutable policy, delegating each attempt through the upstream's circuit
// breaker. Backoff grows exponentially with uniform jitter so concurrent
// callers do not synchronize into retry storms.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
)

// Policy is the retry configuration. Values are fixed at construction;
// Normalized returns a copy with defaults applied rather than mutating.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff, jitter included.
	MaxDelay time.Duration

	// Multiplier scales the delay between successive attempts.
	Multiplier float64

	// JitterFraction perturbs each delay by ± this fraction, drawn
	// uniformly. 0 disables jitter.
	JitterFraction float64

	// Retryable decides whether an error may be re-attempted. Defaults to
	// apierror.Retryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the canonical policy: 3 attempts, 100ms base,
// doubling, capped at 10s, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Normalized returns a copy of p with zero values replaced by defaults.
func (p Policy) Normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		p.JitterFraction = 0.1
	}
	if p.Retryable == nil {
		p.Retryable = apierror.Retryable
	}
	return p
}

// Delay returns the backoff after the given attempt (1-based):
// min(MaxDelay, BaseDelay * Multiplier^(attempt-1)), perturbed by
// ±JitterFraction and clamped to [0, MaxDelay].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		spread := d * p.JitterFraction
		d += (rand.Float64()*2 - 1) * spread
	}

	if d < 0 {
		return 0
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
