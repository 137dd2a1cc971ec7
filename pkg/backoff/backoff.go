// Package backoff provides the retry strategies used by the health monitor
// and the channel multiplexer.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Retryer defines the interface for implementing retry strategies
type Retryer interface {
	// NextDelay returns the delay before the next retry attempt
	// attempt is 0-based (0 for first retry, 1 for second, etc.)
	// Returns the delay duration and whether to continue retrying
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset resets the retry strategy state (called on successful connection)
	Reset()
}

// ExponentialBackoffRetryer computes
//
//	delay = min(InitialDelay × Multiplier^attempt × U(1-JitterFactor, 1+JitterFactor), MaxDelay)
//
// With the defaults this is min(base × 2^attempt × U(0.5, 1.5), cap).
type ExponentialBackoffRetryer struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps every delay, jitter included
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier
	Multiplier float64

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int

	// JitterFactor is the half-width of the uniform jitter multiplier (0.0 to 1.0).
	// Zero disables jitter.
	JitterFactor float64

	// Rand returns a float in [0.0, 1.0). Nil means math/rand.Float64.
	Rand func() float64
}

// NewExponentialBackoffRetryer creates a new exponential backoff retryer with defaults
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   0, // infinite retries by default
		JitterFactor: 0.5,
	}
}

// NextDelay implements Retryer
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))

	if r.JitterFactor > 0 {
		random := r.Rand
		if random == nil {
			//nolint:gosec // jitter is not security-critical
			random = rand.Float64
		}
		delay *= 1 - r.JitterFactor + 2*r.JitterFactor*random()
	}

	if delay > float64(r.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(r.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay), true
}

// Reset implements Retryer
func (r *ExponentialBackoffRetryer) Reset() {
	// No state to reset for exponential backoff
}

// FixedDelayRetryer implements a simple fixed delay retry retryer
type FixedDelayRetryer struct {
	// Delay is the fixed delay between retries
	Delay time.Duration

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
}

// NewFixedDelayRetryer creates a new fixed delay retryer
func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{
		Delay:      delay,
		MaxRetries: maxRetries,
	}
}

// NextDelay implements Retryer
func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Reset implements Retryer
func (r *FixedDelayRetryer) Reset() {
	// No state to reset for fixed delay
}
