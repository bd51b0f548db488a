// Package retry implements the RetryPolicy contract: given an attempt number
// and the last error, decide whether to retry and after what delay.
//
// Grounded on the *shape* of retry knobs seen across the example pack
// (WithRetryInterval/SetMaxReconnectInterval-style options) rather than on
// any single third-party retry-policy library: no reusable, transport-agnostic
// retry-policy package ships in the pack that isn't tied to a specific cloud
// SDK's own transport and error codes, so this package implements the
// contract directly on top of math/rand and time.Duration arithmetic.
package retry

import (
	"errors"
	"math/rand"
	"time"
)

// transientError is satisfied by any error that can report its own
// transience, e.g. *iothub.Error. Errors that don't implement it are treated
// as transient, since refusing to retry is the policy's decision to make
// explicitly, not the default for an error type this package doesn't know.
type transientError interface {
	IsTransient() bool
}

func isTransient(err error) bool {
	var te transientError
	if errors.As(err, &te) {
		return te.IsTransient()
	}
	return true
}

// Policy decides whether an operation should be retried after a failed
// attempt, and if so, after what delay.
type Policy interface {
	// ShouldRetry reports whether attempt (1-based) should be retried given
	// lastErr, and if so, the delay to wait before retrying.
	ShouldRetry(attempt int, lastErr error) (retry bool, delay time.Duration)
}

// jitter multiplies d by a uniform random factor in [0.95, 1.05].
func jitter(d time.Duration) time.Duration {
	f := 0.95 + rand.Float64()*0.10
	return time.Duration(float64(d) * f)
}

func capped(attempt, maxRetries int, lastErr error) bool {
	if !isTransient(lastErr) {
		return false
	}
	if maxRetries > 0 && attempt > maxRetries {
		return false
	}
	return true
}

// Fixed retries with a constant delay.
type Fixed struct {
	Delay      time.Duration
	MaxRetries int // 0 = unbounded
	UseJitter  bool
}

// ShouldRetry implements Policy.
func (p Fixed) ShouldRetry(attempt int, lastErr error) (bool, time.Duration) {
	if !capped(attempt, p.MaxRetries, lastErr) {
		return false, 0
	}
	d := p.Delay
	if p.UseJitter {
		d = jitter(d)
	}
	return true, d
}

// Exponential retries with a delay that doubles every attempt, starting at
// Base and never exceeding Max.
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int // 0 = unbounded
	UseJitter  bool
}

// ShouldRetry implements Policy.
func (p Exponential) ShouldRetry(attempt int, lastErr error) (bool, time.Duration) {
	if !capped(attempt, p.MaxRetries, lastErr) {
		return false, 0
	}
	d := p.Base << uint(attempt-1) //nolint:gosec // attempt is bounded by MaxRetries in practice
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.UseJitter {
		d = jitter(d)
	}
	return true, d
}

// Incremental retries with a delay that grows by a fixed Step every attempt,
// starting at Base and never exceeding Max.
type Incremental struct {
	Base       time.Duration
	Step       time.Duration
	Max        time.Duration
	MaxRetries int // 0 = unbounded
	UseJitter  bool
}

// ShouldRetry implements Policy.
func (p Incremental) ShouldRetry(attempt int, lastErr error) (bool, time.Duration) {
	if !capped(attempt, p.MaxRetries, lastErr) {
		return false, 0
	}
	d := p.Base + p.Step*time.Duration(attempt-1)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.UseJitter {
		d = jitter(d)
	}
	return true, d
}
