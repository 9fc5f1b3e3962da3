package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/chrlshc/ofm-social-os-sub006/internal/platform"
	"github.com/chrlshc/ofm-social-os-sub006/internal/scheduler"
)

// RetryPolicy governs per-step retries: exponential backoff doubling from
// Initial, capped at MaxInterval, giving up after MaxAttempts.
type RetryPolicy struct {
	Initial     time.Duration
	MaxInterval time.Duration
	MaxAttempts int
}

// backoff returns the delay before the given retry (1-based: the delay
// after the first failed attempt is backoff(1) = Initial).
func (p RetryPolicy) backoff(retry int) time.Duration {
	d := p.Initial
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// retryable reports whether a step error is worth another attempt.
// Terminal platform errors and caller cancellation are not; everything
// else (transient network errors, rate limiting, open circuits, in-flight
// idempotency conflicts) is.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if platform.Terminal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// retryDelay computes the wait before the next attempt, honoring explicit
// retry-after hints from the scheduler when they exceed the backoff.
func (p RetryPolicy) retryDelay(retry int, err error) time.Duration {
	d := p.backoff(retry)
	var rle *scheduler.RateLimitedError
	if errors.As(err, &rle) {
		if hint := time.Duration(rle.Decision.RetryAfterSeconds) * time.Second; hint > d {
			d = hint
		}
	}
	var coe *scheduler.CircuitOpenError
	if errors.As(err, &coe) && coe.RetryAfter > d {
		d = coe.RetryAfter
	}
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
