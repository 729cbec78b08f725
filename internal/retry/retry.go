// Package retry is the single bounded-retry-with-backoff helper used by the
// session and the order pipeline, so call sites do not grow their own loops.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps the doubling backoff. Zero means a fixed BaseDelay
	// between attempts.
	MaxDelay time.Duration
}

// Delay returns the wait before attempt n (0-based counts the retries already
// made): BaseDelay * 2^n capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.MaxDelay <= 0 || attempt <= 0 {
		if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
			return p.MaxDelay
		}
		return p.BaseDelay
	}
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn up to p.Attempts times, sleeping p.Delay between attempts.
// It stops early when fn succeeds, when retryable reports the error as
// permanent, or when ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
