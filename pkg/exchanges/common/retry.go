package common

import (
	"context"
	"time"
)

// RetryConfig bounds the retry budget for transient adapter failures.
type RetryConfig struct {
	Attempts  int           // total attempts including the first
	BaseDelay time.Duration // doubled after each failed attempt
	Timeout   time.Duration // per-attempt deadline
}

// DefaultRetry is a small budget suitable for order-path calls.
func DefaultRetry() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: 200 * time.Millisecond, Timeout: 5 * time.Second}
}

// WithRetry runs fn with a per-attempt timeout, retrying only transient
// errors with doubling backoff. The last error is returned unchanged.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	delay := cfg.BaseDelay
	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc = func() {}
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err = fn(attemptCtx)
		cancel()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == cfg.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
