// Package retry provides bounded retry with exponential or linear backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff selects how the wait between attempts grows.
type Backoff int

const (
	// Exponential multiplies the wait by Multiplier after each attempt.
	Exponential Backoff = iota
	// Linear adds InitialWait after each attempt (15s, 30s, 45s, ...).
	Linear
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time (0 = no cap)
	Multiplier  float64       // Backoff multiplier (exponential only)
	Jitter      float64       // Jitter factor (0-1)
	Backoff     Backoff

	// OnRetry, if set, is called before each wait with the attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// FileCopyConfig returns the policy used for copying result files to network
// storage: attempts tries, holdoff before the first retry, growing linearly.
func FileCopyConfig(attempts int, holdoff time.Duration) Config {
	if attempts < 1 {
		attempts = 1
	}
	return Config{
		MaxAttempts: attempts,
		InitialWait: holdoff,
		Backoff:     Linear,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Wait returns the delay before the attempt following the given failed attempt.
func (cfg Config) Wait(attempt int) time.Duration {
	var wait float64
	switch cfg.Backoff {
	case Linear:
		wait = float64(cfg.InitialWait) * float64(attempt)
	default:
		mult := cfg.Multiplier
		if mult <= 0 {
			mult = 1
		}
		wait = float64(cfg.InitialWait) * math.Pow(mult, float64(attempt-1))
	}
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	sleep := cfg.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return result, err
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		wait := cfg.Wait(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return result, err
		}
	}

	return result, lastErr
}
