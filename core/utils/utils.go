// Package utils holds small helpers shared by the worker packages.
//
// Overview:
//   - Responsibility: Retry with backoff, jittered delays, string slice helpers
//   - Concurrency Model: All functions are safe for concurrent use
//   - Error Semantics: Retry returns the last error wrapped with the attempt count
//
// Usage:
//
//	err := utils.Retry(ctx, utils.DefaultRetryConfig(), func() error { return store.Touch(ctx) })
package utils

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig holds configuration for retry operations.
type RetryConfig struct {
	MaxAttempts int           // Maximum number of attempts
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Upper bound for any single delay
	Multiplier  float64       // Delay multiplier for exponential backoff

	// Retryable reports whether err is worth another attempt.
	// Nil means every error is retried.
	Retryable func(err error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// Retry calls fn until it succeeds, the attempts run out, a non-retryable
// error is returned, or ctx is done.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.BaseDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if config.Retryable != nil && !config.Retryable(lastErr) {
			return lastErr
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// Jitter returns a random duration in [0, max). It returns 0 when max <= 0.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Contains checks if a slice contains a specific string.
func Contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
