// SPDX-License-Identifier: Apache-2.0
// Package resilience provides retry and timeout helpers used around LLM
// calls and capability invocations.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the initial backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// IsRecoverable determines if an error should be retried.
	// If nil, transient errors are retried (see isRecoverableDefault).
	IsRecoverable func(error) bool

	// Jitter adds randomness to backoff. 0.1 means ±10%.
	Jitter float64

	// OnRetry, when set, is called before each retry with the attempt number and last error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry policy used for reasoning and generation calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: isRecoverableDefault,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMaxDelay returns a new config with MaxDelay set.
func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

// WithIsRecoverable returns a new config with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do executes fn with retry logic, returning the last error if all attempts fail.
// Cancellation of ctx stops retrying and returns a CodeCancelled error.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = isRecoverableDefault
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, lastErr)
			}
			timer := time.NewTimer(calculateBackoff(attempt, rc))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.New(errors.CodeCancelled, "context canceled during retry", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts)
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !rc.IsRecoverable(err) {
			return err
		}
	}

	return lastErr
}

// DoValue executes fn with retry logic and returns its value.
func DoValue[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := rc.Do(ctx, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

func calculateBackoff(attempt int, rc RetryConfig) time.Duration {
	if rc.Multiplier == 0 {
		rc.Multiplier = 2.0
	}

	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}

	if rc.Jitter > 0 {
		spread := float64(delay) * rc.Jitter
		delay = time.Duration(float64(delay) + spread*2*(rand.Float64()-0.5))
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}

// isRecoverableDefault retries foreign errors and ForgeErrors flagged recoverable.
func isRecoverableDefault(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*errors.ForgeError); ok {
		return fe.Recoverable
	}
	return true
}
