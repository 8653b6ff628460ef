// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	// StateClosed lets every call through.
	StateClosed BreakerState = "closed"
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a single trial call through to test recovery.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in errors and logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of successful trial calls that closes it again.
	SuccessThreshold int

	// Cooldown is how long the circuit stays open before a trial call is allowed.
	Cooldown time.Duration

	// OnStateChange, when set, is called after every transition, outside the lock.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the breaker used around model calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "llm",
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker fails calls fast once a dependency keeps failing. It is
// safe for concurrent use and never holds its lock while fn runs. A nil
// *CircuitBreaker lets every call through.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	trying    bool
}

// NewCircuitBreaker returns a closed breaker. Zero fields of cfg take the defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	d := DefaultBreakerConfig()
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Call runs fn if the circuit allows it and records the outcome. An open
// circuit returns a non-recoverable circuit_open error without calling fn,
// so a surrounding RetryConfig.Do stops at once. Cancellation is not
// counted as a failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if cb == nil {
		return fn()
	}
	trial, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn()
	if err != nil && (ctx.Err() != nil || errors.Is(err, errors.CodeCancelled)) {
		cb.release(trial)
		return err
	}
	cb.record(trial, err == nil)
	return err
}

// CallValue is Call for functions returning a value.
func CallValue[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Call(ctx, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

// State returns the current state, moving an expired open circuit to half-open.
func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return StateClosed
	}
	cb.mu.Lock()
	from := cb.state
	cb.expireLocked()
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return to
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.successes, cb.trying = StateClosed, 0, 0, false
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	cb.expireLocked()
	to := cb.state
	switch {
	case cb.state == StateOpen, cb.state == StateHalfOpen && cb.trying:
		cb.mu.Unlock()
		cb.notify(from, to)
		return false, errors.Newf(errors.CodeCircuitOpen, "%s circuit open", cb.cfg.Name).
			WithContext("breaker", cb.cfg.Name)
	case cb.state == StateHalfOpen:
		cb.trying = true
		trial = true
	}
	cb.mu.Unlock()
	cb.notify(from, to)
	return trial, nil
}

func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.trying = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(trial, ok bool) {
	cb.mu.Lock()
	from := cb.state
	if trial {
		cb.trying = false
	}
	switch {
	case ok && cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state, cb.failures, cb.successes = StateClosed, 0, 0
		}
	case ok:
		cb.failures = 0
	case cb.state == StateHalfOpen:
		cb.openLocked()
	default:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openLocked()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// openLocked trips the circuit. cb.mu must be held.
func (cb *CircuitBreaker) openLocked() {
	cb.state, cb.failures, cb.successes = StateOpen, 0, 0
	cb.openedAt = cb.now()
}

// expireLocked moves an open circuit to half-open after the cooldown. cb.mu must be held.
func (cb *CircuitBreaker) expireLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.state, cb.successes, cb.trying = StateHalfOpen, 0, false
	}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
