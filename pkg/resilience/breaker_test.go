// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ferrors "github.com/jllopis/forge/pkg/errors"
)

// fakeClock is a settable time source for breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.Now
	return cb, clock
}

var errDown = errors.New("connection refused")

func fail() error { return errDown }
func ok() error   { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, fail); err != errDown {
			t.Fatalf("call %d = %v, want the underlying error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if called {
		t.Error("open circuit must not call fn")
	}
	if ferrors.CodeOf(err) != ferrors.CodeCircuitOpen || ferrors.IsRecoverable(err) {
		t.Errorf("open circuit error = %v", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2})
	ctx := context.Background()
	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, ok)
	_ = cb.Call(ctx, fail)
	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures opened the circuit")
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	tests := []struct {
		name  string
		trial func() error
		want  BreakerState
	}{
		{name: "trial succeeds", trial: ok, want: StateClosed},
		{name: "trial fails", trial: fail, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var transitions []BreakerState
			cb, clock := newTestBreaker(BreakerConfig{
				FailureThreshold: 1,
				Cooldown:         time.Second,
				OnStateChange:    func(_ string, _, to BreakerState) { transitions = append(transitions, to) },
			})
			ctx := context.Background()
			_ = cb.Call(ctx, fail)
			clock.Advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state after cooldown = %s", cb.State())
			}
			_ = cb.Call(ctx, tt.trial)
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
			if len(transitions) != 3 || transitions[0] != StateOpen || transitions[1] != StateHalfOpen {
				t.Errorf("transitions = %v", transitions)
			}
		})
	}
}

func TestBreakerSingleTrialInFlight(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	ctx := context.Background()
	_ = cb.Call(ctx, fail)
	clock.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	if err := cb.Call(ctx, ok); ferrors.CodeOf(err) != ferrors.CodeCircuitOpen {
		t.Errorf("second call during trial = %v, want circuit_open", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("trial = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = cb.Call(ctx, func() error { return ctx.Err() })
	if cb.State() != StateClosed {
		t.Errorf("cancellation opened the circuit")
	}
}

func TestBreakerStopsRetry(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	calls := 0
	_, err := DoValue(context.Background(), fastRetry().WithMaxAttempts(5), func() (string, error) {
		return CallValue(context.Background(), cb, func() (string, error) {
			calls++
			return "", errDown
		})
	})
	if calls != 2 {
		t.Errorf("provider calls = %d, want 2 before the circuit opened", calls)
	}
	if ferrors.CodeOf(err) != ferrors.CodeCircuitOpen {
		t.Errorf("err = %v, want circuit_open", err)
	}
}

func TestNilBreakerPassesThrough(t *testing.T) {
	var cb *CircuitBreaker
	if err := cb.Call(context.Background(), fail); err != errDown {
		t.Errorf("nil breaker = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("nil breaker state = %s", cb.State())
	}
}
