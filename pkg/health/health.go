// SPDX-License-Identifier: Apache-2.0

// Package health aggregates component health checks for the /healthz endpoint.
package health

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm"
)

// Status is the health state of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Result is one component's check outcome.
type Result struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report aggregates every registered checker.
type Report struct {
	Status     Status   `json:"status"`
	Components []Result `json:"components"`
}

// Checker checks one component. ctx carries the per-check timeout.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Registry runs checkers concurrently.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry returns an empty registry. Each check is bounded by timeout
// (default 2s).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{checkers: make(map[string]Checker), timeout: timeout}
}

// Register adds or replaces the checker for name.
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// Check runs a single named checker.
func (r *Registry) Check(ctx context.Context, name string) (Result, error) {
	r.mu.RLock()
	c, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, errors.Newf(errors.CodeNotFound, "checker %q not registered", name)
	}
	return r.run(ctx, name, c), nil
}

// CheckAll runs every checker in parallel. The overall status is the worst
// component status; with no checkers it is healthy.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()
	sort.Strings(names)

	results := make([]Result, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = r.run(ctx, name, checkers[name])
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: Healthy, Components: results}
	for _, res := range results {
		switch res.Status {
		case Unhealthy:
			report.Status = Unhealthy
		case Degraded:
			if report.Status == Healthy {
				report.Status = Degraded
			}
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, name string, c Checker) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res := c.Check(ctx)
	res.Component = name
	if res.CheckedAt.IsZero() {
		res.CheckedAt = time.Now().UTC()
	}
	if res.Status == "" {
		res.Status = Unhealthy
	}
	return res
}

// Static always reports status.
func Static(status Status, message string) Checker {
	return CheckerFunc(func(context.Context) Result {
		return Result{Status: status, Message: message}
	})
}

// DB pings a database. A failing store makes forge unhealthy.
func DB(db *sql.DB) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if err := db.PingContext(ctx); err != nil {
			return Result{Status: Unhealthy, Message: err.Error()}
		}
		return Result{Status: Healthy}
	})
}

// LLM pings the model provider. Capability management keeps working
// without it, so an outage only degrades the service.
func LLM(p llm.Pinger) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if err := p.Ping(ctx); err != nil {
			return Result{Status: Degraded, Message: err.Error()}
		}
		return Result{Status: Healthy}
	})
}
