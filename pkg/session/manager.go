// SPDX-License-Identifier: Apache-2.0
package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/world"
)

// ManagerConfig bounds the set of sessions.
type ManagerConfig struct {
	// MaxConcurrent caps running sessions; beyond it Start fails with backpressure_exceeded.
	MaxConcurrent int
	// Retention keeps finished sessions queryable for this long.
	Retention time.Duration
	Session   Config
}

// DefaultManagerConfig returns the manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent: 16,
		Retention:     10 * time.Minute,
		Session:       DefaultConfig(),
	}
}

// Manager starts and tracks sessions.
type Manager struct {
	provider llm.Provider
	registry *capability.Registry
	cfg      ManagerConfig
	sem      *semaphore.Weighted
	log      *slog.Logger
	metrics  *telemetry.Metrics
	breaker  *resilience.CircuitBreaker
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerConfig replaces the defaults.
func WithManagerConfig(cfg ManagerConfig) ManagerOption {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger used by the manager and its sessions.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records session metrics.
func WithMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithBreaker guards every session's reasoning calls with cb.
func WithBreaker(cb *resilience.CircuitBreaker) ManagerOption {
	return func(m *Manager) { m.breaker = cb }
}

// NewManager returns a Manager resolving tool calls against registry.
func NewManager(provider llm.Provider, registry *capability.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: provider,
		registry: registry,
		cfg:      DefaultManagerConfig(),
		log:      slog.Default(),
		tracer:   otel.Tracer(telemetry.ScopeName),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxConcurrent <= 0 {
		m.cfg.MaxConcurrent = DefaultManagerConfig().MaxConcurrent
	}
	m.cfg.Session = m.cfg.Session.withDefaults()
	m.sem = semaphore.NewWeighted(int64(m.cfg.MaxConcurrent))
	return m
}

// Start creates a session for d and runs it in the background. The session
// outlives ctx; use Cancel or Stop to end it early.
func (m *Manager) Start(ctx context.Context, d Deployment) (*Session, error) {
	if strings.TrimSpace(d.AgentID) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "agent_id is required", nil)
	}
	if strings.TrimSpace(d.Goal) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "goal is required", nil)
	}
	if d.World.Width == 0 && d.World.Height == 0 {
		d.World = world.DefaultSpec()
	}
	state, err := world.New(d.World)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New(errors.CodeBackpressure, "session manager is shutting down", nil)
	}
	if !m.sem.TryAcquire(1) {
		m.log.WarnContext(ctx, "session.start.rejected",
			slog.String("agent_id", d.AgentID),
			slog.Int("max_concurrent", m.cfg.MaxConcurrent),
		)
		return nil, errors.Newf(errors.CodeBackpressure, "too many running sessions (max %d)", m.cfg.MaxConcurrent).
			WithRecoverable(true)
	}
	m.pruneLocked(time.Now())

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:         uuid.NewString(),
		deployment: d,
		cfg:        m.cfg.Session,
		provider:   m.provider,
		registry:   m.registry,
		world:      state,
		log:        m.log,
		metrics:    m.metrics,
		breaker:    m.breaker,
		tracer:     m.tracer,
		ctx:        sctx,
		cancel:     cancel,
		status:     StatusPending,
		startedAt:  time.Now(),
	}
	s.result.Status = StatusPending
	s.broker = NewBroker(func() { m.metrics.StreamOverflow(sctx) })
	m.sessions[s.id] = s

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)
		s.run()
	}()
	return s, nil
}

// Get returns a live or retained session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "session %q not found", id).WithContext("session_id", id)
	}
	return s, nil
}

// Stop cancels the session with the given id.
func (m *Manager) Stop(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	m.log.Info("session.stop", slog.String("session_id", id))
	return nil
}

// List returns every tracked session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	m.pruneLocked(time.Now())
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown cancels every session and waits for all of them to publish
// their terminal event, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, s := range m.sessions {
		s.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeCancelled, "shutdown interrupted", ctx.Err())
	}
}

// pruneLocked drops finished sessions past retention. m.mu must be held.
func (m *Manager) pruneLocked(now time.Time) {
	if m.cfg.Retention <= 0 {
		return
	}
	cutoff := now.Add(-m.cfg.Retention)
	for id, s := range m.sessions {
		if s.finishedBefore(cutoff) {
			delete(m.sessions, id)
		}
	}
}
