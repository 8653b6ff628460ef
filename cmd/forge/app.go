// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/jllopis/forge/pkg/agent"
	"github.com/jllopis/forge/pkg/api"
	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/gateway"
	"github.com/jllopis/forge/pkg/generator"
	"github.com/jllopis/forge/pkg/health"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/mcpserver"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/session"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/validator"
	"github.com/jllopis/forge/pkg/world"
)

// app holds every wired component of a running forge.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *sql.DB
	validator *validator.Validator
	catalog   *capability.Catalog
	worlds    world.Store
	agents    agent.Store
	generator *generator.Generator
	breaker   *resilience.CircuitBreaker
	sessions  *session.Manager
	health    *health.Registry
	mcp       *mcpserver.Server
	api       *api.Server
}

func loadPolicy(path string) (validator.Policy, error) {
	if path == "" {
		return validator.DefaultPolicy(), nil
	}
	return validator.LoadPolicy(path)
}

func newProvider(cfg config.LLMConfig) llm.Provider {
	switch cfg.Provider {
	case "mock":
		return &llm.MockProvider{}
	default:
		return llm.NewOllama(cfg.BaseURL, cfg.Timeout)
	}
}

func retryConfig(attempts int) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if attempts > 0 {
		rc = rc.WithMaxAttempts(attempts)
	}
	return rc
}

// sandboxHealth degrades while timed-out capability calls keep running.
func sandboxHealth(in *sandbox.Interpreter) health.Checker {
	return health.CheckerFunc(func(context.Context) health.Result {
		if n := in.Abandoned(); n > 0 {
			return health.Result{Status: health.Degraded, Message: fmt.Sprintf("%d timed-out calls still running", n)}
		}
		return health.Result{Status: health.Healthy}
	})
}

// newBreaker returns the circuit shared by the generator and every session,
// since both call the same provider.
func newBreaker(cfg config.LLMConfig, log *slog.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "llm",
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange: func(name string, from, to resilience.BreakerState) {
			log.Warn("llm.breaker.state",
				slog.String("breaker", name),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
		},
	})
}

// newApp wires the components described by cfg and re-registers persisted
// capabilities that still pass the policy.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, metrics *telemetry.Metrics) (*app, error) {
	policy, err := loadPolicy(cfg.Policy.File)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	a := &app{
		cfg:       cfg,
		log:       log,
		validator: validator.New(policy),
		health:    health.NewRegistry(0),
	}

	var capStore capability.Store
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		db.SetMaxOpenConns(1)
		a.db = db
		if capStore, err = capability.NewSQLiteStore(db); err != nil {
			a.close()
			return nil, err
		}
		if a.worlds, err = world.NewSQLiteStore(db); err != nil {
			a.close()
			return nil, err
		}
		if a.agents, err = agent.NewSQLiteStore(db); err != nil {
			a.close()
			return nil, err
		}
		a.health.Register("store", health.DB(db))
	default:
		capStore = capability.NewMemoryStore()
		a.worlds = world.NewMemoryStore()
		a.agents = agent.NewMemoryStore()
		a.health.Register("store", health.Static(health.Healthy, "in-memory"))
	}

	provider := newProvider(cfg.LLM)
	if p, ok := provider.(llm.Pinger); ok {
		a.health.Register("llm", health.LLM(p))
	}
	a.breaker = newBreaker(cfg.LLM, log)

	allowed := sandbox.DefaultAllowedPackages
	if len(cfg.Sandbox.AllowedPackages) > 0 {
		allowed = cfg.Sandbox.AllowedPackages
	}
	interp := sandbox.NewInterpreter(sandbox.WithAllowedPackages(allowed...))
	a.health.Register("sandbox", sandboxHealth(interp))

	a.catalog = capability.NewCatalog(capability.NewRegistry(), capStore, capability.WithLogger(log))
	_, err = a.catalog.Load(ctx, interp, func(code string) error {
		return a.validator.Validate(code).Err()
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load capabilities: %w", err)
	}

	model := cfg.Generator.Model
	if model == "" {
		model = cfg.LLM.Model
	}
	a.generator = generator.New(provider, a.validator, interp, a.catalog,
		generator.WithConfig(generator.Config{
			Model:           model,
			Temperature:     cfg.Generator.Temperature,
			RepairAttempts:  cfg.Generator.RepairAttempts,
			Retry:           retryConfig(cfg.LLM.RetryAttempts),
			AllowedPackages: allowed,
		}),
		generator.WithWorlds(a.worlds),
		generator.WithLogger(log),
		generator.WithMetrics(metrics),
		generator.WithBreaker(a.breaker),
	)

	sessCfg := session.Config{
		MaxSteps:     cfg.Session.MaxSteps,
		ToolTimeout:  cfg.Session.ToolTimeout,
		RetryCap:     cfg.Session.RetryCap,
		LLMRetry:     retryConfig(cfg.LLM.RetryAttempts),
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		SystemPrompt: cfg.Session.SystemPrompt,
	}
	a.sessions = session.NewManager(provider, a.catalog.Registry(),
		session.WithManagerConfig(session.ManagerConfig{
			MaxConcurrent: cfg.Session.MaxConcurrent,
			Retention:     cfg.Session.Retention,
			Session:       sessCfg,
		}),
		session.WithLogger(log),
		session.WithMetrics(metrics),
		session.WithBreaker(a.breaker),
	)

	a.mcp = mcpserver.New(cfg.MCP.Name, version, a.generator, a.catalog, mcpserver.WithLogger(log))

	defaultWorld := world.DefaultSpec()
	defaultWorld.Width, defaultWorld.Height = cfg.World.Width, cfg.World.Height
	apiOpts := []api.Option{
		api.WithLogger(log),
		api.WithMetrics(metrics),
		api.WithDefaultWorld(defaultWorld),
	}
	if cfg.MCP.Enabled {
		apiOpts = append(apiOpts, api.WithMount(cfg.MCP.Path, a.mcp.HTTPHandler()))
	}
	a.api = api.New(api.Deps{
		Generator: a.generator,
		Catalog:   a.catalog,
		Sessions:  a.sessions,
		Gateway: gateway.New(
			gateway.WithConfig(gateway.Config{Buffer: cfg.Gateway.Buffer, Heartbeat: cfg.Gateway.Heartbeat}),
			gateway.WithLogger(log),
		),
		Worlds: a.worlds,
		Agents: a.agents,
		Health: a.health,
	}, apiOpts...)
	return a, nil
}

// applyReload takes the settings that can change at runtime from a reloaded config.
func (a *app) applyReload(cfg *config.Config) {
	telemetry.SetLevel(cfg.Log.Level)
	policy, err := loadPolicy(cfg.Policy.File)
	if err != nil {
		a.log.Error("config.reload.policy.error", slog.String("error", err.Error()))
		return
	}
	a.validator.SetPolicy(policy)
	a.log.Info("config.reload.policy.applied",
		slog.String("file", cfg.Policy.File),
		slog.Int("denied", len(policy.DeniedPackages())),
	)
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}
