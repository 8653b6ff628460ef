// SPDX-License-Identifier: Apache-2.0

// Package generator turns natural-language capability requests into
// validated, registered capabilities.
package generator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/validator"
	"github.com/jllopis/forge/pkg/world"
)

// Config tunes generation.
type Config struct {
	Model       string
	Temperature float64
	// RepairAttempts is how many times a rejected capability is sent back to
	// the model with the validator's reasons. Zero disables repair.
	RepairAttempts int
	Retry          resilience.RetryConfig
	// AllowedPackages is advertised in the prompt.
	AllowedPackages []string
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		Temperature: 0.2,
		Retry:       resilience.DefaultRetryConfig(),
	}
}

// Result is the outcome of one Generate call.
type Result struct {
	Accepted    bool                   `json:"accepted"`
	Definition  *capability.Definition `json:"definition,omitempty"`
	Explanation string                 `json:"explanation,omitempty"`
	Validation  validator.Result       `json:"validation"`
	Attempts    int                    `json:"attempts"`
}

// Generator asks the model for capability code, validates it, compiles it
// and registers it.
type Generator struct {
	provider  llm.Provider
	validator *validator.Validator
	compiler  capability.Compiler
	catalog   *capability.Catalog
	worlds    world.Store
	cfg       Config
	log       *slog.Logger
	metrics   *telemetry.Metrics
	breaker   *resilience.CircuitBreaker
	tracer    trace.Tracer
}

// Option configures a Generator.
type Option func(*Generator)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(g *Generator) { g.cfg = cfg }
}

// WithWorlds lets requests carrying a world_id describe that world in the prompt.
func WithWorlds(store world.Store) Option {
	return func(g *Generator) { g.worlds = store }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// WithMetrics records generation outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithBreaker fails model calls fast while cb is open. cb may be shared
// with other callers of the same provider.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(g *Generator) { g.breaker = cb }
}

// New returns a Generator.
func New(provider llm.Provider, v *validator.Validator, compiler capability.Compiler, catalog *capability.Catalog, opts ...Option) *Generator {
	g := &Generator{
		provider:  provider,
		validator: v,
		compiler:  compiler,
		catalog:   catalog,
		cfg:       DefaultConfig(),
		log:       slog.Default(),
		tracer:    otel.Tracer(telemetry.ScopeName),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cfg.Retry.MaxAttempts == 0 {
		g.cfg.Retry = resilience.DefaultRetryConfig()
	}
	return g
}

// Validate runs the validator alone, without generating or registering.
func (g *Generator) Validate(code string) validator.Result {
	return g.validator.Validate(code)
}

// Generate produces a capability for req. A rejected capability is reported
// in the Result with a nil error; errors are reserved for generation
// failures, invalid requests and registration conflicts. Nothing is
// registered unless Result.Accepted is true.
func (g *Generator) Generate(ctx context.Context, req capability.Request) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "Generator.Generate", trace.WithAttributes(
		attribute.String(telemetry.AttrAgentID, req.AgentID),
	))
	defer span.End()

	res, err := g.generate(ctx, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.Generation(ctx, "error")
		g.metrics.Error(ctx, err, "generator")
		g.log.ErrorContext(ctx, "capability.generate.error",
			slog.String("agent_id", req.AgentID),
			slog.String("error", err.Error()),
			slog.String("error_code", string(errors.CodeOf(err))),
		)
	case !res.Accepted:
		span.SetAttributes(telemetry.ValidationAttributes(string(res.Validation.Kind), len(res.Validation.Reasons))...)
		g.metrics.Generation(ctx, "rejected")
		g.log.WarnContext(ctx, "capability.generate.rejected",
			slog.String("agent_id", req.AgentID),
			slog.String("kind", string(res.Validation.Kind)),
			slog.Int("reasons", len(res.Validation.Reasons)),
			slog.Int("attempts", res.Attempts),
		)
	default:
		span.SetAttributes(
			attribute.String(telemetry.AttrCapabilityName, res.Definition.Name),
			attribute.String(telemetry.AttrCapabilityCategory, string(res.Definition.Category)),
		)
		g.metrics.Generation(ctx, "accepted")
		g.log.InfoContext(ctx, "capability.generate.accepted",
			slog.String("agent_id", req.AgentID),
			slog.String("name", res.Definition.Name),
			slog.Int("attempts", res.Attempts),
		)
	}
	return res, err
}

func (g *Generator) generate(ctx context.Context, req capability.Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var spec *world.Spec
	if req.WorldID != "" && g.worlds != nil {
		s, err := g.worlds.Get(ctx, req.WorldID)
		if err != nil {
			return nil, err
		}
		spec = &s
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(g.validator.Policy(), g.cfg.AllowedPackages)},
		{Role: llm.RoleUser, Content: userPrompt(req, spec, g.catalog.List(req.AgentID))},
	}

	res := &Result{}
	for attempt := 1; attempt <= 1+max(g.cfg.RepairAttempts, 0); attempt++ {
		res.Attempts = attempt
		resp, err := g.chat(ctx, messages, attempt)
		if err != nil {
			return nil, err
		}
		p, err := parseProposal(resp.Content)
		if err != nil {
			return nil, err
		}

		def := capability.Definition{
			Name:        p.Name,
			Description: req.Description,
			Code:        p.Code,
			Parameters:  p.Parameters,
			Explanation: p.Explanation,
			Category:    capability.ParseCategory(p.Category),
			AgentID:     req.AgentID,
		}
		res.Explanation = p.Explanation
		res.Validation = g.validator.Validate(def.Code)
		var h capability.Handle
		if res.Validation.Accepted {
			h, err = g.compiler.Compile(def)
			if err != nil {
				res.Validation = compileRejection(err)
			}
		}
		if !res.Validation.Accepted {
			g.metrics.Rejection(ctx, string(res.Validation.Kind))
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
				llm.Message{Role: llm.RoleUser, Content: repairPrompt(res.Validation)},
			)
			continue
		}

		def.CreatedAt = time.Now().UTC()
		if err := g.catalog.Add(ctx, def, h); err != nil {
			return nil, err
		}
		res.Accepted = true
		res.Definition = &def
		return res, nil
	}
	return res, nil
}

func (g *Generator) chat(ctx context.Context, messages []llm.Message, attempt int) (*llm.ChatResponse, error) {
	req := llm.ChatRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		Format:      "json",
	}
	ctx, span := g.tracer.Start(ctx, "Generator.Chat", trace.WithAttributes(
		telemetry.LLMAttributes(g.cfg.Model, len(messages), 0)...,
	))
	span.SetAttributes(attribute.Int(telemetry.AttrAttempt, attempt))
	defer span.End()

	resp, err := resilience.DoValue(ctx, g.cfg.Retry, func() (*llm.ChatResponse, error) {
		return resilience.CallValue(ctx, g.breaker, func() (*llm.ChatResponse, error) {
			return g.provider.Chat(ctx, req)
		})
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, errors.CodeCancelled):
			return nil, err
		case errors.Is(err, errors.CodeCircuitOpen):
			return nil, errors.New(errors.CodeGeneration, "model unavailable", err)
		}
		return nil, errors.New(errors.CodeGeneration, "model call failed", err)
	}
	if resp == nil {
		return nil, errors.New(errors.CodeGeneration, "model returned no response", nil)
	}
	span.SetAttributes(telemetry.UsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	return resp, nil
}

// compileRejection reports a load failure in the interpreter as a validation rejection.
func compileRejection(err error) validator.Result {
	kind := errors.CodeOf(err)
	if kind != errors.CodeSyntax {
		kind = errors.CodeContractViolation
	}
	return validator.Result{
		Kind:    kind,
		Reasons: []validator.Violation{{Kind: kind, Message: err.Error()}},
	}
}
