// SPDX-License-Identifier: Apache-2.0

// Package session runs agents against their world: a reasoning loop that
// calls registered capabilities, applies their effects and publishes an
// ordered event stream.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/world"
)

// Status is the externally visible lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultSystemPrompt frames the reasoning loop.
const DefaultSystemPrompt = `You control an agent in a 2D grid world. Positions are [x, y] with [0, 0] in the top left corner.
Reach the goal by calling the available tools. After each call you get its result and the new position.
When the goal is reached, or you are sure it cannot be reached, call finish with goal_achieved and a short summary.`

// Config bounds a session.
type Config struct {
	MaxSteps     int
	ToolTimeout  time.Duration
	RetryCap     int
	LLMRetry     resilience.RetryConfig
	Model        string
	Temperature  float64
	SystemPrompt string
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:     20,
		ToolTimeout:  5 * time.Second,
		RetryCap:     3,
		LLMRetry:     resilience.DefaultRetryConfig(),
		SystemPrompt: DefaultSystemPrompt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.RetryCap <= 0 {
		c.RetryCap = d.RetryCap
	}
	if c.LLMRetry.MaxAttempts <= 0 {
		c.LLMRetry = d.LLMRetry
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	return c
}

// Deployment binds an agent and a goal to a world.
type Deployment struct {
	AgentID string     `json:"agent_id"`
	WorldID string     `json:"world_id,omitempty"`
	Goal    string     `json:"goal"`
	World   world.Spec `json:"-"`
}

// Result summarizes a finished session.
type Result struct {
	Status       Status   `json:"status"`
	Steps        int      `json:"steps"`
	ToolsUsed    []string `json:"tools_used"`
	GoalAchieved bool     `json:"goal_achieved"`
	Summary      string   `json:"summary,omitempty"`
	// Outcome is the status string of the complete event, when there is one.
	Outcome string   `json:"outcome,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	WorldID    string     `json:"world_id,omitempty"`
	Goal       string     `json:"goal"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Events     int        `json:"events"`
	Result     *Result    `json:"result,omitempty"`
}

// Session is one agent run. It is created by a Manager.
type Session struct {
	id         string
	deployment Deployment
	cfg        Config
	provider   llm.Provider
	registry   *capability.Registry
	world      *world.State
	broker     *Broker
	log        *slog.Logger
	metrics    *telemetry.Metrics
	breaker    *resilience.CircuitBreaker
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	result     Result
	startedAt  time.Time
	finishedAt time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Deployment returns what the session was started with.
func (s *Session) Deployment() Deployment { return s.deployment }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Result returns the summary; it is final once Done is closed.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.result
	r.ToolsUsed = append([]string(nil), r.ToolsUsed...)
	return r
}

// Done is closed after the terminal event.
func (s *Session) Done() <-chan struct{} { return s.broker.Done() }

// Cancel asks the session to stop. The loop acknowledges it between steps.
func (s *Session) Cancel() { s.cancel() }

// Subscribe replays past events and follows new ones.
func (s *Session) Subscribe(buffer int) *Subscription { return s.broker.Subscribe(buffer) }

// Events returns the events published so far.
func (s *Session) Events() []Event { return s.broker.History() }

// World returns a snapshot of the session's world.
func (s *Session) World() world.Snapshot { return s.world.Snapshot() }

// Info returns a view suitable for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:        s.id,
		AgentID:   s.deployment.AgentID,
		WorldID:   s.deployment.WorldID,
		Goal:      s.deployment.Goal,
		Status:    s.status,
		StartedAt: s.startedAt,
	}
	if s.status.Terminal() {
		at := s.finishedAt
		r := s.result
		info.FinishedAt = &at
		info.Result = &r
	}
	s.mu.Unlock()
	info.Events = len(s.broker.History())
	return info
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) finishedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Terminal() && s.finishedAt.Before(t)
}

func (s *Session) emit(ctx context.Context, typ EventType, payload any) bool {
	e, ok := s.broker.Publish(Event{SessionID: s.id, Type: typ, Time: time.Now().UTC(), Payload: payload})
	if ok {
		s.log.DebugContext(ctx, "session.event",
			slog.String("session_id", s.id),
			slog.Int64("seq", e.Seq),
			slog.String("type", string(typ)),
		)
	}
	return ok
}

// loop holds the mutable state of one run.
type loop struct {
	history   []llm.Message
	steps     int
	toolsUsed []string
	seen      map[string]bool
	lastFail  string
	failCount int
}

func (l *loop) used(name string) {
	if l.seen[name] {
		return
	}
	l.seen[name] = true
	l.toolsUsed = append(l.toolsUsed, name)
}

// run drives the state machine until exactly one terminal event is out.
func (s *Session) run() {
	ctx, span := s.tracer.Start(s.ctx, "Session.Run", trace.WithAttributes(
		telemetry.SessionAttributes(s.id, s.deployment.AgentID, s.deployment.WorldID, s.deployment.Goal, s.cfg.MaxSteps)...,
	))
	defer span.End()
	defer s.cancel()

	l := &loop{seen: make(map[string]bool)}
	defer func() {
		if r := recover(); r != nil {
			err := errors.New(errors.CodeInternal, fmt.Sprintf("session panic: %v", r), nil)
			s.fail(ctx, l, err)
		}
		res := s.Result()
		span.SetAttributes(attribute.String(telemetry.AttrStatus, string(res.Status)), attribute.Int(telemetry.AttrStep, res.Steps))
		if res.Failure != nil {
			span.SetStatus(codes.Error, res.Failure.Message)
		}
	}()

	s.log.InfoContext(ctx, "session.run.start",
		slog.String("session_id", s.id),
		slog.String("agent_id", s.deployment.AgentID),
		slog.String("goal", s.deployment.Goal),
	)
	s.metrics.SessionStarted(ctx, s.deployment.AgentID)

	if err := s.initialize(ctx); err != nil {
		if ctx.Err() != nil {
			s.complete(ctx, l, CompleteCancelled, false, "")
			return
		}
		s.fail(ctx, l, errors.New(errors.CodeInitialization, "reasoning service unreachable", err))
		return
	}
	s.setStatus(StatusRunning)

	l.history = []llm.Message{
		{Role: llm.RoleSystem, Content: s.cfg.SystemPrompt},
		{Role: llm.RoleUser, Content: s.goalPrompt()},
	}
	for {
		if ctx.Err() != nil {
			s.complete(ctx, l, CompleteCancelled, false, "")
			return
		}
		if l.steps >= s.cfg.MaxSteps {
			s.complete(ctx, l, CompleteStepLimit, false, "")
			return
		}
		if done := s.step(ctx, l); done {
			return
		}
	}
}

// initialize checks the reasoning service when the provider can tell.
func (s *Session) initialize(ctx context.Context) error {
	p, ok := s.provider.(llm.Pinger)
	if !ok {
		return nil
	}
	return s.cfg.LLMRetry.Do(ctx, func() error { return p.Ping(ctx) })
}

func (s *Session) goalPrompt() string {
	obs, _ := json.Marshal(s.world.Observe())
	return fmt.Sprintf("Goal: %s\nWorld: %s", s.deployment.Goal, obs)
}

// step performs one reasoning call and the tool calls it asks for. It
// returns true once a terminal event has been published.
func (s *Session) step(ctx context.Context, l *loop) bool {
	l.steps++
	s.mu.Lock()
	s.result.Steps = l.steps
	s.mu.Unlock()

	resp, err := s.reason(ctx, l)
	if err != nil {
		if ctx.Err() != nil {
			s.complete(ctx, l, CompleteCancelled, false, "")
			return true
		}
		code := errors.CodeReasoningUnavailable
		if l.steps == 1 {
			code = errors.CodeInitialization
		}
		s.fail(ctx, l, errors.New(code, "reasoning call failed", err))
		return true
	}

	if text := strings.TrimSpace(resp.Content); text != "" {
		s.emit(ctx, EventReasoning, Reasoning{Text: text})
	}
	l.history = append(l.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

	if len(resp.ToolCalls) == 0 {
		l.history = append(l.history, llm.Message{
			Role:    llm.RoleUser,
			Content: "Call one of the tools, or call finish if you are done.",
		})
		return false
	}

	for _, call := range resp.ToolCalls {
		if ctx.Err() != nil {
			s.complete(ctx, l, CompleteCancelled, false, "")
			return true
		}
		if call.Function.Name == capability.FinishName {
			achieved, summary := finishArgs(call.Function)
			s.complete(ctx, l, CompleteGoal, achieved, summary)
			return true
		}
		if done := s.toolCall(ctx, l, call); done {
			return true
		}
	}
	return false
}

func (s *Session) reason(ctx context.Context, l *loop) (*llm.ChatResponse, error) {
	tools := s.tools()
	ctx, span := s.tracer.Start(ctx, "Session.Reason", trace.WithAttributes(
		telemetry.LLMAttributes(s.cfg.Model, len(l.history), 0)...,
	))
	span.SetAttributes(attribute.Int(telemetry.AttrStep, l.steps))
	defer span.End()

	req := llm.ChatRequest{
		Model:       s.cfg.Model,
		Messages:    l.history,
		Tools:       tools,
		Temperature: s.cfg.Temperature,
	}
	resp, err := resilience.DoValue(ctx, s.cfg.LLMRetry, func() (*llm.ChatResponse, error) {
		return resilience.CallValue(ctx, s.breaker, func() (*llm.ChatResponse, error) {
			return s.provider.Chat(ctx, req)
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if resp == nil {
		return nil, errors.New(errors.CodeReasoningUnavailable, "empty response", nil)
	}
	span.SetAttributes(telemetry.UsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	return resp, nil
}

// tools lists the agent's capabilities as seen right now, plus finish.
func (s *Session) tools() []llm.Tool {
	entries := s.registry.List(s.deployment.AgentID)
	tools := make([]llm.Tool, 0, len(entries)+1)
	for _, e := range entries {
		desc := e.Definition.Description
		if e.Definition.Explanation != "" {
			desc = e.Definition.Explanation
		}
		tools = append(tools, llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        e.Definition.Name,
				Description: desc,
				Parameters:  e.Definition.Parameters.JSONSchema(),
			},
		})
	}
	return append(tools, finishTool)
}

var finishTool = llm.Tool{
	Type: llm.ToolTypeFunction,
	Function: llm.FunctionDef{
		Name:        capability.FinishName,
		Description: "End the run. Set goal_achieved to whether the goal was reached.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"goal_achieved": map[string]any{"type": "boolean"},
				"summary":       map[string]any{"type": "string"},
			},
			"required": []string{"goal_achieved"},
		},
	},
}

// finishArgs reads the termination signal. Anything but an explicit true is false.
func finishArgs(fc llm.FunctionCall) (bool, string) {
	args, err := fc.DecodeArguments()
	if err != nil {
		return false, ""
	}
	summary, _ := args["summary"].(string)
	switch v := args["goal_achieved"].(type) {
	case bool:
		return v, summary
	case string:
		b, _ := strconv.ParseBool(v)
		return b, summary
	}
	return false, summary
}

// toolCall handles one invocation request. It returns true when the session ended.
func (s *Session) toolCall(ctx context.Context, l *loop, call llm.ToolCall) bool {
	name := call.Function.Name
	callID := call.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	args, argErr := call.Function.DecodeArguments()
	if args == nil {
		args = map[string]any{}
	}
	s.emit(ctx, EventToolCall, ToolCall{CallID: callID, Name: name, Arguments: args})

	entry, err := s.registry.Lookup(name)
	if err != nil {
		msg := fmt.Sprintf("unknown capability %q", name)
		s.emit(ctx, EventError, Failure{Kind: errors.CodeUnknownCapability, Message: msg, Recoverable: true})
		l.history = append(l.history, toolMessage(callID, name, map[string]any{
			"success": false,
			"error":   msg + "; use only the listed tools",
		}))
		// An unknown call breaks a run of identical failures.
		l.lastFail, l.failCount = "", 0
		return false
	}
	l.used(name)

	res, upd, ferr := s.invoke(ctx, entry, callID, args, argErr)
	s.emit(ctx, EventToolResult, res)
	if upd != nil && upd.Changed {
		s.emit(ctx, EventWorldUpdate, WorldUpdate{
			CallID: callID, Capability: name, From: upd.From, To: upd.To, Cells: upd.Cells,
		})
	}

	feedback := make(map[string]any, len(res.Result)+1)
	if res.Success {
		for k, v := range res.Result {
			feedback[k] = v
		}
	} else {
		feedback["success"] = false
		feedback["error"] = res.Error
		feedback["kind"] = string(res.Kind)
	}
	feedback["position"] = s.world.Position()
	l.history = append(l.history, toolMessage(callID, name, feedback))

	if ferr == nil {
		l.lastFail, l.failCount = "", 0
		return false
	}
	key := failureKey(name, args, res.Error)
	if key == l.lastFail {
		l.failCount++
	} else {
		l.lastFail, l.failCount = key, 1
	}
	if l.failCount >= s.cfg.RetryCap {
		fatal := errors.New(res.Kind, fmt.Sprintf("%s failed %d times in a row: %s", name, l.failCount, res.Error), ferr)
		s.fail(ctx, l, fatal)
		return true
	}
	return false
}

// invoke runs the capability on a context detached from cancellation and
// bounded by the tool timeout, then applies its effect on the world.
func (s *Session) invoke(ctx context.Context, entry capability.Entry, callID string, raw map[string]any, argErr error) (ToolResult, *world.Update, error) {
	name := entry.Definition.Name
	ctx, span := s.tracer.Start(ctx, "Session.Invoke", trace.WithAttributes(
		attribute.String(telemetry.AttrCapabilityName, name),
		attribute.String(telemetry.AttrToolCallID, callID),
	))
	defer span.End()

	start := time.Now()
	res := ToolResult{CallID: callID, Name: name}
	finish := func(err error) (ToolResult, *world.Update, error) {
		res.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		if err != nil {
			fe := errors.AsForgeError(err)
			res.Success = false
			res.Kind = fe.Code
			res.Error = fe.Message
			span.RecordError(err)
		}
		span.SetAttributes(telemetry.ToolCallAttributes(name, callID, res.DurationMs, res.Success)...)
		s.metrics.ToolCall(ctx, name, res.Success, res.DurationMs)
		return res, nil, err
	}

	if argErr != nil {
		return finish(errors.New(errors.CodeInvalidArguments, argErr.Error(), nil).WithRecoverable(true))
	}
	args, err := entry.Definition.Parameters.Coerce(raw)
	if err != nil {
		return finish(err)
	}

	inv := capability.Invocation{Args: args, World: s.world.Observe()}
	out, err := resilience.WithTimeoutResult(context.WithoutCancel(ctx), resilience.TimeoutConfig{Duration: s.cfg.ToolTimeout},
		func(tctx context.Context) (out capability.Outcome, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.New(errors.CodeRuntime, fmt.Sprintf("capability panicked: %v", r), nil).WithRecoverable(true)
				}
			}()
			return entry.Handle.Invoke(tctx, inv)
		})
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.CodeTimeout, errors.CodeRuntime, errors.CodeInvalidArguments:
		default:
			err = errors.New(errors.CodeRuntime, err.Error(), err).WithRecoverable(true)
		}
		return finish(err)
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "capability reported failure"
		}
		res.Result = out.Result()
		return finish(errors.New(errors.CodeRuntime, msg, nil).WithRecoverable(true))
	}

	upd, err := s.world.Apply(out.Mutation(name, callID))
	if err != nil {
		return finish(err)
	}
	res.Success = true
	res.Result = out.Result()
	r, _, _ := finish(nil)
	return r, &upd, nil
}

func toolMessage(callID, name string, payload map[string]any) llm.Message {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return llm.Message{Role: llm.RoleTool, Content: string(data), ToolCallID: callID, Name: name}
}

func failureKey(name string, args map[string]any, msg string) string {
	data, _ := json.Marshal(args)
	return name + "\x00" + string(data) + "\x00" + msg
}

// complete publishes the complete event and records the final result.
func (s *Session) complete(ctx context.Context, l *loop, outcome string, achieved bool, summary string) {
	status := StatusCompleted
	if outcome == CompleteCancelled {
		status = StatusCancelled
	}
	s.finalize(ctx, Result{
		Status:       status,
		Steps:        l.steps,
		ToolsUsed:    append([]string{}, l.toolsUsed...),
		GoalAchieved: achieved,
		Summary:      summary,
		Outcome:      outcome,
	}, EventComplete, Complete{
		Status:       outcome,
		Steps:        l.steps,
		ToolsUsed:    append([]string{}, l.toolsUsed...),
		GoalAchieved: achieved,
		Summary:      summary,
	})
}

// fail publishes a terminal error event.
func (s *Session) fail(ctx context.Context, l *loop, err error) {
	fe := errors.AsForgeError(err)
	failure := Failure{Kind: fe.Code, Message: fe.Error(), Recoverable: false}
	s.log.ErrorContext(ctx, "session.run.failed",
		slog.String("session_id", s.id),
		slog.String("error", fe.Error()),
		slog.String("error_code", string(fe.Code)),
	)
	s.metrics.Error(ctx, err, "session")
	s.finalize(ctx, Result{
		Status:    StatusFailed,
		Steps:     l.steps,
		ToolsUsed: append([]string{}, l.toolsUsed...),
		Failure:   &failure,
	}, EventError, failure)
}

// finalize stores the result before publishing so that anyone woken by the
// terminal event sees it. Only the first call has any effect.
func (s *Session) finalize(ctx context.Context, res Result, typ EventType, payload any) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = res.Status
	s.result = res
	s.finishedAt = time.Now()
	s.mu.Unlock()

	s.emit(ctx, typ, payload)
	s.metrics.SessionFinished(ctx, string(res.Status), res.Steps)
	s.log.InfoContext(ctx, "session.run.complete",
		slog.String("session_id", s.id),
		slog.String("status", string(res.Status)),
		slog.Int("steps", res.Steps),
		slog.Bool("goal_achieved", res.GoalAchieved),
	)
}
