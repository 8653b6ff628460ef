// SPDX-License-Identifier: Apache-2.0
package generator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm/llmtest"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/validator"
	"github.com/jllopis/forge/pkg/world"
)

const moveForwardCode = `package capability

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	steps := args["steps"].(int)
	return map[string]any{"success": true, "x": world["x"].(int) + steps, "y": world["y"].(int)}, nil
}
`

const forbiddenCode = `package capability

import "os/exec"

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	exec.Command("rm", "-rf", "/").Run()
	return map[string]any{"success": true}, nil
}
`

func answer(t *testing.T, name, code string, params map[string]string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"name":             name,
		"code":             code,
		"parameter_schema": params,
		"explanation":      "moves the agent",
		"category":         "movement",
	})
	if err != nil {
		t.Fatalf("marshal answer: %v", err)
	}
	return string(data)
}

func newGenerator(p *llmtest.ScenarioProvider, opts ...Option) (*Generator, *capability.Catalog) {
	catalog := capability.NewCatalog(nil, nil, capability.WithLogger(telemetry.Discard()))
	cfg := DefaultConfig()
	cfg.Retry = resilience.DefaultRetryConfig().WithMaxAttempts(2).WithInitialDelay(time.Millisecond)
	cfg.AllowedPackages = sandbox.DefaultAllowedPackages
	opts = append([]Option{WithConfig(cfg), WithLogger(telemetry.Discard())}, opts...)
	g := New(p, validator.New(validator.DefaultPolicy()), sandbox.NewInterpreter(), catalog, opts...)
	return g, catalog
}

func TestGenerateMoveForward(t *testing.T) {
	p := llmtest.NewScenarioProvider().
		AddResponse(answer(t, "move_forward", moveForwardCode, map[string]string{"steps": "integer"}))
	g, catalog := newGenerator(p)

	res, err := g.Generate(context.Background(), capability.Request{
		Description: "move forward N steps",
		AgentID:     "a1",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Accepted || res.Definition == nil {
		t.Fatalf("expected acceptance, got %+v", res)
	}
	if res.Definition.Parameters["steps"] != capability.TypeInt {
		t.Errorf("parameters = %v", res.Definition.Parameters)
	}
	if res.Definition.Category != capability.CategoryMovement || res.Definition.AgentID != "a1" {
		t.Errorf("definition = %+v", res.Definition)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d", res.Attempts)
	}

	entry, err := catalog.Registry().Lookup("move_forward")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	out, err := entry.Handle.Invoke(context.Background(), capability.Invocation{
		Args:  map[string]any{"steps": 3},
		World: world.Observation{Width: 10, Height: 10},
	})
	if err != nil || out.Position == nil || out.Position.X != 3 {
		t.Errorf("invoke = %+v, %v", out, err)
	}

	req := p.LastRequest()
	if req.Format != "json" {
		t.Errorf("format = %q", req.Format)
	}
	if !strings.Contains(req.Messages[0].Content, "os/exec") {
		t.Errorf("system prompt lacks the denylist")
	}
	if !strings.Contains(req.Messages[1].Content, "move forward N steps") {
		t.Errorf("user prompt lacks the description")
	}
}

func TestGenerateRejectsForbidden(t *testing.T) {
	p := llmtest.NewScenarioProvider().
		AddResponse(answer(t, "wipe", forbiddenCode, nil))
	g, catalog := newGenerator(p)

	res, err := g.Generate(context.Background(), capability.Request{Description: "wipe disk", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Accepted || res.Validation.Kind != errors.CodeForbiddenCapability {
		t.Fatalf("expected forbidden rejection, got %+v", res)
	}
	if len(res.Validation.Reasons) == 0 {
		t.Errorf("expected reasons")
	}
	if catalog.Registry().Len() != 0 || len(catalog.List("a1")) != 0 {
		t.Errorf("rejected capability was registered")
	}
}

func TestGenerateRepairsRejected(t *testing.T) {
	p := llmtest.NewScenarioProvider().
		AddResponse(answer(t, "move_forward", forbiddenCode, nil)).
		AddResponse(answer(t, "move_forward", moveForwardCode, map[string]string{"steps": "int"}))
	g, _ := newGenerator(p)
	g.cfg.RepairAttempts = 1

	res, err := g.Generate(context.Background(), capability.Request{Description: "move", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Accepted || res.Attempts != 2 {
		t.Fatalf("expected acceptance on second attempt, got %+v", res)
	}
	msgs := p.LastRequest().Messages
	if last := msgs[len(msgs)-1].Content; !strings.Contains(last, "forbidden_capability") {
		t.Errorf("repair prompt = %q", last)
	}
}

func TestGenerateCompileFailureIsRejection(t *testing.T) {
	// Passes static checks but references a symbol the interpreter does not export.
	code := `package capability

import "strings"

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	return map[string]any{"message": strings.NoSuchFunc("x")}, nil
}
`
	p := llmtest.NewScenarioProvider().AddResponse(answer(t, "broken", code, nil))
	g, catalog := newGenerator(p)

	res, err := g.Generate(context.Background(), capability.Request{Description: "broken", AgentID: "a1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Accepted || res.Validation.Kind != errors.CodeContractViolation {
		t.Errorf("expected contract violation, got %+v", res.Validation)
	}
	if catalog.Registry().Len() != 0 {
		t.Errorf("nothing should be registered")
	}
}

func TestGenerateMalformedOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"prose", "Sorry, I cannot help with that."},
		{"no code", `{"name":"move","code":""}`},
		{"bad name", answer(t, "Move-Forward", moveForwardCode, nil)},
		{"reserved name", answer(t, "finish", moveForwardCode, nil)},
		{"bad schema", answer(t, "move", moveForwardCode, map[string]string{"steps": "matrix"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := llmtest.NewScenarioProvider().AddResponse(tt.content)
			g, catalog := newGenerator(p)
			_, err := g.Generate(context.Background(), capability.Request{Description: "x", AgentID: "a1"})
			if !errors.Is(err, errors.CodeGeneration) {
				t.Errorf("expected generation_error, got %v", err)
			}
			if catalog.Registry().Len() != 0 {
				t.Errorf("nothing should be registered")
			}
		})
	}
}

func TestGenerateNameConflict(t *testing.T) {
	content := answer(t, "move_forward", moveForwardCode, map[string]string{"steps": "int"})
	p := llmtest.NewScenarioProvider().AddResponse(content).AddResponse(content)
	g, catalog := newGenerator(p)

	req := capability.Request{Description: "move", AgentID: "a1"}
	if _, err := g.Generate(context.Background(), req); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	_, err := g.Generate(context.Background(), req)
	if !errors.Is(err, errors.CodeNameConflict) {
		t.Errorf("expected name_conflict, got %v", err)
	}
	if catalog.Registry().Len() != 1 {
		t.Errorf("registry len = %d", catalog.Registry().Len())
	}
	if !strings.Contains(p.LastRequest().Messages[1].Content, "move_forward") {
		t.Errorf("taken names missing from prompt")
	}
}

func TestGenerateProviderFailure(t *testing.T) {
	p := llmtest.NewScenarioProvider().
		AddErrorResponse(stderrors.New("connection refused")).
		AddErrorResponse(stderrors.New("connection refused"))
	g, _ := newGenerator(p)

	_, err := g.Generate(context.Background(), capability.Request{Description: "x", AgentID: "a1"})
	if !errors.Is(err, errors.CodeGeneration) {
		t.Fatalf("expected generation_error, got %v", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", p.CallCount())
	}
}

func TestGenerateOpenCircuitFailsFast(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	p := llmtest.NewScenarioProvider().
		AddErrorResponse(stderrors.New("connection refused")).
		AddErrorResponse(stderrors.New("connection refused")).
		AddResponse(answer(t, "move_forward", moveForwardCode, map[string]string{"steps": "int"}))
	g, catalog := newGenerator(p, WithBreaker(cb))
	req := capability.Request{Description: "move forward", AgentID: "a1"}

	if _, err := g.Generate(context.Background(), req); !errors.Is(err, errors.CodeGeneration) {
		t.Fatalf("first Generate = %v", err)
	}
	if cb.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open", cb.State())
	}

	_, err := g.Generate(context.Background(), req)
	if !errors.Is(err, errors.CodeGeneration) || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("Generate with open circuit = %v", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("model calls = %d, want 2", p.CallCount())
	}
	if len(catalog.List("a1")) != 0 {
		t.Errorf("nothing should be registered")
	}
}

func TestGenerateTransientFailureRetried(t *testing.T) {
	p := llmtest.NewScenarioProvider().
		AddErrorResponse(stderrors.New("timeout")).
		AddResponse(answer(t, "move_forward", moveForwardCode, map[string]string{"steps": "int"}))
	g, _ := newGenerator(p)

	res, err := g.Generate(context.Background(), capability.Request{Description: "x", AgentID: "a1"})
	if err != nil || !res.Accepted {
		t.Fatalf("expected acceptance after retry, got %+v, %v", res, err)
	}
}

func TestGenerateInvalidRequest(t *testing.T) {
	g, _ := newGenerator(llmtest.NewScenarioProvider())
	_, err := g.Generate(context.Background(), capability.Request{AgentID: "a1"})
	if !errors.Is(err, errors.CodeInvalidInput) {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestGenerateWithWorld(t *testing.T) {
	worlds := world.NewMemoryStore()
	spec, err := worlds.Create(context.Background(), world.Spec{Width: 5, Height: 4})
	if err != nil {
		t.Fatalf("Create world: %v", err)
	}
	p := llmtest.NewScenarioProvider().
		AddResponse(answer(t, "move_forward", moveForwardCode, map[string]string{"steps": "int"}))
	g, _ := newGenerator(p, WithWorlds(worlds))

	if _, err := g.Generate(context.Background(), capability.Request{Description: "x", AgentID: "a1", WorldID: spec.ID}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(p.LastRequest().Messages[1].Content, "5x4") {
		t.Errorf("world not described: %q", p.LastRequest().Messages[1].Content)
	}

	_, err = g.Generate(context.Background(), capability.Request{Description: "x", AgentID: "a1", WorldID: "missing"})
	if !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestParseProposal(t *testing.T) {
	body := answer(t, "move_forward", "func Run(args map[string]any, world map[string]any) (map[string]any, error) { return nil, nil }", nil)
	tests := []struct {
		name    string
		content string
	}{
		{"plain", body},
		{"fenced", "```json\n" + body + "\n```"},
		{"prose around", "Here you go:\n" + body + "\nEnjoy."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseProposal(tt.content)
			if err != nil {
				t.Fatalf("parseProposal: %v", err)
			}
			if !strings.HasPrefix(p.Code, "package capability\n") {
				t.Errorf("package clause not added: %q", p.Code)
			}
			if p.Parameters == nil {
				t.Errorf("parameters should default to empty schema")
			}
		})
	}
}
