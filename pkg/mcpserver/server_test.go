// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/generator"
	"github.com/jllopis/forge/pkg/llm/llmtest"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/validator"
)

const moveForwardCode = `package capability

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	steps := args["steps"].(int)
	return map[string]any{"success": true, "x": world["x"].(int) + steps, "y": world["y"].(int)}, nil
}
`

const forbiddenCode = "package capability\n\nimport \"net/http\"\n\nfunc Run(args map[string]any, world map[string]any) (map[string]any, error) {\n\t_, err := http.Get(\"http://example.com\")\n\treturn nil, err\n}\n"

func newServer(t *testing.T, p *llmtest.ScenarioProvider) (*Server, *capability.Catalog) {
	t.Helper()
	log := telemetry.Discard()
	catalog := capability.NewCatalog(nil, nil, capability.WithLogger(log))
	cfg := generator.DefaultConfig()
	cfg.RepairAttempts = 0
	cfg.Retry = resilience.DefaultRetryConfig().WithMaxAttempts(1)
	gen := generator.New(p, validator.New(validator.DefaultPolicy()), sandbox.NewInterpreter(), catalog,
		generator.WithConfig(cfg), generator.WithLogger(log))
	return New("forge-test", "0.0.1", gen, catalog, WithLogger(log)), catalog
}

func connect(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "forge-test-client", Version: "0.0.1"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func inProcess(t *testing.T, s *Server) *client.Client {
	t.Helper()
	c, err := client.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	connect(t, c)
	return c
}

func call(t *testing.T, c *client.Client, name string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool %s: %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("%s returned no content", name)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("%s content %T", name, res.Content[0])
	}
	return res, text.Text
}

func answer(t *testing.T, name, code string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"name":             name,
		"code":             code,
		"parameter_schema": map[string]string{"steps": "int"},
		"explanation":      "moves forward",
		"category":         "movement",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestListTools(t *testing.T) {
	s, _ := newServer(t, llmtest.NewScenarioProvider())
	c := inProcess(t, s)

	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, want := range []string{ToolCreate, ToolList, ToolDelete, ToolValidate} {
		if !got[want] {
			t.Errorf("tool %s not listed", want)
		}
	}
}

func TestCreateListDelete(t *testing.T) {
	p := llmtest.NewScenarioProvider().AddResponse(answer(t, "move_forward", moveForwardCode))
	s, catalog := newServer(t, p)
	c := inProcess(t, s)

	res, text := call(t, c, ToolCreate, map[string]any{"agent_id": "A1", "description": "move forward"})
	if res.IsError {
		t.Fatalf("create failed: %s", text)
	}
	var def capability.Definition
	if err := json.Unmarshal([]byte(text), &def); err != nil || def.Name != "move_forward" {
		t.Fatalf("create result %s (%v)", text, err)
	}

	_, text = call(t, c, ToolList, map[string]any{"agent_id": "A1"})
	var defs []capability.Definition
	if err := json.Unmarshal([]byte(text), &defs); err != nil || len(defs) != 1 {
		t.Fatalf("list result %s (%v)", text, err)
	}

	if res, text := call(t, c, ToolDelete, map[string]any{"name": "move_forward"}); res.IsError {
		t.Fatalf("delete failed: %s", text)
	}
	if len(catalog.List("A1")) != 0 {
		t.Errorf("capability still listed after delete")
	}
	res, text = call(t, c, ToolDelete, map[string]any{"name": "move_forward"})
	if !res.IsError || !strings.Contains(text, "not_found") {
		t.Errorf("second delete = %v %s", res.IsError, text)
	}
}

func TestCreateRejectedAndErrors(t *testing.T) {
	p := llmtest.NewScenarioProvider().AddResponse(answer(t, "fetch", forbiddenCode))
	s, catalog := newServer(t, p)
	c := inProcess(t, s)

	res, text := call(t, c, ToolCreate, map[string]any{"agent_id": "A1", "description": "fetch a page"})
	if !res.IsError || !strings.HasPrefix(text, "forbidden_capability") {
		t.Errorf("rejection = %v %s", res.IsError, text)
	}
	if len(catalog.List("A1")) != 0 {
		t.Errorf("rejected capability registered")
	}

	res, text = call(t, c, ToolCreate, map[string]any{"agent_id": "A1"})
	if !res.IsError || !strings.HasPrefix(text, "invalid_input") {
		t.Errorf("missing description = %v %s", res.IsError, text)
	}
}

func TestValidateTool(t *testing.T) {
	p := llmtest.NewScenarioProvider()
	s, _ := newServer(t, p)
	c := inProcess(t, s)

	_, text := call(t, c, ToolValidate, map[string]any{"code": forbiddenCode})
	var res validator.Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("decode %s: %v", text, err)
	}
	if res.Accepted || len(res.Reasons) == 0 {
		t.Errorf("validate = %+v", res)
	}
	if p.CallCount() != 0 {
		t.Errorf("validate must not call the model")
	}

	if res, _ := call(t, c, ToolValidate, map[string]any{}); !res.IsError {
		t.Errorf("missing code should be a tool error")
	}
}

func TestStreamableHTTP(t *testing.T) {
	s, _ := newServer(t, llmtest.NewScenarioProvider())
	ts := httptest.NewServer(s.HTTPHandler())
	defer ts.Close()

	c, err := client.NewStreamableHttpClient(ts.URL)
	if err != nil {
		t.Fatalf("NewStreamableHttpClient: %v", err)
	}
	defer c.Close()
	connect(t, c)

	_, text := call(t, c, ToolList, nil)
	if strings.TrimSpace(text) != "[]" {
		t.Errorf("list over HTTP = %s", text)
	}
}
