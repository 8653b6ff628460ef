// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/health"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/telemetry"
)

const acceptedCode = `package capability

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	return map[string]any{"success": true}, nil
}
`

const randomCode = `package capability

import "math/rand"

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	return map[string]any{"success": true, "roll": rand.Intn(6)}, nil
}
`

const forbiddenCode = `package capability

import "os/exec"

func Run(args map[string]any, world map[string]any) (map[string]any, error) {
	return nil, exec.Command("ls").Run()
}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FORGE_CONFIG", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "forge dev\n" {
		t.Errorf("version output = %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		args    []string
		wantErr bool
		want    string
	}{
		{name: "accepted", code: acceptedCode, want: "accepted"},
		{name: "forbidden", code: forbiddenCode, wantErr: true, want: "forbidden_capability"},
		{name: "json", code: forbiddenCode, args: []string{"--json"}, wantErr: true, want: `"accepted": false`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "cap.go", tt.code)
			out, err := execute(t, append([]string{"validate", path}, tt.args...)...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output %q does not contain %q", out, tt.want)
			}
		})
	}
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "missing.go"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	var buf bytes.Buffer
	printError(&buf, err)
	if !strings.HasPrefix(buf.String(), "Error [invalid_input]") {
		t.Errorf("printError = %q", buf.String())
	}
}

func TestInvalidOverride(t *testing.T) {
	if _, err := execute(t, "--set", "noequals", "validate", "-"); err == nil {
		t.Error("expected an error for a malformed --set")
	}
	if _, err := execute(t, "--set", "store.driver=redis", "validate", "-"); err == nil {
		t.Error("expected an error for an unknown store driver")
	}
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithOverrides("", []string{"store.driver=memory", "llm.provider=mock"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestAppServesAPI(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(t), telemetry.Discard(), nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	t.Cleanup(func() { _ = a.sessions.Shutdown(context.Background()) })

	for _, path := range []string{"/healthz", "/capabilities", "/worlds"} {
		rec := httptest.NewRecorder()
		a.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestAppReloadsStoredCapabilities(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "forge.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store, err := capability.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	for _, def := range []capability.Definition{
		{Name: "wave", Description: "wave", Code: acceptedCode, AgentID: "A1", Category: capability.CategoryInteraction},
		{Name: "shell", Description: "shell", Code: forbiddenCode, AgentID: "A1", Category: capability.CategoryOther},
	} {
		if err := store.Create(ctx, def); err != nil {
			t.Fatalf("create %s: %v", def.Name, err)
		}
	}
	_ = db.Close()

	cfg, err := config.LoadWithOverrides("", []string{"store.driver=sqlite", "store.dsn=" + dsn, "llm.provider=mock"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a, err := newApp(ctx, cfg, telemetry.Discard(), nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	t.Cleanup(func() { _ = a.sessions.Shutdown(context.Background()) })

	defs := a.catalog.List("A1")
	if len(defs) != 1 || defs[0].Name != "wave" {
		t.Fatalf("loaded %+v, want only wave", defs)
	}

	rec := httptest.NewRecorder()
	a.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capabilities?agent_id=A1", nil))
	var listed []capability.Definition
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil || len(listed) != 1 {
		t.Errorf("GET /capabilities = %d %v", len(listed), err)
	}
}

func TestApplyReloadSwapsPolicy(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(t), telemetry.Discard(), nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	t.Cleanup(func() { _ = a.sessions.Shutdown(context.Background()) })

	if res := a.validator.Validate(randomCode); !res.Accepted {
		t.Fatalf("math/rand rejected by default policy: %+v", res)
	}

	cfg := memoryConfig(t)
	cfg.Policy.File = writeFile(t, "policy.yaml", "denied:\n  - group: randomness\n    packages: [math/rand]\n")
	a.applyReload(cfg)
	if res := a.validator.Validate(randomCode); res.Accepted {
		t.Error("math/rand accepted after policy reload")
	}

	cfg.Policy.File = filepath.Join(t.TempDir(), "missing.yaml")
	a.applyReload(cfg)
	if res := a.validator.Validate(randomCode); res.Accepted {
		t.Error("a failed policy reload must keep the previous policy")
	}
}

func TestNewBreakerFromConfig(t *testing.T) {
	cfg, err := config.LoadWithOverrides("", []string{"llm.breaker_threshold=1", "llm.breaker_cooldown=1h"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cb := newBreaker(cfg.LLM, telemetry.Discard())
	_ = cb.Call(context.Background(), func() error { return context.DeadlineExceeded })
	if cb.State() != resilience.StateOpen {
		t.Errorf("state after one failure = %s, want open", cb.State())
	}
}

func TestSandboxHealth(t *testing.T) {
	res := sandboxHealth(sandbox.NewInterpreter()).Check(context.Background())
	if res.Status != health.Healthy {
		t.Errorf("fresh interpreter = %+v", res)
	}
}
