// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.LLM.Provider)
	}
	if cfg.Session.MaxSteps != 20 || cfg.Session.RetryCap != 3 {
		t.Errorf("session defaults: %+v", cfg.Session)
	}
	if cfg.Session.ToolTimeout != 5*time.Second {
		t.Errorf("tool timeout default %v", cfg.Session.ToolTimeout)
	}
	if cfg.Gateway.Buffer != 64 || cfg.Gateway.Heartbeat != 15*time.Second {
		t.Errorf("gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.World.Width != 10 || cfg.World.Height != 10 {
		t.Errorf("world defaults: %+v", cfg.World)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Telemetry.Exporter != "none" {
		t.Errorf("store/telemetry defaults: %+v %+v", cfg.Store, cfg.Telemetry)
	}
	if !cfg.MCP.Enabled || cfg.MCP.Path != "/mcp" {
		t.Errorf("mcp defaults: %+v", cfg.MCP)
	}
	if cfg.LLM.BreakerThreshold != 5 || cfg.LLM.BreakerCooldown != 30*time.Second {
		t.Errorf("breaker defaults: %+v", cfg.LLM)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
session:
  max_steps: 8
  tool_timeout: 750ms
store:
  driver: memory
sandbox:
  allowed_packages: [strings, math]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log not loaded: %+v", cfg.Log)
	}
	if cfg.Session.MaxSteps != 8 || cfg.Session.ToolTimeout != 750*time.Millisecond {
		t.Errorf("session not loaded: %+v", cfg.Session)
	}
	if cfg.Session.RetryCap != 3 {
		t.Errorf("unset keys keep defaults, got retry_cap %d", cfg.Session.RetryCap)
	}
	if !reflect.DeepEqual(cfg.Sandbox.AllowedPackages, []string{"strings", "math"}) {
		t.Errorf("allowed packages %v", cfg.Sandbox.AllowedPackages)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("FORGE_SESSION_MAX_STEPS", "7")
	t.Setenv("FORGE_LLM_BASE_URL", "http://ollama:11434")
	t.Setenv("FORGE_SANDBOX_ALLOWED_PACKAGES", "strings, strconv")
	t.Setenv("FORGE_STORE_DRIVER", "memory")

	path := writeConfig(t, "session:\n  max_steps: 3\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.MaxSteps != 7 {
		t.Errorf("env should override file, got %d", cfg.Session.MaxSteps)
	}
	if cfg.LLM.BaseURL != "http://ollama:11434" {
		t.Errorf("multi-word key not mapped: %q", cfg.LLM.BaseURL)
	}
	if !reflect.DeepEqual(cfg.Sandbox.AllowedPackages, []string{"strings", "strconv"}) {
		t.Errorf("list env not split: %v", cfg.Sandbox.AllowedPackages)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	t.Setenv("FORGE_SESSION_MAX_STEPS", "7")

	cfg, err := LoadWithOverrides("", []string{
		"session.max_steps=4",
		"session.retention=1m",
		"mcp.enabled=false",
		"generator.temperature=0.5",
		"llm.model=llama3.1:8b",
	})
	if err != nil {
		t.Fatalf("LoadWithOverrides failed: %v", err)
	}
	if cfg.Session.MaxSteps != 4 {
		t.Errorf("override should win over env, got %d", cfg.Session.MaxSteps)
	}
	if cfg.Session.Retention != time.Minute {
		t.Errorf("duration override %v", cfg.Session.Retention)
	}
	if cfg.MCP.Enabled {
		t.Errorf("bool override not applied")
	}
	if cfg.Generator.Temperature != 0.5 {
		t.Errorf("float override %v", cfg.Generator.Temperature)
	}
	if cfg.LLM.Model != "llama3.1:8b" {
		t.Errorf("string override %q", cfg.LLM.Model)
	}
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides([]string{"a.b=3", "c=[x, y]", "d=", "e=hello"})
	if err != nil {
		t.Fatalf("ParseOverrides: %v", err)
	}
	if got["a.b"] != 3 {
		t.Errorf("int: %#v", got["a.b"])
	}
	if !reflect.DeepEqual(got["c"], []any{"x", "y"}) {
		t.Errorf("list: %#v", got["c"])
	}
	if got["d"] != "" || got["e"] != "hello" {
		t.Errorf("strings: %#v %#v", got["d"], got["e"])
	}

	for _, bad := range []string{"novalue", "=3", "k=[unclosed"} {
		if _, err := ParseOverrides([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		set  string
		want string
	}{
		{"store driver", "store.driver=postgres", "store.driver"},
		{"llm provider", "llm.provider=openai", "llm.provider"},
		{"exporter", "telemetry.exporter=zipkin", "telemetry.exporter"},
		{"sandbox", "sandbox.backend=wasm", "sandbox.backend"},
		{"max steps", "session.max_steps=0", "max_steps"},
		{"retry cap", "session.retry_cap=0", "retry_cap"},
		{"tool timeout", "session.tool_timeout=0s", "tool_timeout"},
		{"buffer", "gateway.buffer=0", "gateway.buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithOverrides("", []string{tt.set})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
