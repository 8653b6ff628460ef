// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads forge settings from defaults, an optional YAML file,
// FORGE_* environment variables and --set overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is stripped from environment variables before mapping them to keys.
const EnvPrefix = "FORGE_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	LLM       LLMConfig       `koanf:"llm"`
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Session   SessionConfig   `koanf:"session"`
	World     WorldConfig     `koanf:"world"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Policy    PolicyConfig    `koanf:"policy"`
	Generator GeneratorConfig `koanf:"generator"`
	MCP       MCPConfig       `koanf:"mcp"`
	Gateway   GatewayConfig   `koanf:"gateway"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter       string        `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint   string        `koanf:"otlp_endpoint"`
	OTLPInsecure   bool          `koanf:"otlp_insecure"`
	MetricInterval time.Duration `koanf:"metric_interval"`
}

type LLMConfig struct {
	Provider      string        `koanf:"provider"` // ollama, mock
	Model         string        `koanf:"model"`
	BaseURL       string        `koanf:"base_url"`
	Timeout       time.Duration `koanf:"timeout"`
	Temperature   float64       `koanf:"temperature"`
	RetryAttempts int           `koanf:"retry_attempts"`

	// BreakerThreshold consecutive failed model calls open the circuit for BreakerCooldown.
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// WatchInterval polls the config and policy files for changes. Zero disables reloads.
	WatchInterval time.Duration `koanf:"watch_interval"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite
	DSN    string `koanf:"dsn"`
}

type SessionConfig struct {
	MaxSteps      int           `koanf:"max_steps"`
	ToolTimeout   time.Duration `koanf:"tool_timeout"`
	RetryCap      int           `koanf:"retry_cap"`
	MaxConcurrent int           `koanf:"max_concurrent"`
	Retention     time.Duration `koanf:"retention"`
	SystemPrompt  string        `koanf:"system_prompt"`
}

// WorldConfig sizes the world used by deployments that name none.
type WorldConfig struct {
	Width  int `koanf:"width"`
	Height int `koanf:"height"`
}

type SandboxConfig struct {
	Backend         string   `koanf:"backend"` // interpreter
	AllowedPackages []string `koanf:"allowed_packages"`
}

type PolicyConfig struct {
	// File is a YAML denylist policy. Empty uses the built-in policy.
	File string `koanf:"file"`
}

type GeneratorConfig struct {
	Model          string  `koanf:"model"`
	Temperature    float64 `koanf:"temperature"`
	RepairAttempts int     `koanf:"repair_attempts"`
}

type MCPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
	Name    string `koanf:"name"`
}

type GatewayConfig struct {
	Buffer    int           `koanf:"buffer"`
	Heartbeat time.Duration `koanf:"heartbeat"`
}

// listKeys are split on commas when they arrive as a single env string.
var listKeys = map[string]bool{
	"sandbox.allowed_packages": true,
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.metric_interval", 30*time.Second)

	k.Set("llm.provider", "ollama")
	k.Set("llm.model", "qwen2.5-coder:7b-instruct-q5_K_M")
	k.Set("llm.base_url", "http://localhost:11434")
	k.Set("llm.timeout", 120*time.Second)
	k.Set("llm.temperature", 0.2)
	k.Set("llm.retry_attempts", 3)
	k.Set("llm.breaker_threshold", 5)
	k.Set("llm.breaker_cooldown", 30*time.Second)

	k.Set("server.addr", ":8080")
	k.Set("server.shutdown_timeout", 10*time.Second)
	k.Set("server.watch_interval", time.Duration(0))

	k.Set("store.driver", "sqlite")
	k.Set("store.dsn", "forge.db")

	k.Set("session.max_steps", 20)
	k.Set("session.tool_timeout", 5*time.Second)
	k.Set("session.retry_cap", 3)
	k.Set("session.max_concurrent", 16)
	k.Set("session.retention", 10*time.Minute)

	k.Set("world.width", 10)
	k.Set("world.height", 10)

	k.Set("sandbox.backend", "interpreter")

	k.Set("generator.temperature", 0.1)
	k.Set("generator.repair_attempts", 2)

	k.Set("mcp.enabled", true)
	k.Set("mcp.path", "/mcp")
	k.Set("mcp.name", "forge")

	k.Set("gateway.buffer", 64)
	k.Set("gateway.heartbeat", 15*time.Second)
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load followed by key=value overrides, as given to --set.
// Values are parsed as YAML scalars or flow sequences.
func LoadWithOverrides(path string, sets []string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// FORGE_SESSION_MAX_STEPS -> session.max_steps. Only the first underscore
	// separates the section so multi-word fields keep theirs.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		name = strings.Replace(name, "_", ".", 1)
		if listKeys[name] {
			return name, splitList(value)
		}
		return name, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	overrides, err := ParseOverrides(sets)
	if err != nil {
		return nil, err
	}
	for key, val := range overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseOverrides turns key=value pairs into typed values.
func ParseOverrides(sets []string) (map[string]any, error) {
	out := make(map[string]any, len(sets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: want key=value", s)
		}
		var val any
		if err := yamlv3.Unmarshal([]byte(raw), &val); err != nil {
			return nil, fmt.Errorf("invalid override %q: %w", s, err)
		}
		if val == nil {
			val = raw
		}
		out[key] = val
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver %q: want memory or sqlite", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for sqlite")
	}
	switch c.LLM.Provider {
	case "ollama", "mock":
	default:
		return fmt.Errorf("llm.provider %q: want ollama or mock", c.LLM.Provider)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter %q: want none, stdout or otlp", c.Telemetry.Exporter)
	}
	if c.Sandbox.Backend != "interpreter" {
		return fmt.Errorf("sandbox.backend %q: only interpreter is supported", c.Sandbox.Backend)
	}
	if c.Session.MaxSteps < 1 {
		return fmt.Errorf("session.max_steps must be at least 1")
	}
	if c.Session.RetryCap < 1 {
		return fmt.Errorf("session.retry_cap must be at least 1")
	}
	if c.Session.ToolTimeout <= 0 {
		return fmt.Errorf("session.tool_timeout must be positive")
	}
	if c.Gateway.Buffer < 1 {
		return fmt.Errorf("gateway.buffer must be at least 1")
	}
	return nil
}
