// Package config handles scriptorium configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit path
// (from the -config flag) is checked first, then ./config.yaml,
// ~/.config/scriptorium/config.yaml, /etc/scriptorium/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scriptorium", "config.yaml"))
	}
	paths = append(paths, "/etc/scriptorium/config.yaml")
	return paths
}

// Config holds all scriptorium configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Model    ModelConfig    `yaml:"model"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Window   WindowConfig   `yaml:"window"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Tools    ToolsConfig    `yaml:"tools"`
	Engine   EngineConfig   `yaml:"engine"`
	Auth     AuthConfig     `yaml:"auth"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the HTTP/WebSocket listener.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// ModelConfig selects the upstream model provider.
type ModelConfig struct {
	// Provider is "anthropic", "openai" or "mock".
	Provider string `yaml:"provider"`
	// Name overrides the provider's default model.
	Name string `yaml:"name"`
	// APIKey overrides the provider's environment credential.
	APIKey string `yaml:"api_key"`
}

// GatewayConfig tunes retry behavior of the model gateway.
type GatewayConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelaySec int `yaml:"max_delay_sec"`
}

// BaseDelay returns the initial backoff delay.
func (c GatewayConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMs) * time.Millisecond }

// MaxDelay returns the backoff cap.
func (c GatewayConfig) MaxDelay() time.Duration { return time.Duration(c.MaxDelaySec) * time.Second }

// WindowConfig bounds the assembled model context.
type WindowConfig struct {
	Budget     int `yaml:"budget"`
	KeepRecent int `yaml:"keep_recent"`
}

// SandboxConfig tunes code execution.
type SandboxConfig struct {
	Interpreter    string `yaml:"interpreter"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
}

// Timeout returns the per-run wall clock budget.
func (c SandboxConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// ToolsConfig tunes tool invocation.
type ToolsConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
	// DelegateTimeoutSec bounds the specialist's whole write-run-fix loop.
	DelegateTimeoutSec int `yaml:"delegate_timeout_sec"`
}

// Timeout returns the default per-invocation budget.
func (c ToolsConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// DelegateTimeout returns the delegate_coding_task budget.
func (c ToolsConfig) DelegateTimeout() time.Duration {
	return time.Duration(c.DelegateTimeoutSec) * time.Second
}

// EngineConfig tunes the session engine.
type EngineConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

// AuthConfig selects the token resolver. Mode "static" uses Tokens; mode
// "allow_all" accepts any non-empty token (development only).
type AuthConfig struct {
	Mode   string            `yaml:"mode"`
	Tokens map[string]string `yaml:"tokens"` // token -> subject
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Addr: ":8787"},
		Model:   ModelConfig{Provider: "anthropic"},
		Gateway: GatewayConfig{MaxAttempts: 3, BaseDelayMs: 500, MaxDelaySec: 8},
		Window:  WindowConfig{Budget: 8000, KeepRecent: 8},
		Sandbox: SandboxConfig{
			Interpreter:    "python3",
			TimeoutSec:     60,
			MaxOutputBytes: 256 << 10,
		},
		Tools:    ToolsConfig{TimeoutSec: 30, DelegateTimeoutSec: 600},
		Engine:   EngineConfig{MaxTurns: 12},
		Auth:     AuthConfig{Mode: "allow_all"},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Load reads the config at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// FindConfig locates a config file. If explicit is non-empty it must exist;
// otherwise the first existing search path wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai", "mock":
	default:
		return fmt.Errorf("model.provider must be anthropic, openai or mock, got %q", c.Model.Provider)
	}
	switch c.Auth.Mode {
	case "static":
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("auth.mode static requires at least one token")
		}
	case "allow_all":
	default:
		return fmt.Errorf("auth.mode must be static or allow_all, got %q", c.Auth.Mode)
	}
	if c.Window.Budget <= 0 {
		return fmt.Errorf("window.budget must be positive")
	}
	if c.Window.KeepRecent <= 0 {
		return fmt.Errorf("window.keep_recent must be positive")
	}
	if c.Engine.MaxTurns <= 0 {
		return fmt.Errorf("engine.max_turns must be positive")
	}
	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	return nil
}

// WorksDir returns the directory holding per-work directories.
func (c *Config) WorksDir() string { return filepath.Join(c.DataDir, "works") }

// TranscriptPath returns the SQLite transcript database path.
func (c *Config) TranscriptPath() string { return filepath.Join(c.DataDir, "transcript.db") }
