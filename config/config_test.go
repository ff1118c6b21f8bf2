package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
model:
  provider: openai
  name: gpt-4.1
gateway:
  max_attempts: 5
  base_delay_ms: 100
sandbox:
  timeout_sec: 120
auth:
  mode: static
  tokens:
    tok-alice: alice
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Model.Provider != "openai" || cfg.Model.Name != "gpt-4.1" {
		t.Fatalf("model not overridden: %+v", cfg.Model)
	}
	if cfg.Gateway.MaxAttempts != 5 || cfg.Gateway.BaseDelay() != 100*time.Millisecond {
		t.Fatalf("gateway not overridden: %+v", cfg.Gateway)
	}
	// untouched sections keep their defaults
	if cfg.Gateway.MaxDelay() != 8*time.Second {
		t.Fatalf("default max delay lost: %v", cfg.Gateway.MaxDelay())
	}
	if cfg.Sandbox.Timeout() != 2*time.Minute {
		t.Fatalf("sandbox timeout: %v", cfg.Sandbox.Timeout())
	}
	if cfg.Sandbox.Interpreter != "python3" {
		t.Fatalf("default interpreter lost: %q", cfg.Sandbox.Interpreter)
	}
	if cfg.Auth.Tokens["tok-alice"] != "alice" {
		t.Fatalf("auth tokens not loaded: %+v", cfg.Auth)
	}
	if cfg.Listen.Addr != ":8787" {
		t.Fatalf("default listen addr lost: %q", cfg.Listen.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad provider", "model:\n  provider: grok\n", "model.provider"},
		{"static without tokens", "auth:\n  mode: static\n", "at least one token"},
		{"bad auth mode", "auth:\n  mode: open\n", "auth.mode"},
		{"zero budget", "window:\n  budget: 0\n", "window.budget"},
		{"zero max turns", "engine:\n  max_turns: 0\n", "engine.max_turns"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFindConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "explicit.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	found, err := FindConfig(path)
	if err != nil || found != path {
		t.Fatalf("explicit path: %q, %v", found, err)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing explicit path must error")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/scriptorium"
	if cfg.WorksDir() != "/var/lib/scriptorium/works" {
		t.Fatalf("works dir: %q", cfg.WorksDir())
	}
	if cfg.TranscriptPath() != "/var/lib/scriptorium/transcript.db" {
		t.Fatalf("transcript path: %q", cfg.TranscriptPath())
	}
}
