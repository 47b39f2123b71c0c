package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Engine.LoopWindow != 3 {
		t.Errorf("expected loop window 3, got %d", cfg.Engine.LoopWindow)
	}
	if cfg.Engine.RetryBaseBackoff != time.Second {
		t.Errorf("expected 1s base backoff, got %v", cfg.Engine.RetryBaseBackoff)
	}
	if cfg.Collab.SimilarityThreshold != 0.85 {
		t.Errorf("expected similarity threshold 0.85, got %v", cfg.Collab.SimilarityThreshold)
	}
	if cfg.Collab.ThreadWindow != 10 {
		t.Errorf("expected thread window 10, got %d", cfg.Collab.ThreadWindow)
	}
	if cfg.Engine.StateMaxIdle != 24*time.Hour {
		t.Errorf("expected 24h state GC horizon, got %v", cfg.Engine.StateMaxIdle)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
engine:
  loop_window: 5
  confidence_interval: 3
collab:
  similarity_threshold: 0.9
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Engine.LoopWindow != 5 {
		t.Errorf("expected loop window 5, got %d", cfg.Engine.LoopWindow)
	}
	if cfg.Engine.ConfidenceInterval != 3 {
		t.Errorf("expected confidence interval 3, got %d", cfg.Engine.ConfidenceInterval)
	}
	if cfg.Collab.SimilarityThreshold != 0.9 {
		t.Errorf("expected similarity threshold 0.9, got %v", cfg.Collab.SimilarityThreshold)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("TASKPILOT_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("TASKPILOT_ENGINE_LOOP_WINDOW", "4")
	t.Setenv("TASKPILOT_ENGINE_RETRY_BACKOFF", "2s")
	t.Setenv("TASKPILOT_COLLAB_SIMILARITY_THRESHOLD", "0.75")
	t.Setenv("TASKPILOT_LOG_LEVEL", "warn")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Engine.LoopWindow != 4 {
		t.Errorf("expected loop window 4, got %d", cfg.Engine.LoopWindow)
	}
	if cfg.Engine.RetryBaseBackoff != 2*time.Second {
		t.Errorf("expected 2s backoff, got %v", cfg.Engine.RetryBaseBackoff)
	}
	if cfg.Collab.SimilarityThreshold != 0.75 {
		t.Errorf("expected similarity threshold 0.75, got %v", cfg.Collab.SimilarityThreshold)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
}

func TestValidateRequired(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing port", func(c *Config) { c.Server.Port = "" }},
		{"missing dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"missing nats", func(c *Config) { c.NATS.URL = "" }},
		{"loop window too small", func(c *Config) { c.Engine.LoopWindow = 1 }},
		{"zero retries", func(c *Config) { c.Engine.MaxRetries = 0 }},
		{"similarity out of range", func(c *Config) { c.Collab.SimilarityThreshold = 1.5 }},
		{"zero thread window", func(c *Config) { c.Collab.ThreadWindow = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFromPrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "taskpilot.yaml")
	content := `
server:
  port: "9090"
engine:
  loop_window: 5
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKPILOT_PORT", "7070")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatal(err)
	}
	// ENV beats YAML beats defaults.
	if cfg.Server.Port != "7070" {
		t.Errorf("expected env port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Engine.LoopWindow != 5 {
		t.Errorf("expected yaml loop window 5, got %d", cfg.Engine.LoopWindow)
	}
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Engine.MaxRetries)
	}
}
