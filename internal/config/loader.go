package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "taskpilot.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TASKPILOT_PORT")
	setString(&cfg.Server.CORSOrigin, "TASKPILOT_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TASKPILOT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TASKPILOT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TASKPILOT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TASKPILOT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TASKPILOT_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LLM.URL, "TASKPILOT_LLM_URL")
	setString(&cfg.LLM.APIKey, "TASKPILOT_LLM_API_KEY")
	setString(&cfg.LLM.Model, "TASKPILOT_LLM_MODEL")
	setInt(&cfg.LLM.MaxTokens, "TASKPILOT_LLM_MAX_TOKENS")
	setString(&cfg.Logging.Level, "TASKPILOT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TASKPILOT_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TASKPILOT_LOG_ASYNC")
	setInt(&cfg.Logging.BufferSize, "TASKPILOT_LOG_BUFFER")
	setInt(&cfg.Logging.Workers, "TASKPILOT_LOG_WORKERS")
	setInt(&cfg.Breaker.MaxFailures, "TASKPILOT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TASKPILOT_BREAKER_TIMEOUT")

	// Engine
	setInt(&cfg.Engine.MaxWorkers, "TASKPILOT_ENGINE_MAX_WORKERS")
	setInt(&cfg.Engine.LoopWindow, "TASKPILOT_ENGINE_LOOP_WINDOW")
	setInt(&cfg.Engine.MaxRetries, "TASKPILOT_ENGINE_MAX_RETRIES")
	setDuration(&cfg.Engine.RetryBaseBackoff, "TASKPILOT_ENGINE_RETRY_BACKOFF")
	setInt(&cfg.Engine.MaxExternalRetries, "TASKPILOT_ENGINE_MAX_EXTERNAL_RETRIES")
	setInt(&cfg.Engine.ConfidenceInterval, "TASKPILOT_ENGINE_CONFIDENCE_INTERVAL")
	setFloat64(&cfg.Engine.MediumThreshold, "TASKPILOT_ENGINE_MEDIUM_THRESHOLD")
	setFloat64(&cfg.Engine.HighThreshold, "TASKPILOT_ENGINE_HIGH_THRESHOLD")
	setInt(&cfg.Engine.DefaultMaxSteps, "TASKPILOT_ENGINE_DEFAULT_MAX_STEPS")
	setFloat64(&cfg.Engine.DefaultMaxCostUSD, "TASKPILOT_ENGINE_DEFAULT_MAX_COST")
	setDuration(&cfg.Engine.DefaultMaxElapsed, "TASKPILOT_ENGINE_DEFAULT_MAX_ELAPSED")
	setDuration(&cfg.Engine.StateMaxIdle, "TASKPILOT_ENGINE_STATE_MAX_IDLE")
	setDuration(&cfg.Engine.JanitorInterval, "TASKPILOT_ENGINE_JANITOR_INTERVAL")
	setDuration(&cfg.Engine.PlannerModelTimeout, "TASKPILOT_ENGINE_PLANNER_TIMEOUT")
	setDuration(&cfg.Engine.ToolExecTimeout, "TASKPILOT_ENGINE_TOOL_EXEC_TIMEOUT")

	// Collaboration
	setFloat64(&cfg.Collab.SimilarityThreshold, "TASKPILOT_COLLAB_SIMILARITY_THRESHOLD")
	setInt(&cfg.Collab.ThreadWindow, "TASKPILOT_COLLAB_THREAD_WINDOW")
	setInt(&cfg.Collab.RepeatLimit, "TASKPILOT_COLLAB_REPEAT_LIMIT")
	setInt(&cfg.Collab.MaxContextChars, "TASKPILOT_COLLAB_MAX_CONTEXT_CHARS")
	setString(&cfg.Collab.FallbackAgent, "TASKPILOT_COLLAB_FALLBACK_AGENT")

	// Cache
	setInt64(&cfg.Cache.MaxBytes, "TASKPILOT_CACHE_MAX_BYTES")
	setDuration(&cfg.Cache.TTL, "TASKPILOT_CACHE_TTL")

	// Otel
	setBool(&cfg.Otel.Enabled, "TASKPILOT_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "TASKPILOT_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Engine.LoopWindow < 2 {
		return errors.New("engine.loop_window must be >= 2")
	}
	if cfg.Engine.MaxRetries < 1 {
		return errors.New("engine.max_retries must be >= 1")
	}
	if cfg.Collab.SimilarityThreshold <= 0 || cfg.Collab.SimilarityThreshold > 1 {
		return errors.New("collab.similarity_threshold must be in (0, 1]")
	}
	if cfg.Collab.ThreadWindow < 1 {
		return errors.New("collab.thread_window must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
