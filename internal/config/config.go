// Package config provides configuration for runstream.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// Config holds the runstream configuration.
type Config struct {
	// Server settings
	HTTPPort       int      `toml:"http_port"`
	InternalPort   int      `toml:"internal_port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	// PolicyFile is a Rego module admitting internal API requests.
	PolicyFile string `toml:"policy_file"`

	// Event store
	StoreDriver    string `toml:"store_driver"`
	DatabaseURL    string `toml:"database_url"`
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	RedisKeyPrefix string `toml:"redis_key_prefix"`

	// Streaming
	HeartbeatInterval time.Duration `toml:"-"`
	ChunkThreshold    int           `toml:"chunk_threshold_bytes"`
	ChunkSize         int           `toml:"chunk_size_bytes"`
	SubscriberBuffer  int           `toml:"subscriber_buffer"`

	// Run lifecycle
	RunRetention time.Duration `toml:"-"`
	TombstoneTTL time.Duration `toml:"-"`

	// Pipeline
	LiteLLMURL     string        `toml:"litellm_url"`
	LiteLLMAPIKey  string        `toml:"litellm_api_key"`
	LLMModel       string        `toml:"llm_model"`
	LLMMode        string        `toml:"llm_mode"`
	LLMTimeout     time.Duration `toml:"-"`
	PipelineStages []string      `toml:"pipeline_stages"`

	// Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	// Per-run log lines served by GET /logs/:run_id
	RunLogLines int `toml:"run_log_lines"`
	RunLogRuns  int `toml:"run_log_runs"`

	// Durations in the file are expressed in milliseconds.
	HeartbeatIntervalMs int `toml:"heartbeat_interval_ms"`
	RunRetentionMs      int `toml:"run_retention_ms"`
	TombstoneTTLMs      int `toml:"tombstone_ttl_ms"`
	LLMTimeoutMs        int `toml:"llm_timeout_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:            8000,
		InternalPort:        8001,
		AllowedOrigins:      []string{"*"},
		StoreDriver:         "sqlite",
		DatabaseURL:         "file:runstream.db?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000",
		RedisAddr:           "localhost:6379",
		RedisKeyPrefix:      "runstream:events",
		HeartbeatIntervalMs: 15000,
		ChunkThreshold:      64 * 1024,
		ChunkSize:           32 * 1024,
		SubscriberBuffer:    256,
		RunRetentionMs:      30000,
		TombstoneTTLMs:      3600000,
		LiteLLMURL:          "http://localhost:4000",
		LLMModel:            "gpt-4o-mini",
		LLMTimeoutMs:        120000,
		PipelineStages:      []string{"EHRAgent", "ImagingAgent", "PathologyAgent", "GuidelineAgent", "SpecialistAgent", "EvaluationAgent"},
		LogLevel:            "info",
		LogFormat:           "json",
		RunLogLines:         1000,
		RunLogRuns:          256,
	}
}

// Load loads configuration from an optional TOML file named by CONFIG_FILE
// and then from environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.InternalPort = getEnvInt("INTERNAL_PORT", cfg.InternalPort)
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.PolicyFile = getEnv("POLICY_FILE", cfg.PolicyFile)
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisKeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.RedisKeyPrefix)
	cfg.HeartbeatIntervalMs = getEnvInt("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMs)
	cfg.ChunkThreshold = getEnvInt("CHUNK_THRESHOLD_BYTES", cfg.ChunkThreshold)
	cfg.ChunkSize = getEnvInt("CHUNK_SIZE_BYTES", cfg.ChunkSize)
	cfg.SubscriberBuffer = getEnvInt("SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	cfg.RunRetentionMs = getEnvInt("RUN_RETENTION_MS", cfg.RunRetentionMs)
	cfg.TombstoneTTLMs = getEnvInt("TOMBSTONE_TTL_MS", cfg.TombstoneTTLMs)
	cfg.LiteLLMURL = getEnv("LITELLM_URL", cfg.LiteLLMURL)
	cfg.LiteLLMAPIKey = getEnv("LITELLM_API_KEY", cfg.LiteLLMAPIKey)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.LLMMode = getEnv("LLM_MODE", cfg.LLMMode)
	cfg.LLMTimeoutMs = getEnvInt("LLM_TIMEOUT_MS", cfg.LLMTimeoutMs)
	cfg.PipelineStages = getEnvList("PIPELINE_STAGES", cfg.PipelineStages)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.RunLogLines = getEnvInt("RUN_LOG_LINES", cfg.RunLogLines)
	cfg.RunLogRuns = getEnvInt("RUN_LOG_RUNS", cfg.RunLogRuns)

	cfg.resolveDurations()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolveDurations() {
	c.HeartbeatInterval = time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
	c.RunRetention = time.Duration(c.RunRetentionMs) * time.Millisecond
	c.TombstoneTTL = time.Duration(c.TombstoneTTLMs) * time.Millisecond
	c.LLMTimeout = time.Duration(c.LLMTimeoutMs) * time.Millisecond
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkThreshold <= 0 {
		return fmt.Errorf("chunk size and threshold must be positive")
	}
	if c.ChunkThreshold > domain.MaxChunkThreshold {
		return fmt.Errorf("chunk threshold %d exceeds the %d byte frame limit", c.ChunkThreshold, domain.MaxChunkThreshold)
	}
	if c.ChunkSize > domain.MaxChunkSize {
		return fmt.Errorf("chunk size %d exceeds the %d byte chunk limit", c.ChunkSize, domain.MaxChunkSize)
	}
	if c.ChunkSize > c.ChunkThreshold {
		return fmt.Errorf("chunk size %d exceeds chunk threshold %d", c.ChunkSize, c.ChunkThreshold)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be positive")
	}
	if c.RunRetentionMs < 0 || c.TombstoneTTLMs < 0 {
		return fmt.Errorf("retention durations must not be negative")
	}
	if c.RunLogLines <= 0 || c.RunLogRuns <= 0 {
		return fmt.Errorf("run log limits must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
