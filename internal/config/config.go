// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64
	APIKey              string // Plaintext API key; hashed at startup, empty disables auth.

	// Storage settings. DatabaseURL wins when both are set; SQLitePath is
	// the embedded fallback for single-node deployments.
	DatabaseURL string
	SQLitePath  string

	// Planner settings.
	PlannerURL     string
	PlannerTimeout time.Duration

	// Engine settings.
	MaxIterations       int
	MaxConcurrentRuns   int64
	ToolRefreshInterval time.Duration

	// Approver token settings.
	ApproverPrivateKeyPath string // Path to Ed25519 private key PEM file.
	ApproverPublicKeyPath  string // Path to Ed25519 public key PEM file.
	ApproverTokenTTL       time.Duration
	RequireApproverToken   bool

	// Memory settings.
	MemoryEnabled bool

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                   envInt("DANDORI_PORT", 8080),
		ReadTimeout:            envDuration("DANDORI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:           envDuration("DANDORI_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:        envDuration("DANDORI_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:    int64(envInt("DANDORI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		APIKey:                 envStr("DANDORI_API_KEY", ""),
		DatabaseURL:            envStr("DATABASE_URL", ""),
		SQLitePath:             envStr("DANDORI_SQLITE_PATH", "dandori.db"),
		PlannerURL:             envStr("DANDORI_PLANNER_URL", ""),
		PlannerTimeout:         envDuration("DANDORI_PLANNER_TIMEOUT", 60*time.Second),
		MaxIterations:          envInt("DANDORI_MAX_ITERATIONS", 10),
		MaxConcurrentRuns:      int64(envInt("DANDORI_MAX_CONCURRENT_RUNS", 64)),
		ToolRefreshInterval:    envDuration("DANDORI_TOOL_REFRESH_INTERVAL", 30*time.Second),
		ApproverPrivateKeyPath: envStr("DANDORI_APPROVER_PRIVATE_KEY", ""),
		ApproverPublicKeyPath:  envStr("DANDORI_APPROVER_PUBLIC_KEY", ""),
		ApproverTokenTTL:       envDuration("DANDORI_APPROVER_TOKEN_TTL", time.Hour),
		RequireApproverToken:   envBool("DANDORI_REQUIRE_APPROVER_TOKEN", false),
		MemoryEnabled:          envBool("DANDORI_MEMORY_ENABLED", false),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "dandori"),
		LogLevel:               envStr("DANDORI_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: DANDORI_PORT must be a valid port")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: one of DATABASE_URL or DANDORI_SQLITE_PATH is required")
	}
	// PlannerURL is not required here: an embedding consumer may supply an
	// in-process planner instead. The facade enforces one-of at wiring time.
	if c.MaxIterations <= 0 {
		return fmt.Errorf("config: DANDORI_MAX_ITERATIONS must be positive")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("config: DANDORI_MAX_CONCURRENT_RUNS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: DANDORI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MemoryEnabled && c.DatabaseURL == "" {
		return fmt.Errorf("config: DANDORI_MEMORY_ENABLED requires DATABASE_URL")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
