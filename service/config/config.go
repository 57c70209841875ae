package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Storage configuration
	StoreDriver string
	DatabaseURL string
	BoltPath    string

	// NATS configuration
	NATSURL string

	// RedisURL enables the cross-instance per-reference lock when set.
	RedisURL string

	// Squad configuration
	SquadBaseURL           string
	SquadSecretKey         string
	SquadWebhookSecret     string
	WebhookSignatureHeader string
	GatewayTimeout         time.Duration
	GatewayMaxRetries      int

	// Reconciliation configuration
	StaleAfter           time.Duration
	SweepInterval        time.Duration
	MaxReconcileAttempts int

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is read first; variables already set in
// the environment win over it.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.StoreDriver = strings.ToLower(getEnvOrDefault("STORE_DRIVER", DriverPostgres))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.BoltPath = getEnvOrDefault("BOLT_PATH", "squadrecon.db")

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.SquadBaseURL = getEnvOrDefault("SQUAD_BASE_URL", "https://sandbox-api-d.squadco.com")
	cfg.SquadSecretKey = os.Getenv("SQUAD_SECRET_KEY")
	cfg.SquadWebhookSecret = getEnvOrDefault("SQUAD_WEBHOOK_SECRET", cfg.SquadSecretKey)
	cfg.WebhookSignatureHeader = getEnvOrDefault("WEBHOOK_SIGNATURE_HEADER", "x-squad-encrypted-body")

	var err error
	if cfg.GatewayTimeout, err = parseDuration("GATEWAY_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.GatewayMaxRetries, err = parseInt("GATEWAY_MAX_RETRIES", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.StaleAfter, err = parseDuration("STALE_AFTER", "30m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepInterval, err = parseDuration("SWEEP_INTERVAL", "5m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxReconcileAttempts, err = parseInt("MAX_RECONCILE_ATTEMPTS", 5); err != nil {
		errs = append(errs, err)
	}

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "squadrecon-reconcile")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
		}
	case DriverBolt:
		if c.BoltPath == "" {
			errs = append(errs, fmt.Errorf("BOLT_PATH is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverBolt, c.StoreDriver))
	}

	if c.SquadSecretKey == "" {
		errs = append(errs, fmt.Errorf("SQUAD_SECRET_KEY is required"))
	}
	if c.WebhookSecret() == "" {
		errs = append(errs, fmt.Errorf("SQUAD_WEBHOOK_SECRET is required"))
	}
	if c.SquadBaseURL == "" {
		errs = append(errs, fmt.Errorf("SQUAD_BASE_URL is required"))
	}
	if c.WebhookSignatureHeader == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_SIGNATURE_HEADER is required"))
	}

	if c.GatewayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_TIMEOUT must be positive"))
	}
	if c.GatewayMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_RETRIES cannot be negative"))
	}
	if c.StaleAfter < time.Minute {
		errs = append(errs, fmt.Errorf("STALE_AFTER must be at least 1 minute"))
	}
	if c.SweepInterval < 10*time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be at least 10 seconds"))
	}
	if c.MaxReconcileAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_RECONCILE_ATTEMPTS must be at least 1"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_HOST is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_NAMESPACE is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_TASK_QUEUE is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// WebhookSecret is the HMAC key for webhook signatures. Squad signs with the
// merchant secret key unless a dedicated secret is configured.
func (c *Config) WebhookSecret() string {
	if c.SquadWebhookSecret != "" {
		return c.SquadWebhookSecret
	}
	return c.SquadSecretKey
}

// loadDotEnv reads path into the environment when it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
