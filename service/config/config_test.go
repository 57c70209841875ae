package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"SERVER_ADDR", "METRICS_ADDR", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "BOLT_PATH",
	"NATS_URL", "REDIS_URL",
	"SQUAD_BASE_URL", "SQUAD_SECRET_KEY", "SQUAD_WEBHOOK_SECRET", "WEBHOOK_SIGNATURE_HEADER",
	"GATEWAY_TIMEOUT", "GATEWAY_MAX_RETRIES",
	"STALE_AFTER", "SWEEP_INTERVAL", "MAX_RECONCILE_ATTEMPTS",
	"TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
}

// clearEnv blanks every key Load reads; t.Setenv restores them afterwards.
// clearEnv unsets every config key for the test. t.Setenv restores the
// original values afterwards; the unset matters because godotenv never
// overrides a variable that is set, even to "".
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func validConfig() *Config {
	return &Config{
		StoreDriver:            DriverPostgres,
		DatabaseURL:            "postgres://localhost/test",
		SquadBaseURL:           "https://sandbox-api-d.squadco.com",
		SquadSecretKey:         "sk_test",
		WebhookSignatureHeader: "x-squad-encrypted-body",
		GatewayTimeout:         10 * time.Second,
		GatewayMaxRetries:      3,
		StaleAfter:             30 * time.Minute,
		SweepInterval:          5 * time.Minute,
		MaxReconcileAttempts:   5,
		TemporalHost:           "localhost:7233",
		TemporalNamespace:      "default",
		TemporalTaskQueue:      "squadrecon-reconcile",
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SQUAD_SECRET_KEY", "sk_test")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "x-squad-encrypted-body", cfg.WebhookSignatureHeader)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 3, cfg.GatewayMaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5, cfg.MaxReconcileAttempts)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, "sk_test", cfg.WebhookSecret())
}

func TestLoad_MissingSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "SQUAD_SECRET_KEY is required")
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("SQUAD_SECRET_KEY", "sk_test")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_BoltDriverNeedsNoDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "BOLT")
	t.Setenv("BOLT_PATH", "/var/lib/squadrecon/data.db")
	t.Setenv("SQUAD_SECRET_KEY", "sk_test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverBolt, cfg.StoreDriver)
	assert.Equal(t, "/var/lib/squadrecon/data.db", cfg.BoltPath)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad timeout", "GATEWAY_TIMEOUT", "soon", "invalid duration"},
		{"bad retries", "GATEWAY_MAX_RETRIES", "three", "invalid integer"},
		{"bad stale", "STALE_AFTER", "10s", "STALE_AFTER must be at least 1 minute"},
		{"bad sweep", "SWEEP_INTERVAL", "1s", "SWEEP_INTERVAL must be at least 10 seconds"},
		{"bad attempts", "MAX_RECONCILE_ATTEMPTS", "0", "MAX_RECONCILE_ATTEMPTS must be at least 1"},
		{"bad driver", "STORE_DRIVER", "mongo", "STORE_DRIVER must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DATABASE_URL", "postgres://localhost/test")
			t.Setenv("SQUAD_SECRET_KEY", "sk_test")
			t.Setenv(tt.key, tt.val)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SQUAD_SECRET_KEY", "sk_live")
	t.Setenv("SQUAD_WEBHOOK_SECRET", "whsec")
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://nats.example.com:4222")
	t.Setenv("REDIS_URL", "redis://redis.example.com:6379/0")
	t.Setenv("TEMPORAL_HOST", "temporal.example.com:7233")
	t.Setenv("STALE_AFTER", "1h")
	t.Setenv("GATEWAY_MAX_RETRIES", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, "redis://redis.example.com:6379/0", cfg.RedisURL)
	assert.Equal(t, "temporal.example.com:7233", cfg.TemporalHost)
	assert.Equal(t, time.Hour, cfg.StaleAfter)
	assert.Equal(t, 0, cfg.GatewayMaxRetries)
	assert.Equal(t, "whsec", cfg.WebhookSecret())
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SQUAD_SECRET_KEY=from_file\nLOG_LEVEL=warn\n"), 0o600))
	t.Setenv("LOG_LEVEL", "debug")

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from_file", os.Getenv("SQUAD_SECRET_KEY"))
	assert.Equal(t, "debug", os.Getenv("LOG_LEVEL"), "existing environment wins")

	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""
	cfg.SquadSecretKey = ""
	cfg.TemporalTaskQueue = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "SQUAD_SECRET_KEY is required")
	assert.Contains(t, err.Error(), "TEMPORAL_TASK_QUEUE is required")
}

func TestMustLoad_Panics(t *testing.T) {
	clearEnv(t)

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SQUAD_SECRET_KEY", "sk_test")

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}
