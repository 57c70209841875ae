package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/brojonat/squadrecon/service/config"
	"github.com/brojonat/squadrecon/service/lock"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boltConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StoreDriver:          config.DriverBolt,
		BoltPath:             filepath.Join(t.TempDir(), "app.db"),
		SquadBaseURL:         "http://127.0.0.1:1",
		SquadSecretKey:       "sk_test",
		GatewayTimeout:       time.Second,
		StaleAfter:           10 * time.Minute,
		MaxReconcileAttempts: 3,
	}
}

func TestBuild_Bolt(t *testing.T) {
	cfg := boltConfig(t)

	a, err := Build(context.Background(), cfg, nil, nil, Options{})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 10*time.Minute, a.Engine.Config().StaleAfter)
	assert.Equal(t, 3, a.Engine.Config().MaxReconcileAttempts)

	txn, err := payment.NewTransaction("SQ-APP-1", 5000, "NGN", "cust", nil, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, a.Store.CreateTransaction(context.Background(), txn))

	got, err := a.Store.GetTransaction(context.Background(), "SQ-APP-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.Amount)
}

func TestBuild_ReleasesStoreOnClose(t *testing.T) {
	cfg := boltConfig(t)

	a, err := Build(context.Background(), cfg, nil, nil, Options{})
	require.NoError(t, err)
	a.Close()

	// Bolt holds an exclusive file lock, so a second open only succeeds after
	// the first App released it.
	b, err := Build(context.Background(), cfg, nil, nil, Options{})
	require.NoError(t, err)
	b.Close()
}

func TestBuild_MissingSecret(t *testing.T) {
	cfg := boltConfig(t)
	cfg.SquadSecretKey = ""

	_, err := Build(context.Background(), cfg, nil, nil, Options{})
	assert.Error(t, err)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := boltConfig(t)
	cfg.StoreDriver = "sqlite"

	_, _, err := OpenStore(context.Background(), cfg, nil, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestNewLocker(t *testing.T) {
	t.Run("in-process without redis", func(t *testing.T) {
		l, closeFn, err := NewLocker(context.Background(), &config.Config{}, discardLogger())
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &lock.KeyedMutex{}, l)
	})

	t.Run("bad redis url", func(t *testing.T) {
		_, _, err := NewLocker(context.Background(), &config.Config{RedisURL: "://nope"}, discardLogger())
		assert.Error(t, err)
	})
}
