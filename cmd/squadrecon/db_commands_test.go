package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/squadrecon/service/db"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI runs the app with args and returns what it wrote to stdout and stderr.
func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp()
	a.Writer = &stdout
	a.ErrWriter = &stderr
	a.Reader = strings.NewReader(stdin)
	err := a.Run(append([]string{"squadrecon"}, args...))
	return stdout.String(), stderr.String(), err
}

// seedBolt creates a Bolt store, lets seed populate it and closes it so the
// CLI can open the file.
func seedBolt(t *testing.T, seed func(s *db.BoltStore)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	s, err := db.OpenBolt(path, nil)
	require.NoError(t, err)
	seed(s)
	require.NoError(t, s.Close())
	return path
}

func createTxn(t *testing.T, s *db.BoltStore, ref string, amount int64, status payment.Status) {
	t.Helper()
	txn, err := payment.NewTransaction(ref, amount, "NGN", "cust-"+ref, map[string]string{"order": ref}, time.Now().UTC())
	require.NoError(t, err)
	txn.Status = status
	require.NoError(t, s.CreateTransaction(context.Background(), txn))
}

func boltArgs(path string, args ...string) []string {
	return append([]string{"--store-driver", "bolt", "--bolt-path", path}, args...)
}

func TestListTransactionsCommand(t *testing.T) {
	path := seedBolt(t, func(s *db.BoltStore) {
		createTxn(t, s, "SQ-1", 50000, payment.StatusPending)
		createTxn(t, s, "SQ-2", 150000, payment.StatusProcessing)
		createTxn(t, s, "SQ-3", 900, payment.StatusProcessing)
	})

	decode := func(t *testing.T, out string) []string {
		t.Helper()
		var txns []*payment.Transaction
		require.NoError(t, json.Unmarshal([]byte(out), &txns))
		refs := make([]string, len(txns))
		for i, txn := range txns {
			refs[i] = txn.Ref
		}
		return refs
	}

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "all",
			args: []string{"--json", "db", "list-transactions"},
			want: []string{"SQ-1", "SQ-2", "SQ-3"},
		},
		{
			name: "status filter",
			args: []string{"--json", "db", "list-transactions", "--status", "processing"},
			want: []string{"SQ-2", "SQ-3"},
		},
		{
			name: "jq filter",
			args: []string{"--json", "db", "txs", "--jq", ".amount > 1000"},
			want: []string{"SQ-1", "SQ-2"},
		},
		{
			name: "jq filters combine",
			args: []string{"--json", "db", "txs", "--jq", ".amount > 1000", "--jq", `.metadata.order == "SQ-2"`},
			want: []string{"SQ-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := runCLI(t, "", boltArgs(path, tt.args...)...)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, decode(t, out))
		})
	}
}

func TestListTransactionsCommand_Table(t *testing.T) {
	path := seedBolt(t, func(s *db.BoltStore) {
		createTxn(t, s, "SQ-1", 150050, payment.StatusPending)
	})

	out, stderr, err := runCLI(t, "", boltArgs(path, "db", "list-transactions")...)
	require.NoError(t, err)
	assert.Contains(t, out, "REF")
	assert.Contains(t, out, "SQ-1")
	assert.Contains(t, out, "1500.50 NGN")
	assert.Contains(t, stderr, "Total: 1 transactions")
}

func TestListTransactionsCommand_BadInput(t *testing.T) {
	path := seedBolt(t, func(s *db.BoltStore) {})

	_, _, err := runCLI(t, "", boltArgs(path, "db", "list-transactions", "--status", "lost")...)
	assert.Error(t, err)

	_, _, err = runCLI(t, "", boltArgs(path, "db", "list-transactions", "--jq", ".amount >")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq filter")
}

func TestGetTransactionCommand(t *testing.T) {
	path := seedBolt(t, func(s *db.BoltStore) {
		createTxn(t, s, "SQ-7", 2500, payment.StatusPending)
	})

	out, _, err := runCLI(t, "", boltArgs(path, "db", "get-transaction", "SQ-7")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Ref:          SQ-7")
	assert.Contains(t, out, "Status:       pending")
	assert.Contains(t, out, "Events (0):")

	out, _, err = runCLI(t, "", boltArgs(path, "--json", "db", "get", "SQ-7")...)
	require.NoError(t, err)
	var txn payment.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txn))
	assert.Equal(t, int64(2500), txn.Amount)
}

func TestGetTransactionCommand_NotFound(t *testing.T) {
	path := seedBolt(t, func(s *db.BoltStore) {})

	_, _, err := runCLI(t, "", boltArgs(path, "db", "get-transaction", "SQ-404")...)
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrNotFound)

	_, _, err = runCLI(t, "", boltArgs(path, "db", "get-transaction")...)
	assert.Error(t, err)
}

func TestListAnomaliesCommand(t *testing.T) {
	path := seedBolt(t, func(s *db.BoltStore) {
		ctx := context.Background()
		require.NoError(t, s.RecordAnomaly(ctx, &payment.Anomaly{
			ID:        "a-1",
			Ref:       "SQ-1",
			Kind:      payment.AnomalyDataIntegrity,
			EventType: "charge_successful",
			Detail:    "amount mismatch",
			CreatedAt: time.Now().UTC(),
		}))
		require.NoError(t, s.RecordAnomaly(ctx, &payment.Anomaly{
			ID:        "a-2",
			Ref:       "SQ-2",
			Kind:      payment.AnomalyUnknownTransaction,
			Detail:    "no such transaction",
			CreatedAt: time.Now().UTC(),
		}))
	})

	out, stderr, err := runCLI(t, "", boltArgs(path, "db", "list-anomalies")...)
	require.NoError(t, err)
	assert.Contains(t, out, "data_integrity")
	assert.Contains(t, out, "unknown_transaction")
	assert.Contains(t, stderr, "Total: 2 anomalies")

	out, _, err = runCLI(t, "", boltArgs(path, "--json", "db", "anomalies", "--ref", "SQ-1")...)
	require.NoError(t, err)
	var anomalies []*payment.Anomaly
	require.NoError(t, json.Unmarshal([]byte(out), &anomalies))
	require.Len(t, anomalies, 1)
	assert.Equal(t, "a-1", anomalies[0].ID)
}

func TestListStuckCommand(t *testing.T) {
	path := seedBolt(t, func(s *db.BoltStore) {
		createTxn(t, s, "SQ-1", 50000, payment.StatusProcessing)
		createTxn(t, s, "SQ-2", 50000, payment.StatusSucceeded)
	})

	// A negative threshold makes every open transaction stuck.
	out, stderr, err := runCLI(t, "", boltArgs(path, "db", "list-stuck", "--stale-after=-1h")...)
	require.NoError(t, err)
	assert.Contains(t, out, "SQ-1")
	assert.NotContains(t, out, "SQ-2")
	assert.Contains(t, stderr, "Total: 1 stuck (0 exhausted)")

	out, _, err = runCLI(t, "", boltArgs(path, "--json", "db", "stuck")...)
	require.NoError(t, err)
	var txns []*payment.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txns))
	assert.Empty(t, txns)
}

func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	out, _, err := runCLI(t, "", boltArgs(path, "db", "migrate")...)
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")
}

func TestGetStore_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, _, err := runCLI(t, "", "--store-driver", "postgres", "db", "list-transactions")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database-url is required")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy(map[string]interface{}{}))
}
