package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/squadrecon/service/metrics"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	transactionsTable = "payment_transactions"
	anomaliesTable    = "payment_anomalies"

	uniqueViolation = "23505"
)

// Store is the Postgres transaction store.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// metrics may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return classify("migrate", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

const transactionColumns = `
	ref, amount, currency, customer_id, status, checkout_url, metadata,
	events, fingerprints, last_sequence, version, reconcile_attempts,
	last_reconciled_at, created_at, updated_at, status_changed_at`

// CreateTransaction inserts a new transaction at version 0.
func (s *Store) CreateTransaction(ctx context.Context, txn *payment.Transaction) (err error) {
	defer s.observe("create", transactionsTable, time.Now(), &err)

	metadata, events, fingerprints, err := marshalDocuments(txn)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO payment_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, NULL, $11, $12, $13)`

	_, err = s.pool.Exec(ctx, query,
		txn.Ref,
		txn.Amount,
		txn.Currency,
		txn.CustomerID,
		string(txn.Status),
		txn.CheckoutURL,
		metadata,
		events,
		fingerprints,
		txn.LastSequence,
		txn.CreatedAt,
		txn.UpdatedAt,
		txn.StatusChangedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", payment.ErrDuplicateTransaction, txn.Ref)
		}
		return classify("create transaction", err)
	}
	txn.Version = 0
	return nil
}

// GetTransaction loads a transaction by reference.
func (s *Store) GetTransaction(ctx context.Context, ref string) (txn *payment.Transaction, err error) {
	defer s.observe("get", transactionsTable, time.Now(), &err)

	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE ref = $1`
	txn, err = scanTransaction(s.pool.QueryRow(ctx, query, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", payment.ErrNotFound, ref)
	}
	if err != nil {
		return nil, classify("get transaction", err)
	}
	return txn, nil
}

// CommitTransaction writes the mutable state of txn if the stored version
// still equals expectedVersion, together with an optional anomaly, in one
// database transaction. On success txn.Version is advanced.
func (s *Store) CommitTransaction(ctx context.Context, txn *payment.Transaction, expectedVersion int64, anomaly *payment.Anomaly) (err error) {
	defer s.observe("commit", transactionsTable, time.Now(), &err)

	_, events, fingerprints, err := marshalDocuments(txn)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin commit", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $2,
			checkout_url = $3,
			events = $4,
			fingerprints = $5,
			last_sequence = $6,
			version = version + 1,
			updated_at = $7,
			status_changed_at = $8
		WHERE ref = $1 AND version = $9`,
		txn.Ref,
		string(txn.Status),
		txn.CheckoutURL,
		events,
		fingerprints,
		txn.LastSequence,
		txn.UpdatedAt,
		txn.StatusChangedAt,
		expectedVersion,
	)
	if err != nil {
		return classify("update transaction", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE ref = $1)`, txn.Ref).Scan(&exists); err != nil {
			return classify("check transaction", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", payment.ErrNotFound, txn.Ref)
		}
		return fmt.Errorf("%w: %s at version %d", payment.ErrVersionConflict, txn.Ref, expectedVersion)
	}

	if anomaly != nil {
		if err := insertAnomaly(ctx, tx, anomaly); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	txn.Version = expectedVersion + 1
	return nil
}

// MarkReconcileAttempt bumps the reconciliation counter without touching the
// version, so it never races a webhook commit.
func (s *Store) MarkReconcileAttempt(ctx context.Context, ref string, at time.Time) (err error) {
	defer s.observe("mark_reconcile", transactionsTable, time.Now(), &err)

	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_transactions
		SET reconcile_attempts = reconcile_attempts + 1, last_reconciled_at = $2
		WHERE ref = $1`, ref, at)
	if err != nil {
		return classify("mark reconcile attempt", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", payment.ErrNotFound, ref)
	}
	return nil
}

// ListTransactions returns transactions newest first.
func (s *Store) ListTransactions(ctx context.Context, params ListTransactionsParams) (txns []*payment.Transaction, err error) {
	defer s.observe("list", transactionsTable, time.Now(), &err)

	var status *string
	if params.Status != nil {
		st := string(*params.Status)
		status = &st
	}
	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, ref
		LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, status, limitOrDefault(params.Limit), params.Offset)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	return collectTransactions(rows)
}

// ListStaleTransactions returns non-terminal transactions whose status has
// not changed since params.OlderThan, oldest first.
func (s *Store) ListStaleTransactions(ctx context.Context, params StaleParams) (txns []*payment.Transaction, err error) {
	defer s.observe("list_stale", transactionsTable, time.Now(), &err)

	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE status = ANY($1)
		  AND status_changed_at < $2
		  AND ($3 <= 0 OR reconcile_attempts < $3)
		ORDER BY status_changed_at ASC
		LIMIT $4`
	rows, err := s.pool.Query(ctx, query, nonTerminal, params.OlderThan, params.MaxAttempts, limitOrDefault(params.Limit))
	if err != nil {
		return nil, classify("list stale transactions", err)
	}
	return collectTransactions(rows)
}

// RecordAnomaly stores an anomaly outside of any transaction commit. A
// repeated unknown_transaction anomaly for the same fingerprint is dropped.
func (s *Store) RecordAnomaly(ctx context.Context, a *payment.Anomaly) (err error) {
	defer s.observe("insert", anomaliesTable, time.Now(), &err)
	return insertAnomaly(ctx, s.pool, a)
}

// ListAnomalies returns anomalies newest first.
func (s *Store) ListAnomalies(ctx context.Context, params ListAnomaliesParams) (out []*payment.Anomaly, err error) {
	defer s.observe("list", anomaliesTable, time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT `+anomalyColumns+`
		FROM payment_anomalies
		WHERE ($1 = '' OR ref = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, params.Ref, limitOrDefault(params.Limit), params.Offset)
	if err != nil {
		return nil, classify("list anomalies", err)
	}
	defer rows.Close()

	out = []*payment.Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list anomalies", err)
	}
	return out, nil
}

// FindAnomaly returns the newest anomaly recorded for a fingerprint of ref,
// or nil when there is none.
func (s *Store) FindAnomaly(ctx context.Context, ref, fingerprint string) (a *payment.Anomaly, err error) {
	defer s.observe("find", anomaliesTable, time.Now(), &err)

	a, err = scanAnomaly(s.pool.QueryRow(ctx, `
		SELECT `+anomalyColumns+`
		FROM payment_anomalies
		WHERE ref = $1 AND fingerprint = $2
		ORDER BY created_at DESC
		LIMIT 1`, ref, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find anomaly", err)
	}
	return a, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertAnomaly(ctx context.Context, db execer, a *payment.Anomaly) error {
	_, err := db.Exec(ctx, `
		INSERT INTO payment_anomalies (
			id, ref, kind, event_type, fingerprint, source, local_status,
			remote_status, detail, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`,
		a.ID,
		a.Ref,
		string(a.Kind),
		a.EventType,
		a.Fingerprint,
		string(a.Source),
		string(a.LocalStatus),
		string(a.RemoteStatus),
		a.Detail,
		a.Payload,
		a.CreatedAt,
	)
	if err != nil {
		return classify("insert anomaly", err)
	}
	return nil
}

const anomalyColumns = `
	id, ref, kind, event_type, fingerprint, source, local_status,
	remote_status, detail, payload, created_at`

func scanAnomaly(row pgx.Row) (*payment.Anomaly, error) {
	var (
		a                                       payment.Anomaly
		kind, source, localStatus, remoteStatus string
	)
	if err := row.Scan(&a.ID, &a.Ref, &kind, &a.EventType, &a.Fingerprint, &source,
		&localStatus, &remoteStatus, &a.Detail, &a.Payload, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = payment.AnomalyKind(kind)
	a.Source = payment.Source(source)
	a.LocalStatus = payment.Status(localStatus)
	a.RemoteStatus = payment.Status(remoteStatus)
	return &a, nil
}

func scanTransaction(row pgx.Row) (*payment.Transaction, error) {
	var (
		t                              payment.Transaction
		status                         string
		metadata, events, fingerprints []byte
	)
	err := row.Scan(
		&t.Ref,
		&t.Amount,
		&t.Currency,
		&t.CustomerID,
		&status,
		&t.CheckoutURL,
		&metadata,
		&events,
		&fingerprints,
		&t.LastSequence,
		&t.Version,
		&t.ReconcileAttempts,
		&t.LastReconciledAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.StatusChangedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = payment.Status(status)
	if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", t.Ref, err)
	}
	if err := json.Unmarshal(events, &t.Events); err != nil {
		return nil, fmt.Errorf("decode events for %s: %w", t.Ref, err)
	}
	if err := json.Unmarshal(fingerprints, &t.Fingerprints); err != nil {
		return nil, fmt.Errorf("decode fingerprints for %s: %w", t.Ref, err)
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*payment.Transaction, error) {
	defer rows.Close()
	txns := []*payment.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan transactions", err)
	}
	return txns, nil
}

func marshalDocuments(t *payment.Transaction) (metadata, events, fingerprints []byte, err error) {
	md := t.Metadata
	if md == nil {
		md = map[string]string{}
	}
	if metadata, err = json.Marshal(md); err != nil {
		return nil, nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	ev := t.Events
	if ev == nil {
		ev = []payment.EventRecord{}
	}
	if events, err = json.Marshal(ev); err != nil {
		return nil, nil, nil, fmt.Errorf("encode events: %w", err)
	}
	fp := t.Fingerprints
	if fp == nil {
		fp = []string{}
	}
	if fingerprints, err = json.Marshal(fp); err != nil {
		return nil, nil, nil, fmt.Errorf("encode fingerprints: %w", err)
	}
	return metadata, events, fingerprints, nil
}

// classify marks errors that did not come back from the server as transient.
// Server errors (constraint violations, bad SQL) are returned as-is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return payment.Transient(op, err)
}

func (s *Store) observe(operation, table string, start time.Time, err *error) {
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
}
