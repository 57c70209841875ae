package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/brojonat/squadrecon/service/metrics"
	"github.com/brojonat/squadrecon/service/payment"
)

var (
	txBucket      = []byte("transactions")
	anomalyBucket = []byte("anomalies")
	// fingerprintBucket maps ref and fingerprint to the key of the newest
	// anomaly recorded for them.
	fingerprintBucket = []byte("anomaly_fingerprints")
)

// BoltStore is an embedded single-node transaction store. Every write runs
// in one bolt read-write transaction, so version checks and anomaly inserts
// commit atomically.
type BoltStore struct {
	db      *bolt.DB
	metrics *metrics.Metrics
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string, m *metrics.Metrics) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	s := &BoltStore{db: db, metrics: m}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the buckets if they do not exist.
func (s *BoltStore) Migrate(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{txBucket, anomalyBucket, fingerprintBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping always succeeds for an open database.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *BoltStore) CreateTransaction(ctx context.Context, txn *payment.Transaction) (err error) {
	defer s.observe("create", transactionsTable, time.Now(), &err)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(txBucket)
		if b.Get([]byte(txn.Ref)) != nil {
			return fmt.Errorf("%w: %s", payment.ErrDuplicateTransaction, txn.Ref)
		}
		stored := txn.Clone()
		stored.Version = 0
		stored.ReconcileAttempts = 0
		stored.LastReconciledAt = nil
		if err := putTransaction(b, stored); err != nil {
			return err
		}
		txn.Version = 0
		return nil
	})
}

func (s *BoltStore) GetTransaction(ctx context.Context, ref string) (txn *payment.Transaction, err error) {
	defer s.observe("get", transactionsTable, time.Now(), &err)

	err = s.db.View(func(tx *bolt.Tx) error {
		txn, err = getTransaction(tx.Bucket(txBucket), ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *BoltStore) CommitTransaction(ctx context.Context, txn *payment.Transaction, expectedVersion int64, anomaly *payment.Anomaly) (err error) {
	defer s.observe("commit", transactionsTable, time.Now(), &err)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(txBucket)
		current, err := getTransaction(b, txn.Ref)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: %s at version %d, stored %d",
				payment.ErrVersionConflict, txn.Ref, expectedVersion, current.Version)
		}

		// Only the mutable columns are taken from txn.
		current.Status = txn.Status
		current.CheckoutURL = txn.CheckoutURL
		current.Events = slices.Clone(txn.Events)
		current.Fingerprints = slices.Clone(txn.Fingerprints)
		current.LastSequence = txn.LastSequence
		current.UpdatedAt = txn.UpdatedAt
		current.StatusChangedAt = txn.StatusChangedAt
		current.Version = expectedVersion + 1
		if err := putTransaction(b, current); err != nil {
			return err
		}
		if anomaly != nil {
			if err := putAnomaly(tx, anomaly); err != nil {
				return err
			}
		}
		txn.Version = current.Version
		return nil
	})
}

func (s *BoltStore) MarkReconcileAttempt(ctx context.Context, ref string, at time.Time) (err error) {
	defer s.observe("mark_reconcile", transactionsTable, time.Now(), &err)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(txBucket)
		current, err := getTransaction(b, ref)
		if err != nil {
			return err
		}
		current.ReconcileAttempts++
		current.LastReconciledAt = &at
		return putTransaction(b, current)
	})
}

func (s *BoltStore) ListTransactions(ctx context.Context, params ListTransactionsParams) (txns []*payment.Transaction, err error) {
	defer s.observe("list", transactionsTable, time.Now(), &err)

	all, err := s.scan(func(t *payment.Transaction) bool {
		return params.Status == nil || t.Status == *params.Status
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Ref < all[j].Ref
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return page(all, params.Limit, params.Offset), nil
}

func (s *BoltStore) ListStaleTransactions(ctx context.Context, params StaleParams) (txns []*payment.Transaction, err error) {
	defer s.observe("list_stale", transactionsTable, time.Now(), &err)

	all, err := s.scan(func(t *payment.Transaction) bool {
		if t.Status.IsTerminal() || !t.StatusChangedAt.Before(params.OlderThan) {
			return false
		}
		return params.MaxAttempts <= 0 || t.ReconcileAttempts < params.MaxAttempts
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StatusChangedAt.Before(all[j].StatusChangedAt) })
	return page(all, params.Limit, 0), nil
}

func (s *BoltStore) RecordAnomaly(ctx context.Context, a *payment.Anomaly) (err error) {
	defer s.observe("insert", anomaliesTable, time.Now(), &err)

	return s.db.Update(func(tx *bolt.Tx) error {
		if a.Kind == payment.AnomalyUnknownTransaction {
			existing, err := findAnomaly(tx, a.Ref, a.Fingerprint)
			if err != nil {
				return err
			}
			if existing != nil && existing.Kind == payment.AnomalyUnknownTransaction {
				return nil
			}
		}
		return putAnomaly(tx, a)
	})
}

func (s *BoltStore) FindAnomaly(ctx context.Context, ref, fingerprint string) (a *payment.Anomaly, err error) {
	defer s.observe("find", anomaliesTable, time.Now(), &err)

	err = s.db.View(func(tx *bolt.Tx) error {
		a, err = findAnomaly(tx, ref, fingerprint)
		return err
	})
	return a, err
}

func (s *BoltStore) ListAnomalies(ctx context.Context, params ListAnomaliesParams) (out []*payment.Anomaly, err error) {
	defer s.observe("list", anomaliesTable, time.Now(), &err)

	out = []*payment.Anomaly{}
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(anomalyBucket).Cursor()
		// Keys sort by creation time; walk backwards for newest first.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var a payment.Anomaly
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode anomaly %s: %w", k, err)
			}
			if params.Ref != "" && a.Ref != params.Ref {
				continue
			}
			out = append(out, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	offset := max(params.Offset, 0)
	if int(offset) >= len(out) {
		return []*payment.Anomaly{}, nil
	}
	out = out[offset:]
	if n := int(limitOrDefault(params.Limit)); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *BoltStore) scan(keep func(*payment.Transaction) bool) ([]*payment.Transaction, error) {
	out := []*payment.Transaction{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(txBucket).ForEach(func(k, v []byte) error {
			var t payment.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode transaction %s: %w", k, err)
			}
			if keep(&t) {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func getTransaction(b *bolt.Bucket, ref string) (*payment.Transaction, error) {
	v := b.Get([]byte(ref))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrNotFound, ref)
	}
	var t payment.Transaction
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", ref, err)
	}
	return &t, nil
}

func putTransaction(b *bolt.Bucket, t *payment.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", t.Ref, err)
	}
	return b.Put([]byte(t.Ref), data)
}

func putAnomaly(tx *bolt.Tx, a *payment.Anomaly) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode anomaly %s: %w", a.ID, err)
	}
	var key bytes.Buffer
	fmt.Fprintf(&key, "%020d-%s", a.CreatedAt.UnixNano(), a.ID)
	if err := tx.Bucket(anomalyBucket).Put(key.Bytes(), data); err != nil {
		return err
	}
	if a.Fingerprint == "" {
		return nil
	}
	return tx.Bucket(fingerprintBucket).Put(fingerprintKey(a.Ref, a.Fingerprint), key.Bytes())
}

func findAnomaly(tx *bolt.Tx, ref, fingerprint string) (*payment.Anomaly, error) {
	key := tx.Bucket(fingerprintBucket).Get(fingerprintKey(ref, fingerprint))
	if key == nil {
		return nil, nil
	}
	v := tx.Bucket(anomalyBucket).Get(key)
	if v == nil {
		return nil, fmt.Errorf("anomaly index for %s points at missing key %s", ref, key)
	}
	var a payment.Anomaly
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, fmt.Errorf("decode anomaly %s: %w", key, err)
	}
	return &a, nil
}

// fingerprintKey joins ref and fingerprint with a NUL, which neither contains.
func fingerprintKey(ref, fingerprint string) []byte {
	return []byte(ref + "\x00" + fingerprint)
}

func page(txns []*payment.Transaction, limit, offset int32) []*payment.Transaction {
	offset = max(offset, 0)
	if int(offset) >= len(txns) {
		return []*payment.Transaction{}
	}
	txns = txns[offset:]
	if n := int(limitOrDefault(limit)); len(txns) > n {
		txns = txns[:n]
	}
	return txns
}

func (s *BoltStore) observe(operation, table string, start time.Time, err *error) {
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
}
