package payment

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Transaction is the stored record of one payment attempt.
// Amount and Currency never change after creation; Status only changes
// through Accept with a Decision produced by Apply.
type Transaction struct {
	Ref         string            `json:"transaction_ref"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	CustomerID  string            `json:"customer_id"`
	Status      Status            `json:"status"`
	CheckoutURL string            `json:"checkout_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	Events       []EventRecord `json:"events"`
	Fingerprints []string      `json:"fingerprints"`
	LastSequence *int64        `json:"last_sequence,omitempty"`

	Version           int64      `json:"version"`
	ReconcileAttempts int        `json:"reconcile_attempts"`
	LastReconciledAt  *time.Time `json:"last_reconciled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	// StatusChangedAt moves only when Status does. Audit-only records and
	// consumed fingerprints leave it alone, so the stale sweep measures how
	// long a transaction has really been stuck.
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// EventRecord is one entry of the append-only event log.
type EventRecord struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Kind        EventKind `json:"kind"`
	Source      Source    `json:"source"`
	Fingerprint string    `json:"fingerprint"`
	Sequence    *int64    `json:"sequence,omitempty"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Amount      int64     `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	AppliedAt   time.Time `json:"applied_at"`
}

// ShouldApply is the idempotency guard: it reports whether the fingerprint has
// not yet been consumed by this transaction.
func (t *Transaction) ShouldApply(fingerprint string) bool {
	return !slices.Contains(t.Fingerprints, fingerprint)
}

// Remember marks a fingerprint as consumed without touching status or the
// event log. Used for rejected events so redelivery is a no-op.
func (t *Transaction) Remember(fingerprint string, now time.Time) {
	if fingerprint == "" || !t.ShouldApply(fingerprint) {
		return
	}
	t.Fingerprints = append(t.Fingerprints, fingerprint)
	t.UpdatedAt = now
}

// Accept folds a decision into the record. Duplicate and stale decisions only
// mark the fingerprint consumed.
func (t *Transaction) Accept(d Decision, now time.Time) {
	switch d.Outcome {
	case OutcomeApplied, OutcomeRecorded:
		t.Events = append(t.Events, *d.Record)
		if d.To != t.Status {
			t.StatusChangedAt = now
		}
		t.Status = d.To
		if d.Record.Sequence != nil {
			seq := *d.Record.Sequence
			t.LastSequence = &seq
		}
		t.Remember(d.Record.Fingerprint, now)
		t.UpdatedAt = now
	case OutcomeRedundant, OutcomeStale:
		t.Remember(d.Fingerprint, now)
	}
}

// Clone returns a deep copy so a transition can be computed without touching
// the caller's record.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Events = slices.Clone(t.Events)
	c.Fingerprints = slices.Clone(t.Fingerprints)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.LastSequence != nil {
		seq := *t.LastSequence
		c.LastSequence = &seq
	}
	if t.LastReconciledAt != nil {
		at := *t.LastReconciledAt
		c.LastReconciledAt = &at
	}
	return &c
}

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// NewTransaction builds a pending transaction after validating its immutable
// fields.
func NewTransaction(ref string, amount int64, currency, customerID string, metadata map[string]string, now time.Time) (*Transaction, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: transaction_ref is required", ErrInvalidInput)
	}
	if len(ref) > 128 {
		return nil, fmt.Errorf("%w: transaction_ref too long: maximum length is 128 characters", ErrInvalidInput)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive number of minor units", ErrInvalidInput)
	}
	if !currencyRegex.MatchString(currency) {
		return nil, fmt.Errorf("%w: currency must be a 3-letter ISO 4217 code", ErrInvalidInput)
	}
	return &Transaction{
		Ref:             ref,
		Amount:          amount,
		Currency:        currency,
		CustomerID:      customerID,
		Status:          StatusPending,
		Metadata:        metadata,
		Events:          []EventRecord{},
		Fingerprints:    []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
	}, nil
}
