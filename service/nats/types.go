package nats

import (
	"strings"
	"time"

	"github.com/brojonat/squadrecon/service/payment"
)

// TransitionEvent is published to "payments.{ref}" after a decision that
// appended to the event log has been durably committed.
type TransitionEvent struct {
	Ref        string          `json:"transaction_ref"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Kind       string          `json:"kind"`
	Source     payment.Source  `json:"source"`
	Outcome    payment.Outcome `json:"outcome"`
	FromStatus payment.Status  `json:"from_status"`
	ToStatus   payment.Status  `json:"to_status"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency"`
	Version    int64           `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`

	PublishedAt time.Time `json:"published_at"`
}

// AnomalyEvent is published to "anomalies.{kind}" after an anomaly is stored.
type AnomalyEvent struct {
	ID           string              `json:"id"`
	Ref          string              `json:"transaction_ref"`
	Kind         payment.AnomalyKind `json:"kind"`
	EventType    string              `json:"event_type,omitempty"`
	Source       payment.Source      `json:"source,omitempty"`
	LocalStatus  payment.Status      `json:"local_status,omitempty"`
	RemoteStatus payment.Status      `json:"remote_status,omitempty"`
	Detail       string              `json:"detail"`
	CreatedAt    time.Time           `json:"created_at"`

	PublishedAt time.Time `json:"published_at"`
}

// FromDecision builds the event for a committed decision. txn must be the
// record as committed.
func FromDecision(txn *payment.Transaction, d payment.Decision) *TransitionEvent {
	event := &TransitionEvent{
		Ref:         txn.Ref,
		Outcome:     d.Outcome,
		FromStatus:  d.From,
		ToStatus:    d.To,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Version:     txn.Version,
		OccurredAt:  txn.UpdatedAt,
		PublishedAt: time.Now().UTC(),
	}
	if rec := d.Record; rec != nil {
		event.EventID = rec.ID
		event.EventType = rec.Type
		event.Kind = string(rec.Kind)
		event.Source = rec.Source
		event.OccurredAt = rec.AppliedAt
	}
	return event
}

// FromAnomaly builds the event for a stored anomaly.
func FromAnomaly(a *payment.Anomaly) *AnomalyEvent {
	return &AnomalyEvent{
		ID:           a.ID,
		Ref:          a.Ref,
		Kind:         a.Kind,
		EventType:    a.EventType,
		Source:       a.Source,
		LocalStatus:  a.LocalStatus,
		RemoteStatus: a.RemoteStatus,
		Detail:       a.Detail,
		CreatedAt:    a.CreatedAt,
		PublishedAt:  time.Now().UTC(),
	}
}

// SubjectToken makes ref safe to use as one NATS subject token. Dots,
// wildcards and whitespace are replaced with underscores.
func SubjectToken(ref string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, ref)
}

// TransitionSubject is the subject transitions for ref are published on.
func TransitionSubject(ref string) string {
	return TransitionSubjectPrefix + SubjectToken(ref)
}

// AnomalySubject is the subject anomalies of kind are published on.
func AnomalySubject(kind payment.AnomalyKind) string {
	return AnomalySubjectPrefix + SubjectToken(string(kind))
}
