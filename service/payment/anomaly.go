package payment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AnomalyKind classifies a rejected event or reconciliation for operator review.
type AnomalyKind string

const (
	AnomalyDataIntegrity          AnomalyKind = "data_integrity"
	AnomalyInvalidTransition      AnomalyKind = "invalid_transition"
	AnomalyConflictingEvent       AnomalyKind = "conflicting_event"
	AnomalyReconciliationConflict AnomalyKind = "reconciliation_conflict"
	AnomalyUnknownTransaction     AnomalyKind = "unknown_transaction"
)

// Anomaly is an audit entry kept apart from the event log. Anomalies are
// never applied to a transaction.
type Anomaly struct {
	ID           string      `json:"id"`
	Ref          string      `json:"transaction_ref"`
	Kind         AnomalyKind `json:"kind"`
	EventType    string      `json:"event_type,omitempty"`
	Fingerprint  string      `json:"fingerprint,omitempty"`
	Source       Source      `json:"source,omitempty"`
	LocalStatus  Status      `json:"local_status,omitempty"`
	RemoteStatus Status      `json:"remote_status,omitempty"`
	Detail       string      `json:"detail"`
	Payload      []byte      `json:"payload,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// AnomalyKindFor maps a taxonomy error to the anomaly kind recorded for it.
func AnomalyKindFor(err error) (AnomalyKind, bool) {
	switch {
	case errors.Is(err, ErrDataIntegrity):
		return AnomalyDataIntegrity, true
	case errors.Is(err, ErrInvalidTransition):
		return AnomalyInvalidTransition, true
	case errors.Is(err, ErrConflictingEvent):
		return AnomalyConflictingEvent, true
	case errors.Is(err, ErrReconciliationConflict):
		return AnomalyReconciliationConflict, true
	case errors.Is(err, ErrNotFound):
		return AnomalyUnknownTransaction, true
	}
	return "", false
}

// Err rebuilds the taxonomy error the anomaly was recorded for, so a
// redelivered event gets the same answer as the first delivery.
func (a *Anomaly) Err() error {
	var kind error
	switch a.Kind {
	case AnomalyDataIntegrity:
		kind = ErrDataIntegrity
	case AnomalyInvalidTransition:
		kind = ErrInvalidTransition
	case AnomalyConflictingEvent:
		kind = ErrConflictingEvent
	case AnomalyReconciliationConflict:
		kind = ErrReconciliationConflict
	default:
		kind = ErrNotFound
	}
	return &TransitionError{
		Kind:      kind,
		Ref:       a.Ref,
		From:      a.LocalStatus,
		To:        a.RemoteStatus,
		EventType: a.EventType,
		Detail:    "already recorded as anomaly " + a.ID,
	}
}

// NewAnomaly builds the anomaly for an event rejected with err. It returns nil
// when err is not an anomaly-worthy rejection.
func NewAnomaly(err error, ev Event, local Status, now time.Time) *Anomaly {
	kind, ok := AnomalyKindFor(err)
	if !ok {
		return nil
	}
	meta := ev.Meta()
	a := &Anomaly{
		ID:          uuid.NewString(),
		Ref:         meta.Ref,
		Kind:        kind,
		EventType:   meta.Type,
		Fingerprint: meta.Fingerprint,
		Source:      meta.Source,
		LocalStatus: local,
		Detail:      err.Error(),
		Payload:     meta.Payload,
		CreatedAt:   now,
	}
	var te *TransitionError
	if errors.As(err, &te) {
		a.RemoteStatus = te.To
	}
	return a
}
