package payment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Source identifies how an event reached the state machine.
type Source string

const (
	SourceWebhook        Source = "webhook"
	SourceReconciliation Source = "reconciliation"
)

// EventMeta is carried by every event variant.
type EventMeta struct {
	Type        string
	Ref         string
	Fingerprint string
	Source      Source
	Sequence    *int64 // gateway ordering hint, nil when the gateway sends none
	ReceivedAt  time.Time
	Payload     []byte
}

// Meta returns the shared event fields.
func (m EventMeta) Meta() EventMeta { return m }

// Event is the closed set of events the state machine understands.
type Event interface {
	Meta() EventMeta
	Kind() EventKind
}

// EventKind names an Event variant.
type EventKind string

const (
	KindInFlight     EventKind = "in_flight"
	KindSuccess      EventKind = "success"
	KindFailure      EventKind = "failure"
	KindRefund       EventKind = "refund"
	KindDispute      EventKind = "dispute"
	KindUnrecognized EventKind = "unrecognized"
)

// InFlightEvent reports that the gateway is processing the charge.
type InFlightEvent struct {
	EventMeta
}

// SuccessEvent reports a settled charge. Amount is in minor units.
type SuccessEvent struct {
	EventMeta
	Amount   int64
	Currency string
}

// FailureEvent reports a declined or abandoned charge.
type FailureEvent struct {
	EventMeta
	Reason string
}

// RefundEvent reports money returned to the customer.
type RefundEvent struct {
	EventMeta
	Amount int64
}

// DisputeEvent reports a chargeback or dispute opened by the customer.
type DisputeEvent struct {
	EventMeta
	Reason string
}

// UnrecognizedEvent is any gateway event type we do not model. It is kept for
// audit and never changes status.
type UnrecognizedEvent struct {
	EventMeta
}

func (InFlightEvent) Kind() EventKind     { return KindInFlight }
func (SuccessEvent) Kind() EventKind      { return KindSuccess }
func (FailureEvent) Kind() EventKind      { return KindFailure }
func (RefundEvent) Kind() EventKind       { return KindRefund }
func (DisputeEvent) Kind() EventKind      { return KindDispute }
func (UnrecognizedEvent) Kind() EventKind { return KindUnrecognized }

// Fingerprint is the idempotency key of an event: SHA-256 over the
// length-prefixed ref, event type and payload.
func Fingerprint(ref, eventType string, payload []byte) string {
	h := sha256.New()
	writeField(h, []byte(ref))
	writeField(h, []byte(eventType))
	writeField(h, payload)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
