package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Outcome classifies what Apply decided for an event.
type Outcome string

const (
	// OutcomeApplied moved the transaction to a new status.
	OutcomeApplied Outcome = "applied"
	// OutcomeRecorded appended the event for audit without a status change.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeDuplicate means the fingerprint was already consumed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRedundant means the event restates an outcome already reached.
	OutcomeRedundant Outcome = "redundant"
	// OutcomeStale means the gateway sequence is behind the last applied one.
	OutcomeStale Outcome = "stale"
)

// Decision is the result of running one event through the state machine.
type Decision struct {
	Outcome     Outcome
	From        Status
	To          Status
	Fingerprint string
	Record      *EventRecord // set for applied and recorded outcomes
}

// Changed reports whether the decision appends to the event log.
func (d Decision) Changed() bool {
	return d.Outcome == OutcomeApplied || d.Outcome == OutcomeRecorded
}

// Apply runs ev against the current state of txn. It does not modify txn;
// fold the decision in with Transaction.Accept.
//
// An event whose sequence is behind the last applied one never moves the
// transaction, but it is still rejected when it reports the wrong money or
// an outcome that contradicts the current state.
func Apply(txn *Transaction, ev Event, now time.Time) (Decision, error) {
	meta := ev.Meta()
	d := Decision{From: txn.Status, To: txn.Status, Fingerprint: meta.Fingerprint}

	if !txn.ShouldApply(meta.Fingerprint) {
		d.Outcome = OutcomeDuplicate
		return d, nil
	}

	decided, err := decide(txn, ev, now)
	if meta.Sequence != nil && txn.LastSequence != nil && *meta.Sequence <= *txn.LastSequence {
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return d, err
		}
		d.Outcome = OutcomeStale
		return d, nil
	}
	return decided, err
}

func decide(txn *Transaction, ev Event, now time.Time) (Decision, error) {
	meta := ev.Meta()
	from := txn.Status
	d := Decision{From: from, To: from, Fingerprint: meta.Fingerprint}

	reject := func(kind error, detail string) (Decision, error) {
		return d, &TransitionError{
			Kind:      kind,
			Ref:       txn.Ref,
			From:      from,
			EventType: meta.Type,
			Detail:    detail,
		}
	}

	var to Status
	switch e := ev.(type) {
	case UnrecognizedEvent:
		return record(d, ev, from, now), nil

	case InFlightEvent:
		switch from {
		case StatusPending:
			to = StatusProcessing
		case StatusProcessing:
			return record(d, ev, from, now), nil
		default:
			return reject(ErrInvalidTransition, fmt.Sprintf("cannot move %s back to processing", from))
		}

	case SuccessEvent:
		if e.Amount != txn.Amount || e.Currency != txn.Currency {
			return reject(ErrDataIntegrity, fmt.Sprintf("reported %d %s, expected %d %s",
				e.Amount, e.Currency, txn.Amount, txn.Currency))
		}
		switch from {
		case StatusPending, StatusProcessing:
			to = StatusSucceeded
		case StatusSucceeded, StatusRefunded, StatusDisputed:
			d.Outcome = OutcomeRedundant
			return d, nil
		default:
			return reject(ErrConflictingEvent, fmt.Sprintf("success reported for a %s transaction", from))
		}

	case FailureEvent:
		switch from {
		case StatusPending, StatusProcessing:
			to = StatusFailed
		case StatusFailed:
			d.Outcome = OutcomeRedundant
			return d, nil
		default:
			return reject(ErrConflictingEvent, fmt.Sprintf("failure reported for a %s transaction", from))
		}

	case RefundEvent:
		if e.Amount < 0 || e.Amount > txn.Amount {
			return reject(ErrDataIntegrity, fmt.Sprintf("refund of %d exceeds amount %d", e.Amount, txn.Amount))
		}
		switch from {
		case StatusSucceeded:
			to = StatusRefunded
		case StatusRefunded:
			d.Outcome = OutcomeRedundant
			return d, nil
		default:
			return reject(ErrInvalidTransition, fmt.Sprintf("refund requires a succeeded transaction, got %s", from))
		}

	case DisputeEvent:
		switch from {
		case StatusSucceeded:
			to = StatusDisputed
		case StatusDisputed:
			d.Outcome = OutcomeRedundant
			return d, nil
		default:
			return reject(ErrInvalidTransition, fmt.Sprintf("dispute requires a succeeded transaction, got %s", from))
		}

	default:
		return reject(ErrMalformedEvent, fmt.Sprintf("unsupported event %T", ev))
	}

	d = record(d, ev, to, now)
	d.Outcome = OutcomeApplied
	return d, nil
}

func record(d Decision, ev Event, to Status, now time.Time) Decision {
	meta := ev.Meta()
	rec := &EventRecord{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:        meta.Type,
		Kind:        ev.Kind(),
		Source:      meta.Source,
		Fingerprint: meta.Fingerprint,
		Sequence:    meta.Sequence,
		FromStatus:  d.From,
		ToStatus:    to,
		Payload:     meta.Payload,
		ReceivedAt:  meta.ReceivedAt,
		AppliedAt:   now,
	}
	switch e := ev.(type) {
	case SuccessEvent:
		rec.Amount, rec.Currency = e.Amount, e.Currency
	case RefundEvent:
		rec.Amount = e.Amount
	}
	d.To = to
	d.Outcome = OutcomeRecorded
	d.Record = rec
	return d
}
