package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/squadrecon/service/payment"
)

// Result describes what happened to one event.
type Result struct {
	Ref       string           `json:"transaction_ref"`
	EventType string           `json:"event_type"`
	Outcome   payment.Outcome  `json:"outcome,omitempty"`
	Status    payment.Status   `json:"status,omitempty"`
	Anomaly   *payment.Anomaly `json:"anomaly,omitempty"`

	Transaction *payment.Transaction `json:"-"`
}

// HandleWebhook authenticates, parses and applies one raw webhook delivery.
// A bad signature returns ErrAuthentication and stores nothing. Rejected
// events are stored as anomalies and return their taxonomy error together
// with a non-nil Result.
func (e *Engine) HandleWebhook(ctx context.Context, body []byte, sig string) (*Result, error) {
	start := time.Now()

	if !e.verifier.Verify(body, sig) {
		e.metrics.RecordSignatureRejection()
		e.logger.WarnContext(ctx, "webhook signature rejected", "body_bytes", len(body))
		return nil, payment.ErrAuthentication
	}

	ev, err := payment.ParseWebhook(body, e.now())
	if err != nil {
		e.metrics.RecordWebhook("malformed", "malformed", time.Since(start).Seconds())
		e.logger.WarnContext(ctx, "malformed webhook", "error", err)
		return nil, err
	}

	res, err := e.Submit(ctx, ev)
	e.metrics.RecordWebhook(string(ev.Kind()), outcomeLabel(res, err), time.Since(start).Seconds())
	return res, err
}

// Submit runs an already parsed event through the state machine under the
// reference's lock.
func (e *Engine) Submit(ctx context.Context, ev payment.Event) (*Result, error) {
	var (
		res      *Result
		applyErr error
	)
	err := e.withLock(ctx, ev.Meta().Ref, func() error {
		var err error
		res, applyErr, err = e.applyLocked(ctx, ev)
		return err
	})
	if err != nil {
		return res, err
	}
	return res, applyErr
}

// applyLocked loads, decides and commits. The returned applyErr is the
// taxonomy error of a rejected event that was nonetheless durably recorded;
// err is a failure to record anything.
func (e *Engine) applyLocked(ctx context.Context, ev payment.Event) (res *Result, applyErr error, err error) {
	meta := ev.Meta()
	res = &Result{Ref: meta.Ref, EventType: meta.Type}

	for attempt := 0; ; attempt++ {
		txn, err := e.store.GetTransaction(ctx, meta.Ref)
		if errors.Is(err, payment.ErrNotFound) {
			res.Anomaly, err = e.recordUnknown(ctx, ev)
			if err != nil {
				return res, nil, err
			}
			return res, fmt.Errorf("%w: %s", payment.ErrNotFound, meta.Ref), nil
		}
		if err != nil {
			return res, nil, err
		}

		now := e.now()
		d, rejectErr := payment.Apply(txn, ev, now)
		if rejectErr != nil {
			if _, ok := payment.AnomalyKindFor(rejectErr); !ok {
				return res, nil, rejectErr
			}
		}
		if rejectErr == nil && d.Outcome == payment.OutcomeDuplicate {
			res.Outcome = d.Outcome
			res.Status = txn.Status
			res.Transaction = txn
			prior, err := e.priorRejection(ctx, txn, meta.Fingerprint)
			if err != nil {
				return res, nil, err
			}
			if prior != nil {
				res.Anomaly = prior
				return res, prior.Err(), nil
			}
			e.logger.DebugContext(ctx, "duplicate event ignored",
				"ref", meta.Ref,
				"event_type", meta.Type,
				"fingerprint", meta.Fingerprint,
			)
			return res, nil, nil
		}

		next := txn.Clone()
		var anomaly *payment.Anomaly
		if rejectErr != nil {
			anomaly = payment.NewAnomaly(rejectErr, ev, txn.Status, now)
			next.Remember(meta.Fingerprint, now)
		} else {
			next.Accept(d, now)
		}

		err = e.store.CommitTransaction(ctx, next, txn.Version, anomaly)
		if errors.Is(err, payment.ErrVersionConflict) && attempt < e.cfg.MaxCommitRetries {
			e.metrics.RecordVersionConflict()
			e.logger.DebugContext(ctx, "version conflict, reloading", "ref", meta.Ref, "attempt", attempt)
			continue
		}
		if err != nil {
			return res, nil, err
		}

		res.Status = next.Status
		res.Transaction = next
		if anomaly != nil {
			res.Anomaly = anomaly
			e.metrics.RecordAnomaly(string(anomaly.Kind))
			e.logger.WarnContext(ctx, "event rejected",
				"ref", meta.Ref,
				"event_type", meta.Type,
				"source", meta.Source,
				"status", txn.Status,
				"kind", anomaly.Kind,
				"error", rejectErr,
			)
			e.publishAnomaly(ctx, anomaly)
			return res, rejectErr, nil
		}

		res.Outcome = d.Outcome
		if d.Outcome == payment.OutcomeApplied {
			e.metrics.RecordTransition(string(d.From), string(d.To), string(meta.Source))
			e.logger.InfoContext(ctx, "transaction transitioned",
				"ref", meta.Ref,
				"from", d.From,
				"to", d.To,
				"event_type", meta.Type,
				"source", meta.Source,
			)
		}
		if d.Changed() {
			e.publishTransition(ctx, next, d)
		}
		return res, nil, nil
	}
}

// priorRejection returns the anomaly a consumed fingerprint was rejected
// with, or nil when the fingerprint was applied or dropped without one.
func (e *Engine) priorRejection(ctx context.Context, txn *payment.Transaction, fingerprint string) (*payment.Anomaly, error) {
	for _, rec := range txn.Events {
		if rec.Fingerprint == fingerprint {
			return nil, nil
		}
	}
	a, err := e.store.FindAnomaly(ctx, txn.Ref, fingerprint)
	if err != nil || a == nil {
		return nil, err
	}
	switch a.Kind {
	case payment.AnomalyDataIntegrity, payment.AnomalyInvalidTransition, payment.AnomalyConflictingEvent:
		return a, nil
	}
	return nil, nil
}

// recordUnknown stores an unknown_transaction anomaly once per fingerprint.
func (e *Engine) recordUnknown(ctx context.Context, ev payment.Event) (*payment.Anomaly, error) {
	meta := ev.Meta()
	existing, err := e.store.FindAnomaly(ctx, meta.Ref, meta.Fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Kind == payment.AnomalyUnknownTransaction {
		return existing, nil
	}

	a := payment.NewAnomaly(fmt.Errorf("%w: %s", payment.ErrNotFound, meta.Ref), ev, "", e.now())
	if err := e.store.RecordAnomaly(ctx, a); err != nil {
		return nil, err
	}
	e.metrics.RecordAnomaly(string(a.Kind))
	e.logger.WarnContext(ctx, "event for unknown transaction",
		"ref", meta.Ref,
		"event_type", meta.Type,
		"source", meta.Source,
	)
	e.publishAnomaly(ctx, a)
	return a, nil
}

func outcomeLabel(res *Result, err error) string {
	if kind, ok := payment.AnomalyKindFor(err); ok {
		return string(kind)
	}
	if err != nil {
		if errors.Is(err, payment.ErrTransientIO) {
			return "transient"
		}
		return "error"
	}
	if res != nil && res.Outcome != "" {
		return string(res.Outcome)
	}
	return "unknown"
}
