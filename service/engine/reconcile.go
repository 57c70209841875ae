package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/squadrecon/service/payment"
)

// Reconcile outcomes.
const (
	ReconcileInSync        = "in_sync"
	ReconcileApplied       = "applied"
	ReconcilePending       = "pending"
	ReconcileConflict      = "conflict"
	ReconcileRejected      = "rejected"
	ReconcileRemoteMissing = "remote_missing"
	ReconcileFailed        = "failed"
)

// ReconcileResult reports one reconciliation.
type ReconcileResult struct {
	Ref          string           `json:"transaction_ref"`
	LocalStatus  payment.Status   `json:"local_status"`
	RemoteStatus payment.Status   `json:"remote_status,omitempty"`
	FinalStatus  payment.Status   `json:"final_status"`
	Outcome      string           `json:"outcome"`
	Anomaly      *payment.Anomaly `json:"anomaly,omitempty"`
}

// Reconcile compares the local record with the gateway's verification answer.
// A remote terminal state for a local non-terminal transaction is fed through
// the state machine as a synthesized event. Disagreeing terminal states are
// recorded as a reconciliation_conflict anomaly and never auto-resolved.
func (e *Engine) Reconcile(ctx context.Context, ref string) (*ReconcileResult, error) {
	if e.gateway == nil {
		return nil, errors.New("reconcile: no gateway configured")
	}
	res := &ReconcileResult{Ref: ref}

	// The gateway call happens outside the lock so a slow gateway does not
	// hold up webhook deliveries for this reference.
	rec, verifyErr := e.gateway.Verify(ctx, ref)

	err := e.withLock(ctx, ref, func() error {
		txn, err := e.store.GetTransaction(ctx, ref)
		if err != nil {
			return err
		}
		res.LocalStatus = txn.Status
		res.FinalStatus = txn.Status

		if err := e.store.MarkReconcileAttempt(ctx, ref, e.now()); err != nil {
			return err
		}

		switch {
		case errors.Is(verifyErr, payment.ErrNotFound):
			res.Outcome = ReconcileRemoteMissing
			return nil
		case verifyErr != nil:
			res.Outcome = ReconcileFailed
			return fmt.Errorf("verify %s: %w", ref, verifyErr)
		}
		res.RemoteStatus = rec.Status

		if !needsEvent(txn, rec) {
			if txn.Status.IsTerminal() {
				res.Outcome = ReconcileInSync
			} else {
				res.Outcome = ReconcilePending
			}
			return nil
		}

		ev := rec.SyntheticEvent()
		if txn.Status.IsTerminal() && !forwardFromTerminal(txn.Status, rec.Status) {
			a, err := e.flagConflict(ctx, txn, ev, rec)
			res.Anomaly = a
			res.Outcome = ReconcileConflict
			if err != nil {
				return err
			}
			return &payment.TransitionError{
				Kind:      payment.ErrReconciliationConflict,
				Ref:       ref,
				From:      txn.Status,
				To:        rec.Status,
				EventType: ev.Meta().Type,
			}
		}

		out, applyErr, err := e.applyLocked(ctx, ev)
		if err != nil {
			return err
		}
		res.FinalStatus = out.Status
		res.Anomaly = out.Anomaly
		if applyErr != nil {
			res.Outcome = ReconcileRejected
			return applyErr
		}
		if out.Outcome == payment.OutcomeApplied {
			res.Outcome = ReconcileApplied
		} else {
			res.Outcome = ReconcileInSync
		}
		return nil
	})

	outcome := res.Outcome
	if outcome == "" {
		outcome = ReconcileFailed
	}
	e.metrics.RecordReconciliation(outcome)
	e.logger.InfoContext(ctx, "reconciled transaction",
		"ref", ref,
		"local", res.LocalStatus,
		"remote", res.RemoteStatus,
		"final", res.FinalStatus,
		"outcome", outcome,
		"error", err,
	)
	return res, err
}

// needsEvent reports whether the remote answer says anything the local record
// does not already reflect.
func needsEvent(txn *payment.Transaction, rec *payment.VerificationRecord) bool {
	sameMoney := rec.Amount == txn.Amount && rec.Currency == txn.Currency
	switch {
	case txn.Status == rec.Status:
		// Same status but different money is still a disagreement.
		return rec.Status == payment.StatusSucceeded && !sameMoney
	case rec.Status == payment.StatusSucceeded && sameMoney &&
		(txn.Status == payment.StatusRefunded || txn.Status == payment.StatusDisputed):
		// Verification keeps reporting the charge after a refund or dispute.
		return false
	case rec.Status == payment.StatusPending:
		return txn.Status.IsTerminal()
	}
	return true
}

// forwardFromTerminal lists the transitions out of a terminal state that the
// state machine itself permits.
func forwardFromTerminal(local, remote payment.Status) bool {
	return local == payment.StatusSucceeded &&
		(remote == payment.StatusRefunded || remote == payment.StatusDisputed)
}

// flagConflict stores one reconciliation_conflict anomaly per distinct remote
// answer. The synthesized fingerprint is consumed in the same write so repeat
// reconciliations do not pile up anomalies.
func (e *Engine) flagConflict(ctx context.Context, txn *payment.Transaction, ev payment.Event, rec *payment.VerificationRecord) (*payment.Anomaly, error) {
	meta := ev.Meta()
	if !txn.ShouldApply(meta.Fingerprint) {
		return nil, nil
	}
	now := e.now()
	conflict := &payment.TransitionError{
		Kind:      payment.ErrReconciliationConflict,
		Ref:       txn.Ref,
		From:      txn.Status,
		To:        rec.Status,
		EventType: meta.Type,
		Detail: fmt.Sprintf("gateway reports %s %d %s, local is %s %d %s",
			rec.Status, rec.Amount, rec.Currency, txn.Status, txn.Amount, txn.Currency),
	}
	a := payment.NewAnomaly(conflict, ev, txn.Status, now)

	next := txn.Clone()
	next.Remember(meta.Fingerprint, now)
	if err := e.store.CommitTransaction(ctx, next, txn.Version, a); err != nil {
		return nil, err
	}
	e.metrics.RecordAnomaly(string(a.Kind))
	e.logger.WarnContext(ctx, "reconciliation conflict",
		"ref", txn.Ref,
		"local", txn.Status,
		"remote", rec.Status,
	)
	e.publishAnomaly(ctx, a)
	return a, nil
}
