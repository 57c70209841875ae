package engine

import (
	"context"
	"time"

	"github.com/brojonat/squadrecon/service/db"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/brojonat/squadrecon/service/squad"
)

// CreateRequest registers a new transaction.
type CreateRequest struct {
	Ref          string            `json:"transaction_ref"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	CustomerID   string            `json:"customer_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Email        string            `json:"email,omitempty"`
	CustomerName string            `json:"customer_name,omitempty"`
	CallbackURL  string            `json:"callback_url,omitempty"`
	// Initiate asks the gateway for a hosted checkout link.
	Initiate bool `json:"initiate,omitempty"`
}

// CreateTransaction validates and stores a pending transaction. A gateway
// initiation failure is logged and the transaction is returned without a
// checkout URL.
func (e *Engine) CreateTransaction(ctx context.Context, req CreateRequest) (*payment.Transaction, error) {
	txn, err := payment.NewTransaction(req.Ref, req.Amount, req.Currency, req.CustomerID, req.Metadata, e.now())
	if err != nil {
		return nil, err
	}

	err = e.withLock(ctx, txn.Ref, func() error {
		if err := e.store.CreateTransaction(ctx, txn); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "transaction created",
			"ref", txn.Ref,
			"amount", payment.FormatMinorUnits(txn.Amount, txn.Currency),
		)

		if !req.Initiate || e.gateway == nil {
			return nil
		}
		resp, err := e.gateway.Initiate(ctx, squad.InitiateRequest{
			Amount:         txn.Amount,
			Email:          req.Email,
			Currency:       txn.Currency,
			TransactionRef: txn.Ref,
			CallbackURL:    req.CallbackURL,
			CustomerName:   req.CustomerName,
			Metadata:       req.Metadata,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "checkout initiation failed", "ref", txn.Ref, "error", err)
			return nil
		}
		next := txn.Clone()
		next.CheckoutURL = resp.CheckoutURL
		next.UpdatedAt = e.now()
		if err := e.store.CommitTransaction(ctx, next, txn.Version, nil); err != nil {
			return err
		}
		txn = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Get returns one transaction.
func (e *Engine) Get(ctx context.Context, ref string) (*payment.Transaction, error) {
	return e.store.GetTransaction(ctx, ref)
}

// List returns transactions newest first.
func (e *Engine) List(ctx context.Context, params db.ListTransactionsParams) ([]*payment.Transaction, error) {
	return e.store.ListTransactions(ctx, params)
}

// ListAnomalies returns anomalies newest first.
func (e *Engine) ListAnomalies(ctx context.Context, params db.ListAnomaliesParams) ([]*payment.Anomaly, error) {
	return e.store.ListAnomalies(ctx, params)
}

// StaleQuery selects transactions for a sweep. Zero fields fall back to the
// engine configuration.
type StaleQuery struct {
	StaleAfter  time.Duration
	MaxAttempts int
	Limit       int32
}

// ListStale returns transactions due for automatic reconciliation.
func (e *Engine) ListStale(ctx context.Context, q StaleQuery) ([]*payment.Transaction, error) {
	if q.StaleAfter <= 0 {
		q.StaleAfter = e.cfg.StaleAfter
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = e.cfg.MaxReconcileAttempts
	}
	return e.store.ListStaleTransactions(ctx, db.StaleParams{
		OlderThan:   e.now().Add(-q.StaleAfter),
		MaxAttempts: q.MaxAttempts,
		Limit:       q.Limit,
	})
}

// StuckTransaction is one entry of the stuck queue.
type StuckTransaction struct {
	Ref               string         `json:"transaction_ref"`
	Status            payment.Status `json:"status"`
	Amount            int64          `json:"amount"`
	Currency          string         `json:"currency"`
	Age               string         `json:"age"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StatusChangedAt   time.Time      `json:"status_changed_at"`
	ReconcileAttempts int            `json:"reconcile_attempts"`
	LastReconciledAt  *time.Time     `json:"last_reconciled_at,omitempty"`
	// Exhausted means automatic reconciliation has given up; an operator
	// must look at it.
	Exhausted bool `json:"exhausted"`
}

// ListStuck returns every non-terminal transaction older than the stale
// threshold, including those that used up their reconciliation attempts.
func (e *Engine) ListStuck(ctx context.Context, limit int32) ([]StuckTransaction, error) {
	now := e.now()
	txns, err := e.store.ListStaleTransactions(ctx, db.StaleParams{
		OlderThan: now.Add(-e.cfg.StaleAfter),
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]StuckTransaction, 0, len(txns))
	for _, t := range txns {
		out = append(out, StuckTransaction{
			Ref:               t.Ref,
			Status:            t.Status,
			Amount:            t.Amount,
			Currency:          t.Currency,
			Age:               now.Sub(t.StatusChangedAt).Truncate(time.Second).String(),
			UpdatedAt:         t.UpdatedAt,
			StatusChangedAt:   t.StatusChangedAt,
			ReconcileAttempts: t.ReconcileAttempts,
			LastReconciledAt:  t.LastReconciledAt,
			Exhausted:         t.ReconcileAttempts >= e.cfg.MaxReconcileAttempts,
		})
	}
	e.metrics.SetStuckTransactions(len(out))
	return out, nil
}
