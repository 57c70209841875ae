package temporal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/squadrecon/service/engine"
	"github.com/brojonat/squadrecon/service/metrics"
	"github.com/brojonat/squadrecon/service/payment"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// SweepInput configures one sweep. Zero values use the engine configuration.
type SweepInput struct {
	StaleAfter  time.Duration `json:"stale_after"`
	MaxAttempts int           `json:"max_attempts"`
	Limit       int32         `json:"limit"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Candidates   int       `json:"candidates"`
	Reconciled   int       `json:"reconciled"`
	Conflicts    int       `json:"conflicts"`
	StillPending int       `json:"still_pending"`
	Failed       int       `json:"failed"`
	Stuck        int       `json:"stuck"`
	Exhausted    int       `json:"exhausted"`
	StartedAt    time.Time `json:"started_at"`
}

// ListStaleInput contains parameters for the ListStaleTransactions activity.
type ListStaleInput struct {
	StaleAfter  time.Duration `json:"stale_after"`
	MaxAttempts int           `json:"max_attempts"`
	Limit       int32         `json:"limit"`
}

// StaleTransaction is one sweep candidate.
type StaleTransaction struct {
	Ref               string         `json:"transaction_ref"`
	Status            payment.Status `json:"status"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StatusChangedAt   time.Time      `json:"status_changed_at"`
	ReconcileAttempts int            `json:"reconcile_attempts"`
}

// ListStaleResult contains the result of the ListStaleTransactions activity.
type ListStaleResult struct {
	Transactions []StaleTransaction `json:"transactions"`
}

// ReconcileInput contains parameters for reconciling one transaction.
type ReconcileInput struct {
	Ref string `json:"transaction_ref"`
}

// ReconcileOutput reports one reconciliation. Error carries the reason for
// outcomes that are final but not clean (conflicts, rejections).
type ReconcileOutput struct {
	Ref          string         `json:"transaction_ref"`
	Outcome      string         `json:"outcome"`
	LocalStatus  payment.Status `json:"local_status"`
	RemoteStatus payment.Status `json:"remote_status,omitempty"`
	FinalStatus  payment.Status `json:"final_status"`
	AnomalyID    string         `json:"anomaly_id,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// SummarizeSweepInput contains parameters for the SummarizeSweep activity.
type SummarizeSweepInput struct {
	Result SweepResult `json:"result"`
	Limit  int32       `json:"limit"`
}

// StuckSummary counts the stuck queue after a sweep.
type StuckSummary struct {
	Stuck     int `json:"stuck"`
	Exhausted int `json:"exhausted"`
}

// Reconciler is the engine surface the activities need.
// This allows for easy mocking in tests.
type Reconciler interface {
	ListStale(ctx context.Context, q engine.StaleQuery) ([]*payment.Transaction, error)
	Reconcile(ctx context.Context, ref string) (*engine.ReconcileResult, error)
	ListStuck(ctx context.Context, limit int32) ([]engine.StuckTransaction, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(r Reconciler, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		reconciler: r,
		metrics:    m,
		logger:     logger,
	}
}

// ListStaleTransactions returns the transactions a sweep should reconcile.
func (a *Activities) ListStaleTransactions(ctx context.Context, input ListStaleInput) (*ListStaleResult, error) {
	defer metrics.Timer(time.Now(), func(d float64) { a.metrics.RecordActivityDuration("ListStaleTransactions", d) })()

	txns, err := a.reconciler.ListStale(ctx, engine.StaleQuery{
		StaleAfter:  input.StaleAfter,
		MaxAttempts: input.MaxAttempts,
		Limit:       input.Limit,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to list stale transactions", "error", err)
		return nil, err
	}

	result := &ListStaleResult{Transactions: make([]StaleTransaction, 0, len(txns))}
	for _, t := range txns {
		result.Transactions = append(result.Transactions, StaleTransaction{
			Ref:               t.Ref,
			Status:            t.Status,
			UpdatedAt:         t.UpdatedAt,
			StatusChangedAt:   t.StatusChangedAt,
			ReconcileAttempts: t.ReconcileAttempts,
		})
	}

	a.logger.InfoContext(ctx, "listed stale transactions", "count", len(result.Transactions))
	return result, nil
}

// ReconcileTransaction reconciles one transaction with the gateway.
// Transient failures are returned as errors so Temporal retries them.
// Domain outcomes, including conflicts, are final and returned in the output.
func (a *Activities) ReconcileTransaction(ctx context.Context, input ReconcileInput) (*ReconcileOutput, error) {
	defer metrics.Timer(time.Now(), func(d float64) { a.metrics.RecordActivityDuration("ReconcileTransaction", d) })()

	res, err := a.reconciler.Reconcile(ctx, input.Ref)
	out := &ReconcileOutput{Ref: input.Ref}
	if res != nil {
		out.Outcome = res.Outcome
		out.LocalStatus = res.LocalStatus
		out.RemoteStatus = res.RemoteStatus
		out.FinalStatus = res.FinalStatus
		if res.Anomaly != nil {
			out.AnomalyID = res.Anomaly.ID
		}
	}
	if err == nil {
		return out, nil
	}

	if _, ok := payment.AnomalyKindFor(err); ok {
		out.Error = err.Error()
		a.logger.WarnContext(ctx, "reconciliation needs attention",
			"ref", input.Ref,
			"outcome", out.Outcome,
			"error", err,
		)
		return out, nil
	}
	if errors.Is(err, payment.ErrTransientIO) {
		a.logger.WarnContext(ctx, "transient reconciliation failure, will retry",
			"ref", input.Ref,
			"error", err,
		)
		return nil, err
	}
	a.logger.ErrorContext(ctx, "reconciliation failed", "ref", input.Ref, "error", err)
	return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "ReconcileFailed", err)
}

// SummarizeSweep refreshes the stuck-transaction gauge and records the sweep
// duration.
func (a *Activities) SummarizeSweep(ctx context.Context, input SummarizeSweepInput) (*StuckSummary, error) {
	stuck, err := a.reconciler.ListStuck(ctx, input.Limit)
	if err != nil {
		a.metrics.RecordSweepDuration("error", time.Since(input.Result.StartedAt).Seconds())
		return nil, err
	}

	summary := &StuckSummary{Stuck: len(stuck)}
	for _, st := range stuck {
		if st.Exhausted {
			summary.Exhausted++
		}
	}

	status := "success"
	if input.Result.Failed > 0 {
		status = "partial"
	}
	a.metrics.RecordSweepDuration(status, time.Since(input.Result.StartedAt).Seconds())

	a.logger.InfoContext(ctx, "sweep finished",
		"candidates", input.Result.Candidates,
		"reconciled", input.Result.Reconciled,
		"conflicts", input.Result.Conflicts,
		"still_pending", input.Result.StillPending,
		"failed", input.Result.Failed,
		"stuck", summary.Stuck,
		"exhausted", summary.Exhausted,
	)
	return summary, nil
}
