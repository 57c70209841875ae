package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/squadrecon/service/engine"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const defaultSweepLimit = 100

// activityOptions bounds every reconciliation activity: exponential backoff
// from 1s, capped at 30s, at most 3 attempts.
func activityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
}

// SweepStaleTransactionsWorkflow reconciles every transaction that has sat in
// a non-terminal state past the stale threshold. It is triggered by a
// Temporal schedule.
//
// The workflow performs these steps:
// 1. List stale transactions (ListStaleTransactions activity)
// 2. Reconcile each one against the gateway (ReconcileTransaction activity)
// 3. Refresh the stuck-queue gauge (SummarizeSweep activity)
func SweepStaleTransactionsWorkflow(ctx workflow.Context, input SweepInput) (*SweepResult, error) {
	logger := workflow.GetLogger(ctx)
	ctx = activityOptions(ctx)

	if input.Limit <= 0 {
		input.Limit = defaultSweepLimit
	}
	result := &SweepResult{StartedAt: workflow.Now(ctx)}

	var stale *ListStaleResult
	err := workflow.ExecuteActivity(ctx, a.ListStaleTransactions, ListStaleInput{
		StaleAfter:  input.StaleAfter,
		MaxAttempts: input.MaxAttempts,
		Limit:       input.Limit,
	}).Get(ctx, &stale)
	if err != nil {
		return result, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	result.Candidates = len(stale.Transactions)
	logger.Info("sweep started", "candidates", result.Candidates)

	// Refs are distinct, so their reconciliations can run side by side.
	futures := make([]workflow.Future, len(stale.Transactions))
	for i, t := range stale.Transactions {
		futures[i] = workflow.ExecuteActivity(ctx, a.ReconcileTransaction, ReconcileInput{Ref: t.Ref})
	}
	for i, f := range futures {
		var out *ReconcileOutput
		if err := f.Get(ctx, &out); err != nil {
			logger.Warn("reconciliation failed", "ref", stale.Transactions[i].Ref, "error", err)
			result.Failed++
			continue
		}
		tally(result, out)
	}

	var summary *StuckSummary
	err = workflow.ExecuteActivity(ctx, a.SummarizeSweep, SummarizeSweepInput{
		Result: *result,
		Limit:  input.Limit,
	}).Get(ctx, &summary)
	if err != nil {
		// The reconciliations already happened; only the gauge is stale.
		logger.Warn("failed to summarize sweep", "error", err)
	} else {
		result.Stuck = summary.Stuck
		result.Exhausted = summary.Exhausted
	}

	logger.Info("sweep completed",
		"candidates", result.Candidates,
		"reconciled", result.Reconciled,
		"conflicts", result.Conflicts,
		"still_pending", result.StillPending,
		"failed", result.Failed,
	)
	return result, nil
}

func tally(result *SweepResult, out *ReconcileOutput) {
	switch out.Outcome {
	case engine.ReconcileApplied, engine.ReconcileInSync:
		result.Reconciled++
	case engine.ReconcileConflict, engine.ReconcileRejected:
		result.Conflicts++
	case engine.ReconcilePending, engine.ReconcileRemoteMissing:
		result.StillPending++
	default:
		result.Failed++
	}
}

// ReconcileTransactionWorkflow reconciles a single transaction on operator
// request.
func ReconcileTransactionWorkflow(ctx workflow.Context, input ReconcileInput) (*ReconcileOutput, error) {
	logger := workflow.GetLogger(ctx)
	ctx = activityOptions(ctx)

	var out *ReconcileOutput
	if err := workflow.ExecuteActivity(ctx, a.ReconcileTransaction, input).Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to reconcile %s: %w", input.Ref, err)
	}

	logger.Info("reconciled transaction", "ref", out.Ref, "outcome", out.Outcome, "final_status", out.FinalStatus)
	return out, nil
}
