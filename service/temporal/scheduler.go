package temporal

import (
	"context"
	"time"
)

// SweepScheduleID is the ID of the single schedule that runs the stale sweep.
const SweepScheduleID = "squadrecon-sweep-stale"

// Scheduler manages the reconciliation schedule and one-off reconciliations.
type Scheduler interface {
	// UpsertSweepSchedule creates the sweep schedule or updates its interval
	// and input.
	UpsertSweepSchedule(ctx context.Context, interval time.Duration, input SweepInput) error

	// DeleteSweepSchedule removes the sweep schedule.
	DeleteSweepSchedule(ctx context.Context) error

	// StartReconcile starts ReconcileTransactionWorkflow for ref and returns
	// the workflow ID.
	StartReconcile(ctx context.Context, ref string) (string, error)
}

// reconcileWorkflowID is deterministic per ref so concurrent operator
// triggers for the same ref collapse into one run.
func reconcileWorkflowID(ref string) string {
	return "reconcile-" + ref
}
