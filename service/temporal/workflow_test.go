package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/squadrecon/service/engine"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Register activities first (before mocking)
	activities := &Activities{}
	env.RegisterActivity(activities.ListStaleTransactions)
	env.RegisterActivity(activities.ReconcileTransaction)
	env.RegisterActivity(activities.SummarizeSweep)
	return env, activities
}

func staleList(refs ...string) *ListStaleResult {
	out := &ListStaleResult{}
	for _, ref := range refs {
		out.Transactions = append(out.Transactions, StaleTransaction{Ref: ref, Status: payment.StatusProcessing})
	}
	return out
}

func TestSweepStaleTransactionsWorkflow(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.ListStaleTransactions, mock.Anything, ListStaleInput{Limit: 50}).
		Return(staleList("SQ-1", "SQ-2", "SQ-3", "SQ-4", "SQ-5"), nil)

	env.OnActivity(activities.ReconcileTransaction, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in ReconcileInput) (*ReconcileOutput, error) {
			switch in.Ref {
			case "SQ-1":
				return &ReconcileOutput{Ref: in.Ref, Outcome: engine.ReconcileApplied, FinalStatus: payment.StatusSucceeded}, nil
			case "SQ-2":
				return &ReconcileOutput{Ref: in.Ref, Outcome: engine.ReconcileConflict, AnomalyID: "a-1"}, nil
			case "SQ-3":
				return &ReconcileOutput{Ref: in.Ref, Outcome: engine.ReconcilePending}, nil
			case "SQ-4":
				return &ReconcileOutput{Ref: in.Ref, Outcome: engine.ReconcileRemoteMissing}, nil
			}
			return nil, temporalsdk.NewNonRetryableApplicationError("store unreachable", "ReconcileFailed", nil)
		})

	env.OnActivity(activities.SummarizeSweep, mock.Anything, mock.Anything).
		Return(&StuckSummary{Stuck: 3, Exhausted: 1}, nil)

	env.ExecuteWorkflow(SweepStaleTransactionsWorkflow, SweepInput{Limit: 50})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result SweepResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 5, result.Candidates)
	assert.Equal(t, 1, result.Reconciled)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 2, result.StillPending)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 3, result.Stuck)
	assert.Equal(t, 1, result.Exhausted)
}

func TestSweepStaleTransactionsWorkflow_DefaultLimitAndEmpty(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.ListStaleTransactions, mock.Anything, ListStaleInput{Limit: defaultSweepLimit}).
		Return(staleList(), nil)
	env.OnActivity(activities.SummarizeSweep, mock.Anything, mock.Anything).
		Return(&StuckSummary{}, nil)

	env.ExecuteWorkflow(SweepStaleTransactionsWorkflow, SweepInput{})

	require.NoError(t, env.GetWorkflowError())
	var result SweepResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 0, result.Candidates)
	assert.Equal(t, 0, result.Failed)
}

func TestSweepStaleTransactionsWorkflow_ListFails(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.ListStaleTransactions, mock.Anything, mock.Anything).
		Return(nil, errors.New("database error"))

	env.ExecuteWorkflow(SweepStaleTransactionsWorkflow, SweepInput{})

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
}

func TestSweepStaleTransactionsWorkflow_SummaryFailureIsNotFatal(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.ListStaleTransactions, mock.Anything, mock.Anything).
		Return(staleList("SQ-1"), nil)
	env.OnActivity(activities.ReconcileTransaction, mock.Anything, mock.Anything).
		Return(&ReconcileOutput{Ref: "SQ-1", Outcome: engine.ReconcileApplied}, nil)
	env.OnActivity(activities.SummarizeSweep, mock.Anything, mock.Anything).
		Return(nil, temporalsdk.NewNonRetryableApplicationError("gauge", "SummaryFailed", nil))

	env.ExecuteWorkflow(SweepStaleTransactionsWorkflow, SweepInput{})

	require.NoError(t, env.GetWorkflowError())
	var result SweepResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 1, result.Reconciled)
	assert.Equal(t, 0, result.Stuck)
}

func TestSweepStaleTransactionsWorkflow_ActivityRetries(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.ListStaleTransactions, mock.Anything, mock.Anything).
		Return(staleList("SQ-1"), nil)
	env.OnActivity(activities.SummarizeSweep, mock.Anything, mock.Anything).
		Return(&StuckSummary{}, nil)

	// Fail twice with a transient error, then succeed on the last attempt.
	callCount := 0
	env.OnActivity(activities.ReconcileTransaction, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in ReconcileInput) (*ReconcileOutput, error) {
			callCount++
			if callCount < 3 {
				return nil, payment.Transient("verify "+in.Ref, errors.New("gateway timeout"))
			}
			return &ReconcileOutput{Ref: in.Ref, Outcome: engine.ReconcileApplied}, nil
		})

	env.ExecuteWorkflow(SweepStaleTransactionsWorkflow, SweepInput{})

	require.NoError(t, env.GetWorkflowError())
	var result SweepResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 1, result.Reconciled)
	assert.Equal(t, 0, result.Failed)
}

func TestSweepStaleTransactionsWorkflow_RetriesExhausted(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.ListStaleTransactions, mock.Anything, mock.Anything).
		Return(staleList("SQ-1"), nil)
	env.OnActivity(activities.SummarizeSweep, mock.Anything, mock.Anything).
		Return(&StuckSummary{Stuck: 1}, nil)

	callCount := 0
	env.OnActivity(activities.ReconcileTransaction, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in ReconcileInput) (*ReconcileOutput, error) {
			callCount++
			return nil, payment.Transient("verify "+in.Ref, errors.New("gateway timeout"))
		})

	env.ExecuteWorkflow(SweepStaleTransactionsWorkflow, SweepInput{})

	require.NoError(t, env.GetWorkflowError())
	var result SweepResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Stuck)
}

func TestReconcileTransactionWorkflow(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env, activities := newWorkflowEnv(t)
		env.OnActivity(activities.ReconcileTransaction, mock.Anything, ReconcileInput{Ref: "SQ-1"}).
			Return(&ReconcileOutput{Ref: "SQ-1", Outcome: engine.ReconcileApplied, FinalStatus: payment.StatusSucceeded}, nil)

		env.ExecuteWorkflow(ReconcileTransactionWorkflow, ReconcileInput{Ref: "SQ-1"})

		require.NoError(t, env.GetWorkflowError())
		var out ReconcileOutput
		require.NoError(t, env.GetWorkflowResult(&out))
		assert.Equal(t, payment.StatusSucceeded, out.FinalStatus)
	})

	t.Run("failure", func(t *testing.T) {
		env, activities := newWorkflowEnv(t)
		env.OnActivity(activities.ReconcileTransaction, mock.Anything, mock.Anything).
			Return(nil, temporalsdk.NewNonRetryableApplicationError("boom", "ReconcileFailed", nil))

		env.ExecuteWorkflow(ReconcileTransactionWorkflow, ReconcileInput{Ref: "SQ-1"})

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())
	})
}

func TestTally(t *testing.T) {
	tests := []struct {
		outcome string
		check   func(r SweepResult) int
	}{
		{engine.ReconcileApplied, func(r SweepResult) int { return r.Reconciled }},
		{engine.ReconcileInSync, func(r SweepResult) int { return r.Reconciled }},
		{engine.ReconcileConflict, func(r SweepResult) int { return r.Conflicts }},
		{engine.ReconcileRejected, func(r SweepResult) int { return r.Conflicts }},
		{engine.ReconcilePending, func(r SweepResult) int { return r.StillPending }},
		{engine.ReconcileRemoteMissing, func(r SweepResult) int { return r.StillPending }},
		{engine.ReconcileFailed, func(r SweepResult) int { return r.Failed }},
		{"", func(r SweepResult) int { return r.Failed }},
	}
	for _, tt := range tests {
		var r SweepResult
		tally(&r, &ReconcileOutput{Outcome: tt.outcome})
		assert.Equal(t, 1, tt.check(r), tt.outcome)
	}
}
