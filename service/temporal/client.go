package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) sweepAction(input SweepInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        "sweep-stale-transactions",
		Workflow:  SweepStaleTransactionsWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// UpsertSweepSchedule creates or updates the schedule that runs the stale sweep.
// If the schedule already exists its interval and input are replaced.
func (c *Client) UpsertSweepSchedule(ctx context.Context, interval time.Duration, input SweepInput) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("sweep schedule not found, creating new one",
			"schedule_id", SweepScheduleID,
			"error", err,
		)
		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: SweepScheduleID,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: c.sweepAction(input),
			// A slow sweep must not pile up behind itself.
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
			Memo: map[string]interface{}{
				"created_by": "squadrecon",
			},
		})
		if err != nil {
			c.logger.Error("failed to create sweep schedule", "schedule_id", SweepScheduleID, "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", SweepScheduleID, err)
		}
		c.logger.Info("sweep schedule created", "schedule_id", SweepScheduleID, "interval", interval)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			in.Description.Schedule.Action = c.sweepAction(input)
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update sweep schedule", "schedule_id", SweepScheduleID, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", SweepScheduleID, err)
	}

	c.logger.Info("sweep schedule updated", "schedule_id", SweepScheduleID, "interval", interval)
	return nil
}

// DeleteSweepSchedule deletes the sweep schedule.
func (c *Client) DeleteSweepSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete sweep schedule", "schedule_id", SweepScheduleID, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", SweepScheduleID, err)
	}

	c.logger.Info("sweep schedule deleted", "schedule_id", SweepScheduleID)
	return nil
}

// StartReconcile starts ReconcileTransactionWorkflow for ref. A run already in
// progress for the same ref is reused.
func (c *Client) StartReconcile(ctx context.Context, ref string) (string, error) {
	run, err := c.startReconcile(ctx, ref)
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}

// ReconcileNow starts ReconcileTransactionWorkflow and waits for its result.
func (c *Client) ReconcileNow(ctx context.Context, ref string) (*ReconcileOutput, error) {
	run, err := c.startReconcile(ctx, ref)
	if err != nil {
		return nil, err
	}
	var out ReconcileOutput
	if err := run.Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("reconcile workflow for %s failed: %w", ref, err)
	}
	return &out, nil
}

func (c *Client) startReconcile(ctx context.Context, ref string) (client.WorkflowRun, error) {
	id := reconcileWorkflowID(ref)
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                c.taskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, ReconcileTransactionWorkflow, ReconcileInput{Ref: ref})
	if err != nil {
		c.logger.Error("failed to start reconcile workflow", "ref", ref, "error", err)
		return nil, fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("reconcile workflow started", "ref", ref, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return run, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
