package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/squadrecon/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func createSweepScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-sweep-schedule",
		Usage: "Create or update the schedule that reconciles stale transactions",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "How often the sweep runs",
				EnvVars: []string{"SWEEP_INTERVAL"},
				Value:   5 * time.Minute,
			},
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Reconcile non-terminal transactions unchanged for this long (0 uses the worker's setting)",
				EnvVars: []string{"STALE_AFTER"},
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Stop sweeping a transaction after this many reconciliations (0 uses the worker's setting)",
				EnvVars: []string{"MAX_RECONCILE_ATTEMPTS"},
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum transactions per sweep (0 uses the default)",
			},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			if interval < 10*time.Second {
				return fmt.Errorf("interval must be at least 10s, got %s", interval)
			}
			input := temporal.SweepInput{
				StaleAfter:  c.Duration("stale-after"),
				MaxAttempts: c.Int("max-attempts"),
				Limit:       int32(c.Int("limit")),
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := upsertSweep(context.Background(), tc, interval, input); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "✓ Sweep schedule ready: %s\n", temporal.SweepScheduleID)
			fmt.Fprintf(c.App.Writer, "  Interval: %s\n", interval)
			return nil
		},
	}
}

func describeSweepScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:    "describe-sweep-schedule",
		Usage:   "Show the sweep schedule and its recent runs",
		Aliases: []string{"desc"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			desc, err := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.SweepScheduleID).Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Schedule ID:    %s\n", temporal.SweepScheduleID)
			fmt.Fprintf(w, "Paused:         %v\n", desc.Schedule.State.Paused)
			if note := desc.Schedule.State.Note; note != "" {
				fmt.Fprintf(w, "Note:           %s\n", note)
			}
			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Fprintf(w, "Interval %d:     every %v\n", i+1, interval.Every)
			}
			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Fprintf(w, "Task Queue:     %s\n", wa.TaskQueue)
			}

			fmt.Fprintf(w, "\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Fprintf(w, "Last Action:    %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			if len(desc.Info.NextActionTimes) > 0 {
				fmt.Fprintf(w, "Next Action:    %s\n", desc.Info.NextActionTimes[0].Format(time.RFC3339))
			}
			return nil
		},
	}
}

func deleteSweepScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-sweep-schedule",
		Usage: "Delete the sweep schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("force") {
				fmt.Fprintf(c.App.Writer, "Are you sure you want to delete schedule %s? (yes/no): ", temporal.SweepScheduleID)
				var response string
				fmt.Fscanln(c.App.Reader, &response)
				if response != "yes" {
					fmt.Fprintln(c.App.Writer, "Cancelled")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteSweepSchedule(context.Background()); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "✓ Schedule deleted: %s\n", temporal.SweepScheduleID)
			return nil
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:      "reconcile",
		Usage:     "Reconcile one transaction through the worker",
		ArgsUsage: "<ref>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the workflow and print its result",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait with --wait",
				Value: 2 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ref")
			}
			ref := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if !c.Bool("wait") {
				id, err := startReconcile(context.Background(), tc, ref)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "✓ Reconcile workflow started: %s\n", id)
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			out, err := tc.ReconcileNow(ctx, ref)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, out)
			}
			printReconcileOutput(c, out)
			return nil
		},
	}
}

func printReconcileOutput(c *cli.Context, out *temporal.ReconcileOutput) {
	w := c.App.Writer
	fmt.Fprintf(w, "Ref:       %s\n", out.Ref)
	fmt.Fprintf(w, "Outcome:   %s\n", out.Outcome)
	fmt.Fprintf(w, "Local:     %s\n", out.LocalStatus)
	fmt.Fprintf(w, "Remote:    %s\n", orDash(string(out.RemoteStatus)))
	fmt.Fprintf(w, "Final:     %s\n", out.FinalStatus)
	if out.AnomalyID != "" {
		fmt.Fprintf(w, "Anomaly:   %s\n", out.AnomalyID)
	}
	if out.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", out.Error)
	}
}

// upsertSweep and startReconcile take the Scheduler interface so the command
// logic can run against temporal.MockScheduler.
func upsertSweep(ctx context.Context, s temporal.Scheduler, interval time.Duration, input temporal.SweepInput) error {
	if err := s.UpsertSweepSchedule(ctx, interval, input); err != nil {
		return fmt.Errorf("failed to upsert sweep schedule: %w", err)
	}
	return nil
}

func startReconcile(ctx context.Context, s temporal.Scheduler, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("transaction ref is required")
	}
	id, err := s.StartReconcile(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to start reconcile: %w", err)
	}
	return id, nil
}

// getTemporalClient connects with the global temporal flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
