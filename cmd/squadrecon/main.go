package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "squadrecon",
		Usage: "Squad payment reconciliation service CLI",
		Description: `A command-line tool for operating the squadrecon service.

Use this CLI to inspect stored transactions and anomalies, manage the
reconciliation sweep, sign and replay webhooks, and call the HTTP API.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "db",
				Usage: "Store inspection commands",
				Subcommands: []*cli.Command{
					listTransactionsCommand(),
					getTransactionCommand(),
					listAnomaliesCommand(),
					listStuckCommand(),
					migrateCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Reconciliation sweep and workflow commands",
				Subcommands: []*cli.Command{
					createSweepScheduleCommand(),
					describeSweepScheduleCommand(),
					deleteSweepScheduleCommand(),
					reconcileCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
			webhookCommands(),
			clientCommands(),
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store-driver",
				Usage:   "Store driver: postgres or bolt",
				EnvVars: []string{"STORE_DRIVER"},
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "bolt-path",
				Usage:   "Bolt database file",
				EnvVars: []string{"BOLT_PATH"},
				Value:   "squadrecon.db",
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue the worker listens on",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "squadrecon-reconcile",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "squadrecon HTTP server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
