package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/brojonat/squadrecon/service/app"
	"github.com/brojonat/squadrecon/service/config"
	"github.com/brojonat/squadrecon/service/db"
	"github.com/brojonat/squadrecon/service/engine"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List stored transactions",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, processing, succeeded, failed, refunded, disputed)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many transactions",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter evaluated against each transaction; all must be truthy (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			params := db.ListTransactionsParams{
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			}
			if raw := c.String("status"); raw != "" {
				status, err := payment.ParseStatus(raw)
				if err != nil {
					return err
				}
				params.Status = &status
			}

			match, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListTransactions(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			filtered := make([]*payment.Transaction, 0, len(txns))
			for _, t := range txns {
				ok, err := match(t)
				if err != nil {
					return err
				}
				if ok {
					filtered = append(filtered, t)
				}
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, filtered)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REF\tSTATUS\tAMOUNT\tVERSION\tEVENTS\tUPDATED")
			for _, t := range filtered {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					t.Ref,
					t.Status,
					payment.FormatMinorUnits(t.Amount, t.Currency),
					t.Version,
					len(t.Events),
					t.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d transactions\n", len(filtered))
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Show a transaction and its event log",
		Aliases:   []string{"get"},
		ArgsUsage: "<ref>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ref")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txn, err := store.GetTransaction(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txn)
			}
			printTransaction(c.App.Writer, txn)
			return nil
		},
	}
}

func listAnomaliesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-anomalies",
		Usage:   "List recorded anomalies",
		Aliases: []string{"anomalies"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "ref",
				Usage: "Only anomalies for this transaction ref",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			anomalies, err := store.ListAnomalies(context.Background(), db.ListAnomaliesParams{
				Ref:   c.String("ref"),
				Limit: int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list anomalies: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, anomalies)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tREF\tKIND\tEVENT\tLOCAL\tREMOTE\tDETAIL")
			for _, a := range anomalies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.CreatedAt.Format(time.RFC3339),
					a.Ref,
					a.Kind,
					orDash(a.EventType),
					orDash(string(a.LocalStatus)),
					orDash(string(a.RemoteStatus)),
					a.Detail,
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d anomalies\n", len(anomalies))
			return nil
		},
	}
}

func listStuckCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-stuck",
		Usage:   "List non-terminal transactions older than the stale threshold",
		Aliases: []string{"stuck"},
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Age after which a non-terminal transaction counts as stuck",
				EnvVars: []string{"STALE_AFTER"},
				Value:   30 * time.Minute,
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Reconcile attempts after which a transaction is exhausted",
				EnvVars: []string{"MAX_RECONCILE_ATTEMPTS"},
				Value:   5,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   100,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			now := time.Now().UTC()
			txns, err := store.ListStaleTransactions(context.Background(), db.StaleParams{
				OlderThan: now.Add(-c.Duration("stale-after")),
				Limit:     int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list stuck transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txns)
			}

			exhausted := 0
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REF\tSTATUS\tAMOUNT\tAGE\tATTEMPTS\tEXHAUSTED")
			for _, t := range txns {
				done := t.ReconcileAttempts >= c.Int("max-attempts")
				if done {
					exhausted++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%v\n",
					t.Ref,
					t.Status,
					payment.FormatMinorUnits(t.Amount, t.Currency),
					now.Sub(t.StatusChangedAt).Truncate(time.Second),
					t.ReconcileAttempts,
					done,
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d stuck (%d exhausted)\n", len(txns), exhausted)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the store schema",
		Action: func(c *cli.Context) error {
			// Opening a store applies its schema.
			_, closer, err := getStore(c)
			if err != nil {
				return err
			}
			closer()

			fmt.Fprintf(c.App.Writer, "✓ Store schema is up to date (%s)\n", c.String("store-driver"))
			return nil
		},
	}
}

// getStore opens the store selected by the global flags.
func getStore(c *cli.Context) (engine.Store, func(), error) {
	cfg := &config.Config{
		StoreDriver: c.String("store-driver"),
		DatabaseURL: c.String("database-url"),
		BoltPath:    c.String("bolt-path"),
	}
	if cfg.StoreDriver == config.DriverPostgres && cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.OpenStore(context.Background(), cfg, nil, logger)
}

// compileJQFilters returns a predicate that is true when every filter yields a
// truthy first result for the JSON form of the transaction.
func compileJQFilters(filters []string) (func(*payment.Transaction) (bool, error), error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}

	return func(t *payment.Transaction) (bool, error) {
		if len(codes) == 0 {
			return true, nil
		}
		// gojq works on plain JSON values, not structs.
		raw, err := json.Marshal(t)
		if err != nil {
			return false, err
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return false, err
		}
		for _, code := range codes {
			v, ok := code.Run(doc).Next()
			if !ok {
				return false, nil
			}
			if _, isErr := v.(error); isErr {
				return false, nil
			}
			if !isTruthy(v) {
				return false, nil
			}
		}
		return true, nil
	}, nil
}

// isTruthy follows jq: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func printTransaction(w io.Writer, t *payment.Transaction) {
	fmt.Fprintf(w, "Ref:          %s\n", t.Ref)
	fmt.Fprintf(w, "Status:       %s\n", t.Status)
	fmt.Fprintf(w, "Amount:       %s (%d minor units)\n", payment.FormatMinorUnits(t.Amount, t.Currency), t.Amount)
	fmt.Fprintf(w, "Customer:     %s\n", orDash(t.CustomerID))
	fmt.Fprintf(w, "Version:      %d\n", t.Version)
	fmt.Fprintf(w, "Reconciled:   %d attempts", t.ReconcileAttempts)
	if t.LastReconciledAt != nil {
		fmt.Fprintf(w, ", last %s", t.LastReconciledAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	if t.CheckoutURL != "" {
		fmt.Fprintf(w, "Checkout:     %s\n", t.CheckoutURL)
	}
	fmt.Fprintf(w, "Created:      %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:      %s\n", t.UpdatedAt.Format(time.RFC3339))

	fmt.Fprintf(w, "\nEvents (%d):\n", len(t.Events))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  APPLIED\tTYPE\tSOURCE\tTRANSITION")
	for _, e := range t.Events {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s -> %s\n",
			e.AppliedAt.Format(time.RFC3339),
			e.Type,
			e.Source,
			e.FromStatus,
			e.ToStatus,
		)
	}
	tw.Flush()
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
