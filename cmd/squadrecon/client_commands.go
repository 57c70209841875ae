package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/squadrecon/client"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the squadrecon service",
		Subcommands: []*cli.Command{
			clientCreateCommand(),
			clientGetCommand(),
			clientListCommand(),
			clientVerifyCommand(),
			clientStuckCommand(),
			clientAnomaliesCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, nil)
}

func clientCreateCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Register a pending transaction",
		ArgsUsage: "<ref>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount in major units, e.g. 1500.50",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "currency",
				Value: "NGN",
			},
			&cli.StringFlag{
				Name:  "customer",
				Usage: "Customer ID",
			},
			&cli.StringFlag{
				Name:  "email",
				Usage: "Customer email, required with --initiate",
			},
			&cli.StringSliceFlag{
				Name:  "meta",
				Usage: "Metadata as key=value (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "initiate",
				Usage: "Ask Squad for a hosted checkout link",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ref")
			}
			meta, err := parseMeta(c.StringSlice("meta"))
			if err != nil {
				return err
			}

			txn, err := newAPIClient(c).CreateTransaction(context.Background(), client.CreateTransactionRequest{
				Ref:         c.Args().First(),
				AmountMajor: c.String("amount"),
				Currency:    c.String("currency"),
				CustomerID:  c.String("customer"),
				Email:       c.String("email"),
				Metadata:    meta,
				Initiate:    c.Bool("initiate"),
			})
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txn)
			}
			fmt.Fprintf(c.App.Writer, "✓ Transaction created: %s (%s, %s)\n", txn.Ref, txn.AmountDisplay, txn.Status)
			if txn.CheckoutURL != "" {
				fmt.Fprintf(c.App.Writer, "  Checkout: %s\n", txn.CheckoutURL)
			}
			return nil
		},
	}
}

func clientGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a transaction",
		ArgsUsage: "<ref>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ref")
			}
			txn, err := newAPIClient(c).GetTransaction(context.Background(), c.Args().First())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, txn)
			}
			printTransaction(c.App.Writer, &txn.Transaction)
			return nil
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List transactions",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
			},
			&cli.IntFlag{
				Name: "offset",
			},
		},
		Action: func(c *cli.Context) error {
			opts := client.ListOptions{Limit: c.Int("limit"), Offset: c.Int("offset")}
			if raw := c.String("status"); raw != "" {
				status, err := payment.ParseStatus(raw)
				if err != nil {
					return err
				}
				opts.Status = status
			}

			list, err := newAPIClient(c).ListTransactions(context.Background(), opts)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, list)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REF\tSTATUS\tAMOUNT\tVERSION\tUPDATED")
			for _, t := range list.Transactions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.Ref, t.Status, t.AmountDisplay, t.Version, t.UpdatedAt.Format(time.RFC3339))
			}
			w.Flush()
			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d transactions\n", list.Count)
			return nil
		},
	}
}

func clientVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Reconcile a transaction against Squad now",
		ArgsUsage: "<ref>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ref")
			}
			res, err := newAPIClient(c).Verify(context.Background(), c.Args().First())
			if res == nil {
				return err
			}

			if c.Bool("json") {
				if jerr := outputJSON(c.App.Writer, res); jerr != nil {
					return jerr
				}
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Ref:      %s\n", res.Ref)
			fmt.Fprintf(w, "Outcome:  %s\n", res.Outcome)
			fmt.Fprintf(w, "Local:    %s\n", res.LocalStatus)
			fmt.Fprintf(w, "Remote:   %s\n", orDash(string(res.RemoteStatus)))
			fmt.Fprintf(w, "Final:    %s\n", res.FinalStatus)
			if res.Anomaly != nil {
				fmt.Fprintf(w, "Anomaly:  %s (%s)\n", res.Anomaly.ID, res.Anomaly.Kind)
			}
			// A conflict is reported after the result so the operator sees both.
			return err
		},
	}
}

func clientStuckCommand() *cli.Command {
	return &cli.Command{
		Name:  "stuck",
		Usage: "List transactions stuck in a non-terminal state",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   100,
			},
		},
		Action: func(c *cli.Context) error {
			list, err := newAPIClient(c).ListStuck(context.Background(), c.Int("limit"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, list)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REF\tSTATUS\tAGE\tATTEMPTS\tEXHAUSTED")
			for _, t := range list.Transactions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n", t.Ref, t.Status, t.Age, t.ReconcileAttempts, t.Exhausted)
			}
			w.Flush()
			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d stuck (%d exhausted, stale after %s)\n", list.Count, list.Exhausted, list.StaleAfter)
			return nil
		},
	}
}

func clientAnomaliesCommand() *cli.Command {
	return &cli.Command{
		Name:  "anomalies",
		Usage: "List recorded anomalies",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ref"},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			list, err := newAPIClient(c).ListAnomalies(context.Background(), client.ListOptions{
				Ref:   c.String("ref"),
				Limit: c.Int("limit"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, list)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tREF\tKIND\tDETAIL")
			for _, a := range list.Anomalies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.CreatedAt.Format(time.RFC3339), a.Ref, a.Kind, a.Detail)
			}
			w.Flush()
			return nil
		},
	}
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}
