package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/squadrecon/client"
	"github.com/brojonat/squadrecon/service/signature"
	"github.com/urfave/cli/v2"
)

func webhookCommands() *cli.Command {
	return &cli.Command{
		Name:  "webhook",
		Usage: "Build, sign and replay Squad webhooks",
		Subcommands: []*cli.Command{
			buildWebhookCommand(),
			signWebhookCommand(),
			sendWebhookCommand(),
		},
	}
}

// secretFlag and bodyFlag build fresh flags per command; urfave/cli keeps
// parsed values on the flag struct.
func secretFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "secret",
		Usage:   "HMAC secret (defaults to the webhook secret, then the merchant secret key)",
		EnvVars: []string{"SQUAD_WEBHOOK_SECRET", "SQUAD_SECRET_KEY"},
	}
}

func bodyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "body",
		Aliases: []string{"f"},
		Usage:   "File holding the raw webhook body, or - for stdin",
		Value:   "-",
	}
}

// webhookPayload mirrors the envelope Squad posts.
type webhookPayload struct {
	Event          string             `json:"Event"`
	TransactionRef string             `json:"TransactionRef"`
	Sequence       *int64             `json:"Sequence,omitempty"`
	Body           webhookPayloadBody `json:"Body"`
}

type webhookPayloadBody struct {
	Amount            int64  `json:"amount"`
	TransactionRef    string `json:"transaction_ref"`
	GatewayRef        string `json:"gateway_ref,omitempty"`
	TransactionStatus string `json:"transaction_status,omitempty"`
	Currency          string `json:"currency"`
	TransactionType   string `json:"transaction_type,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func buildWebhookCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Print a webhook body for testing",
		ArgsUsage: "<ref>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "event",
				Usage: "Event name (charge_successful, charge_failed, charge_refunded, ...)",
				Value: "charge_successful",
			},
			&cli.Int64Flag{
				Name:     "amount",
				Usage:    "Amount in minor units",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "currency",
				Value: "NGN",
			},
			&cli.StringFlag{
				Name:  "sequence",
				Usage: "Optional gateway sequence number",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ref")
			}
			body, err := buildWebhookBody(c.Args().First(), c.String("event"), c.Int64("amount"), c.String("currency"), c.String("sequence"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, string(body))
			return err
		},
	}
}

func signWebhookCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign",
		Usage: "Print the signature Squad would send for a body",
		Flags: []cli.Flag{secretFlag(), bodyFlag()},
		Action: func(c *cli.Context) error {
			body, err := readBody(c)
			if err != nil {
				return err
			}
			sig, err := sign(c.String("secret"), body)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, sig)
			return err
		},
	}
}

func sendWebhookCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Sign a body and post it to the server's webhook endpoint",
		Flags: []cli.Flag{
			secretFlag(),
			bodyFlag(),
			&cli.StringFlag{
				Name:    "header",
				Usage:   "Signature header name",
				EnvVars: []string{"WEBHOOK_SIGNATURE_HEADER"},
				Value:   client.DefaultSignatureHeader,
			},
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Send this signature instead of computing one",
			},
		},
		Action: func(c *cli.Context) error {
			body, err := readBody(c)
			if err != nil {
				return err
			}
			sig := c.String("signature")
			if sig == "" {
				if sig, err = sign(c.String("secret"), body); err != nil {
					return err
				}
			}

			cl := client.NewClient(c.String("server-url"), nil, nil)
			res, err := cl.SendWebhook(context.Background(), body, sig, c.String("header"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, res)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "HTTP %d\n", res.StatusCode)
			fmt.Fprintf(w, "Ref:      %s\n", res.Ref)
			fmt.Fprintf(w, "Event:    %s\n", res.EventType)
			fmt.Fprintf(w, "Outcome:  %s\n", orDash(string(res.Outcome)))
			fmt.Fprintf(w, "Status:   %s\n", orDash(string(res.Status)))
			if res.Anomaly != nil {
				fmt.Fprintf(w, "Anomaly:  %s (%s)\n", res.Anomaly.ID, res.Anomaly.Kind)
			}
			if res.Error != "" {
				fmt.Fprintf(w, "Error:    %s\n", res.Error)
			}
			return nil
		},
	}
}

func buildWebhookBody(ref, event string, amount int64, currency, sequence string) ([]byte, error) {
	p := webhookPayload{
		Event:          event,
		TransactionRef: ref,
		Body: webhookPayloadBody{
			Amount:         amount,
			TransactionRef: ref,
			Currency:       currency,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		},
	}
	if sequence != "" {
		n, err := strconv.ParseInt(sequence, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence %q: %w", sequence, err)
		}
		p.Sequence = &n
	}
	return json.Marshal(p)
}

func sign(secret string, body []byte) (string, error) {
	v, err := signature.NewVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("a signing secret is required (use --secret or SQUAD_WEBHOOK_SECRET): %w", err)
	}
	return v.Sign(body), nil
}

// readBody reads the exact bytes to sign. Trailing newlines are part of the
// body, as they would be on the wire.
func readBody(c *cli.Context) ([]byte, error) {
	path := c.String("body")
	if path == "-" {
		return io.ReadAll(c.App.Reader)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}
