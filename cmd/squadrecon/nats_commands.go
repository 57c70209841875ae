package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/squadrecon/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams transition or anomaly events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream payment events",
		ArgsUsage: "[ref]",
		Description: `Subscribe to events published to NATS JetStream.

Transitions are published to payments.{ref} and anomalies to anomalies.{kind}.
With no ref every transition is streamed.

Example:
  squadrecon nats subscribe SQ-12345 --json
  squadrecon nats subscribe --anomalies`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "anomalies",
				Aliases: []string{"a"},
				Usage:   "Stream anomalies instead of transitions",
			},
			&cli.BoolFlag{
				Name:  "replay",
				Usage: "Start from the beginning of the stream instead of new messages",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "squadrecon-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := subscribeSubject(c.Args().First(), c.Bool("anomalies"))

			nc, js, err := natspkg.Connect(c.String("nats-url"), "squadrecon-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			cfg := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("replay") {
				cfg.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if c.Bool("durable") {
				cfg.Durable = c.String("consumer-name")
				cfg.Name = c.String("consumer-name")
			} else {
				cfg.InactiveThreshold = time.Minute
			}

			cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, cfg)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(c.App.ErrWriter, "\nWaiting for events... (Ctrl-C to exit)\n\n")
			}

			msgChan := make(chan jetstream.Msg, 10)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer cc.Stop()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			count := 0
			for {
				select {
				case msg := <-msgChan:
					count++
					if err := printEvent(c.App.Writer, msg.Subject(), msg.Data(), jsonOutput); err != nil {
						fmt.Fprintf(c.App.ErrWriter, "Error parsing event: %v\n", err)
					}
					msg.Ack()
				case <-sigChan:
					if !jsonOutput {
						fmt.Fprintf(c.App.ErrWriter, "\nReceived %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

func subscribeSubject(ref string, anomalies bool) string {
	if anomalies {
		return natspkg.AnomalySubjectPrefix + "*"
	}
	if ref == "" {
		return natspkg.TransitionSubjectPrefix + "*"
	}
	return natspkg.TransitionSubject(ref)
}

// printEvent renders one message. JSON output passes the payload through
// unchanged.
func printEvent(w io.Writer, subject string, data []byte, jsonOutput bool) error {
	if jsonOutput {
		_, err := fmt.Fprintln(w, string(data))
		return err
	}

	if strings.HasPrefix(subject, natspkg.AnomalySubjectPrefix) {
		var a natspkg.AnomalyEvent
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  ANOMALY  %s  %s  %s\n",
			a.CreatedAt.Format(time.RFC3339),
			a.Ref,
			a.Kind,
			a.Detail,
		)
		return nil
	}

	var e natspkg.TransitionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s  %s  %s -> %s  (%s via %s, v%d)\n",
		e.OccurredAt.Format(time.RFC3339),
		e.Ref,
		e.FromStatus,
		e.ToStatus,
		orDash(e.EventType),
		e.Source,
		e.Version,
	)
	return nil
}
