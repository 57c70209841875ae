package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/squadrecon/service/metrics"
	natspkg "github.com/brojonat/squadrecon/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SSEPublisher streams committed transitions from JetStream to Server-Sent
// Events clients.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := natspkg.Connect(natsURL, "squadrecon-sse-publisher")
	if err != nil {
		return nil, err
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamTransitions handles SSE streaming of state transitions.
// Without a ref path parameter every transaction is streamed.
func handleStreamTransitions(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")

		subject := natspkg.TransitionSubjectPrefix + "*"
		desc := "all transactions"
		if ref != "" {
			if err := validateRef(ref); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.TransitionSubject(ref)
			desc = ref
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flush := func() {
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		flush()

		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)

		logger.DebugContext(r.Context(), "SSE client connected",
			"ref", desc,
			"remote_addr", r.RemoteAddr,
		)

		// Ephemeral consumer, removed by the server once inactive.
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject:     subject,
			AckPolicy:         jetstream.AckExplicitPolicy,
			DeliverPolicy:     jetstream.DeliverNewPolicy,
			InactiveThreshold: time.Minute,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"ref", desc,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		hello, _ := json.Marshal(map[string]string{"transaction_ref": desc})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
		flush()

		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case msg := <-msgChan:
				var event natspkg.TransitionEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}

				data, err := json.Marshal(event)
				if err != nil {
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: transition\ndata: %s\n\n", data)
				flush()
				msg.Ack()
				m.RecordSSEEventSent("transition")

				logger.DebugContext(r.Context(), "sent transition event",
					"ref", event.Ref,
					"to", event.ToStatus,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"ref", desc,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
