package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/squadrecon/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes committed payment activity.
type Publisher interface {
	// PublishTransition publishes to "payments.{ref}".
	PublishTransition(ctx context.Context, event *TransitionEvent) error

	// PublishAnomaly publishes to "anomalies.{kind}".
	PublishAnomaly(ctx context.Context, event *AnomalyEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes payment events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for payment events.
	StreamName = "PAYMENTS"

	// TransitionSubjectPrefix prefixes per-transaction subjects.
	TransitionSubjectPrefix = "payments."

	// AnomalySubjectPrefix prefixes per-kind anomaly subjects.
	AnomalySubjectPrefix = "anomalies."

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// StreamSubjects are the subject patterns captured by the stream.
var StreamSubjects = []string{TransitionSubjectPrefix + "*", AnomalySubjectPrefix + "*"}

// Connect dials NATS with the reconnect settings every component uses.
func Connect(natsURL, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := Connect(natsURL, "squadrecon-publisher")
	if err != nil {
		return nil, err
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger.With("component", "nats_publisher"),
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	publisher.logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Payment transitions and anomalies",
		Subjects:    StreamSubjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishTransition publishes a committed transition.
func (p *JetStreamPublisher) PublishTransition(ctx context.Context, event *TransitionEvent) error {
	// Msg ID lets JetStream drop a republish of the same log entry.
	return p.publish(ctx, "transition", TransitionSubject(event.Ref), event.EventID, event)
}

// PublishAnomaly publishes a stored anomaly.
func (p *JetStreamPublisher) PublishAnomaly(ctx context.Context, event *AnomalyEvent) error {
	return p.publish(ctx, "anomaly", AnomalySubject(event.Kind), event.ID, event)
}

func (p *JetStreamPublisher) publish(ctx context.Context, label, subject, msgID string, event any) error {
	start := time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", label, err)
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	_, err = p.js.Publish(ctx, subject, data, opts...)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(label, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", label, err)
	}

	p.logger.DebugContext(ctx, "published event", "subject", subject, "kind", label)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
