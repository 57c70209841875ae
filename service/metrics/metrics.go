package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// All record helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Webhook Metrics
	webhookDeliveriesTotal    *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	signatureRejectionsTotal  prometheus.Counter

	// State Machine Metrics
	transitionsTotal      *prometheus.CounterVec
	anomaliesTotal        *prometheus.CounterVec
	versionConflictsTotal prometheus.Counter

	// Gateway Metrics
	gatewayCallsTotal   *prometheus.CounterVec
	gatewayCallDuration *prometheus.HistogramVec
	gatewayRetriesTotal *prometheus.CounterVec

	// Reconciliation Metrics
	reconciliationsTotal  *prometheus.CounterVec
	stuckTransactions     prometheus.Gauge
	sweepWorkflowDuration *prometheus.HistogramVec
	activityDuration      *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Webhook Metrics
		webhookDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook deliveries by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		webhookProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_processing_duration_seconds",
				Help:    "Time from receipt to durable commit of a webhook delivery",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"outcome"},
		),
		signatureRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_signature_rejections_total",
				Help: "Total number of webhook deliveries rejected for a bad signature",
			},
		),

		// State Machine Metrics
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_transitions_total",
				Help: "Total number of committed status transitions",
			},
			[]string{"from", "to", "source"},
		),
		anomaliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_anomalies_total",
				Help: "Total number of recorded anomalies by kind",
			},
			[]string{"kind"},
		),
		versionConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_version_conflicts_total",
				Help: "Total number of optimistic concurrency conflicts on commit",
			},
		),

		// Gateway Metrics
		gatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_calls_total",
				Help: "Total number of payment gateway calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		gatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_call_duration_seconds",
				Help:    "Duration of payment gateway calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		gatewayRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Total number of payment gateway retry attempts",
			},
			[]string{"operation", "reason"},
		),

		// Reconciliation Metrics
		reconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliations_total",
				Help: "Total number of reconciliation attempts by outcome",
			},
			[]string{"outcome"},
		),
		stuckTransactions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stuck_transactions",
				Help: "Number of non-terminal transactions older than the stale threshold",
			},
		),
		sweepWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweep_workflow_duration_seconds",
				Help:    "Duration of stale transaction sweep workflows",
				Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0},
			},
			[]string{"status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_activity_duration_seconds",
				Help:    "Duration of reconciliation activities",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
			},
			[]string{"activity"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"stream", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"stream"},
		),
	}
}

// Webhook metric helpers

// RecordWebhook records the outcome of one webhook delivery.
func (m *Metrics) RecordWebhook(eventType, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.webhookDeliveriesTotal.WithLabelValues(eventType, outcome).Inc()
	m.webhookProcessingDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordSignatureRejection records a delivery with a bad signature.
func (m *Metrics) RecordSignatureRejection() {
	if m == nil {
		return
	}
	m.signatureRejectionsTotal.Inc()
}

// State machine metric helpers

// RecordTransition records a committed status change.
func (m *Metrics) RecordTransition(from, to, source string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to, source).Inc()
}

// RecordAnomaly records a stored anomaly.
func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomaliesTotal.WithLabelValues(kind).Inc()
}

// RecordVersionConflict records a lost optimistic concurrency race.
func (m *Metrics) RecordVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflictsTotal.Inc()
}

// Gateway metric helpers

// RecordGatewayCall records a gateway call with duration.
func (m *Metrics) RecordGatewayCall(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.gatewayCallsTotal.WithLabelValues(operation, status).Inc()
	m.gatewayCallDuration.WithLabelValues(operation).Observe(duration)
}

// RecordGatewayRetry records a retry attempt.
func (m *Metrics) RecordGatewayRetry(operation, reason string) {
	if m == nil {
		return
	}
	m.gatewayRetriesTotal.WithLabelValues(operation, reason).Inc()
}

// Reconciliation metric helpers

// RecordReconciliation records the outcome of one reconciliation.
func (m *Metrics) RecordReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.reconciliationsTotal.WithLabelValues(outcome).Inc()
}

// SetStuckTransactions sets the size of the stuck transaction queue.
func (m *Metrics) SetStuckTransactions(n int) {
	if m == nil {
		return
	}
	m.stuckTransactions.Set(float64(n))
}

// RecordSweepDuration records a sweep workflow execution.
func (m *Metrics) RecordSweepDuration(status string, duration float64) {
	if m == nil {
		return
	}
	m.sweepWorkflowDuration.WithLabelValues(status).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	if m == nil {
		return
	}
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(stream, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(stream, status).Inc()
	m.natsPublishDuration.WithLabelValues(stream).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
