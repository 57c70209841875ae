package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWebhook("charge_successful", "applied", 0.01)
		m.RecordSignatureRejection()
		m.RecordTransition("pending", "processing", "webhook")
		m.RecordAnomaly("data_integrity")
		m.RecordGatewayCall("verify", "success", 0.2)
		m.SetStuckTransactions(3)
		m.RecordDBQuery("get", "payment_transactions", 0.001, errors.New("boom"))
	})
}

// gatheredValue returns the value of the first sample of a metric family.
func gatheredValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.NotEmpty(t, mf.GetMetric())
		metric := mf.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			return metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestRecordersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordAnomaly("data_integrity")
	m.RecordAnomaly("data_integrity")
	m.RecordSignatureRejection()
	m.SetStuckTransactions(4)

	assert.Equal(t, 2.0, gatheredValue(t, reg, "payment_anomalies_total"))
	assert.Equal(t, 1.0, gatheredValue(t, reg, "webhook_signature_rejections_total"))
	assert.Equal(t, 4.0, gatheredValue(t, reg, "stuck_transactions"))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := HTTPMetricsMiddleware(m, "/api/v1/anomalies")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/anomalies", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, gatheredValue(t, reg, "http_requests_total"))
}
