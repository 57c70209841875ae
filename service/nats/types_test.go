package nats

import (
	"testing"
	"time"

	"github.com/brojonat/squadrecon/service/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "payments.SQ-1", TransitionSubject("SQ-1"))
	assert.Equal(t, "payments.order_42_retry", TransitionSubject("order.42 retry"))
	assert.Equal(t, "payments.a_b_", TransitionSubject("a*b>"))
	assert.Equal(t, "anomalies.data_integrity", AnomalySubject(payment.AnomalyDataIntegrity))
}

func TestFromDecision(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	txn, err := payment.NewTransaction("SQ-1", 50000, "NGN", "", nil, now)
	require.NoError(t, err)

	ev := payment.InFlightEvent{EventMeta: payment.EventMeta{
		Type:        "charge_processing",
		Ref:         "SQ-1",
		Fingerprint: "fp",
		Source:      payment.SourceWebhook,
		ReceivedAt:  now,
	}}
	d, err := payment.Apply(txn, ev, now)
	require.NoError(t, err)
	txn.Accept(d, now)
	txn.Version = 1

	out := FromDecision(txn, d)
	assert.Equal(t, "SQ-1", out.Ref)
	assert.Equal(t, payment.StatusPending, out.FromStatus)
	assert.Equal(t, payment.StatusProcessing, out.ToStatus)
	assert.Equal(t, "charge_processing", out.EventType)
	assert.Equal(t, d.Record.ID, out.EventID)
	assert.Equal(t, int64(1), out.Version)
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	require.NoError(t, m.PublishTransition(t.Context(), &TransitionEvent{Ref: "A"}))
	require.NoError(t, m.PublishTransition(t.Context(), &TransitionEvent{Ref: "B"}))
	require.NoError(t, m.PublishAnomaly(t.Context(), &AnomalyEvent{Ref: "A"}))

	assert.Len(t, m.Transitions(), 2)
	assert.Len(t, m.TransitionsFor("A"), 1)
	assert.Len(t, m.Anomalies(), 1)

	m.SetPublishError(assert.AnError)
	assert.ErrorIs(t, m.PublishTransition(t.Context(), &TransitionEvent{}), assert.AnError)

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
