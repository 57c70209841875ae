package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind EventKind
		check    func(t *testing.T, ev Event)
	}{
		{
			name:     "charge successful",
			body:     `{"Event":"charge_successful","TransactionRef":"SQ-1","Body":{"amount":50000,"transaction_ref":"SQ-1","gateway_ref":"GW-1","transaction_status":"Success","currency":"NGN"}}`,
			wantKind: KindSuccess,
			check: func(t *testing.T, ev Event) {
				s := ev.(SuccessEvent)
				assert.Equal(t, int64(50000), s.Amount)
				assert.Equal(t, "NGN", s.Currency)
			},
		},
		{
			name:     "decimal whole amount",
			body:     `{"Event":"charge_successful","TransactionRef":"SQ-1","Body":{"amount":50000.00,"currency":"ngn"}}`,
			wantKind: KindSuccess,
			check: func(t *testing.T, ev Event) {
				s := ev.(SuccessEvent)
				assert.Equal(t, int64(50000), s.Amount)
				assert.Equal(t, "NGN", s.Currency)
			},
		},
		{
			name:     "charge failed",
			body:     `{"Event":"charge_failed","TransactionRef":"SQ-1","Body":{"transaction_status":"Failed"}}`,
			wantKind: KindFailure,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "Failed", ev.(FailureEvent).Reason)
			},
		},
		{
			name:     "processing",
			body:     `{"Event":"charge_processing","TransactionRef":"SQ-1","Body":{}}`,
			wantKind: KindInFlight,
		},
		{
			name:     "refund uses refund amount",
			body:     `{"Event":"refund_successful","TransactionRef":"SQ-1","Body":{"amount":50000,"refund_amount":20000}}`,
			wantKind: KindRefund,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, int64(20000), ev.(RefundEvent).Amount)
			},
		},
		{
			name:     "dispute",
			body:     `{"Event":"charge_disputed","TransactionRef":"SQ-1","Body":{"reason":"fraud"}}`,
			wantKind: KindDispute,
		},
		{
			name:     "unknown type",
			body:     `{"Event":"virtual_account_topup","TransactionRef":"SQ-1","Body":{}}`,
			wantKind: KindUnrecognized,
		},
		{
			name:     "ref from body and sequence",
			body:     `{"Event":"charge_pending","Sequence":7,"Body":{"transaction_ref":"SQ-9"}}`,
			wantKind: KindInFlight,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "SQ-9", ev.Meta().Ref)
				require.NotNil(t, ev.Meta().Sequence)
				assert.Equal(t, int64(7), *ev.Meta().Sequence)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseWebhook([]byte(tt.body), testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ev.Kind())
			assert.Equal(t, SourceWebhook, ev.Meta().Source)
			assert.Equal(t, []byte(tt.body), ev.Meta().Payload)
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestParseWebhook_Malformed(t *testing.T) {
	bodies := map[string]string{
		"not json":        `{"Event":`,
		"missing ref":     `{"Event":"charge_successful","Body":{"amount":1}}`,
		"missing event":   `{"TransactionRef":"SQ-1","Body":{}}`,
		"missing amount":  `{"Event":"charge_successful","TransactionRef":"SQ-1","Body":{}}`,
		"fraction amount": `{"Event":"charge_successful","TransactionRef":"SQ-1","Body":{"amount":10.5}}`,
		"bad sequence":    `{"Event":"charge_pending","TransactionRef":"SQ-1","Sequence":1.5,"Body":{}}`,
		"amount overflow": `{"Event":"charge_successful","TransactionRef":"SQ-1","Body":{"amount":18446744073709601616,"currency":"NGN"}}`,
		"refund overflow": `{"Event":"charge_refunded","TransactionRef":"SQ-1","Body":{"refund_amount":99999999999999999999}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWebhook([]byte(body), testNow)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestParseWebhook_FingerprintTracksBytes(t *testing.T) {
	a, err := ParseWebhook([]byte(`{"Event":"charge_processing","TransactionRef":"SQ-1","Body":{}}`), testNow)
	require.NoError(t, err)
	b, err := ParseWebhook([]byte(`{"Event":"charge_processing","TransactionRef":"SQ-1","Body":{} }`), testNow)
	require.NoError(t, err)
	assert.NotEqual(t, a.Meta().Fingerprint, b.Meta().Fingerprint)
}
