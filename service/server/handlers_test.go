package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/brojonat/squadrecon/service/config"
	"github.com/brojonat/squadrecon/service/db"
	"github.com/brojonat/squadrecon/service/engine"
	natspkg "github.com/brojonat/squadrecon/service/nats"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/brojonat/squadrecon/service/signature"
	"github.com/brojonat/squadrecon/service/squad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signatureHeader = "x-squad-encrypted-body"

type stubGateway struct {
	mu      sync.Mutex
	records map[string]*payment.VerificationRecord
}

func (g *stubGateway) Verify(ctx context.Context, ref string) (*payment.VerificationRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payment.ErrNotFound, ref)
	}
	c := *rec
	return &c, nil
}

func (g *stubGateway) Initiate(ctx context.Context, req squad.InitiateRequest) (*squad.InitiateResponse, error) {
	return &squad.InitiateResponse{CheckoutURL: "https://checkout.example/" + req.TransactionRef}, nil
}

type testServer struct {
	handler   http.Handler
	verifier  *signature.Verifier
	gateway   *stubGateway
	publisher *natspkg.MockPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	verifier, err := signature.NewVerifier([]byte("sk_test_server"))
	require.NoError(t, err)

	ts := &testServer{
		verifier:  verifier,
		gateway:   &stubGateway{records: map[string]*payment.VerificationRecord{}},
		publisher: natspkg.NewMockPublisher(),
	}
	eng, err := engine.New(engine.Params{
		Store:     db.NewTestBoltStore(t),
		Verifier:  verifier,
		Gateway:   ts.gateway,
		Publisher: ts.publisher,
		Logger:    logger,
	})
	require.NoError(t, err)

	cfg := &config.Config{WebhookSignatureHeader: signatureHeader}
	ts.handler = New(":0", cfg, eng, nil, nil, logger).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) webhook(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	h := http.Header{}
	h.Set(signatureHeader, ts.verifier.Sign([]byte(body)))
	return ts.do(t, http.MethodPost, "/api/v1/webhooks/squad", []byte(body), h)
}

func (ts *testServer) create(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/api/v1/transactions", []byte(body), nil)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func squadWebhook(event, ref string, amount int64) string {
	return fmt.Sprintf(`{"Event":%q,"TransactionRef":%q,"Body":{"amount":%d,"transaction_ref":%q,"currency":"NGN"}}`,
		event, ref, amount, ref)
}

func TestSquadWebhook_StatusMapping(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.create(t, `{"transaction_ref":"SQ-1","amount":50000,"currency":"NGN"}`).Code)
	require.Equal(t, http.StatusCreated, ts.create(t, `{"transaction_ref":"SQ-2","amount":50000,"currency":"NGN"}`).Code)

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantOutcome string
	}{
		{"processing applied", squadWebhook("charge_processing", "SQ-1", 50000), http.StatusOK, "applied"},
		{"amount mismatch", squadWebhook("charge_successful", "SQ-1", 40000), http.StatusUnprocessableEntity, ""},
		{"success applied", squadWebhook("charge_successful", "SQ-1", 50000), http.StatusOK, "applied"},
		{"redelivery", squadWebhook("charge_successful", "SQ-1", 50000), http.StatusOK, "duplicate"},
		{"conflicting failure", squadWebhook("charge_failed", "SQ-1", 50000), http.StatusConflict, ""},
		{"conflicting failure redelivered", squadWebhook("charge_failed", "SQ-1", 50000), http.StatusConflict, "duplicate"},
		{"amount out of range", `{"Event":"charge_successful","TransactionRef":"SQ-1","Body":{"amount":18446744073709601616,"currency":"NGN"}}`, http.StatusBadRequest, ""},
		{"refund before success", squadWebhook("refund_successful", "SQ-2", 50000), http.StatusConflict, ""},
		{"unknown ref", squadWebhook("charge_successful", "SQ-404", 50000), http.StatusAccepted, ""},
		{"malformed", `{"Event":`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.webhook(t, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantOutcome != "" {
				assert.Equal(t, tt.wantOutcome, decode(t, rec)["outcome"])
			}
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/transactions/SQ-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "succeeded", body["status"])
	assert.Equal(t, "500.00 NGN", body["amount_display"])
	assert.Len(t, body["events"], 2)
}

func TestSquadWebhook_BadSignature(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.create(t, `{"transaction_ref":"SQ-1","amount":50000,"currency":"NGN"}`).Code)

	body := squadWebhook("charge_successful", "SQ-1", 50000)
	tests := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"lowercase hex", strings.ToLower(ts.verifier.Sign([]byte(body)))},
		{"other body", ts.verifier.Sign([]byte(body + " "))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.sig != "" {
				h.Set(signatureHeader, tt.sig)
			}
			rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/squad", []byte(body), h)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "invalid signature", decode(t, rec)["error"])
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/transactions/SQ-1", nil, nil)
	assert.Equal(t, "pending", decode(t, rec)["status"])
	assert.Empty(t, ts.publisher.Transitions())
}

func TestSquadWebhook_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t)
	body := strings.Repeat("A", maxRequestBodySize+1)
	rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/squad", []byte(body), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateTransaction(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{
			name:       "minor units",
			body:       `{"transaction_ref":"SQ-1","amount":50000,"currency":"ngn"}`,
			wantStatus: http.StatusCreated,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "NGN", body["currency"])
				assert.Equal(t, float64(50000), body["amount"])
				assert.Equal(t, "pending", body["status"])
			},
		},
		{
			name:       "major units",
			body:       `{"transaction_ref":"SQ-2","amount_major":"1250.50","currency":"NGN"}`,
			wantStatus: http.StatusCreated,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, float64(125050), body["amount"])
			},
		},
		{
			name:       "with checkout",
			body:       `{"transaction_ref":"SQ-3","amount":1000,"currency":"NGN","initiate":true,"email":"a@b.c"}`,
			wantStatus: http.StatusCreated,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "https://checkout.example/SQ-3", body["checkout_url"])
			},
		},
		{name: "duplicate", body: `{"transaction_ref":"SQ-1","amount":50000,"currency":"NGN"}`, wantStatus: http.StatusConflict},
		{name: "too precise", body: `{"transaction_ref":"SQ-4","amount_major":"1.001","currency":"NGN"}`, wantStatus: http.StatusBadRequest},
		{name: "both amounts", body: `{"transaction_ref":"SQ-5","amount":1,"amount_major":"1","currency":"NGN"}`, wantStatus: http.StatusBadRequest},
		{name: "zero amount", body: `{"transaction_ref":"SQ-6","amount":0,"currency":"NGN"}`, wantStatus: http.StatusBadRequest},
		{name: "bad currency", body: `{"transaction_ref":"SQ-7","amount":1,"currency":"NAIRA"}`, wantStatus: http.StatusBadRequest},
		{name: "bad ref", body: `{"transaction_ref":"SQ 8; drop table","amount":1,"currency":"NGN"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{"transaction_ref":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.create(t, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, decode(t, rec))
			}
		})
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/transactions/SQ-NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTransactions(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, ts.create(t, fmt.Sprintf(`{"transaction_ref":"SQ-%d","amount":100,"currency":"NGN"}`, i)).Code)
	}
	require.Equal(t, http.StatusOK, ts.webhook(t, squadWebhook("charge_successful", "SQ-1", 100)).Code)

	rec := ts.do(t, http.MethodGet, "/api/v1/transactions?status=succeeded", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = ts.do(t, http.MethodGet, "/api/v1/transactions?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	for _, q := range []string{"status=bogus", "limit=0", "limit=5000", "limit=x", "offset=-1"} {
		rec := ts.do(t, http.MethodGet, "/api/v1/transactions?"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestVerifyTransaction(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.create(t, `{"transaction_ref":"SQ-1","amount":50000,"currency":"NGN"}`).Code)
	require.Equal(t, http.StatusCreated, ts.create(t, `{"transaction_ref":"SQ-2","amount":50000,"currency":"NGN"}`).Code)
	require.Equal(t, http.StatusOK, ts.webhook(t, squadWebhook("charge_failed", "SQ-2", 50000)).Code)

	ts.gateway.records["SQ-1"] = &payment.VerificationRecord{Ref: "SQ-1", Status: payment.StatusSucceeded, Amount: 50000, Currency: "NGN"}
	ts.gateway.records["SQ-2"] = &payment.VerificationRecord{Ref: "SQ-2", Status: payment.StatusSucceeded, Amount: 50000, Currency: "NGN"}

	rec := ts.do(t, http.MethodPost, "/api/v1/transactions/SQ-1/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "applied", body["outcome"])
	assert.Equal(t, "succeeded", body["final_status"])

	rec = ts.do(t, http.MethodPost, "/api/v1/transactions/SQ-2/verify", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, "conflict", body["outcome"])
	assert.Equal(t, "failed", body["final_status"])

	rec = ts.do(t, http.MethodPost, "/api/v1/transactions/SQ-X/verify", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/anomalies?ref=SQ-2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestListStuck(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/transactions-stuck", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, "30m0s", body["stale_after"])
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = ts.do(t, http.MethodOptions, "/api/v1/transactions", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{payment.ErrAuthentication, http.StatusUnauthorized},
		{payment.ErrMalformedEvent, http.StatusBadRequest},
		{payment.ErrInvalidInput, http.StatusBadRequest},
		{payment.ErrNotFound, http.StatusNotFound},
		{payment.ErrDataIntegrity, http.StatusUnprocessableEntity},
		{&payment.TransitionError{Kind: payment.ErrConflictingEvent}, http.StatusConflict},
		{&payment.TransitionError{Kind: payment.ErrInvalidTransition}, http.StatusConflict},
		{payment.ErrReconciliationConflict, http.StatusConflict},
		{payment.ErrDuplicateTransaction, http.StatusConflict},
		{payment.Transient("verify", io.ErrUnexpectedEOF), http.StatusServiceUnavailable},
		{payment.ErrVersionConflict, http.StatusServiceUnavailable},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}

func TestValidateRef(t *testing.T) {
	valid := []string{"SQ-1", "order_2024.06:abc", strings.Repeat("a", maxRefLength)}
	for _, ref := range valid {
		assert.NoError(t, validateRef(ref), ref)
	}
	invalid := []string{"", "a b", "ref\x00", "ref/../x", strings.Repeat("a", maxRefLength+1), "ref;--"}
	for _, ref := range invalid {
		assert.Error(t, validateRef(ref), ref)
	}
}
