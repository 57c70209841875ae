// Package squad talks to the Squad payment gateway API.
package squad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/squadrecon/service/metrics"
	"github.com/brojonat/squadrecon/service/payment"
)

const (
	// SandboxBaseURL is Squad's test environment.
	SandboxBaseURL = "https://sandbox-api-d.squadco.com"

	maxResponseBytes = 1 << 20
)

// Client calls the Squad API with bounded retries.
type Client struct {
	baseURL     string
	secretKey   string
	httpClient  *http.Client
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoff sets the first retry delay and the cap.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseBackoff = base
		c.maxBackoff = max
	}
}

// NewClient creates a Squad API client. timeout bounds each attempt;
// maxRetries bounds the number of retries after the first attempt.
func NewClient(baseURL, secretKey string, timeout time.Duration, maxRetries int, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		secretKey:   secretKey,
		httpClient:  &http.Client{},
		timeout:     timeout,
		maxRetries:  maxRetries,
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  8 * time.Second,
		metrics:     m,
		logger:      logger.With("component", "squad_client"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the common Squad response wrapper.
type envelope struct {
	Status  int             `json:"status"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type verifyData struct {
	TransactionAmount     json.Number `json:"transaction_amount"`
	TransactionRef        string      `json:"transaction_ref"`
	TransactionStatus     string      `json:"transaction_status"`
	TransactionCurrencyID string      `json:"transaction_currency_id"`
	GatewayTransactionRef string      `json:"gateway_transaction_ref"`
	Email                 string      `json:"email"`
	CreatedAt             string      `json:"created_at"`
}

// Verify asks Squad for the authoritative state of a transaction.
func (c *Client) Verify(ctx context.Context, ref string) (*payment.VerificationRecord, error) {
	path := "/transaction/verify/" + url.PathEscape(ref)
	body, err := c.do(ctx, "verify", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var data verifyData
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode verify response for %s: %w", ref, err)
	}
	status, err := MapStatus(data.TransactionStatus)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", ref, err)
	}
	amount, err := payment.IntegerAmount(data.TransactionAmount.String())
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", ref, err)
	}
	remoteRef := data.TransactionRef
	if remoteRef == "" {
		remoteRef = ref
	}
	return &payment.VerificationRecord{
		Ref:        remoteRef,
		Status:     status,
		Amount:     amount,
		Currency:   strings.ToUpper(data.TransactionCurrencyID),
		GatewayRef: data.GatewayTransactionRef,
		Raw:        body,
		CheckedAt:  c.now().UTC(),
	}, nil
}

// MapStatus converts Squad's transaction_status into a Status.
func MapStatus(s string) (payment.Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "succeeded":
		return payment.StatusSucceeded, nil
	case "failed", "failure", "abandoned", "declined", "cancelled":
		return payment.StatusFailed, nil
	case "pending", "initiated":
		return payment.StatusPending, nil
	case "processing":
		return payment.StatusProcessing, nil
	case "refunded", "reversed":
		return payment.StatusRefunded, nil
	case "disputed", "chargeback":
		return payment.StatusDisputed, nil
	}
	return "", fmt.Errorf("%w: unknown transaction_status %q", payment.ErrMalformedEvent, s)
}

// InitiateRequest starts a checkout session.
type InitiateRequest struct {
	Amount         int64             `json:"amount"`
	Email          string            `json:"email"`
	Currency       string            `json:"currency"`
	InitiateType   string            `json:"initiate_type"`
	TransactionRef string            `json:"transaction_ref"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	CustomerName   string            `json:"customer_name,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// InitiateResponse carries the hosted checkout link.
type InitiateResponse struct {
	CheckoutURL       string `json:"checkout_url"`
	TransactionRef    string `json:"transaction_ref"`
	TransactionAmount int64  `json:"transaction_amount"`
}

// Initiate creates a checkout session for an existing transaction reference.
// It is not retried: a timed-out initiation may have succeeded remotely.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if req.InitiateType == "" {
		req.InitiateType = "inline"
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode initiate request: %w", err)
	}
	body, err := c.doOnce(ctx, "initiate", http.MethodPost, "/transaction/initiate", payload)
	if err != nil {
		return nil, err
	}
	var resp InitiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode initiate response: %w", err)
	}
	if resp.CheckoutURL == "" {
		return nil, fmt.Errorf("initiate %s: response has no checkout_url", req.TransactionRef)
	}
	return &resp, nil
}

// statusError is a non-2xx answer from Squad.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("squad returned %d: %s", e.code, e.message)
}

func retryable(err error) (string, bool) {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusTooManyRequests:
			return "rate_limit", true
		case se.code >= 500:
			return "server_error", true
		}
		return "", false
	}
	if errors.Is(err, payment.ErrTransientIO) {
		return "network", true
	}
	return "", false
}

// do runs one API call with retries on network errors, 429 and 5xx.
func (c *Client) do(ctx context.Context, operation, method, path string, payload []byte) ([]byte, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WarnContext(ctx, "retrying squad call",
				"operation", operation,
				"attempt", attempt,
				"backoff_ms", backoff.Milliseconds(),
				"error", lastErr,
			)
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, payment.Transient(operation, ctx.Err())
			case <-t.C:
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		body, err := c.doOnce(ctx, operation, method, path, payload)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, payment.ErrNotFound) {
			return nil, err
		}
		reason, ok := retryable(err)
		if !ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, payment.Transient(operation, ctx.Err())
		}
		c.metrics.RecordGatewayRetry(operation, reason)
		lastErr = err
	}
	return nil, payment.Transient(fmt.Sprintf("%s after %d attempts", operation, c.maxRetries+1), lastErr)
}

// doOnce performs a single attempt bounded by the client timeout and returns
// the envelope's data field.
func (c *Client) doOnce(ctx context.Context, operation, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordGatewayCall(operation, "error", time.Since(start).Seconds())
		return nil, payment.Transient(operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordGatewayCall(operation, fmt.Sprintf("%d", resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return nil, payment.Transient(operation, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", payment.ErrNotFound, env.Message)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &statusError{code: resp.StatusCode, message: msg}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%s: response has no data: %s", operation, env.Message)
	}
	return env.Data, nil
}
