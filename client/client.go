// Package client is the HTTP client for the squadrecon service.
package client

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
	"strconv"
	"time"

	"github.com/brojonat/squadrecon/service/engine"
	"github.com/brojonat/squadrecon/service/payment"
)

// DefaultSignatureHeader is the header Squad signs webhook bodies into.
const DefaultSignatureHeader = "x-squad-encrypted-body"

// Transaction is a transaction as returned by the server.
type Transaction struct {
	payment.Transaction
	AmountDisplay string `json:"amount_display"`
}

// CreateTransactionRequest registers a transaction. Set either Amount (minor
// units) or AmountMajor (e.g. "1500.50").
type CreateTransactionRequest struct {
	Ref          string            `json:"transaction_ref"`
	Amount       int64             `json:"amount,omitempty"`
	AmountMajor  string            `json:"amount_major,omitempty"`
	Currency     string            `json:"currency"`
	CustomerID   string            `json:"customer_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Email        string            `json:"email,omitempty"`
	CustomerName string            `json:"customer_name,omitempty"`
	CallbackURL  string            `json:"callback_url,omitempty"`
	Initiate     bool              `json:"initiate,omitempty"`
}

// ListOptions filters and pages list calls. Zero values use server defaults.
type ListOptions struct {
	Status payment.Status
	Ref    string
	Limit  int
	Offset int
}

// TransactionList is one page of transactions.
type TransactionList struct {
	Transactions []*Transaction `json:"transactions"`
	Count        int            `json:"count"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
}

// StuckList is the stuck-transaction queue.
type StuckList struct {
	Transactions []engine.StuckTransaction `json:"transactions"`
	Count        int                       `json:"count"`
	Exhausted    int                       `json:"exhausted"`
	StaleAfter   string                    `json:"stale_after"`
}

// AnomalyList is one page of anomalies.
type AnomalyList struct {
	Anomalies []*payment.Anomaly `json:"anomalies"`
	Count     int                `json:"count"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

// VerifyResult is the outcome of an on-demand reconciliation. Error is set
// when the server reported a conflict or rejection alongside the result.
type VerifyResult struct {
	engine.ReconcileResult
	Error string `json:"error,omitempty"`
}

// WebhookResult is the server's answer to a webhook delivery.
type WebhookResult struct {
	engine.Result
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"-"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the squadrecon service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new squadrecon client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateTransaction registers a pending transaction.
func (c *Client) CreateTransaction(ctx context.Context, in CreateTransactionRequest) (*Transaction, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var txn Transaction
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions", nil, body, http.StatusCreated, &txn); err != nil {
		return nil, err
	}

	c.logger.Debug("transaction created", "ref", txn.Ref, "status", txn.Status)
	return &txn, nil
}

// GetTransaction retrieves a transaction with its event log.
func (c *Client) GetTransaction(ctx context.Context, ref string) (*Transaction, error) {
	var txn Transaction
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(ref), nil, nil, http.StatusOK, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListTransactions lists transactions, optionally filtered by status.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) (*TransactionList, error) {
	q := opts.query()
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}

	var list TransactionList
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions", q, nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Verify asks the server to reconcile ref against the gateway now. A
// reconciliation conflict comes back as a result with Error set together with
// an *APIError carrying the 409.
func (c *Client) Verify(ctx context.Context, ref string) (*VerifyResult, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/transactions/"+url.PathEscape(ref)+"/verify", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var res VerifyResult
	if jsonErr := json.Unmarshal(raw, &res); jsonErr != nil || res.Outcome == "" {
		if resp.StatusCode == http.StatusOK {
			return nil, fmt.Errorf("failed to decode response: %w", jsonErr)
		}
		return nil, parseError(resp.StatusCode, raw)
	}
	if resp.StatusCode != http.StatusOK {
		return &res, &APIError{StatusCode: resp.StatusCode, Message: res.Error}
	}
	return &res, nil
}

// ListStuck returns transactions that have sat non-terminal past the stale
// threshold.
func (c *Client) ListStuck(ctx context.Context, limit int) (*StuckList, error) {
	var list StuckList
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions-stuck", ListOptions{Limit: limit}.query(), nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ListAnomalies lists recorded anomalies, optionally for one ref.
func (c *Client) ListAnomalies(ctx context.Context, opts ListOptions) (*AnomalyList, error) {
	q := opts.query()
	if opts.Ref != "" {
		q.Set("ref", opts.Ref)
	}

	var list AnomalyList
	if err := c.do(ctx, http.MethodGet, "/api/v1/anomalies", q, nil, http.StatusOK, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// SendWebhook posts a raw webhook body with its signature. Every status the
// webhook endpoint answers with a result body is returned as a WebhookResult;
// StatusCode tells the caller how the server classified the delivery.
func (c *Client) SendWebhook(ctx context.Context, body []byte, signature, header string) (*WebhookResult, error) {
	if header == "" {
		header = DefaultSignatureHeader
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/webhooks/squad", nil, body, map[string]string{header: signature})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var res WebhookResult
	if err := json.Unmarshal(raw, &res); err != nil || (res.Ref == "" && res.Error == "" && res.Outcome == "") {
		return nil, parseError(resp.StatusCode, raw)
	}
	res.StatusCode = resp.StatusCode
	return &res, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return parseError(resp.StatusCode, raw)
	}
	return nil
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	return q
}

// do sends a request and decodes a JSON response with the expected status
// into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, want int, out interface{}) error {
	resp, err := c.send(ctx, method, path, q, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		return parseError(resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, body []byte, headers map[string]string) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// parseError turns an error response body into an *APIError.
func parseError(status int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: status, Message: string(bytes.TrimSpace(body))}
	}
	return &APIError{StatusCode: status, Message: errResp.Error}
}
