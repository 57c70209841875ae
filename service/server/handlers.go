package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/brojonat/squadrecon/service/db"
	"github.com/brojonat/squadrecon/service/engine"
	"github.com/brojonat/squadrecon/service/payment"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - webhooks and create requests are a few KB
	maxRefLength       = 128
	defaultPageLimit   = 100
	maxPageLimit       = 1000
)

var validRefRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// handleSquadWebhook returns a handler for Squad payment notifications.
// POST /api/v1/webhooks/squad
//
// The body is verified byte-for-byte against the signature header before it
// is parsed. Squad retries on non-2xx answers, so only transient failures map
// to a retryable 5xx. Rejected events are already recorded and answer 4xx,
// and a redelivery of one gets the same 4xx.
func handleSquadWebhook(eng *engine.Engine, signatureHeader string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			writeError(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		res, err := eng.HandleWebhook(r.Context(), body, r.Header.Get(signatureHeader))
		if err != nil {
			status := statusForError(err)
			if errors.Is(err, payment.ErrNotFound) {
				// Recorded as an anomaly; retrying will not make the ref appear.
				status = http.StatusAccepted
			}
			if status >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "webhook processing failed", "error", err)
			} else {
				logger.DebugContext(r.Context(), "webhook rejected", "status", status, "error", err)
			}
			writeJSON(w, webhookResponse{Result: res, Error: publicMessage(err)}, status)
			return
		}

		writeJSON(w, webhookResponse{Result: res}, http.StatusOK)
	})
}

type webhookResponse struct {
	*engine.Result
	Error string `json:"error,omitempty"`
}

// createTransactionRequest accepts either minor units in amount or a decimal
// major-unit string in amount_major.
type createTransactionRequest struct {
	TransactionRef string            `json:"transaction_ref"`
	Amount         int64             `json:"amount"`
	AmountMajor    string            `json:"amount_major"`
	Currency       string            `json:"currency"`
	CustomerID     string            `json:"customer_id"`
	Metadata       map[string]string `json:"metadata"`
	Email          string            `json:"email"`
	CustomerName   string            `json:"customer_name"`
	CallbackURL    string            `json:"callback_url"`
	Initiate       bool              `json:"initiate"`
}

// handleCreateTransaction returns a handler that registers a pending transaction.
// POST /api/v1/transactions
func handleCreateTransaction(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req createTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := validateRef(req.TransactionRef); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		currency := strings.ToUpper(strings.TrimSpace(req.Currency))

		amount := req.Amount
		if req.AmountMajor != "" {
			if req.Amount != 0 {
				writeError(w, "set either amount or amount_major, not both", http.StatusBadRequest)
				return
			}
			minor, err := payment.ParseMinorUnits(req.AmountMajor, currency)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			amount = minor
		}

		txn, err := eng.CreateTransaction(r.Context(), engine.CreateRequest{
			Ref:          req.TransactionRef,
			Amount:       amount,
			Currency:     currency,
			CustomerID:   req.CustomerID,
			Metadata:     req.Metadata,
			Email:        req.Email,
			CustomerName: req.CustomerName,
			CallbackURL:  req.CallbackURL,
			Initiate:     req.Initiate,
		})
		if err != nil {
			writeEngineError(r.Context(), w, logger, "failed to create transaction", err)
			return
		}

		writeJSON(w, transactionToResponse(txn), http.StatusCreated)
	})
}

// handleGetTransaction returns a handler that retrieves one transaction.
// GET /api/v1/transactions/{ref}
func handleGetTransaction(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		if err := validateRef(ref); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txn, err := eng.Get(r.Context(), ref)
		if err != nil {
			writeEngineError(r.Context(), w, logger, "failed to get transaction", err)
			return
		}

		writeJSON(w, transactionToResponse(txn), http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists transactions.
// GET /api/v1/transactions?status=STATUS&limit=N&offset=N
func handleListTransactions(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		limit, offset, err := parsePaging(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		params := db.ListTransactionsParams{Limit: limit, Offset: offset}
		if raw := query.Get("status"); raw != "" {
			status, err := payment.ParseStatus(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			params.Status = &status
		}

		txns, err := eng.List(r.Context(), params)
		if err != nil {
			writeEngineError(r.Context(), w, logger, "failed to list transactions", err)
			return
		}

		logger.Debug("transactions listed", "count", len(txns))

		resp := make([]transactionResponse, len(txns))
		for i, t := range txns {
			resp[i] = transactionToResponse(t)
		}

		writeJSON(w, map[string]interface{}{
			"transactions": resp,
			"count":        len(resp),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

type verifyResponse struct {
	*engine.ReconcileResult
	Error string `json:"error,omitempty"`
}

// handleVerifyTransaction returns a handler that reconciles one transaction
// against the gateway on demand.
// POST /api/v1/transactions/{ref}/verify
func handleVerifyTransaction(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		if err := validateRef(ref); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := eng.Reconcile(r.Context(), ref)
		if err != nil {
			status := statusForError(err)
			if status >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "verification failed", "ref", ref, "error", err)
			}
			if res == nil || res.Outcome == "" {
				writeError(w, publicMessage(err), status)
				return
			}
			writeJSON(w, verifyResponse{ReconcileResult: res, Error: publicMessage(err)}, status)
			return
		}

		writeJSON(w, verifyResponse{ReconcileResult: res}, http.StatusOK)
	})
}

// handleListStuck returns a handler for the stuck-transaction queue.
// GET /api/v1/transactions-stuck?limit=N
func handleListStuck(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _, err := parsePaging(r.URL.Query().Get("limit"), "")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		stuck, err := eng.ListStuck(r.Context(), limit)
		if err != nil {
			writeEngineError(r.Context(), w, logger, "failed to list stuck transactions", err)
			return
		}

		exhausted := 0
		for _, st := range stuck {
			if st.Exhausted {
				exhausted++
			}
		}

		writeJSON(w, map[string]interface{}{
			"transactions": stuck,
			"count":        len(stuck),
			"exhausted":    exhausted,
			"stale_after":  eng.Config().StaleAfter.String(),
		}, http.StatusOK)
	})
}

// handleListAnomalies returns a handler that lists recorded anomalies.
// GET /api/v1/anomalies?ref=REF&limit=N&offset=N
func handleListAnomalies(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		limit, offset, err := parsePaging(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		ref := query.Get("ref")
		if ref != "" {
			if err := validateRef(ref); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		anomalies, err := eng.ListAnomalies(r.Context(), db.ListAnomaliesParams{Ref: ref, Limit: limit, Offset: offset})
		if err != nil {
			writeEngineError(r.Context(), w, logger, "failed to list anomalies", err)
			return
		}

		writeJSON(w, map[string]interface{}{
			"anomalies": anomalies,
			"count":     len(anomalies),
			"limit":     limit,
			"offset":    offset,
		}, http.StatusOK)
	})
}

// transactionResponse is the JSON response format for a transaction.
type transactionResponse struct {
	*payment.Transaction
	AmountDisplay string `json:"amount_display"`
}

func transactionToResponse(t *payment.Transaction) transactionResponse {
	return transactionResponse{
		Transaction:   t,
		AmountDisplay: payment.FormatMinorUnits(t.Amount, t.Currency),
	}
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, payment.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, payment.ErrMalformedEvent), errors.Is(err, payment.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrDataIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrConflictingEvent),
		errors.Is(err, payment.ErrInvalidTransition),
		errors.Is(err, payment.ErrReconciliationConflict),
		errors.Is(err, payment.ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, payment.ErrTransientIO),
		errors.Is(err, payment.ErrVersionConflict),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal detail for errors the caller cannot act on.
func publicMessage(err error) string {
	switch statusForError(err) {
	case http.StatusUnauthorized:
		return "invalid signature"
	case http.StatusServiceUnavailable:
		return "temporarily unavailable, retry later"
	case http.StatusInternalServerError:
		return "internal server error"
	}
	return err.Error()
}

// writeEngineError logs server-side failures and writes the mapped status.
func writeEngineError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, msg, "error", err)
	} else {
		logger.DebugContext(ctx, msg, "status", status, "error", err)
	}
	writeError(w, publicMessage(err), status)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateRef validates a transaction reference taken from a path or query.
func validateRef(ref string) error {
	if ref == "" {
		return errorf("transaction_ref is required")
	}

	if len(ref) > maxRefLength {
		return errorf("transaction_ref too long: maximum length is %d characters", maxRefLength)
	}

	for _, r := range ref {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in transaction_ref: control characters not allowed")
		}
	}

	if !validRefRegex.MatchString(ref) {
		return errorf("invalid transaction_ref format: use letters, digits, '_', '-', '.' or ':'")
	}

	return nil
}

// parsePaging parses limit (default 100, max 1000) and offset (default 0).
func parsePaging(limitStr, offsetStr string) (int32, int32, error) {
	limit := int32(defaultPageLimit)
	if limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if parsed < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if parsed > maxPageLimit {
			return 0, 0, errorf("limit cannot exceed %d", maxPageLimit)
		}
		limit = int32(parsed)
	}

	offset := int32(0)
	if offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if parsed < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = int32(parsed)
	}

	return limit, offset, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
