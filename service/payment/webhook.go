package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// webhookEnvelope is the outer object Squad posts to the webhook URL.
type webhookEnvelope struct {
	Event          string       `json:"Event"`
	TransactionRef string       `json:"TransactionRef"`
	Sequence       *json.Number `json:"Sequence,omitempty"`
	Body           webhookBody  `json:"Body"`
}

type webhookBody struct {
	Amount            json.Number `json:"amount"`
	TransactionRef    string      `json:"transaction_ref"`
	GatewayRef        string      `json:"gateway_ref"`
	TransactionStatus string      `json:"transaction_status"`
	Currency          string      `json:"currency"`
	TransactionType   string      `json:"transaction_type"`
	Reason            string      `json:"reason"`
	RefundAmount      json.Number `json:"refund_amount"`
}

// Squad event names we map onto the event model.
const (
	EventChargeSuccessful = "charge_successful"
	EventChargeFailed     = "charge_failed"
	EventChargePending    = "charge_pending"
	EventChargeProcessing = "charge_processing"
	EventRefundSuccessful = "refund_successful"
	EventChargeRefunded   = "charge_refunded"
	EventChargeDisputed   = "charge_disputed"
	EventDisputeOpened    = "dispute_opened"
)

// ParseWebhook decodes a raw, already authenticated webhook body into an
// Event. The fingerprint is computed over the exact bytes received.
func ParseWebhook(body []byte, receivedAt time.Time) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var env webhookEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode webhook: %v", ErrMalformedEvent, err)
	}

	ref := strings.TrimSpace(env.TransactionRef)
	if ref == "" {
		ref = strings.TrimSpace(env.Body.TransactionRef)
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: missing transaction reference", ErrMalformedEvent)
	}
	eventType := strings.ToLower(strings.TrimSpace(env.Event))
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}

	meta := EventMeta{
		Type:        eventType,
		Ref:         ref,
		Fingerprint: Fingerprint(ref, eventType, body),
		Source:      SourceWebhook,
		ReceivedAt:  receivedAt,
		Payload:     body,
	}
	if env.Sequence != nil {
		seq, err := env.Sequence.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid sequence %q", ErrMalformedEvent, env.Sequence.String())
		}
		meta.Sequence = &seq
	}

	switch eventType {
	case EventChargeSuccessful:
		amount, err := bodyAmount(env.Body.Amount)
		if err != nil {
			return nil, err
		}
		return SuccessEvent{
			EventMeta: meta,
			Amount:    amount,
			Currency:  strings.ToUpper(strings.TrimSpace(env.Body.Currency)),
		}, nil
	case EventChargeFailed:
		reason := env.Body.Reason
		if reason == "" {
			reason = env.Body.TransactionStatus
		}
		return FailureEvent{EventMeta: meta, Reason: reason}, nil
	case EventChargePending, EventChargeProcessing:
		return InFlightEvent{EventMeta: meta}, nil
	case EventRefundSuccessful, EventChargeRefunded:
		raw := env.Body.RefundAmount
		if raw == "" {
			raw = env.Body.Amount
		}
		amount, err := bodyAmount(raw)
		if err != nil {
			return nil, err
		}
		return RefundEvent{EventMeta: meta, Amount: amount}, nil
	case EventChargeDisputed, EventDisputeOpened:
		return DisputeEvent{EventMeta: meta, Reason: env.Body.Reason}, nil
	}
	return UnrecognizedEvent{EventMeta: meta}, nil
}

func bodyAmount(n json.Number) (int64, error) {
	if n == "" {
		return 0, fmt.Errorf("%w: missing amount", ErrMalformedEvent)
	}
	amount, err := IntegerAmount(n.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return amount, nil
}
