package payment

import (
	"fmt"
	"time"
)

// VerificationRecord is the gateway's authoritative answer for one
// transaction. It is only ever used to reconcile.
type VerificationRecord struct {
	Ref        string    `json:"transaction_ref"`
	Status     Status    `json:"status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	GatewayRef string    `json:"gateway_ref,omitempty"`
	Raw        []byte    `json:"raw,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// SyntheticEvent converts a verification into the event a webhook would have
// delivered. The fingerprint covers only the reconciled facts so repeated
// verifications of an unchanged remote state collapse into one event.
func (v *VerificationRecord) SyntheticEvent() Event {
	eventType := "reconciliation:" + string(v.Status)
	summary := fmt.Sprintf("%s|%d|%s", v.Status, v.Amount, v.Currency)
	meta := EventMeta{
		Type:        eventType,
		Ref:         v.Ref,
		Fingerprint: Fingerprint(v.Ref, eventType, []byte(summary)),
		Source:      SourceReconciliation,
		ReceivedAt:  v.CheckedAt,
		Payload:     v.Raw,
	}
	switch v.Status {
	case StatusSucceeded:
		return SuccessEvent{EventMeta: meta, Amount: v.Amount, Currency: v.Currency}
	case StatusFailed:
		return FailureEvent{EventMeta: meta, Reason: "reported failed by gateway verification"}
	case StatusRefunded:
		return RefundEvent{EventMeta: meta, Amount: v.Amount}
	case StatusDisputed:
		return DisputeEvent{EventMeta: meta, Reason: "reported disputed by gateway verification"}
	case StatusPending, StatusProcessing:
		return InFlightEvent{EventMeta: meta}
	}
	return UnrecognizedEvent{EventMeta: meta}
}
