package payment

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; TransitionError unwraps to one
// of these.
var (
	ErrAuthentication         = errors.New("webhook authentication failed")
	ErrDataIntegrity          = errors.New("data integrity violation")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrConflictingEvent       = errors.New("conflicting event")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrTransientIO            = errors.New("transient io error")
	ErrMalformedEvent         = errors.New("malformed event")
	ErrNotFound               = errors.New("transaction not found")
	ErrDuplicateTransaction   = errors.New("transaction already exists")
	ErrVersionConflict        = errors.New("transaction version conflict")
	ErrInvalidInput           = errors.New("invalid input")
)

// TransitionError describes a rejected event or reconciliation.
type TransitionError struct {
	Kind      error
	Ref       string
	From      Status
	To        Status // remote status for reconciliation conflicts
	EventType string
	Detail    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%v: ref=%s status=%s event=%s", e.Kind, e.Ref, e.From, e.EventType)
	if e.To != "" {
		msg += " remote=" + string(e.To)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Kind }

// Transient wraps err so that errors.Is(err, ErrTransientIO) holds.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}
