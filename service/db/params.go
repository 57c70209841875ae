package db

import (
	"time"

	"github.com/brojonat/squadrecon/service/payment"
)

// ListTransactionsParams filters and paginates ListTransactions.
type ListTransactionsParams struct {
	Status *payment.Status
	Limit  int32
	Offset int32
}

// StaleParams selects non-terminal transactions that have not moved since
// OlderThan. MaxAttempts, when positive, excludes transactions that have
// already used up their reconciliation attempts.
type StaleParams struct {
	OlderThan   time.Time
	MaxAttempts int
	Limit       int32
}

// ListAnomaliesParams filters ListAnomalies. An empty Ref lists all.
type ListAnomaliesParams struct {
	Ref    string
	Limit  int32
	Offset int32
}

const defaultLimit = 100

func limitOrDefault(n int32) int32 {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

var nonTerminal = []string{string(payment.StatusPending), string(payment.StatusProcessing)}
