// Package engine drives payment transactions through webhook delivery and
// reconciliation. Each transaction reference is processed under its own
// lock; different references proceed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/squadrecon/service/db"
	"github.com/brojonat/squadrecon/service/lock"
	"github.com/brojonat/squadrecon/service/metrics"
	natspkg "github.com/brojonat/squadrecon/service/nats"
	"github.com/brojonat/squadrecon/service/payment"
	"github.com/brojonat/squadrecon/service/signature"
	"github.com/brojonat/squadrecon/service/squad"
)

// Store persists transactions and anomalies. Implemented by db.Store and
// db.BoltStore.
type Store interface {
	CreateTransaction(ctx context.Context, txn *payment.Transaction) error
	GetTransaction(ctx context.Context, ref string) (*payment.Transaction, error)
	CommitTransaction(ctx context.Context, txn *payment.Transaction, expectedVersion int64, anomaly *payment.Anomaly) error
	MarkReconcileAttempt(ctx context.Context, ref string, at time.Time) error
	ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*payment.Transaction, error)
	ListStaleTransactions(ctx context.Context, params db.StaleParams) ([]*payment.Transaction, error)
	RecordAnomaly(ctx context.Context, a *payment.Anomaly) error
	ListAnomalies(ctx context.Context, params db.ListAnomaliesParams) ([]*payment.Anomaly, error)
	// FindAnomaly returns the newest anomaly for a fingerprint of ref, or nil.
	FindAnomaly(ctx context.Context, ref, fingerprint string) (*payment.Anomaly, error)
}

// Gateway is the subset of the Squad API the engine needs.
type Gateway interface {
	Verify(ctx context.Context, ref string) (*payment.VerificationRecord, error)
	Initiate(ctx context.Context, req squad.InitiateRequest) (*squad.InitiateResponse, error)
}

// Config holds engine tunables.
type Config struct {
	// StaleAfter is how long a non-terminal transaction may sit unchanged
	// before the sweep reconciles it.
	StaleAfter time.Duration
	// MaxReconcileAttempts bounds automatic reconciliation per transaction.
	MaxReconcileAttempts int
	// MaxCommitRetries bounds reloads after an optimistic concurrency conflict.
	MaxCommitRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:           30 * time.Minute,
		MaxReconcileAttempts: 5,
		MaxCommitRetries:     5,
	}
}

// Params wires an Engine. Locker defaults to an in-process KeyedMutex;
// Publisher, Gateway and Metrics may be nil.
type Params struct {
	Store     Store
	Locker    lock.Locker
	Verifier  *signature.Verifier
	Gateway   Gateway
	Publisher natspkg.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Config    Config
	Clock     func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	store     Store
	locker    lock.Locker
	verifier  *signature.Verifier
	gateway   Gateway
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New builds an Engine. It fails when Store or Verifier is missing.
func New(p Params) (*Engine, error) {
	if p.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if p.Verifier == nil {
		return nil, fmt.Errorf("engine: %w", signature.ErrMissingSecret)
	}
	if p.Locker == nil {
		p.Locker = lock.NewKeyedMutex()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = func() time.Time { return time.Now().UTC() }
	}
	def := DefaultConfig()
	if p.Config.StaleAfter <= 0 {
		p.Config.StaleAfter = def.StaleAfter
	}
	if p.Config.MaxReconcileAttempts <= 0 {
		p.Config.MaxReconcileAttempts = def.MaxReconcileAttempts
	}
	if p.Config.MaxCommitRetries <= 0 {
		p.Config.MaxCommitRetries = def.MaxCommitRetries
	}
	return &Engine{
		store:     p.Store,
		locker:    p.Locker,
		verifier:  p.Verifier,
		gateway:   p.Gateway,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		logger:    p.Logger.With("component", "engine"),
		cfg:       p.Config,
		now:       p.Clock,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// withLock runs fn while holding the per-reference lock.
func (e *Engine) withLock(ctx context.Context, ref string, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("lock %s: %w", ref, err)
		}
		return payment.Transient("lock "+ref, err)
	}
	defer unlock()
	return fn()
}

func (e *Engine) publishTransition(ctx context.Context, txn *payment.Transaction, d payment.Decision) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTransition(ctx, natspkg.FromDecision(txn, d)); err != nil {
		e.logger.WarnContext(ctx, "failed to publish transition",
			"ref", txn.Ref,
			"to", d.To,
			"error", err,
		)
	}
}

func (e *Engine) publishAnomaly(ctx context.Context, a *payment.Anomaly) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishAnomaly(ctx, natspkg.FromAnomaly(a)); err != nil {
		e.logger.WarnContext(ctx, "failed to publish anomaly",
			"ref", a.Ref,
			"kind", a.Kind,
			"error", err,
		)
	}
}
