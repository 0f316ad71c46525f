package recovery

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
)

// Scheduler is the capability to book a durable retry; the retry manager
// implements it. Passing the capability instead of the concrete manager
// keeps the ownership graph a DAG.
type Scheduler interface {
	Schedule(ctx context.Context, txn *domain.Transaction, cause error) error
}

// DeadLetterer parks a transaction for operator attention.
type DeadLetterer interface {
	Add(ctx context.Context, txn *domain.Transaction, errKind domain.Kind) error
}

type Config struct {
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

type Manager struct {
	strategies []Strategy
	store      application.TransactionStore
	scheduler  Scheduler
	deadLetter DeadLetterer
	cfg        Config
	clock      clock.Clock
	bus        *eventbus.Bus
	logger     *slog.Logger
}

func NewManager(
	strategies []Strategy,
	store application.TransactionStore,
	scheduler Scheduler,
	deadLetter DeadLetterer,
	cfg Config,
	clk clock.Clock,
	bus *eventbus.Bus,
	logger *slog.Logger,
) *Manager {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		strategies: strategies,
		store:      store,
		scheduler:  scheduler,
		deadLetter: deadLetter,
		cfg:        cfg,
		clock:      clk,
		bus:        bus,
		logger:     logger,
	}
}

// selectStrategy returns the first matching strategy, falling back to the
// first general one.
func (m *Manager) selectStrategy(err error) Strategy {
	for _, s := range m.strategies {
		if s.CanHandle(err) {
			return s
		}
	}
	for _, s := range m.strategies {
		if s.IsGeneral() {
			return s
		}
	}
	return nil
}

// Run drives the recovery path for a transaction whose true outcome is
// unknown. The caller holds the exclusive record lock and still owns the
// terminal lock/idempotency release. Run reports the transaction's resulting
// status; a dead-lettered transaction comes back FAILED.
func (m *Manager) Run(ctx context.Context, txn *domain.Transaction, cause error) (domain.TransactionStatus, error) {
	// Retryable errors with attempts left belong to the retry path.
	retriesExhausted := false
	if domain.IsRetryable(cause) && m.scheduler != nil {
		err := m.scheduler.Schedule(ctx, txn, cause)
		switch {
		case err == nil:
			return txn.Status, nil
		case domain.IsKind(err, domain.KindRetryLimitExceeded):
			retriesExhausted = true
		default:
			return txn.Status, err
		}
	}

	if !domain.IsRecoverable(cause) {
		return m.fail(ctx, txn, domain.KindOf(cause), cause.Error(), true)
	}

	switch txn.Status {
	case domain.StatusProcessing, domain.StatusRecoveryPending, domain.StatusRecoveryInProgress:
	default:
		return txn.Status, domain.NewInvalidStateError("transaction is not in a recoverable state").
			WithContext("transactionId", txn.ID).
			WithContext("status", string(txn.Status))
	}

	attempts := m.bumpAttempts(txn)
	if attempts > m.cfg.MaxAttempts {
		limitErr := domain.NewRecoveryLimitExceededError(txn.ID, attempts-1)
		return m.fail(ctx, txn, domain.KindRecoveryLimitExceeded, limitErr.Error(), true)
	}

	strategy := m.selectStrategy(cause)
	if strategy == nil {
		return m.fail(ctx, txn, domain.KindOf(cause), "no recovery strategy available", true)
	}

	now := m.clock.Now()
	if txn.Status == domain.StatusProcessing {
		if err := txn.TransitionTo(domain.StatusRecoveryPending, now); err != nil {
			return txn.Status, err
		}
	}
	if txn.Status == domain.StatusRecoveryPending {
		if err := txn.TransitionTo(domain.StatusRecoveryInProgress, now); err != nil {
			return txn.Status, err
		}
	}
	if err := m.store.Update(ctx, txn); err != nil {
		return txn.Status, domain.NewInternalError("recovery state persist failed", err)
	}
	m.bus.Publish(ctx, eventbus.TransactionRecoveryStarted, eventbus.TxnPayload(txn.ID, map[string]string{
		"strategy": strategy.Type(),
		"cause":    string(domain.KindOf(cause)),
	}))

	m.logger.Info("running recovery strategy",
		"transaction_id", txn.ID,
		"strategy", strategy.Type(),
		"attempt", attempts,
	)

	outcome, err := strategy.Execute(ctx, txn)
	if err != nil {
		m.logger.Error("recovery strategy failed",
			"transaction_id", txn.ID,
			"strategy", strategy.Type(),
			"error", err,
		)
		return m.fail(ctx, txn, domain.KindInternal, "RECOVERY_EXECUTION_ERROR: "+err.Error(), true)
	}

	now = m.clock.Now()
	if outcome.ExternalRef != "" {
		txn.SetMeta(domain.MetaExternalRef, outcome.ExternalRef)
	}

	switch outcome.Status {
	case domain.StatusCompleted:
		txn.SetMeta(domain.MetaRecoveredAt, now.Format(time.RFC3339Nano))
		if err := txn.TransitionTo(domain.StatusCompleted, now); err != nil {
			return txn.Status, err
		}
		if err := m.store.Update(ctx, txn); err != nil {
			return txn.Status, domain.NewInternalError("recovery completion persist failed", err)
		}
		m.bus.Publish(ctx, eventbus.TransactionRecoveryCompleted, eventbus.TxnPayload(txn.ID, map[string]string{
			"strategy": strategy.Type(),
			"note":     outcome.Note,
		}))
		return txn.Status, nil
	default:
		if outcome.Determined {
			// The provider reported a terminal failure: a clean resolution,
			// not something an operator needs to re-drive.
			return m.fail(ctx, txn, domain.KindProviderDecline, outcome.Note, false)
		}
		kind := domain.KindProviderDecline
		if retriesExhausted {
			// The outcome is an inference after the retry budget ran out, so
			// the terminal marker is the exhausted budget, not a decline.
			kind = domain.KindRetryLimitExceeded
		}
		return m.fail(ctx, txn, kind, outcome.Note, true)
	}
}

// bumpAttempts maintains the per-transaction recovery counter in metadata.
func (m *Manager) bumpAttempts(txn *domain.Transaction) int {
	attempts, _ := strconv.Atoi(txn.Meta(domain.MetaRecoveryAttempts))
	attempts++
	txn.SetMeta(domain.MetaRecoveryAttempts, strconv.Itoa(attempts))
	return attempts
}

// fail transitions to FAILED, optionally parking the transaction in the dead
// letter queue for operator attention.
func (m *Manager) fail(ctx context.Context, txn *domain.Transaction, kind domain.Kind, message string, deadLetter bool) (domain.TransactionStatus, error) {
	now := m.clock.Now()
	txn.RecordError(kind, message, now)
	if !txn.IsTerminal() {
		if err := txn.TransitionTo(domain.StatusFailed, now); err != nil {
			return txn.Status, err
		}
	}
	if err := m.store.Update(ctx, txn); err != nil {
		return txn.Status, domain.NewInternalError("recovery failure persist failed", err)
	}
	if deadLetter {
		if err := m.deadLetter.Add(ctx, txn, kind); err != nil {
			m.logger.Error("dead letter add failed", "transaction_id", txn.ID, "error", err)
		}
	}
	return txn.Status, nil
}
