// Package retry schedules bounded re-attempts with exponential backoff and
// jitter.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

type Policy struct {
	MaxAttempts  int
	Backoff      BackoffKind
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.1,
	}
}

type Manager struct {
	policy Policy
	store  application.TransactionStore
	queue  *retryqueue.Queue
	clock  clock.Clock
	bus    *eventbus.Bus
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewManager(policy Policy, store application.TransactionStore, queue *retryqueue.Queue, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy()
	}
	return &Manager{
		policy: policy,
		store:  store,
		queue:  queue,
		clock:  clk,
		bus:    bus,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) Policy() Policy { return m.policy }

// Delay computes the wait before the given 1-based attempt: fixed or
// exponential base, additive uniform jitter, clamped to MaxDelay.
func (m *Manager) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := m.policy.InitialDelay
	if m.policy.Backoff != BackoffFixed {
		base = m.policy.InitialDelay << (attempt - 1)
	}

	jitterSpan := float64(base) * m.policy.JitterFactor
	m.mu.Lock()
	jitter := time.Duration((m.rng.Float64()*2 - 1) * jitterSpan)
	m.mu.Unlock()

	delay := base + jitter
	if delay > m.policy.MaxDelay {
		delay = m.policy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Schedule books the next attempt for a transaction the caller holds the
// exclusive record lock on. It bumps the attempt accounting, parks the
// transaction in RECOVERY_PENDING and enqueues the due entry. When attempts
// are exhausted it mutates nothing and returns RETRY_LIMIT_EXCEEDED so the
// engine routes the transaction to its terminal path.
func (m *Manager) Schedule(ctx context.Context, txn *domain.Transaction, cause error) error {
	if txn.RetryCount >= m.policy.MaxAttempts {
		return domain.NewRetryLimitExceededError(txn.ID, txn.RetryCount)
	}

	now := m.clock.Now()
	attempt := txn.RetryCount + 1
	dueAt := now.Add(m.Delay(attempt))

	reason := "unspecified"
	if cause != nil {
		reason = string(domain.KindOf(cause))
	}

	if txn.Status != domain.StatusRecoveryPending {
		if err := txn.TransitionTo(domain.StatusRecoveryPending, now); err != nil {
			return err
		}
	}
	txn.ScheduleRetry(dueAt, reason, now)
	if cause != nil {
		txn.RecordError(domain.KindOf(cause), cause.Error(), now)
	}

	if err := m.store.Update(ctx, txn); err != nil {
		return domain.NewInternalError("retry schedule persist failed", err)
	}
	if err := m.queue.Enqueue(ctx, txn.ID, dueAt, attempt); err != nil {
		return err
	}

	m.logger.Info("retry scheduled",
		"transaction_id", txn.ID,
		"attempt", attempt,
		"due_at", dueAt,
		"reason", reason,
	)
	m.bus.Publish(ctx, eventbus.TransactionRetryScheduled, eventbus.TxnPayload(txn.ID, map[string]string{
		"attempt": strconv.Itoa(attempt),
		"dueAt":   dueAt.Format(time.RFC3339Nano),
		"reason":  reason,
	}))
	return nil
}

// Cancel removes a scheduled retry and fails the transaction with the
// retryCancelled marker. The caller holds the exclusive record lock.
func (m *Manager) Cancel(ctx context.Context, txn *domain.Transaction) error {
	if txn.Status != domain.StatusRecoveryPending {
		return domain.NewInvalidStateError("no retry pending for transaction").
			WithContext("transactionId", txn.ID)
	}

	if _, err := m.queue.Cancel(ctx, txn.ID); err != nil {
		return err
	}

	now := m.clock.Now()
	if err := txn.TransitionTo(domain.StatusFailed, now); err != nil {
		return err
	}
	txn.SetMeta(domain.MetaRetryCancelled, "true")
	txn.RecordError(domain.KindInternal, "retry cancelled by operator", now)
	if err := m.store.Update(ctx, txn); err != nil {
		return domain.NewInternalError("retry cancel persist failed", err)
	}
	return nil
}

// IsRetryable prefers the explicit flag on domain errors and falls back to a
// fixed set of transient kinds.
func IsRetryable(err error) bool {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindProviderCommunication, domain.KindTimeout,
		domain.KindLockTimeout, domain.KindTransactionLocked:
		return true
	}
	return false
}
