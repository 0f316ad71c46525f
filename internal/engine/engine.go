// Package engine is the transaction manager: it owns the processing
// lifecycle and coordinates idempotency, locking, retries, recovery,
// compensation and the dead letter queue.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/compensation"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/dlq"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/locker"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/provider"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/recovery"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retry"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
)

// ResourceTransaction is the lock namespace for transaction records.
const ResourceTransaction = "transaction"

// MetaReprocessedAt marks a transaction revived from the dead letter queue.
const MetaReprocessedAt = "reprocessedAt"

// Deps wires the manager's collaborators explicitly.
type Deps struct {
	Store         application.TransactionStore
	Provider      application.ProviderPort
	Idempotency   *idempotency.Manager
	Locks         *locker.Manager
	Retries       *retry.Manager
	Recovery      *recovery.Manager
	Compensations *compensation.Ledger
	DLQ           *dlq.Queue
	Queue         *retryqueue.Queue
	Clock         clock.Clock
	Bus           *eventbus.Bus
	Logger        *slog.Logger
}

type Manager struct {
	deps Deps
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps}
}

// CreateInput describes one payment request. Amounts are in minor units.
type CreateInput struct {
	Type             domain.TransactionType
	AmountCents      int64
	Currency         string
	CustomerID       string
	PaymentMethodRef string
	IdempotencyKey   string
	Metadata         map[string]string
}

// CreateResult carries the transaction and whether it was served from an
// earlier attempt with the same idempotency key.
type CreateResult struct {
	Transaction    *domain.Transaction
	Deduplicated   bool
	CachedResponse []byte
}

// responseSnapshot is what gets cached against the idempotency record and
// replayed to duplicates.
type responseSnapshot struct {
	TransactionID string            `json:"transactionId"`
	Status        string            `json:"status"`
	ExternalRef   string            `json:"externalRef,omitempty"`
	Error         *domain.ErrorInfo `json:"error,omitempty"`
}

// Begin runs the full processing lifecycle for a new payment request. A
// provider decline or exhausted recovery comes back as a FAILED transaction,
// not an error; errors mean the request itself was rejected or an internal
// fault stopped processing.
func (m *Manager) Begin(ctx context.Context, input CreateInput) (*CreateResult, error) {
	money := domain.Money{Amount: input.AmountCents, Currency: input.Currency}
	if err := money.Validate(); err != nil {
		return nil, err
	}

	check, err := m.deps.Idempotency.CheckAndLock(ctx, input.IdempotencyKey, idempotency.FingerprintValue(input))
	if err != nil {
		return nil, err
	}
	switch check.Outcome {
	case idempotency.AlreadyCompleted:
		txn, err := m.deps.Store.Get(ctx, check.ResourceRef)
		if err != nil {
			return nil, domain.NewInternalError("deduplicated transaction lookup failed", err)
		}
		return &CreateResult{Transaction: txn, Deduplicated: true, CachedResponse: check.CachedResponse}, nil
	case idempotency.InProgress:
		return nil, domain.NewDuplicateRequestError(input.IdempotencyKey)
	}

	now := m.deps.Clock.Now()
	txn, err := domain.NewTransaction(clock.NewID(), input.Type, money,
		input.CustomerID, input.PaymentMethodRef, input.IdempotencyKey, now)
	if err != nil {
		if rerr := m.deps.Idempotency.ReleaseLock(ctx, input.IdempotencyKey); rerr != nil {
			m.deps.Logger.Error("idempotency release failed", "key", input.IdempotencyKey, "error", rerr)
		}
		return nil, err
	}
	for k, v := range input.Metadata {
		txn.SetMeta(k, v)
	}

	if err := m.deps.Store.Create(ctx, txn); err != nil {
		if errors.Is(err, application.ErrDuplicateKey) {
			// Another in-flight transaction already owns this key.
			if existing, ferr := m.deps.Store.FindByIdempotencyKey(ctx, input.IdempotencyKey); ferr == nil {
				return &CreateResult{Transaction: existing, Deduplicated: true}, nil
			}
			return nil, domain.NewDuplicateRequestError(input.IdempotencyKey)
		}
		return nil, domain.NewInternalError("transaction insert failed", err)
	}
	m.deps.Bus.Publish(ctx, eventbus.TransactionCreated, eventbus.TxnPayload(txn.ID, map[string]string{
		"type":   string(txn.Type),
		"status": string(txn.Status),
	}))

	if _, err := m.acquire(ctx, txn.ID); err != nil {
		return nil, m.abort(ctx, txn, err)
	}
	defer m.deps.Locks.ReleaseTxn(ctx, txn.ID)

	m.registerCompensations(ctx, txn)

	if _, err := m.process(ctx, txn); err != nil {
		m.finalize(ctx, txn)
		return nil, err
	}
	m.finalize(ctx, txn)
	return &CreateResult{Transaction: txn}, nil
}

// acquire takes the exclusive record lock, tagged so ReleaseTxn and deadlock
// detection can attribute it.
func (m *Manager) acquire(ctx context.Context, txnID string) (string, error) {
	return m.deps.Locks.Acquire(ctx, ResourceTransaction, txnID, locker.Exclusive,
		locker.AcquireOptions{TxnID: txnID})
}

// abort fails a transaction that never reached the provider.
func (m *Manager) abort(ctx context.Context, txn *domain.Transaction, cause error) error {
	now := m.deps.Clock.Now()
	txn.RecordError(domain.KindOf(cause), cause.Error(), now)
	from := txn.Status
	if err := txn.TransitionTo(domain.StatusFailed, now); err == nil {
		if uerr := m.deps.Store.Update(ctx, txn); uerr != nil {
			m.deps.Logger.Error("abort persist failed", "transaction_id", txn.ID, "error", uerr)
		}
		m.publishStatusChange(ctx, txn, from)
	}
	m.finalize(ctx, txn)
	return cause
}

// registerCompensations books the inverse operation before any external
// effect happens, so rollback always has a ledger to execute.
func (m *Manager) registerCompensations(ctx context.Context, txn *domain.Transaction) {
	kind := domain.OpPaymentAuthorize
	if txn.Type == domain.TypeRefund {
		kind = domain.OpRefundInitiate
	}
	_, err := m.deps.Compensations.Register(ctx, txn.ID, compensation.RegisterInput{
		Kind: kind,
		Params: map[string]string{
			"transactionId": txn.ID,
			"amountCents":   strconv.FormatInt(txn.AmountCents, 10),
			"currency":      txn.Currency,
		},
		OriginalState: map[string]string{"status": string(txn.Status)},
		ExecOrder:     1,
	})
	if err != nil {
		m.deps.Logger.Error("compensation registration failed", "transaction_id", txn.ID, "error", err)
	}
}

// process runs one forward attempt against the provider. The caller holds
// the exclusive record lock. It returns the resulting status; failures that
// the recovery machinery absorbed come back as a status, not an error.
func (m *Manager) process(ctx context.Context, txn *domain.Transaction) (domain.TransactionStatus, error) {
	now := m.deps.Clock.Now()
	if txn.Status == domain.StatusPending || txn.Status == domain.StatusRecoveryPending {
		from := txn.Status
		if err := txn.TransitionTo(domain.StatusProcessing, now); err != nil {
			return txn.Status, err
		}
		if err := m.deps.Store.Update(ctx, txn); err != nil {
			return txn.Status, domain.NewInternalError("transaction update failed", err)
		}
		m.publishStatusChange(ctx, txn, from)
	}

	m.deps.Idempotency.SetRecoveryPoint(ctx, txn.IdempotencyKey, idempotency.PointCallingProvider)
	result, err := m.deps.Provider.CreatePayment(ctx, application.CreatePaymentInput{
		TransactionID:    txn.ID,
		Type:             txn.Type,
		AmountCents:      txn.AmountCents,
		Currency:         txn.Currency,
		CustomerID:       txn.CustomerID,
		PaymentMethodRef: txn.PaymentMethodRef,
		IdempotencyKey:   txn.IdempotencyKey,
		Metadata:         txn.Metadata,
	})
	if err != nil {
		return m.handleFailure(ctx, txn, provider.Classify(err))
	}
	m.deps.Idempotency.SetRecoveryPoint(ctx, txn.IdempotencyKey, idempotency.PointProviderResponded)

	if !result.Success {
		return m.handleFailure(ctx, txn, domain.NewProviderDeclineError("payment declined").
			WithContext("providerStatus", result.Status))
	}

	txn.SetMeta(domain.MetaExternalRef, result.ExternalRef)
	now = m.deps.Clock.Now()
	from := txn.Status
	if err := txn.TransitionTo(domain.StatusCompleted, now); err != nil {
		return txn.Status, err
	}
	if err := m.deps.Store.Update(ctx, txn); err != nil {
		return txn.Status, domain.NewInternalError("transaction completion persist failed", err)
	}
	m.publishStatusChange(ctx, txn, from)
	return txn.Status, nil
}

// handleFailure routes a processing failure: transient and unknown-outcome
// errors go through retry/recovery, definitive ones fail the transaction.
func (m *Manager) handleFailure(ctx context.Context, txn *domain.Transaction, cause *domain.Error) (domain.TransactionStatus, error) {
	m.deps.Logger.Warn("processing attempt failed",
		"transaction_id", txn.ID,
		"error_kind", cause.Kind,
		"error", cause,
	)

	if cause.Retryable || cause.Recoverable {
		return m.deps.Recovery.Run(ctx, txn, cause)
	}

	now := m.deps.Clock.Now()
	txn.RecordError(cause.Kind, cause.Error(), now)
	from := txn.Status
	if err := txn.TransitionTo(domain.StatusFailed, now); err != nil {
		return txn.Status, err
	}
	if err := m.deps.Store.Update(ctx, txn); err != nil {
		return txn.Status, domain.NewInternalError("transaction failure persist failed", err)
	}
	m.publishStatusChange(ctx, txn, from)
	return txn.Status, nil
}

// finalize settles the idempotency record once the transaction is terminal.
// Non-terminal exits keep the record locked so duplicates stay parked.
func (m *Manager) finalize(ctx context.Context, txn *domain.Transaction) {
	if !txn.IsTerminal() || txn.IdempotencyKey == "" {
		return
	}
	snapshot := responseSnapshot{
		TransactionID: txn.ID,
		Status:        string(txn.Status),
		ExternalRef:   txn.Meta(domain.MetaExternalRef),
		Error:         txn.Error,
	}
	resp, err := json.Marshal(snapshot)
	if err != nil {
		resp = nil
	}
	if err := m.deps.Idempotency.Associate(ctx, txn.IdempotencyKey, txn.ID, resp); err != nil {
		m.deps.Logger.Error("idempotency associate failed",
			"transaction_id", txn.ID,
			"key", txn.IdempotencyKey,
			"error", err,
		)
	}
}

// Get loads a transaction.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	txn, err := m.deps.Store.Get(ctx, id)
	if errors.Is(err, application.ErrNotFound) {
		return nil, domain.NewTransactionNotFoundError(id)
	}
	if err != nil {
		return nil, domain.NewInternalError("transaction lookup failed", err)
	}
	return txn, nil
}

// List returns a customer's transactions matching the filter.
func (m *Manager) List(ctx context.Context, customerID string, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	txns, err := m.deps.Store.Query(ctx, customerID, filter)
	if err != nil {
		return nil, domain.NewInternalError("transaction query failed", err)
	}
	return txns, nil
}

// ListAll returns transactions matching the filter across customers.
func (m *Manager) ListAll(ctx context.Context, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	txns, err := m.deps.Store.QueryAll(ctx, filter)
	if err != nil {
		return nil, domain.NewInternalError("transaction query failed", err)
	}
	return txns, nil
}

// UpdateStatus applies one externally driven transition (webhook or operator)
// under the exclusive record lock.
func (m *Manager) UpdateStatus(ctx context.Context, id string, target domain.TransactionStatus) (*domain.Transaction, error) {
	if _, err := m.acquire(ctx, id); err != nil {
		return nil, err
	}
	defer m.deps.Locks.ReleaseTxn(ctx, id)

	txn, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.deps.Clock.Now()
	from := txn.Status
	if err := txn.TransitionTo(target, now); err != nil {
		return nil, err
	}
	if err := m.deps.Store.Update(ctx, txn); err != nil {
		if errors.Is(err, application.ErrVersionConflict) {
			return nil, domain.NewInvalidStateError("transaction changed concurrently").
				WithContext("transactionId", id)
		}
		return nil, domain.NewInternalError("transaction update failed", err)
	}
	m.publishStatusChange(ctx, txn, from)
	m.finalize(ctx, txn)
	return txn, nil
}

// HandleError routes an externally reported failure for an in-flight
// transaction through the same retry/recovery/fail logic the forward path
// uses. Webhook consumers and operators report provider-side failures here.
func (m *Manager) HandleError(ctx context.Context, id string, cause error) (*domain.Transaction, error) {
	if cause == nil {
		return nil, domain.NewValidationError("cause is required")
	}
	if _, err := m.acquire(ctx, id); err != nil {
		return nil, err
	}
	defer m.deps.Locks.ReleaseTxn(ctx, id)

	txn, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.IsTerminal() {
		return nil, domain.NewInvalidStateError("transaction already settled").
			WithContext("transactionId", id).
			WithContext("status", string(txn.Status))
	}

	if _, err := m.handleFailure(ctx, txn, provider.Classify(cause)); err != nil {
		return nil, err
	}
	m.finalize(ctx, txn)
	return txn, nil
}

// Rollback undoes a not-yet-completed transaction by executing its
// compensation ledger in reverse order.
func (m *Manager) Rollback(ctx context.Context, id string) (*domain.Transaction, error) {
	if _, err := m.acquire(ctx, id); err != nil {
		return nil, err
	}
	defer m.deps.Locks.ReleaseTxn(ctx, id)

	txn, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !txn.CanTransitionTo(domain.StatusRolledBack) {
		return nil, domain.NewInvalidStateError("transaction cannot be rolled back").
			WithContext("transactionId", id).
			WithContext("status", string(txn.Status))
	}

	result, err := m.deps.Compensations.Execute(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.deps.Clock.Now()
	from := txn.Status
	switch {
	case result.AllCompleted():
		if err := txn.TransitionTo(domain.StatusRolledBack, now); err != nil {
			return nil, err
		}
		m.deps.Bus.Publish(ctx, eventbus.TransactionCompensated, eventbus.TxnPayload(id, map[string]string{
			"operations": strconv.Itoa(result.Completed),
		}))
	case result.Completed > 0:
		// An incomplete compensation leaves the transaction where it was:
		// ROLLED_BACK requires every registered op settled as completed or
		// skipped. The recorded error and event flag it for the operator,
		// and Rollback can be re-run once the blocking op is fixed.
		txn.RecordError(domain.KindInternal,
			fmt.Sprintf("compensation partial: %d completed, %d failed, %d skipped",
				result.Completed, result.Failed, result.Skipped), now)
		m.deps.Bus.Publish(ctx, eventbus.TransactionCompensationPartial, eventbus.TxnPayload(id, map[string]string{
			"completed": strconv.Itoa(result.Completed),
			"failed":    strconv.Itoa(result.Failed),
			"skipped":   strconv.Itoa(result.Skipped),
		}))
	default:
		txn.RecordError(domain.KindInternal,
			fmt.Sprintf("compensation failed: %d failed, %d skipped", result.Failed, result.Skipped), now)
		m.deps.Bus.Publish(ctx, eventbus.TransactionCompensationFailed, eventbus.TxnPayload(id, map[string]string{
			"failed":  strconv.Itoa(result.Failed),
			"skipped": strconv.Itoa(result.Skipped),
		}))
		if derr := m.deps.DLQ.Add(ctx, txn, domain.KindInternal); derr != nil {
			m.deps.Logger.Error("dead letter add failed", "transaction_id", id, "error", derr)
		}
	}

	if err := m.deps.Store.Update(ctx, txn); err != nil {
		return nil, domain.NewInternalError("rollback persist failed", err)
	}
	m.publishStatusChange(ctx, txn, from)
	m.finalize(ctx, txn)
	return txn, nil
}

// CancelRetry withdraws a scheduled retry and fails the transaction.
func (m *Manager) CancelRetry(ctx context.Context, id string) (*domain.Transaction, error) {
	if _, err := m.acquire(ctx, id); err != nil {
		return nil, err
	}
	defer m.deps.Locks.ReleaseTxn(ctx, id)

	txn, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := txn.Status
	if err := m.deps.Retries.Cancel(ctx, txn); err != nil {
		return nil, err
	}
	m.publishStatusChange(ctx, txn, from)
	m.finalize(ctx, txn)
	return txn, nil
}

// RunRetry executes one due retry entry. A transaction no longer in
// RECOVERY_PENDING (cancelled, recovered through another path) is dropped.
func (m *Manager) RunRetry(ctx context.Context, transactionID string, attempt int) error {
	if _, err := m.acquire(ctx, transactionID); err != nil {
		return err
	}
	defer m.deps.Locks.ReleaseTxn(ctx, transactionID)

	txn, err := m.Get(ctx, transactionID)
	if err != nil {
		if domain.IsKind(err, domain.KindTransactionNotFound) {
			m.deps.Logger.Warn("retry for unknown transaction dropped", "transaction_id", transactionID)
			return nil
		}
		return err
	}
	if txn.Status != domain.StatusRecoveryPending {
		m.deps.Logger.Info("stale retry dropped",
			"transaction_id", transactionID,
			"status", txn.Status,
		)
		return nil
	}

	m.deps.Bus.Publish(ctx, eventbus.TransactionRetryStarted, eventbus.TxnPayload(transactionID, map[string]string{
		"attempt": strconv.Itoa(attempt),
	}))

	status, err := m.process(ctx, txn)
	m.finalize(ctx, txn)
	if err != nil {
		return err
	}

	switch status {
	case domain.StatusCompleted:
		m.deps.Bus.Publish(ctx, eventbus.TransactionCompletedAfterRetry, eventbus.TxnPayload(transactionID, map[string]string{
			"attempt": strconv.Itoa(attempt),
		}))
	case domain.StatusFailed, domain.StatusRolledBack:
		m.deps.Bus.Publish(ctx, eventbus.TransactionFailedAfterRetry, eventbus.TxnPayload(transactionID, map[string]string{
			"attempt": strconv.Itoa(attempt),
		}))
	}
	return nil
}

// Reprocess revives a dead-lettered transaction and runs it through the
// normal processing path again. Implements dlq.Reprocessor.
func (m *Manager) Reprocess(ctx context.Context, transactionID string) error {
	if _, err := m.acquire(ctx, transactionID); err != nil {
		return err
	}
	defer m.deps.Locks.ReleaseTxn(ctx, transactionID)

	txn, err := m.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.Status != domain.StatusFailed {
		return domain.NewInvalidStateError("only failed transactions can be reprocessed").
			WithContext("transactionId", transactionID).
			WithContext("status", string(txn.Status))
	}

	// Operator revival resets the aggregate outside the normal edges.
	now := m.deps.Clock.Now()
	txn.Status = domain.StatusPending
	txn.Error = nil
	txn.RetryCount = 0
	txn.NextRetryAt = nil
	txn.FailedAt = nil
	txn.SetMeta(MetaReprocessedAt, now.Format(time.RFC3339Nano))
	delete(txn.Metadata, domain.MetaRecoveryAttempts)
	txn.UpdatedAt = now
	if err := m.deps.Store.Update(ctx, txn); err != nil {
		return domain.NewInternalError("reprocess reset persist failed", err)
	}

	status, err := m.process(ctx, txn)
	m.finalize(ctx, txn)
	if err != nil {
		return err
	}
	if status != domain.StatusCompleted {
		return domain.NewInvalidStateError("reprocess did not complete").
			WithContext("transactionId", transactionID).
			WithContext("status", string(status))
	}
	return nil
}

// Stats aggregates the component metric snapshots.
type Stats struct {
	LocksHeld       int
	LocksWaiting    int
	RetryQueueDepth int
	DLQDepth        int
	Idempotency     idempotency.Stats
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	held, waiting := m.deps.Locks.Stats()
	idemStats, err := m.deps.Idempotency.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	entries, err := m.deps.DLQ.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		LocksHeld:       held,
		LocksWaiting:    waiting,
		RetryQueueDepth: m.deps.Queue.Len(),
		DLQDepth:        len(entries),
		Idempotency:     idemStats,
	}, nil
}

func (m *Manager) publishStatusChange(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus) {
	if txn.Status == from {
		return
	}
	m.deps.Bus.Publish(ctx, eventbus.TransactionStatusChanged, eventbus.TxnPayload(txn.ID, map[string]string{
		"from": string(from),
		"to":   string(txn.Status),
	}))
}
