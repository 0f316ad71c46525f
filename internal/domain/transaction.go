// Package domain encodes the transaction aggregate and its state machine.
package domain

import (
	"slices"
	"time"
)

// TransactionType distinguishes the direction of a money movement.
type TransactionType string

const (
	TypePayment    TransactionType = "PAYMENT"
	TypeRefund     TransactionType = "REFUND"
	TypeChargeback TransactionType = "CHARGEBACK"
)

// TransactionStatus represents the current state of a transaction in its lifecycle.
type TransactionStatus string

const (
	StatusPending            TransactionStatus = "PENDING"
	StatusProcessing         TransactionStatus = "PROCESSING"
	StatusCompleted          TransactionStatus = "COMPLETED"
	StatusFailed             TransactionStatus = "FAILED"
	StatusRolledBack         TransactionStatus = "ROLLED_BACK"
	StatusRecoveryPending    TransactionStatus = "RECOVERY_PENDING"
	StatusRecoveryInProgress TransactionStatus = "RECOVERY_IN_PROGRESS"
)

// Well-known metadata fields. Everything else in Metadata is opaque to the core.
const (
	MetaExternalRef      = "externalRef"
	MetaRecoveryAttempts = "recoveryAttempts"
	MetaRecoveredAt      = "recoveredAt"
	MetaRetryReason      = "retryReason"
	MetaRetryCancelled   = "retryCancelled"
)

type Transaction struct {
	ID               string
	Type             TransactionType
	Status           TransactionStatus
	AmountCents      int64
	Currency         string
	CustomerID       string
	PaymentMethodRef string
	IdempotencyKey   string

	RetryCount  int
	NextRetryAt *time.Time
	LastRetryAt *time.Time

	Metadata map[string]string
	Error    *ErrorInfo

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	// Version is bumped on every persisted mutation and used by the store
	// for compare-and-set updates.
	Version int64
}

// ErrorInfo is the persisted form of the last error seen on a transaction.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func NewTransaction(id string, txnType TransactionType, amount Money, customerID, paymentMethodRef, idempotencyKey string, now time.Time) (*Transaction, error) {
	if id == "" {
		return nil, NewValidationError("transaction ID is required")
	}
	if customerID == "" {
		return nil, NewValidationError("customer ID is required")
	}
	switch txnType {
	case TypePayment, TypeRefund, TypeChargeback:
	default:
		return nil, NewValidationError("unknown transaction type " + string(txnType))
	}
	if err := amount.Validate(); err != nil {
		return nil, err
	}

	return &Transaction{
		ID:               id,
		Type:             txnType,
		Status:           StatusPending,
		AmountCents:      amount.Amount,
		Currency:         amount.Currency,
		CustomerID:       customerID,
		PaymentMethodRef: paymentMethodRef,
		IdempotencyKey:   idempotencyKey,
		Metadata:         map[string]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}, nil
}

// TransitionTo moves the transaction to target, enforcing the legal edges and
// maintaining the terminal timestamps.
func (t *Transaction) TransitionTo(target TransactionStatus, now time.Time) error {
	if err := t.canTransitionTo(target); err != nil {
		return err
	}
	t.Status = target
	t.UpdatedAt = now
	switch target {
	case StatusCompleted:
		t.CompletedAt = &now
	case StatusFailed, StatusRolledBack:
		t.FailedAt = &now
	}
	return nil
}

func (t *Transaction) canTransitionTo(target TransactionStatus) error {
	switch t.Status {
	case StatusPending:
		return t.allow(target, StatusProcessing, StatusFailed, StatusRolledBack)
	case StatusProcessing:
		return t.allow(target, StatusCompleted, StatusFailed, StatusRecoveryPending, StatusRolledBack)
	case StatusRecoveryPending:
		// PROCESSING is the retry-dispatch edge.
		return t.allow(target, StatusRecoveryInProgress, StatusProcessing, StatusFailed)
	case StatusRecoveryInProgress:
		return t.allow(target, StatusCompleted, StatusFailed)
	}
	return NewInvalidTransitionError(t.Status, target)
}

func (t *Transaction) allow(target TransactionStatus, allowed ...TransactionStatus) error {
	if slices.Contains(allowed, target) {
		return nil
	}
	return NewInvalidTransitionError(t.Status, target)
}

// CanTransitionTo reports whether the edge is legal without mutating.
func (t *Transaction) CanTransitionTo(target TransactionStatus) bool {
	return t.canTransitionTo(target) == nil
}

func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// RecordError attaches error info without changing status.
func (t *Transaction) RecordError(kind Kind, message string, now time.Time) {
	t.Error = &ErrorInfo{Kind: kind, Message: message}
	t.UpdatedAt = now
}

// ScheduleRetry accounts one more attempt and records when the next one is due.
func (t *Transaction) ScheduleRetry(dueAt time.Time, reason string, now time.Time) {
	t.RetryCount++
	t.NextRetryAt = &dueAt
	t.LastRetryAt = &now
	t.SetMeta(MetaRetryReason, reason)
	t.UpdatedAt = now
}

func (t *Transaction) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata[key] = value
}

func (t *Transaction) Meta(key string) string {
	return t.Metadata[key]
}

// ExternalRef returns the provider-side reference, falling back to the
// transaction id when no reference was recorded.
func (t *Transaction) ExternalRef() string {
	if ref := t.Meta(MetaExternalRef); ref != "" {
		return ref
	}
	return t.ID
}

func (t *Transaction) Amount() Money {
	return Money{Amount: t.AmountCents, Currency: t.Currency}
}

// Clone returns a deep copy so callers can hand out snapshots without
// aliasing the mutable aggregate.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	cp.NextRetryAt = copyTime(t.NextRetryAt)
	cp.LastRetryAt = copyTime(t.LastRetryAt)
	cp.CompletedAt = copyTime(t.CompletedAt)
	cp.FailedAt = copyTime(t.FailedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Reconstitute - special constructor for loading from the store.
func Reconstitute(
	id string, txnType TransactionType, status TransactionStatus,
	amountCents int64, currency string,
	customerID, paymentMethodRef, idempotencyKey string,
	retryCount int, nextRetryAt, lastRetryAt *time.Time,
	metadata map[string]string, errInfo *ErrorInfo,
	createdAt, updatedAt time.Time, completedAt, failedAt *time.Time,
	version int64,
) *Transaction {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Transaction{
		ID:               id,
		Type:             txnType,
		Status:           status,
		AmountCents:      amountCents,
		Currency:         currency,
		CustomerID:       customerID,
		PaymentMethodRef: paymentMethodRef,
		IdempotencyKey:   idempotencyKey,
		RetryCount:       retryCount,
		NextRetryAt:      nextRetryAt,
		LastRetryAt:      lastRetryAt,
		Metadata:         metadata,
		Error:            errInfo,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
		CompletedAt:      completedAt,
		FailedAt:         failedAt,
		Version:          version,
	}
}
