package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions. Retry and recovery logic
// operate on the kind and the retryable/recoverable flags only, never on
// concrete error types from other layers.
type Kind string

const (
	KindValidation              Kind = "VALIDATION"
	KindDuplicateRequest        Kind = "DUPLICATE_REQUEST"
	KindIdempotencyReplay       Kind = "IDEMPOTENCY_REPLAY"
	KindTransactionNotFound     Kind = "TRANSACTION_NOT_FOUND"
	KindTransactionInvalidState Kind = "TRANSACTION_INVALID_STATE"
	KindTransactionLocked       Kind = "TRANSACTION_LOCKED"
	KindLockTimeout             Kind = "LOCK_TIMEOUT"
	KindDeadlockDetected        Kind = "DEADLOCK_DETECTED"
	KindProviderCommunication   Kind = "PROVIDER_COMMUNICATION"
	KindProviderDecline         Kind = "PROVIDER_DECLINE"
	KindTimeout                 Kind = "TIMEOUT"
	KindRetryLimitExceeded      Kind = "RETRY_LIMIT_EXCEEDED"
	KindRecoveryLimitExceeded   Kind = "RECOVERY_LIMIT_EXCEEDED"
	KindInternal                Kind = "INTERNAL"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind        Kind
	Message     string
	Cause       error
	Context     map[string]string
	Retryable   bool
	Recoverable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair for diagnostics, returning e.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = map[string]string{}
	}
	e.Context[key] = value
	return e
}

// flags returns the retryable/recoverable defaults for a kind per the taxonomy.
func flags(kind Kind) (retryable, recoverable bool) {
	switch kind {
	case KindTransactionLocked, KindLockTimeout, KindDeadlockDetected,
		KindProviderCommunication, KindTimeout:
		return true, true
	default:
		return false, false
	}
}

func newError(kind Kind, message string, cause error) *Error {
	retryable, recoverable := flags(kind)
	return &Error{
		Kind:        kind,
		Message:     message,
		Cause:       cause,
		Retryable:   retryable,
		Recoverable: recoverable,
	}
}

func NewValidationError(message string) *Error {
	return newError(KindValidation, message, nil)
}

func NewDuplicateRequestError(key string) *Error {
	return newError(KindDuplicateRequest, "request with this idempotency key is already in progress", nil).
		WithContext("idempotencyKey", key)
}

func NewIdempotencyReplayError(key string) *Error {
	return newError(KindIdempotencyReplay, "idempotency key reused with a different request", nil).
		WithContext("idempotencyKey", key)
}

func NewTransactionNotFoundError(id string) *Error {
	return newError(KindTransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
}

func NewInvalidTransitionError(from, to TransactionStatus) *Error {
	return newError(KindTransactionInvalidState, fmt.Sprintf("cannot transition from %s to %s", from, to), nil)
}

func NewInvalidStateError(message string) *Error {
	return newError(KindTransactionInvalidState, message, nil)
}

func NewLockTimeoutError(resourceType, resourceID string) *Error {
	return newError(KindLockTimeout, fmt.Sprintf("timed out waiting for lock on %s/%s", resourceType, resourceID), nil)
}

func NewDeadlockError(txnID string) *Error {
	return newError(KindDeadlockDetected, "lock acquisition would deadlock", nil).
		WithContext("transactionId", txnID)
}

func NewProviderCommunicationError(message string, cause error) *Error {
	return newError(KindProviderCommunication, message, cause)
}

func NewProviderDeclineError(message string) *Error {
	return newError(KindProviderDecline, message, nil)
}

func NewTimeoutError(operation string, cause error) *Error {
	return newError(KindTimeout, fmt.Sprintf("timeout waiting for %s", operation), cause)
}

func NewRetryLimitExceededError(id string, attempts int) *Error {
	return newError(KindRetryLimitExceeded, fmt.Sprintf("transaction %s exhausted %d retry attempts", id, attempts), nil)
}

func NewRecoveryLimitExceededError(id string, attempts int) *Error {
	return newError(KindRecoveryLimitExceeded, fmt.Sprintf("transaction %s exhausted %d recovery attempts", id, attempts), nil)
}

func NewInternalError(message string, cause error) *Error {
	return newError(KindInternal, message, cause)
}

// Wrap annotates err with a kind and message while preserving the cause and
// the inner retryable/recoverable flags when err is already a domain error.
func Wrap(kind Kind, message string, err error) *Error {
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{
			Kind:        kind,
			Message:     message,
			Cause:       err,
			Retryable:   inner.Retryable,
			Recoverable: inner.Recoverable,
		}
	}
	return newError(kind, message, err)
}

// KindOf extracts the kind from any error in the chain, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// ErrorInfoFrom flattens an error into its persisted form.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
}
