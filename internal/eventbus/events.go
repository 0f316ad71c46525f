package eventbus

// Event names emitted by the engine. Names and payload keys are part of the
// contract consumed by observability and webhook layers.
const (
	TransactionCreated             = "transaction.created"
	TransactionStatusChanged       = "transaction.status_changed"
	TransactionRetryScheduled      = "transaction.retry_scheduled"
	TransactionRetryStarted        = "transaction.retry_started"
	TransactionCompletedAfterRetry = "transaction.completed_after_retry"
	TransactionFailedAfterRetry    = "transaction.failed_after_retry"
	TransactionRecoveryStarted     = "transaction.recovery_started"
	TransactionRecoveryCompleted   = "transaction.recovery_completed"
	TransactionMovedToDLQ          = "transaction.moved_to_dlq"
	TransactionReprocessing        = "transaction.reprocessing"
	TransactionCompensated         = "transaction.compensated"
	TransactionCompensationPartial = "transaction.compensation_partial"
	TransactionCompensationFailed  = "transaction.compensation_failed"

	IdempotencyDuplicateRequest = "idempotency.duplicate_request"
	IdempotencyReplayDetected   = "idempotency.replay_detected"
	IdempotencyKeyCreated       = "idempotency.key_created"
	IdempotencyLockReleased     = "idempotency.lock_released"

	LockAcquired = "lock.acquired"
	LockReleased = "lock.released"
	LockExpired  = "lock.expired"
	LockUpgraded = "lock.upgraded"
)
