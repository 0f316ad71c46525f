package domain

import "time"

// OperationKind identifies a forward operation that has a registered inverse.
type OperationKind string

const (
	OpPaymentAuthorize OperationKind = "PAYMENT_AUTHORIZE"
	OpPaymentCapture   OperationKind = "PAYMENT_CAPTURE"
	OpRefundInitiate   OperationKind = "REFUND_INITIATE"
	OpCustomerUpdate   OperationKind = "CUSTOMER_UPDATE"
	OpInventoryReserve OperationKind = "INVENTORY_RESERVE"
	OpInventoryRelease OperationKind = "INVENTORY_RELEASE"
	OpNotificationSend OperationKind = "NOTIFICATION_SEND"
)

type OperationStatus string

const (
	OpPending   OperationStatus = "PENDING"
	OpExecuting OperationStatus = "EXECUTING"
	OpCompleted OperationStatus = "COMPLETED"
	OpFailed    OperationStatus = "FAILED"
	OpSkipped   OperationStatus = "SKIPPED"
)

// CompensatingOperation is the inverse-action record registered before each
// forward mutation with an external effect. Rollback executes these in
// reverse execution order, respecting the dependency DAG.
type CompensatingOperation struct {
	ID            string
	TransactionID string
	Kind          OperationKind
	Params        map[string]string
	OriginalState map[string]string
	ExecOrder     int
	Dependencies  []string
	Status        OperationStatus
	RetryCount    int
	MaxRetries    int
	LastError     string
	RegisteredAt  time.Time
	ExecutedAt    *time.Time
}

func (op *CompensatingOperation) IsSettled() bool {
	switch op.Status {
	case OpCompleted, OpFailed, OpSkipped:
		return true
	default:
		return false
	}
}

// Clone copies the record so executors can mutate without aliasing the store.
func (op *CompensatingOperation) Clone() *CompensatingOperation {
	cp := *op
	cp.Params = copyStringMap(op.Params)
	cp.OriginalState = copyStringMap(op.OriginalState)
	cp.Dependencies = append([]string(nil), op.Dependencies...)
	cp.ExecutedAt = copyTime(op.ExecutedAt)
	return &cp
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
