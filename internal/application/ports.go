// Package application holds the ports the core consumes from its
// collaborators and the error mapping surfaced to outer layers.
package application

import (
	"context"
	"errors"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// Sentinel store errors shared by every Store implementation.
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateKey    = errors.New("duplicate key")
)

// TransactionFilter narrows Query/QueryAll results.
type TransactionFilter struct {
	Status        domain.TransactionStatus
	Type          domain.TransactionType
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// TransactionStore is the persistence port for the transaction aggregate.
// Update is a compare-and-set on Version; a stale write returns
// ErrVersionConflict so the state machine can reject lost updates.
type TransactionStore interface {
	Create(ctx context.Context, txn *domain.Transaction) error
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	Update(ctx context.Context, txn *domain.Transaction) error
	Delete(ctx context.Context, id string) error
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	Query(ctx context.Context, customerID string, filter TransactionFilter) ([]*domain.Transaction, error)
	QueryAll(ctx context.Context, filter TransactionFilter) ([]*domain.Transaction, error)
}

// External status values a provider may report.
const (
	ExternalPending    = "pending"
	ExternalInitiated  = "initiated"
	ExternalProcessing = "processing"
	ExternalInProgress = "in_progress"
	ExternalCompleted  = "completed"
	ExternalSucceeded  = "succeeded"
	ExternalSettled    = "settled"
	ExternalFailed     = "failed"
	ExternalDeclined   = "declined"
	ExternalError      = "error"
	ExternalVoided     = "voided"
	ExternalReversed   = "reversed"
	ExternalCancelled  = "cancelled"
	ExternalRefunded   = "refunded"
)

type CreatePaymentInput struct {
	TransactionID    string
	Type             domain.TransactionType
	AmountCents      int64
	Currency         string
	CustomerID       string
	PaymentMethodRef string
	IdempotencyKey   string
	Metadata         map[string]string
}

type ProviderResult struct {
	Success        bool
	ExternalRef    string
	Status         string
	RequiresAction bool
	Metadata       map[string]string
}

type ExternalStatus struct {
	Status    string
	Reference string
}

type PaymentMethod struct {
	Ref        string
	CustomerID string
	Kind       string
	Last4      string
}

// ProviderPort abstracts the external payment provider. Implementations must
// be safe for concurrent use and pass the idempotency key through when the
// provider supports one.
type ProviderPort interface {
	CreatePayment(ctx context.Context, input CreatePaymentInput) (*ProviderResult, error)
	ConfirmPayment(ctx context.Context, externalRef string) (*ProviderResult, error)
	VoidPayment(ctx context.Context, externalRef string) (*ProviderResult, error)
	RefundPayment(ctx context.Context, externalRef string, amountCents int64) (*ProviderResult, error)
	// GetTransactionStatus returns nil when the provider has no record of the
	// reference.
	GetTransactionStatus(ctx context.Context, externalRef string) (*ExternalStatus, error)
	AddPaymentMethod(ctx context.Context, customerID string, method PaymentMethod) (*PaymentMethod, error)
	GetPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, ref string) error
	VerifyWebhookSignature(payload, signature []byte) bool
}
