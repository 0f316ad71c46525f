// Package recovery determines the true outcome of transactions whose
// provider call ended in an unknown state.
package recovery

import (
	"context"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// Outcome is a strategy's verdict on a transaction. Determined means the
// provider reported a terminal status for the charge; an undetermined verdict
// is an inference (no record found) rather than an observation.
type Outcome struct {
	Status      domain.TransactionStatus
	ExternalRef string
	Note        string
	Determined  bool
}

// Strategy attempts to determine or repair a transaction outcome for the
// errors it can handle. General strategies are last-resort fallbacks.
type Strategy interface {
	Type() string
	CanHandle(err error) bool
	IsGeneral() bool
	Execute(ctx context.Context, txn *domain.Transaction) (*Outcome, error)
}

// mapExternalStatus folds a provider-side status into a terminal verdict.
// Still-moving statuses return no outcome.
func mapExternalStatus(status *application.ExternalStatus, txn *domain.Transaction) (*Outcome, error) {
	if status == nil {
		// The provider has no record: the charge never happened.
		return &Outcome{
			Status: domain.StatusFailed,
			Note:   "no external record found",
		}, nil
	}

	switch status.Status {
	case application.ExternalCompleted, application.ExternalSucceeded, application.ExternalSettled:
		return &Outcome{
			Status:      domain.StatusCompleted,
			ExternalRef: status.Reference,
			Note:        "external status " + status.Status,
			Determined:  true,
		}, nil
	case application.ExternalFailed, application.ExternalDeclined, application.ExternalError,
		application.ExternalVoided, application.ExternalReversed,
		application.ExternalCancelled, application.ExternalRefunded:
		return &Outcome{
			Status:      domain.StatusFailed,
			ExternalRef: status.Reference,
			Note:        "external status " + status.Status,
			Determined:  true,
		}, nil
	default:
		return nil, domain.NewInvalidStateError("external status still pending: " + status.Status).
			WithContext("transactionId", txn.ID)
	}
}
