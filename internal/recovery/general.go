package recovery

import (
	"context"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// GeneralRecovery is the last-resort strategy: one status probe, no waiting.
// An undetermined outcome routes the transaction to the dead letter queue.
type GeneralRecovery struct {
	provider application.ProviderPort
}

func NewGeneralRecovery(provider application.ProviderPort) *GeneralRecovery {
	return &GeneralRecovery{provider: provider}
}

func (s *GeneralRecovery) Type() string            { return "general" }
func (s *GeneralRecovery) IsGeneral() bool         { return true }
func (s *GeneralRecovery) CanHandle(err error) bool { return false }

func (s *GeneralRecovery) Execute(ctx context.Context, txn *domain.Transaction) (*Outcome, error) {
	status, err := s.provider.GetTransactionStatus(ctx, txn.ExternalRef())
	if err != nil {
		return nil, domain.Wrap(domain.KindProviderCommunication, "external status probe failed", err)
	}
	return mapExternalStatus(status, txn)
}
