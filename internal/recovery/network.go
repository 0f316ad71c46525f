package recovery

import (
	"context"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// NetworkRecovery handles connection-class failures by asking the provider
// what actually happened to the transaction.
type NetworkRecovery struct {
	provider application.ProviderPort
}

func NewNetworkRecovery(provider application.ProviderPort) *NetworkRecovery {
	return &NetworkRecovery{provider: provider}
}

func (s *NetworkRecovery) Type() string    { return "network" }
func (s *NetworkRecovery) IsGeneral() bool { return false }

func (s *NetworkRecovery) CanHandle(err error) bool {
	return domain.IsKind(err, domain.KindProviderCommunication)
}

func (s *NetworkRecovery) Execute(ctx context.Context, txn *domain.Transaction) (*Outcome, error) {
	status, err := s.provider.GetTransactionStatus(ctx, txn.ExternalRef())
	if err != nil {
		return nil, domain.Wrap(domain.KindProviderCommunication, "external status probe failed", err)
	}
	return mapExternalStatus(status, txn)
}
