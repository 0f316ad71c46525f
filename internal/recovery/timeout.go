package recovery

import (
	"context"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// TimeoutRecovery handles timeout-class failures. Unlike NetworkRecovery it
// first gives the provider a short window to settle a late response, bounded
// by MaxWait measured from the transaction's last update.
type TimeoutRecovery struct {
	provider   application.ProviderPort
	clock      clock.Clock
	probeDelay time.Duration
	maxWait    time.Duration
}

func NewTimeoutRecovery(provider application.ProviderPort, clk clock.Clock, probeDelay, maxWait time.Duration) *TimeoutRecovery {
	if probeDelay == 0 {
		probeDelay = 3 * time.Second
	}
	if maxWait == 0 {
		maxWait = 60 * time.Second
	}
	return &TimeoutRecovery{provider: provider, clock: clk, probeDelay: probeDelay, maxWait: maxWait}
}

func (s *TimeoutRecovery) Type() string    { return "timeout" }
func (s *TimeoutRecovery) IsGeneral() bool { return false }

func (s *TimeoutRecovery) CanHandle(err error) bool {
	return domain.IsKind(err, domain.KindTimeout)
}

func (s *TimeoutRecovery) Execute(ctx context.Context, txn *domain.Transaction) (*Outcome, error) {
	elapsed := s.clock.Now().Sub(txn.UpdatedAt)
	if elapsed >= s.maxWait {
		return nil, domain.NewInvalidStateError("timeout recovery window exhausted").
			WithContext("transactionId", txn.ID)
	}

	wait := s.probeDelay
	if remaining := s.maxWait - elapsed; remaining < wait {
		wait = remaining
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, domain.NewTimeoutError("timeout recovery wait", ctx.Err())
		case <-timer.C:
		}
	}

	status, err := s.provider.GetTransactionStatus(ctx, txn.ExternalRef())
	if err != nil {
		return nil, domain.Wrap(domain.KindProviderCommunication, "external status probe failed", err)
	}
	return mapExternalStatus(status, txn)
}
