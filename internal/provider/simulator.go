package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// Simulator is an in-memory provider used by tests and the local profile.
// Outcomes are scriptable per call: queued failures are consumed in order,
// after which calls succeed. Successful creates are remembered so later
// status probes see what "really happened", which is exactly the property
// the recovery strategies depend on.
type Simulator struct {
	mu sync.Mutex

	webhookSecret []byte
	seq           int

	createFailures  []scriptedFailure
	confirmFailures []error
	statusFailures  []error

	payments map[string]*application.ExternalStatus
	byTxn    map[string]string
	methods  map[string][]application.PaymentMethod
	calls    map[string]int
}

func NewSimulator(webhookSecret string) *Simulator {
	return &Simulator{
		webhookSecret: []byte(webhookSecret),
		payments:      map[string]*application.ExternalStatus{},
		byTxn:         map[string]string{},
		methods:       map[string][]application.PaymentMethod{},
		calls:         map[string]int{},
	}
}

// scriptedFailure is one queued CreatePayment outcome. When record is set
// the provider records the payment as succeeded before returning the error,
// simulating a response lost on the wire.
type scriptedFailure struct {
	err    error
	record bool
}

// FailNextCreate scripts err for the next n CreatePayment calls.
func (s *Simulator) FailNextCreate(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.createFailures = append(s.createFailures, scriptedFailure{err: err})
	}
}

// FailNextCreateAfterRecording scripts a lost response: the payment is
// recorded as succeeded on the provider side, but the call returns err.
func (s *Simulator) FailNextCreateAfterRecording(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFailures = append(s.createFailures, scriptedFailure{err: err, record: true})
}

// FailNextConfirm scripts err for the next n ConfirmPayment calls.
func (s *Simulator) FailNextConfirm(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.confirmFailures = append(s.confirmFailures, err)
	}
}

// FailNextStatus scripts err for the next n GetTransactionStatus calls.
func (s *Simulator) FailNextStatus(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.statusFailures = append(s.statusFailures, err)
	}
}

// SetStatus overrides the recorded external status for a reference.
func (s *Simulator) SetStatus(externalRef, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[externalRef] = &application.ExternalStatus{Status: status, Reference: externalRef}
}

// Calls reports how many times the named method ran.
func (s *Simulator) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Simulator) CreatePayment(ctx context.Context, input application.CreatePaymentInput) (*application.ProviderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["create_payment"]++

	// Scripted transport failures fire even for known keys: retries can keep
	// failing on the wire after the provider already recorded the payment.
	if len(s.createFailures) > 0 {
		f := s.createFailures[0]
		s.createFailures = s.createFailures[1:]
		if f.record {
			s.recordLocked(input.TransactionID, application.ExternalSucceeded)
		}
		return nil, f.err
	}

	// Provider-side idempotency: a repeated key returns the original result.
	if ref, ok := s.byTxn[input.TransactionID]; ok {
		return &application.ProviderResult{
			Success:     true,
			ExternalRef: ref,
			Status:      s.payments[ref].Status,
		}, nil
	}

	if input.AmountCents <= 0 {
		return nil, domain.NewProviderDeclineError("amount rejected by provider")
	}

	ref := s.recordLocked(input.TransactionID, application.ExternalSucceeded)
	return &application.ProviderResult{
		Success:     true,
		ExternalRef: ref,
		Status:      application.ExternalSucceeded,
	}, nil
}

func (s *Simulator) recordLocked(txnID, status string) string {
	s.seq++
	ref := fmt.Sprintf("sim_%06d", s.seq)
	s.payments[ref] = &application.ExternalStatus{Status: status, Reference: ref}
	s.byTxn[txnID] = ref
	return ref
}

func (s *Simulator) ConfirmPayment(ctx context.Context, externalRef string) (*application.ProviderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["confirm_payment"]++

	if len(s.confirmFailures) > 0 {
		err := s.confirmFailures[0]
		s.confirmFailures = s.confirmFailures[1:]
		return nil, err
	}
	p, ok := s.payments[externalRef]
	if !ok {
		return nil, domain.NewProviderDeclineError("unknown payment reference")
	}
	p.Status = application.ExternalSucceeded
	return &application.ProviderResult{Success: true, ExternalRef: externalRef, Status: p.Status}, nil
}

func (s *Simulator) VoidPayment(ctx context.Context, externalRef string) (*application.ProviderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["void_payment"]++

	p, ok := s.payments[externalRef]
	if !ok {
		return nil, domain.NewProviderDeclineError("unknown payment reference")
	}
	p.Status = application.ExternalVoided
	return &application.ProviderResult{Success: true, ExternalRef: externalRef, Status: p.Status}, nil
}

func (s *Simulator) RefundPayment(ctx context.Context, externalRef string, amountCents int64) (*application.ProviderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["refund_payment"]++

	p, ok := s.payments[externalRef]
	if !ok {
		return nil, domain.NewProviderDeclineError("unknown payment reference")
	}
	if amountCents <= 0 {
		return nil, domain.NewProviderDeclineError("refund amount rejected")
	}
	p.Status = application.ExternalRefunded
	return &application.ProviderResult{Success: true, ExternalRef: externalRef, Status: p.Status}, nil
}

func (s *Simulator) GetTransactionStatus(ctx context.Context, externalRef string) (*application.ExternalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["get_transaction_status"]++

	if len(s.statusFailures) > 0 {
		err := s.statusFailures[0]
		s.statusFailures = s.statusFailures[1:]
		return nil, err
	}
	if p, ok := s.payments[externalRef]; ok {
		cp := *p
		return &cp, nil
	}
	// Status probes may carry the internal id when no external ref was ever
	// observed; resolve it before giving up.
	if ref, ok := s.byTxn[externalRef]; ok {
		cp := *s.payments[ref]
		return &cp, nil
	}
	return nil, nil
}

func (s *Simulator) AddPaymentMethod(ctx context.Context, customerID string, method application.PaymentMethod) (*application.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["add_payment_method"]++

	if method.Ref == "" {
		s.seq++
		method.Ref = fmt.Sprintf("pm_%06d", s.seq)
	}
	method.CustomerID = customerID
	s.methods[customerID] = append(s.methods[customerID], method)
	return &method, nil
}

func (s *Simulator) GetPaymentMethods(ctx context.Context, customerID string) ([]application.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["get_payment_methods"]++
	return append([]application.PaymentMethod(nil), s.methods[customerID]...), nil
}

func (s *Simulator) RemovePaymentMethod(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["remove_payment_method"]++

	for customerID, list := range s.methods {
		for i, m := range list {
			if m.Ref == ref {
				s.methods[customerID] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return domain.NewProviderDeclineError("unknown payment method")
}

func (s *Simulator) VerifyWebhookSignature(payload, signature []byte) bool {
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), signature)
}
