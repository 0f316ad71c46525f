package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/compensation"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/dlq"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/engine"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/locker"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/provider"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/recovery"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retry"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/store/memory"
)

type fixture struct {
	mgr         *engine.Manager
	sim         *provider.Simulator
	store       *memory.Store
	queue       *retryqueue.Queue
	deadLetters *dlq.Queue
	ledger      *compensation.Ledger
	clk         *clock.Fake
}

// newFixture wires the full engine against the in-memory store and the raw
// simulator, so scripted failures surface exactly once per attempt.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	bus := eventbus.New(store, clk, logger)
	sim := provider.NewSimulator("test-secret")

	locks := locker.NewManager(store, locker.DefaultConfig(), clk, bus, logger)
	idem := idempotency.NewManager(store, idempotency.DefaultConfig(), clk, bus, logger)
	queue := retryqueue.New(store, clk, logger)
	retries := retry.NewManager(retry.Policy{
		MaxAttempts:  3,
		Backoff:      retry.BackoffFixed,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}, store, queue, clk, bus, logger)
	deadLetters := dlq.New(store, clk, bus, logger)

	strategies := []recovery.Strategy{
		recovery.NewNetworkRecovery(sim),
		recovery.NewTimeoutRecovery(sim, clk, time.Millisecond, time.Minute),
		recovery.NewGeneralRecovery(sim),
	}
	recoveries := recovery.NewManager(strategies, store, retries, deadLetters,
		recovery.Config{MaxAttempts: 3}, clk, bus, logger)

	handlers := compensation.NewHandlerRegistry()
	compensation.RegisterProviderHandlers(handlers, sim, logger)
	ledger := compensation.NewLedger(store, handlers, compensation.Config{
		DefaultMaxRetries: 1,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	}, clk, bus, logger)

	mgr := engine.NewManager(engine.Deps{
		Store:         store,
		Provider:      sim,
		Idempotency:   idem,
		Locks:         locks,
		Retries:       retries,
		Recovery:      recoveries,
		Compensations: ledger,
		DLQ:           deadLetters,
		Queue:         queue,
		Clock:         clk,
		Bus:           bus,
		Logger:        logger,
	})
	return &fixture{
		mgr:         mgr,
		sim:         sim,
		store:       store,
		queue:       queue,
		deadLetters: deadLetters,
		ledger:      ledger,
		clk:         clk,
	}
}

func paymentInput(key string) engine.CreateInput {
	return engine.CreateInput{
		Type:             domain.TypePayment,
		AmountCents:      5000,
		Currency:         "USD",
		CustomerID:       "cust-1",
		PaymentMethodRef: "pm-1",
		IdempotencyKey:   key,
		Metadata:         map[string]string{"orderId": "order-77"},
	}
}

func eventNames(store *memory.Store) []string {
	events := store.Events()
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Name)
	}
	return names
}

func TestBegin_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	require.False(t, result.Deduplicated)

	txn := result.Transaction
	assert.Equal(t, domain.StatusCompleted, txn.Status)
	assert.NotEmpty(t, txn.Meta(domain.MetaExternalRef))
	assert.Equal(t, "order-77", txn.Meta("orderId"))

	stats, err := f.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.LocksHeld)
	assert.Zero(t, stats.RetryQueueDepth)
	assert.Zero(t, stats.DLQDepth)

	assert.Contains(t, eventNames(f.store), eventbus.TransactionCreated)
	assert.Contains(t, eventNames(f.store), eventbus.TransactionStatusChanged)
}

func TestBegin_DuplicateKeyReturnsCachedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)

	second, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(second.CachedResponse, &snapshot))
	assert.Equal(t, first.Transaction.ID, snapshot["transactionId"])
	assert.Equal(t, string(domain.StatusCompleted), snapshot["status"])

	// The provider only ever saw one payment.
	assert.Equal(t, 1, f.sim.Calls("create_payment"))
}

func TestBegin_SameKeyDifferentPayloadRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)

	altered := paymentInput("order-77-key")
	altered.AmountCents = 9999
	_, err = f.mgr.Begin(ctx, altered)
	assert.True(t, domain.IsKind(err, domain.KindIdempotencyReplay))
}

func TestBegin_InvalidAmountRejectedBeforeAnySideEffect(t *testing.T) {
	f := newFixture(t)

	input := paymentInput("order-77-key")
	input.AmountCents = 0
	_, err := f.mgr.Begin(context.Background(), input)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Zero(t, f.sim.Calls("create_payment"))
}

func TestBegin_DeclineFailsWithoutDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.FailNextCreate(domain.NewProviderDeclineError("insufficient funds"), 1)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)

	txn := result.Transaction
	assert.Equal(t, domain.StatusFailed, txn.Status)
	require.NotNil(t, txn.Error)
	assert.Equal(t, domain.KindProviderDecline, txn.Error.Kind)

	// A definitive decline is not an operator problem.
	entries, err := f.deadLetters.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, f.queue.Len())

	// The terminal outcome is cached for duplicates.
	dup, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, domain.StatusFailed, dup.Transaction.Status)
}

func TestBegin_TransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.FailNextCreate(domain.NewProviderCommunicationError("connection refused", nil), 1)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)

	txn := result.Transaction
	assert.Equal(t, domain.StatusRecoveryPending, txn.Status)
	assert.Equal(t, 1, txn.RetryCount)
	assert.Equal(t, 1, f.queue.Len())

	// While recovery owns the transaction, a duplicate is told to wait.
	_, err = f.mgr.Begin(ctx, paymentInput("order-77-key"))
	assert.True(t, domain.IsKind(err, domain.KindDuplicateRequest))
}

func TestRunRetry_CompletesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.FailNextCreate(domain.NewProviderCommunicationError("connection refused", nil), 1)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	txnID := result.Transaction.ID

	f.clk.Advance(2 * time.Second)
	require.NoError(t, f.mgr.RunRetry(ctx, txnID, 1))

	txn, err := f.mgr.Get(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, txn.Status)
	assert.Contains(t, eventNames(f.store), eventbus.TransactionCompletedAfterRetry)

	// Now terminal, the idempotency record replays instead of reprocessing.
	dup, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)
}

func TestLostResponse_RecoveredViaStatusProbe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commErr := domain.NewProviderCommunicationError("response lost", nil)

	// Every wire attempt fails. The fourth one lands provider-side but the
	// response never arrives, so recovery must find it by probing.
	f.sim.FailNextCreate(commErr, 3)
	f.sim.FailNextCreateAfterRecording(commErr)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	txnID := result.Transaction.ID
	assert.Equal(t, domain.StatusRecoveryPending, result.Transaction.Status)

	for attempt := 1; attempt <= 3; attempt++ {
		f.clk.Advance(2 * time.Second)
		require.NoError(t, f.mgr.RunRetry(ctx, txnID, attempt))
	}

	txn, err := f.mgr.Get(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, txn.Status)
	assert.NotEmpty(t, txn.Meta(domain.MetaRecoveredAt))
	assert.NotEmpty(t, txn.Meta(domain.MetaExternalRef))

	names := eventNames(f.store)
	assert.Contains(t, names, eventbus.TransactionRecoveryStarted)
	assert.Contains(t, names, eventbus.TransactionRecoveryCompleted)

	entries, err := f.deadLetters.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	dup, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, txnID, dup.Transaction.ID)
}

func TestExhaustedRetries_NoExternalRecord_DeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commErr := domain.NewProviderCommunicationError("connection refused", nil)

	// The provider never hears about the payment at all.
	f.sim.FailNextCreate(commErr, 4)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	txnID := result.Transaction.ID

	for attempt := 1; attempt <= 3; attempt++ {
		f.clk.Advance(2 * time.Second)
		require.NoError(t, f.mgr.RunRetry(ctx, txnID, attempt))
	}

	txn, err := f.mgr.Get(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, txn.Status)

	// The retry budget ran out and the outcome is an inference, so the
	// terminal marker is the exhausted budget.
	entry, err := f.deadLetters.Get(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindRetryLimitExceeded, entry.ErrorKind)
	assert.Contains(t, eventNames(f.store), eventbus.TransactionMovedToDLQ)
}

func TestRunRetry_StaleEntryDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)

	// Already completed: a straggling queue entry must be a no-op.
	require.NoError(t, f.mgr.RunRetry(ctx, result.Transaction.ID, 1))
	assert.Equal(t, 1, f.sim.Calls("create_payment"))

	require.NoError(t, f.mgr.RunRetry(ctx, "txn-never-existed", 1))
}

func TestCancelRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.FailNextCreate(domain.NewProviderCommunicationError("connection refused", nil), 1)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	txnID := result.Transaction.ID

	txn, err := f.mgr.CancelRetry(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	assert.Equal(t, "true", txn.Meta(domain.MetaRetryCancelled))
	assert.Zero(t, f.queue.Len())

	// The cancelled retry never fires.
	require.NoError(t, f.mgr.RunRetry(ctx, txnID, 1))
	assert.Equal(t, 1, f.sim.Calls("create_payment"))
}

// seedStuckTxn plants a PROCESSING transaction with a registered inverse, the
// shape a crash mid-provider-call leaves behind.
func (f *fixture) seedStuckTxn(t *testing.T, id string) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	txn, err := domain.NewTransaction(id, domain.TypePayment,
		domain.Money{Amount: 5000, Currency: "USD"},
		"cust-1", "pm-1", "idem-"+id, f.clk.Now())
	require.NoError(t, err)
	require.NoError(t, txn.TransitionTo(domain.StatusProcessing, f.clk.Now()))
	require.NoError(t, f.store.Create(ctx, txn))

	_, err = f.ledger.Register(ctx, id, compensation.RegisterInput{
		Kind:      domain.OpPaymentAuthorize,
		Params:    map[string]string{"transactionId": id},
		ExecOrder: 1,
	})
	require.NoError(t, err)
	return txn
}

func TestRollback_NothingToUndo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStuckTxn(t, "txn-stuck")

	// The provider has no record, so voiding is a clean no-op.
	txn, err := f.mgr.Rollback(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRolledBack, txn.Status)
	assert.Zero(t, f.sim.Calls("void_payment"))
	assert.Contains(t, eventNames(f.store), eventbus.TransactionCompensated)
}

func TestRollback_VoidsRecordedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStuckTxn(t, "txn-stuck")

	// The payment did land provider-side before the crash.
	_, err := f.sim.CreatePayment(ctx, application.CreatePaymentInput{
		TransactionID: "txn-stuck", AmountCents: 5000, Currency: "USD",
	})
	require.NoError(t, err)

	txn, err := f.mgr.Rollback(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRolledBack, txn.Status)
	assert.Equal(t, 1, f.sim.Calls("void_payment"))
}

func TestRollback_CompensationFailureDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStuckTxn(t, "txn-stuck")

	// Every status probe the void handler makes fails, so compensation
	// cannot resolve the external reference.
	f.sim.FailNextStatus(domain.NewProviderCommunicationError("reporting API down", nil), 10)

	txn, err := f.mgr.Rollback(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, txn.Status)
	require.NotNil(t, txn.Error)
	assert.Contains(t, eventNames(f.store), eventbus.TransactionCompensationFailed)

	// The transaction stays where it was so the rollback can be re-driven.
	stored, err := f.mgr.Get(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)

	_, err = f.deadLetters.Get(ctx, "txn-stuck")
	assert.NoError(t, err)
}

func TestRollback_PartialCompensationKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := domain.NewTransaction("txn-stuck", domain.TypePayment,
		domain.Money{Amount: 5000, Currency: "USD"},
		"cust-1", "pm-1", "idem-txn-stuck", f.clk.Now())
	require.NoError(t, err)
	require.NoError(t, txn.TransitionTo(domain.StatusProcessing, f.clk.Now()))
	require.NoError(t, f.store.Create(ctx, txn))

	// The void succeeds (nothing landed provider-side), but the customer
	// update has no inverse registered and fails.
	_, err = f.ledger.Register(ctx, "txn-stuck", compensation.RegisterInput{
		Kind:      domain.OpPaymentAuthorize,
		Params:    map[string]string{"transactionId": "txn-stuck"},
		ExecOrder: 2,
	})
	require.NoError(t, err)
	_, err = f.ledger.Register(ctx, "txn-stuck", compensation.RegisterInput{
		Kind:      domain.OpCustomerUpdate,
		Params:    map[string]string{"customerId": "cust-1"},
		ExecOrder: 1,
	})
	require.NoError(t, err)

	got, err := f.mgr.Rollback(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "compensation partial")
	assert.Contains(t, eventNames(f.store), eventbus.TransactionCompensationPartial)

	stored, err := f.mgr.Get(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)

	ops, err := f.ledger.Operations(ctx, "txn-stuck")
	require.NoError(t, err)
	statuses := map[domain.OperationKind]domain.OperationStatus{}
	for _, op := range ops {
		statuses[op.Kind] = op.Status
	}
	assert.Equal(t, domain.OpCompleted, statuses[domain.OpPaymentAuthorize])
	assert.Equal(t, domain.OpFailed, statuses[domain.OpCustomerUpdate])
}

func TestRollback_RecoveryPendingRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.FailNextCreate(domain.NewProviderCommunicationError("connection refused", nil), 1)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusRecoveryPending, result.Transaction.Status)

	// A parked retry must be cancelled first, not rolled back around.
	_, err = f.mgr.Rollback(ctx, result.Transaction.ID)
	assert.True(t, domain.IsKind(err, domain.KindTransactionInvalidState))
}

func TestHandleError_PermanentFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStuckTxn(t, "txn-stuck")

	txn, err := f.mgr.HandleError(ctx, "txn-stuck",
		domain.NewProviderDeclineError("card reported stolen"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	require.NotNil(t, txn.Error)
	assert.Equal(t, domain.KindProviderDecline, txn.Error.Kind)
}

func TestHandleError_TransientSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStuckTxn(t, "txn-stuck")

	txn, err := f.mgr.HandleError(ctx, "txn-stuck",
		domain.NewProviderCommunicationError("webhook reported a timeout", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRecoveryPending, txn.Status)
	assert.Equal(t, 1, txn.RetryCount)
	assert.Equal(t, 1, f.queue.Len())
}

func TestHandleError_SettledRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, result.Transaction.Status)

	_, err = f.mgr.HandleError(ctx, result.Transaction.ID,
		domain.NewProviderCommunicationError("late failure report", nil))
	assert.True(t, domain.IsKind(err, domain.KindTransactionInvalidState))
}

func TestRollback_CompletedTransactionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)

	_, err = f.mgr.Rollback(ctx, result.Transaction.ID)
	assert.True(t, domain.IsKind(err, domain.KindTransactionInvalidState))
}

func TestReprocess_RevivesDeadLetteredTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	commErr := domain.NewProviderCommunicationError("connection refused", nil)
	f.sim.FailNextCreate(commErr, 4)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	txnID := result.Transaction.ID

	for attempt := 1; attempt <= 3; attempt++ {
		f.clk.Advance(2 * time.Second)
		require.NoError(t, f.mgr.RunRetry(ctx, txnID, attempt))
	}
	_, err = f.deadLetters.Get(ctx, txnID)
	require.NoError(t, err)

	// Operator retries once the provider is reachable again.
	require.NoError(t, f.deadLetters.Reprocess(ctx, txnID, f.mgr))

	txn, err := f.mgr.Get(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, txn.Status)
	assert.NotEmpty(t, txn.Meta(engine.MetaReprocessedAt))
	assert.Zero(t, txn.RetryCount)

	_, err = f.deadLetters.Get(ctx, txnID)
	assert.True(t, domain.IsKind(err, domain.KindTransactionNotFound))
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.FailNextCreate(domain.NewProviderCommunicationError("connection refused", nil), 1)

	result, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	txnID := result.Transaction.ID

	// A settlement webhook can push the recovery-parked transaction forward.
	txn, err := f.mgr.UpdateStatus(ctx, txnID, domain.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, txn.Status)

	_, err = f.mgr.UpdateStatus(ctx, txnID, domain.StatusPending)
	assert.True(t, domain.IsKind(err, domain.KindTransactionInvalidState))
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Begin(ctx, paymentInput("order-77-key"))
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	_, err = f.mgr.Begin(ctx, paymentInput("order-78-key"))
	require.NoError(t, err)

	txns, err := f.mgr.List(ctx, "cust-1", application.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	completed, err := f.mgr.ListAll(ctx, application.TransactionFilter{Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	none, err := f.mgr.List(ctx, "cust-other", application.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}
