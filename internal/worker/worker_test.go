package worker_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/store/memory"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
	done chan struct{}
	want int
}

func (r *recordingRunner) RunRetry(ctx context.Context, transactionID string, attempt int) error {
	r.mu.Lock()
	r.runs = append(r.runs, transactionID)
	if len(r.runs) == r.want {
		close(r.done)
	}
	r.mu.Unlock()
	return nil
}

func TestDispatcher_RunsDueEntries(t *testing.T) {
	logger := discardLogger()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	queue := retryqueue.New(store, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, queue.Enqueue(ctx, "txn-1", clk.Now().Add(-2*time.Second), 1))
	require.NoError(t, queue.Enqueue(ctx, "txn-2", clk.Now().Add(-time.Second), 1))

	runner := &recordingRunner{done: make(chan struct{}), want: 2}
	d := worker.NewDispatcher(queue, runner, logger)
	go d.Start(ctx)

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not run due entries")
	}
	cancel()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"txn-1", "txn-2"}, runner.runs)
}

func TestJanitor_FailStuck(t *testing.T) {
	logger := discardLogger()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	bus := eventbus.New(store, clk, logger)
	idem := idempotency.NewManager(store, idempotency.DefaultConfig(), clk, bus, logger)
	ctx := context.Background()

	// The stuck transaction holds its idempotency key.
	_, err := idem.CheckAndLock(ctx, "stuck-key-001", "fp-1")
	require.NoError(t, err)

	stuck, err := domain.NewTransaction("txn-stuck", domain.TypePayment,
		domain.Money{Amount: 5000, Currency: "USD"},
		"cust-1", "pm-1", "stuck-key-001", clk.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, stuck))

	clk.Advance(20 * time.Minute)
	fresh, err := domain.NewTransaction("txn-fresh", domain.TypePayment,
		domain.Money{Amount: 5000, Currency: "USD"},
		"cust-1", "pm-1", "fresh-key-001", clk.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, fresh))

	j := worker.NewJanitor(worker.JanitorConfig{
		SweepSpec: "@every 1h",
		StuckSpec: "@every 5m",
		StuckAge:  15 * time.Minute,
	}, store, idem, nil, clk, bus, logger)

	j.FailStuck(ctx)

	got, err := store.Get(ctx, "txn-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.KindTimeout, got.Error.Kind)

	got, err = store.Get(ctx, "txn-fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	// The key is free for the client to retry cleanly.
	res, err := idem.CheckAndLock(ctx, "stuck-key-001", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.FirstAttempt, res.Outcome)
}

func TestJanitor_StartStop(t *testing.T) {
	logger := discardLogger()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	bus := eventbus.New(store, clk, logger)
	idem := idempotency.NewManager(store, idempotency.DefaultConfig(), clk, bus, logger)

	j := worker.NewJanitor(worker.DefaultJanitorConfig(), store, idem,
		func(ctx context.Context) (any, error) { return "ok", nil },
		clk, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, j.Start(ctx))
	j.Stop()
}

func TestJanitor_RejectsBadSpec(t *testing.T) {
	logger := discardLogger()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	bus := eventbus.New(store, clk, logger)
	idem := idempotency.NewManager(store, idempotency.DefaultConfig(), clk, bus, logger)

	j := worker.NewJanitor(worker.JanitorConfig{
		SweepSpec: "not a cron spec",
		StuckAge:  time.Minute,
	}, store, idem, nil, clk, bus, logger)

	assert.Error(t, j.Start(context.Background()))
}
