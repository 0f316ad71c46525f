package idempotency_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/store/memory"
)

func newTestManager(t *testing.T) (*idempotency.Manager, *clock.Fake, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	bus := eventbus.New(store, clk, logger)
	return idempotency.NewManager(store, idempotency.DefaultConfig(), clk, bus, logger), clk, store
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, idempotency.ValidateKey("order-2025-001"))
	assert.NoError(t, idempotency.ValidateKey("Abc_123-xyz"))

	err := idempotency.ValidateKey("short")
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	err = idempotency.ValidateKey("has space in it")
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	err = idempotency.ValidateKey("emoji-key-ééé")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestCheckAndLock_FirstAttempt(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.FirstAttempt, res.Outcome)
}

func TestCheckAndLock_InProgressDuplicate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)

	res, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.InProgress, res.Outcome)
}

func TestCheckAndLock_ReplayWithDifferentFingerprint(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)

	_, err = m.CheckAndLock(ctx, "order-001-key", "fp-2")
	assert.True(t, domain.IsKind(err, domain.KindIdempotencyReplay))
}

func TestCheckAndLock_CompletedReturnsCachedResult(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)
	require.NoError(t, m.Associate(ctx, "order-001-key", "txn-42", []byte(`{"status":"COMPLETED"}`)))

	res, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.AlreadyCompleted, res.Outcome)
	assert.Equal(t, "txn-42", res.ResourceRef)
	assert.JSONEq(t, `{"status":"COMPLETED"}`, string(res.CachedResponse))
}

func TestCheckAndLock_ExpiredLockIsStolen(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)

	res, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.FirstAttempt, res.Outcome)
}

func TestAssociate_IdempotentForSameRef(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)

	require.NoError(t, m.Associate(ctx, "order-001-key", "txn-42", nil))
	require.NoError(t, m.Associate(ctx, "order-001-key", "txn-42", []byte(`{}`)))

	err = m.Associate(ctx, "order-001-key", "txn-43", nil)
	assert.True(t, domain.IsKind(err, domain.KindTransactionInvalidState))
}

func TestReleaseLock_AllowsRetry(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(ctx, "order-001-key"))

	res, err := m.CheckAndLock(ctx, "order-001-key", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.FirstAttempt, res.Outcome)
}

func TestSweep(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckAndLock(ctx, "ancient-key-001", "fp-1")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = m.CheckAndLock(ctx, "recent-key-001", "fp-2")
	require.NoError(t, err)

	// First key's lock is now stale (2h > 1h); neither is expired yet.
	require.NoError(t, m.Sweep(ctx))
	res, err := m.CheckAndLock(ctx, "ancient-key-001", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.FirstAttempt, res.Outcome)

	// Past record expiration both records are dropped entirely.
	clk.Advance(25 * time.Hour)
	require.NoError(t, m.Sweep(ctx))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalRecords)
}

func TestFingerprint_CanonicalisesJSON(t *testing.T) {
	a := idempotency.Fingerprint([]byte(`{"amount":100,"currency":"USD"}`))
	b := idempotency.Fingerprint([]byte(`{ "currency" : "USD", "amount" : 100 }`))
	c := idempotency.Fingerprint([]byte(`{"amount":101,"currency":"USD"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
