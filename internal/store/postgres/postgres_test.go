package postgres_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/config"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/dlq"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/store/postgres"
)

// startPostgres spins a disposable database for the test run. Tests skip when
// no container runtime is available.
func startPostgres(t *testing.T) *postgres.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "orchestrator",
				"POSTGRES_PASSWORD": "orchestrator",
				"POSTGRES_DB":       "orchestrator_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := postgres.Connect(ctx, &config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "orchestrator",
		Password:        "orchestrator",
		Name:            "orchestrator_test",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.EnsureSchema(ctx))
	return db
}

func newTxn(t *testing.T, id, key string) *domain.Transaction {
	t.Helper()
	txn, err := domain.NewTransaction(id, domain.TypePayment,
		domain.Money{Amount: 5000, Currency: "USD"},
		"cust-1", "pm-1", key, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, err)
	return txn
}

func TestTransactionStore_RoundTrip(t *testing.T) {
	db := startPostgres(t)
	store := postgres.NewTransactionStore(db.Pool)
	ctx := context.Background()

	txn := newTxn(t, "txn-1", "key-1")
	txn.SetMeta("orderId", "order-77")
	require.NoError(t, store.Create(ctx, txn))

	got, err := store.Get(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, got.ID)
	assert.Equal(t, txn.AmountCents, got.AmountCents)
	assert.Equal(t, "order-77", got.Meta("orderId"))
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = store.Get(ctx, "txn-unknown")
	assert.ErrorIs(t, err, application.ErrNotFound)
}

func TestTransactionStore_VersionedUpdate(t *testing.T) {
	db := startPostgres(t)
	store := postgres.NewTransactionStore(db.Pool)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTxn(t, "txn-1", "key-1")))

	a, err := store.Get(ctx, "txn-1")
	require.NoError(t, err)
	b, err := store.Get(ctx, "txn-1")
	require.NoError(t, err)

	require.NoError(t, a.TransitionTo(domain.StatusProcessing, time.Now().UTC()))
	require.NoError(t, store.Update(ctx, a))

	err = store.Update(ctx, b)
	assert.ErrorIs(t, err, application.ErrVersionConflict)

	err = store.Update(ctx, newTxn(t, "txn-ghost", "key-ghost"))
	assert.ErrorIs(t, err, application.ErrNotFound)
}

func TestTransactionStore_OneInFlightPerKey(t *testing.T) {
	db := startPostgres(t)
	store := postgres.NewTransactionStore(db.Pool)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTxn(t, "txn-1", "key-1")))
	assert.ErrorIs(t, store.Create(ctx, newTxn(t, "txn-2", "key-1")), application.ErrDuplicateKey)

	// Settle the holder; the partial unique index frees the key.
	txn, err := store.Get(ctx, "txn-1")
	require.NoError(t, err)
	require.NoError(t, txn.TransitionTo(domain.StatusFailed, time.Now().UTC()))
	require.NoError(t, store.Update(ctx, txn))

	require.NoError(t, store.Create(ctx, newTxn(t, "txn-2", "key-1")))

	found, err := store.FindByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "txn-2", found.ID)
}

func TestTransactionStore_Query(t *testing.T) {
	db := startPostgres(t)
	store := postgres.NewTransactionStore(db.Pool)
	ctx := context.Background()

	for _, id := range []string{"txn-a", "txn-b"} {
		require.NoError(t, store.Create(ctx, newTxn(t, id, "key-"+id)))
	}

	txns, err := store.Query(ctx, "cust-1", application.TransactionFilter{Status: domain.StatusPending})
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	page, err := store.QueryAll(ctx, application.TransactionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "txn-b", page[0].ID)
}

func TestRecordStore_RoundTrip(t *testing.T) {
	db := startPostgres(t)
	store := postgres.NewRecordStore(db.Pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	record := &idempotency.Record{
		Key:                "key-1",
		Locked:             true,
		RequestFingerprint: "fp-1",
		RecoveryPoint:      idempotency.PointCreated,
		Attempts:           1,
		AcquiredAt:         now,
		ExpiresAt:          now.Add(24 * time.Hour),
		LastAttemptAt:      now,
		CreatedAt:          now,
	}
	require.NoError(t, store.InsertRecord(ctx, record))
	assert.ErrorIs(t, store.InsertRecord(ctx, record), application.ErrDuplicateKey)

	record.Locked = false
	record.RecoveryPoint = idempotency.PointCompleted
	record.ResourceRef = "txn-1"
	record.CachedResponse = []byte(`{"status":"COMPLETED"}`)
	require.NoError(t, store.UpdateRecord(ctx, record))

	got, err := store.GetRecord(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.Equal(t, idempotency.PointCompleted, got.RecoveryPoint)
	assert.Equal(t, "txn-1", got.ResourceRef)
	assert.JSONEq(t, `{"status":"COMPLETED"}`, string(got.CachedResponse))

	require.NoError(t, store.DeleteRecord(ctx, "key-1"))
	_, err = store.GetRecord(ctx, "key-1")
	assert.ErrorIs(t, err, application.ErrNotFound)
}

func TestEntryStore_ClaimSemantics(t *testing.T) {
	db := startPostgres(t)
	store := postgres.NewEntryStore(db.Pool)
	ctx := context.Background()
	dueAt := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.InsertEntry(ctx, &retryqueue.Entry{
		TransactionID: "txn-1", DueAt: dueAt, Attempt: 1,
	}))

	// Claiming with a stale due time loses.
	claimed, err := store.DeleteEntry(ctx, "txn-1", dueAt.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = store.DeleteEntry(ctx, "txn-1", dueAt)
	require.NoError(t, err)
	assert.True(t, claimed)

	entries, err := store.AllEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDLQStore_SnapshotRoundTrip(t *testing.T) {
	db := startPostgres(t)
	store := postgres.NewDLQStore(db.Pool)
	ctx := context.Background()

	txn := newTxn(t, "txn-1", "key-1")
	require.NoError(t, txn.TransitionTo(domain.StatusFailed, time.Now().UTC().Truncate(time.Microsecond)))
	entry := &dlq.Entry{
		TransactionID: "txn-1",
		Snapshot:      txn,
		ErrorKind:     domain.KindRetryLimitExceeded,
		EnqueuedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.InsertDLQ(ctx, entry))
	assert.ErrorIs(t, store.InsertDLQ(ctx, entry), application.ErrDuplicateKey)

	got, err := store.GetDLQ(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.KindRetryLimitExceeded, got.ErrorKind)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, domain.StatusFailed, got.Snapshot.Status)
	assert.Equal(t, int64(5000), got.Snapshot.AmountCents)

	removed, err := store.DeleteDLQ(ctx, "txn-1")
	require.NoError(t, err)
	assert.True(t, removed)
}
