package retryqueue_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/store/memory"
)

func newTestQueue(t *testing.T) (*retryqueue.Queue, *clock.Fake, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	return retryqueue.New(store, clk, logger), clk, store
}

func TestNext_DeliversDueEntriesInOrder(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, q.Enqueue(ctx, "txn-b", now.Add(-time.Second), 1))
	require.NoError(t, q.Enqueue(ctx, "txn-a", now.Add(-2*time.Second), 1))
	require.NoError(t, q.Enqueue(ctx, "txn-c", now.Add(-time.Second), 2))

	var got []string
	for i := 0; i < 3; i++ {
		entry, err := q.Next(ctx)
		require.NoError(t, err)
		got = append(got, entry.TransactionID)
	}
	// Earliest due first, transaction id breaking ties.
	assert.Equal(t, []string{"txn-a", "txn-b", "txn-c"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestNext_BlocksUntilCancelled(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), "txn-1", clk.Now().Add(time.Hour), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestNext_SkipsEntriesClaimedElsewhere(t *testing.T) {
	q, clk, store := newTestQueue(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, q.Enqueue(ctx, "txn-1", now.Add(-2*time.Second), 1))
	require.NoError(t, q.Enqueue(ctx, "txn-2", now.Add(-time.Second), 1))

	// Another claimant already took txn-1 from the store.
	claimed, err := store.DeleteEntry(ctx, "txn-1", now.Add(-2*time.Second))
	require.NoError(t, err)
	require.True(t, claimed)

	entry, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "txn-2", entry.TransactionID)
}

func TestCancel(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "txn-1", clk.Now().Add(time.Hour), 1))

	removed, err := q.Cancel(ctx, "txn-1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, q.Len())

	removed, err = q.Cancel(ctx, "txn-1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLoad_RestoresPersistedEntries(t *testing.T) {
	q, clk, store := newTestQueue(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, q.Enqueue(ctx, "txn-1", now.Add(-time.Second), 2))
	require.NoError(t, q.Enqueue(ctx, "txn-2", now.Add(time.Hour), 1))

	// A fresh queue over the same store sees both entries after Load.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restored := retryqueue.New(store, clk, logger)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 2, restored.Len())

	entry, err := restored.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "txn-1", entry.TransactionID)
	assert.Equal(t, 2, entry.Attempt)
}
