package eventbus_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/store/memory"
)

func newTestBus(t *testing.T) (*eventbus.Bus, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	return eventbus.New(store, clk, logger), store
}

func TestPublish_PatternMatching(t *testing.T) {
	bus, _ := newTestBus(t)

	var exact, prefix, wildcard, other int
	bus.Subscribe(eventbus.TransactionCreated, func(eventbus.Event) { exact++ })
	bus.Subscribe("transaction.*", func(eventbus.Event) { prefix++ })
	bus.Subscribe("*", func(eventbus.Event) { wildcard++ })
	bus.Subscribe("lock.*", func(eventbus.Event) { other++ })

	bus.Publish(context.Background(), eventbus.TransactionCreated, nil)
	bus.Publish(context.Background(), eventbus.TransactionStatusChanged, nil)

	assert.Equal(t, 1, exact)
	assert.Equal(t, 2, prefix)
	assert.Equal(t, 2, wildcard)
	assert.Equal(t, 0, other)
}

func TestPublish_AppendsToSink(t *testing.T) {
	bus, store := newTestBus(t)

	bus.Publish(context.Background(), eventbus.TransactionCreated,
		eventbus.TxnPayload("txn-1", map[string]string{"status": "PENDING"}))

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.TransactionCreated, events[0].Name)
	assert.Equal(t, "txn-1", events[0].Payload["transactionId"])
	assert.Equal(t, "PENDING", events[0].Payload["status"])
	assert.NotEmpty(t, events[0].Payload["timestamp"])
	assert.NotEmpty(t, events[0].ID)
}

func TestPublish_NilSink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := eventbus.New(nil, clk, logger)

	seen := 0
	bus.Subscribe("*", func(eventbus.Event) { seen++ })
	bus.Publish(context.Background(), eventbus.LockAcquired, nil)
	assert.Equal(t, 1, seen)
}
