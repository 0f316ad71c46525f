// Package eventbus is the in-process pub/sub fabric with a durable event log sink.
package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
)

// Event is a single emitted fact. Payload always carries "transactionId"
// (where applicable) and "timestamp" in ISO-8601.
type Event struct {
	ID      string
	Name    string
	Payload map[string]string
}

// Handler receives events synchronously on the publisher's goroutine.
// Publishers call Publish only after the corresponding store write commits,
// so handlers observe persisted state.
type Handler func(Event)

// Sink persists every published event. A nil sink disables the durable log.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

type subscription struct {
	pattern string
	handler Handler
}

type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger
}

func New(sink Sink, clk clock.Clock, logger *slog.Logger) *Bus {
	return &Bus{sink: sink, clock: clk, logger: logger}
}

// Subscribe registers a handler for an event name. A trailing ".*" matches a
// prefix ("transaction.*"); "*" matches everything.
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
}

// Publish stamps, persists and dispatches the event. Sink failures are logged
// and do not block dispatch: the authoritative state already committed.
func (b *Bus) Publish(ctx context.Context, name string, payload map[string]string) {
	if payload == nil {
		payload = map[string]string{}
	}
	payload["timestamp"] = b.clock.Now().Format(time.RFC3339Nano)

	event := Event{
		ID:      clock.NewID(),
		Name:    name,
		Payload: payload,
	}

	if b.sink != nil {
		if err := b.sink.Append(ctx, event); err != nil {
			b.logger.Error("event sink append failed", "event", name, "error", err)
		}
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if matches(sub.pattern, name) {
			sub.handler(event)
		}
	}
}

// TxnPayload builds the standard payload for transaction-scoped events.
func TxnPayload(txnID string, extra map[string]string) map[string]string {
	payload := map[string]string{"transactionId": txnID}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

func matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".")
	}
	return false
}
