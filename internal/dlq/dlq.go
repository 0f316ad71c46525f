// Package dlq is the durable bin for transactions that exhausted automated
// recovery and await operator action.
package dlq

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
)

// Entry is one dead-lettered transaction, uniquely keyed by TransactionID.
type Entry struct {
	TransactionID string
	Snapshot      *domain.Transaction
	ErrorKind     domain.Kind
	EnqueuedAt    time.Time
}

type EntryStore interface {
	InsertDLQ(ctx context.Context, entry *Entry) error
	GetDLQ(ctx context.Context, transactionID string) (*Entry, error)
	DeleteDLQ(ctx context.Context, transactionID string) (bool, error)
	AllDLQ(ctx context.Context) ([]*Entry, error)
}

// Reprocessor re-runs a dead-lettered transaction through the normal
// processing path. The engine implements it.
type Reprocessor interface {
	Reprocess(ctx context.Context, transactionID string) error
}

type Queue struct {
	store  EntryStore
	clock  clock.Clock
	bus    *eventbus.Bus
	logger *slog.Logger
}

func New(store EntryStore, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger) *Queue {
	return &Queue{store: store, clock: clk, bus: bus, logger: logger}
}

// Add dead-letters a transaction. A second Add for the same transaction is a
// no-op: the first snapshot stands until an operator acts on it.
func (q *Queue) Add(ctx context.Context, txn *domain.Transaction, errKind domain.Kind) error {
	entry := &Entry{
		TransactionID: txn.ID,
		Snapshot:      txn.Clone(),
		ErrorKind:     errKind,
		EnqueuedAt:    q.clock.Now(),
	}
	err := q.store.InsertDLQ(ctx, entry)
	if errors.Is(err, application.ErrDuplicateKey) {
		return nil
	}
	if err != nil {
		return domain.NewInternalError("dead letter insert failed", err)
	}

	q.logger.Warn("transaction moved to dead letter queue",
		"transaction_id", txn.ID,
		"error_kind", errKind,
	)
	q.bus.Publish(ctx, eventbus.TransactionMovedToDLQ, eventbus.TxnPayload(txn.ID, map[string]string{
		"errorKind": string(errKind),
	}))
	return nil
}

func (q *Queue) Get(ctx context.Context, transactionID string) (*Entry, error) {
	entry, err := q.store.GetDLQ(ctx, transactionID)
	if errors.Is(err, application.ErrNotFound) {
		return nil, domain.NewTransactionNotFoundError(transactionID)
	}
	if err != nil {
		return nil, domain.NewInternalError("dead letter lookup failed", err)
	}
	return entry, nil
}

// List returns entries ordered by enqueue time.
func (q *Queue) List(ctx context.Context) ([]*Entry, error) {
	entries, err := q.store.AllDLQ(ctx)
	if err != nil {
		return nil, domain.NewInternalError("dead letter listing failed", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].TransactionID < entries[j].TransactionID
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, nil
}

// Reprocess hands the transaction back to the processing path and removes
// the entry when the reprocessor accepts it.
func (q *Queue) Reprocess(ctx context.Context, transactionID string, reprocessor Reprocessor) error {
	if _, err := q.Get(ctx, transactionID); err != nil {
		return err
	}

	q.bus.Publish(ctx, eventbus.TransactionReprocessing, eventbus.TxnPayload(transactionID, nil))
	if err := reprocessor.Reprocess(ctx, transactionID); err != nil {
		return domain.Wrap(domain.KindOf(err), "dead letter reprocess failed", err)
	}

	if _, err := q.store.DeleteDLQ(ctx, transactionID); err != nil {
		return domain.NewInternalError("dead letter delete failed", err)
	}
	return nil
}

// Remove drops an entry without reprocessing.
func (q *Queue) Remove(ctx context.Context, transactionID string) (bool, error) {
	removed, err := q.store.DeleteDLQ(ctx, transactionID)
	if err != nil {
		return false, domain.NewInternalError("dead letter delete failed", err)
	}
	return removed, nil
}
