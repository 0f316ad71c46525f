// Package retryqueue is the persistent delay queue feeding the retry
// dispatcher.
package retryqueue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// Entry schedules one re-attempt. Entries are ordered by (DueAt, TransactionID).
type Entry struct {
	TransactionID string
	DueAt         time.Time
	Attempt       int
}

// EntryStore persists queue entries so scheduled retries survive a restart.
// DeleteEntry is the per-entry claim: it compares (transactionID, dueAt) and
// reports whether this caller won the entry.
type EntryStore interface {
	InsertEntry(ctx context.Context, entry *Entry) error
	DeleteEntry(ctx context.Context, transactionID string, dueAt time.Time) (bool, error)
	RemoveByTxn(ctx context.Context, transactionID string) (bool, error)
	AllEntries(ctx context.Context) ([]*Entry, error)
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].TransactionID < h[j].TransactionID
	}
	return h[i].DueAt.Before(h[j].DueAt)
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

type Queue struct {
	mu      sync.Mutex
	entries entryHeap
	wake    chan struct{}

	store  EntryStore
	clock  clock.Clock
	logger *slog.Logger
}

func New(store EntryStore, clk clock.Clock, logger *slog.Logger) *Queue {
	return &Queue{
		wake:   make(chan struct{}, 1),
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

// Load restores persisted entries, typically at startup.
func (q *Queue) Load(ctx context.Context) error {
	entries, err := q.store.AllEntries(ctx)
	if err != nil {
		return domain.NewInternalError("retry queue load failed", err)
	}
	q.mu.Lock()
	q.entries = append(entryHeap{}, entries...)
	heap.Init(&q.entries)
	q.mu.Unlock()
	if len(entries) > 0 {
		q.logger.Info("retry queue restored", "entries", len(entries))
	}
	q.signal()
	return nil
}

// Enqueue persists and schedules an entry.
func (q *Queue) Enqueue(ctx context.Context, transactionID string, dueAt time.Time, attempt int) error {
	entry := &Entry{TransactionID: transactionID, DueAt: dueAt, Attempt: attempt}
	if err := q.store.InsertEntry(ctx, entry); err != nil {
		return domain.NewInternalError("retry entry insert failed", err)
	}
	q.mu.Lock()
	heap.Push(&q.entries, entry)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Next blocks until an entry is due and claimed, or ctx is cancelled. An
// entry another claimant won is dropped silently and the wait continues.
func (q *Queue) Next(ctx context.Context) (*Entry, error) {
	for {
		q.mu.Lock()
		var wait time.Duration
		if len(q.entries) == 0 {
			wait = time.Hour
		} else {
			now := q.clock.Now()
			top := q.entries[0]
			if !top.DueAt.After(now) {
				entry := heap.Pop(&q.entries).(*Entry)
				q.mu.Unlock()

				claimed, err := q.store.DeleteEntry(ctx, entry.TransactionID, entry.DueAt)
				if err != nil {
					return nil, domain.NewInternalError("retry entry claim failed", err)
				}
				if !claimed {
					continue
				}
				return entry, nil
			}
			wait = top.DueAt.Sub(now)
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		}
	}
}

// Cancel removes a scheduled entry and reports whether one existed.
func (q *Queue) Cancel(ctx context.Context, transactionID string) (bool, error) {
	removed, err := q.store.RemoveByTxn(ctx, transactionID)
	if err != nil {
		return false, domain.NewInternalError("retry entry cancel failed", err)
	}

	q.mu.Lock()
	for i, entry := range q.entries {
		if entry.TransactionID == transactionID {
			heap.Remove(&q.entries, i)
			break
		}
	}
	q.mu.Unlock()
	q.signal()
	return removed, nil
}

// Len reports the in-memory depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
