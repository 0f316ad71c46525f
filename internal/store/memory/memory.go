// Package memory is the map-backed Store used by tests and the local profile.
// It implements every persistence port with the same sentinel-error contract
// as the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/dlq"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/locker"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
)

type lockKey struct {
	resourceType string
	resourceID   string
	lockID       string
}

// Store holds every aggregate behind one mutex. Values are cloned on the way
// in and out so callers never alias stored state.
type Store struct {
	mu sync.RWMutex

	txns    map[string]*domain.Transaction
	records map[string]*idempotency.Record
	locks   map[lockKey]*locker.Lock
	retries map[string]*retryqueue.Entry
	dead    map[string]*dlq.Entry
	ops     map[string]*domain.CompensatingOperation
	opsByTx map[string][]string
	events  []eventbus.Event
}

func New() *Store {
	return &Store{
		txns:    map[string]*domain.Transaction{},
		records: map[string]*idempotency.Record{},
		locks:   map[lockKey]*locker.Lock{},
		retries: map[string]*retryqueue.Entry{},
		dead:    map[string]*dlq.Entry{},
		ops:     map[string]*domain.CompensatingOperation{},
		opsByTx: map[string][]string{},
	}
}

// --- application.TransactionStore ---

func (s *Store) Create(ctx context.Context, txn *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txns[txn.ID]; ok {
		return application.ErrDuplicateKey
	}
	// Mirrors the partial unique index on idempotency_key over non-terminal
	// rows: one in-flight transaction per key.
	if txn.IdempotencyKey != "" {
		for _, existing := range s.txns {
			if existing.IdempotencyKey == txn.IdempotencyKey && !existing.IsTerminal() {
				return application.ErrDuplicateKey
			}
		}
	}
	s.txns[txn.ID] = txn.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.txns[id]
	if !ok {
		return nil, application.ErrNotFound
	}
	return txn.Clone(), nil
}

func (s *Store) Update(ctx context.Context, txn *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.txns[txn.ID]
	if !ok {
		return application.ErrNotFound
	}
	if stored.Version != txn.Version {
		return application.ErrVersionConflict
	}
	txn.Version++
	s.txns[txn.ID] = txn.Clone()
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txns[id]; !ok {
		return application.ErrNotFound
	}
	delete(s.txns, id)
	return nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Transaction
	for _, txn := range s.txns {
		if txn.IdempotencyKey != key {
			continue
		}
		if found == nil || txn.CreatedAt.After(found.CreatedAt) {
			found = txn
		}
	}
	if found == nil {
		return nil, application.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *Store) Query(ctx context.Context, customerID string, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	return s.query(func(txn *domain.Transaction) bool {
		return txn.CustomerID == customerID && matchesFilter(txn, filter)
	}, filter)
}

func (s *Store) QueryAll(ctx context.Context, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	return s.query(func(txn *domain.Transaction) bool {
		return matchesFilter(txn, filter)
	}, filter)
}

func (s *Store) query(match func(*domain.Transaction) bool, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	s.mu.RLock()
	var out []*domain.Transaction
	for _, txn := range s.txns {
		if match(txn) {
			out = append(out, txn.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(txn *domain.Transaction, filter application.TransactionFilter) bool {
	if filter.Status != "" && txn.Status != filter.Status {
		return false
	}
	if filter.Type != "" && txn.Type != filter.Type {
		return false
	}
	if !filter.CreatedAfter.IsZero() && !txn.CreatedAt.After(filter.CreatedAfter) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && !txn.CreatedAt.Before(filter.CreatedBefore) {
		return false
	}
	return true
}

// --- idempotency.RecordStore ---

func (s *Store) InsertRecord(ctx context.Context, record *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.Key]; ok {
		return application.ErrDuplicateKey
	}
	s.records[record.Key] = cloneRecord(record)
	return nil
}

func (s *Store) GetRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, application.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *Store) UpdateRecord(ctx context.Context, record *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.Key]; !ok {
		return application.ErrNotFound
	}
	s.records[record.Key] = cloneRecord(record)
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *Store) AllRecords(ctx context.Context) ([]*idempotency.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*idempotency.Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, cloneRecord(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneRecord(record *idempotency.Record) *idempotency.Record {
	cp := *record
	cp.CachedResponse = append([]byte(nil), record.CachedResponse...)
	return &cp
}

// --- locker.LockStore ---

func (s *Store) InsertLock(ctx context.Context, lock *locker.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey{lock.ResourceType, lock.ResourceID, lock.LockID}
	if _, ok := s.locks[key]; ok {
		return application.ErrDuplicateKey
	}
	cp := *lock
	s.locks[key] = &cp
	return nil
}

func (s *Store) UpdateLock(ctx context.Context, lock *locker.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *lock
	s.locks[lockKey{lock.ResourceType, lock.ResourceID, lock.LockID}] = &cp
	return nil
}

func (s *Store) DeleteLock(ctx context.Context, resourceType, resourceID, lockID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey{resourceType, resourceID, lockID}
	if _, ok := s.locks[key]; !ok {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *Store) ListLocks(ctx context.Context, resourceType, resourceID string) ([]*locker.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*locker.Lock
	for key, lock := range s.locks {
		if key.resourceType == resourceType && key.resourceID == resourceID {
			cp := *lock
			out = append(out, &cp)
		}
	}
	sortLocks(out)
	return out, nil
}

func (s *Store) LocksByTxn(ctx context.Context, txnID string) ([]*locker.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*locker.Lock
	for _, lock := range s.locks {
		if lock.OwnerTxn == txnID {
			cp := *lock
			out = append(out, &cp)
		}
	}
	sortLocks(out)
	return out, nil
}

func (s *Store) AllLocks(ctx context.Context) ([]*locker.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*locker.Lock, 0, len(s.locks))
	for _, lock := range s.locks {
		cp := *lock
		out = append(out, &cp)
	}
	sortLocks(out)
	return out, nil
}

func sortLocks(locks []*locker.Lock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].AcquiredAt.Equal(locks[j].AcquiredAt) {
			return locks[i].LockID < locks[j].LockID
		}
		return locks[i].AcquiredAt.Before(locks[j].AcquiredAt)
	})
}

// --- retryqueue.EntryStore ---

func (s *Store) InsertEntry(ctx context.Context, entry *retryqueue.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.retries[entry.TransactionID] = &cp
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, transactionID string, dueAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.retries[transactionID]
	if !ok || !entry.DueAt.Equal(dueAt) {
		return false, nil
	}
	delete(s.retries, transactionID)
	return true, nil
}

func (s *Store) RemoveByTxn(ctx context.Context, transactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.retries[transactionID]; !ok {
		return false, nil
	}
	delete(s.retries, transactionID)
	return true, nil
}

func (s *Store) AllEntries(ctx context.Context) ([]*retryqueue.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*retryqueue.Entry, 0, len(s.retries))
	for _, entry := range s.retries {
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out, nil
}

// --- dlq.EntryStore ---

func (s *Store) InsertDLQ(ctx context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dead[entry.TransactionID]; ok {
		return application.ErrDuplicateKey
	}
	s.dead[entry.TransactionID] = cloneDLQ(entry)
	return nil
}

func (s *Store) GetDLQ(ctx context.Context, transactionID string) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.dead[transactionID]
	if !ok {
		return nil, application.ErrNotFound
	}
	return cloneDLQ(entry), nil
}

func (s *Store) DeleteDLQ(ctx context.Context, transactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dead[transactionID]; !ok {
		return false, nil
	}
	delete(s.dead, transactionID)
	return true, nil
}

func (s *Store) AllDLQ(ctx context.Context) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*dlq.Entry, 0, len(s.dead))
	for _, entry := range s.dead {
		out = append(out, cloneDLQ(entry))
	}
	return out, nil
}

func cloneDLQ(entry *dlq.Entry) *dlq.Entry {
	cp := *entry
	if entry.Snapshot != nil {
		cp.Snapshot = entry.Snapshot.Clone()
	}
	return &cp
}

// --- compensation.OperationStore ---

func (s *Store) InsertOperation(ctx context.Context, op *domain.CompensatingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; ok {
		return application.ErrDuplicateKey
	}
	s.ops[op.ID] = op.Clone()
	s.opsByTx[op.TransactionID] = append(s.opsByTx[op.TransactionID], op.ID)
	return nil
}

func (s *Store) UpdateOperation(ctx context.Context, op *domain.CompensatingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; !ok {
		return application.ErrNotFound
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *Store) OperationsByTxn(ctx context.Context, transactionID string) ([]*domain.CompensatingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.opsByTx[transactionID]
	out := make([]*domain.CompensatingOperation, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.ops[id].Clone())
	}
	return out, nil
}

// --- eventbus.Sink ---

func (s *Store) Append(ctx context.Context, event eventbus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := make(map[string]string, len(event.Payload))
	for k, v := range event.Payload {
		payload[k] = v
	}
	event.Payload = payload
	s.events = append(s.events, event)
	return nil
}

// Events snapshots the appended event log, for tests and diagnostics.
func (s *Store) Events() []eventbus.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]eventbus.Event(nil), s.events...)
}
