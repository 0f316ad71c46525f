// Package locker provides per-record shared/exclusive locks with expiry,
// renewal and deadlock avoidance.
package locker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
)

type Level string

const (
	Shared    Level = "SHARED"
	Exclusive Level = "EXCLUSIVE"
)

// Lock is one granted lock row, keyed by (ResourceType, ResourceID, LockID).
type Lock struct {
	ResourceType  string
	ResourceID    string
	LockID        string
	Level         Level
	OwnerInstance string
	OwnerTxn      string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	LastRenewed   time.Time
}

func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockStore is the durable record of granted locks. The in-process tables are
// a cache over it; a crashed instance's rows are bounded by ExpiresAt.
type LockStore interface {
	InsertLock(ctx context.Context, lock *Lock) error
	UpdateLock(ctx context.Context, lock *Lock) error
	DeleteLock(ctx context.Context, resourceType, resourceID, lockID string) (bool, error)
	ListLocks(ctx context.Context, resourceType, resourceID string) ([]*Lock, error)
	LocksByTxn(ctx context.Context, txnID string) ([]*Lock, error)
	AllLocks(ctx context.Context) ([]*Lock, error)
}

type Config struct {
	Expiration         time.Duration
	RenewalInterval    time.Duration
	CleanupInterval    time.Duration
	DefaultWaitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Expiration:         30 * time.Second,
		RenewalInterval:    10 * time.Second,
		CleanupInterval:    60 * time.Second,
		DefaultWaitTimeout: 5 * time.Second,
	}
}

// AcquireOptions tune a single Acquire call.
type AcquireOptions struct {
	// WaitTimeout bounds how long the caller queues on contention. Zero means
	// the configured default.
	WaitTimeout time.Duration
	// TxnID tags the lock for ReleaseTxn and deadlock detection.
	TxnID string
}

type resourceKey struct {
	resourceType string
	resourceID   string
}

type waiter struct {
	level     Level
	txnID     string
	ready     chan string // receives the granted lock id
	cancelled bool
}

// Manager implements the record locker for one process instance.
type Manager struct {
	mu       sync.Mutex
	held     map[resourceKey][]*Lock
	waiters  map[resourceKey][]*waiter
	instance string

	store  LockStore
	cfg    Config
	clock  clock.Clock
	bus    *eventbus.Bus
	logger *slog.Logger
}

func NewManager(store LockStore, cfg Config, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if cfg.Expiration == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		held:     make(map[resourceKey][]*Lock),
		waiters:  make(map[resourceKey][]*waiter),
		instance: clock.NewID(),
		store:    store,
		cfg:      cfg,
		clock:    clk,
		bus:      bus,
		logger:   logger,
	}
}

// Load rehydrates the in-process tables from the durable rows, dropping any
// that expired while the process was down. Call once at startup, before
// accepting work; grants are arbitrated in-process against the loaded state.
func (m *Manager) Load(ctx context.Context) error {
	locks, err := m.store.AllLocks(ctx)
	if err != nil {
		return domain.NewInternalError("lock rehydration failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	restored := 0
	for _, lock := range locks {
		if lock.Expired(now) {
			if _, derr := m.store.DeleteLock(ctx, lock.ResourceType, lock.ResourceID, lock.LockID); derr != nil {
				m.logger.Error("expired lock row delete failed", "lock_id", lock.LockID, "error", derr)
			}
			continue
		}
		key := resourceKey{lock.ResourceType, lock.ResourceID}
		m.held[key] = append(m.held[key], lock)
		restored++
	}
	m.logger.Info("record locks rehydrated", "restored", restored, "dropped", len(locks)-restored)
	return nil
}

// Acquire obtains a lock at the requested level, queueing FIFO on contention.
// It fails fast with DEADLOCK_DETECTED when waiting would close a cycle in
// the wait-for graph, and with LOCK_TIMEOUT when the bounded wait elapses.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID string, level Level, opts AcquireOptions) (string, error) {
	key := resourceKey{resourceType, resourceID}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = m.cfg.DefaultWaitTimeout
	}

	m.mu.Lock()
	m.reapExpiredLocked(ctx, key)

	if m.grantableLocked(key, level) {
		lock := m.grantLocked(ctx, key, level, opts.TxnID)
		m.mu.Unlock()
		return lock.LockID, nil
	}

	if opts.TxnID != "" && m.wouldDeadlockLocked(key, opts.TxnID) {
		m.mu.Unlock()
		return "", domain.NewDeadlockError(opts.TxnID).
			WithContext("resourceType", resourceType).
			WithContext("resourceId", resourceID)
	}

	w := &waiter{level: level, txnID: opts.TxnID, ready: make(chan string, 1)}
	m.waiters[key] = append(m.waiters[key], w)
	m.mu.Unlock()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case lockID := <-w.ready:
		return lockID, nil
	case <-timer.C:
		if lockID, granted := m.abandonWait(ctx, key, w); granted {
			return lockID, nil
		}
		return "", domain.NewLockTimeoutError(resourceType, resourceID).
			WithContext("waitTimeout", waitTimeout.String())
	case <-ctx.Done():
		if lockID, granted := m.abandonWait(ctx, key, w); granted {
			return lockID, nil
		}
		return "", domain.NewTimeoutError("lock acquisition", ctx.Err()).
			WithContext("resourceType", resourceType).
			WithContext("resourceId", resourceID)
	}
}

// abandonWait removes the waiter from the queue. When the grant raced the
// timeout the grant wins and the caller keeps the lock.
func (m *Manager) abandonWait(ctx context.Context, key resourceKey, w *waiter) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case lockID := <-w.ready:
		return lockID, true
	default:
	}

	w.cancelled = true
	queue := m.waiters[key]
	for i, candidate := range queue {
		if candidate == w {
			m.waiters[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	m.driveQueueLocked(ctx, key)
	return "", false
}

// Release removes the lock when the caller owns it with a matching lock id.
// Releasing a non-owned lock returns false without error.
func (m *Manager) Release(ctx context.Context, resourceType, resourceID, lockID string) bool {
	key := resourceKey{resourceType, resourceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(ctx, key, lockID, eventbus.LockReleased)
}

func (m *Manager) releaseLocked(ctx context.Context, key resourceKey, lockID, event string) bool {
	locks := m.held[key]
	for i, lock := range locks {
		if lock.LockID != lockID {
			continue
		}
		m.held[key] = append(locks[:i], locks[i+1:]...)
		if len(m.held[key]) == 0 {
			delete(m.held, key)
		}
		if _, err := m.store.DeleteLock(ctx, key.resourceType, key.resourceID, lockID); err != nil {
			m.logger.Error("lock row delete failed", "lock_id", lockID, "error", err)
		}
		m.publishLockEvent(ctx, event, lock)
		m.driveQueueLocked(ctx, key)
		return true
	}
	return false
}

// ReleaseTxn releases every lock tagged with the transaction id and returns
// how many were released. Durable rows not present in the in-process tables
// (left by a previous incarnation) are swept as well.
func (m *Manager) ReleaseTxn(ctx context.Context, txnID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, locks := range m.held {
		for _, lock := range append([]*Lock(nil), locks...) {
			if lock.OwnerTxn == txnID {
				if m.releaseLocked(ctx, key, lock.LockID, eventbus.LockReleased) {
					count++
				}
			}
		}
	}

	rows, err := m.store.LocksByTxn(ctx, txnID)
	if err != nil {
		m.logger.Error("lock row listing failed", "transaction_id", txnID, "error", err)
		return count
	}
	for _, row := range rows {
		if removed, derr := m.store.DeleteLock(ctx, row.ResourceType, row.ResourceID, row.LockID); derr != nil {
			m.logger.Error("lock row delete failed", "lock_id", row.LockID, "error", derr)
		} else if removed {
			m.publishLockEvent(ctx, eventbus.LockReleased, row)
			count++
		}
	}
	return count
}

// Upgrade promotes a SHARED lock to EXCLUSIVE. It fails when any other lock
// exists on the record.
func (m *Manager) Upgrade(ctx context.Context, resourceType, resourceID, lockID string) (string, error) {
	key := resourceKey{resourceType, resourceID}
	m.mu.Lock()
	defer m.mu.Unlock()

	locks := m.held[key]
	var target *Lock
	for _, lock := range locks {
		if lock.LockID == lockID {
			target = lock
			break
		}
	}
	if target == nil {
		return "", domain.NewInvalidStateError("lock not held").WithContext("lockId", lockID)
	}
	if target.Level != Shared {
		return "", domain.NewInvalidStateError("only shared locks can be upgraded").WithContext("lockId", lockID)
	}
	if len(locks) > 1 {
		return "", domain.NewInvalidStateError("other locks exist on record").
			WithContext("resourceType", resourceType).
			WithContext("resourceId", resourceID)
	}

	now := m.clock.Now()
	target.Level = Exclusive
	target.LockID = clock.NewLockID()
	target.LastRenewed = now
	target.ExpiresAt = now.Add(m.cfg.Expiration)
	if err := m.store.UpdateLock(ctx, target); err != nil {
		m.logger.Error("lock row update failed", "lock_id", target.LockID, "error", err)
	}
	m.publishLockEvent(ctx, eventbus.LockUpgraded, target)
	return target.LockID, nil
}

// ForceRelease drops every lock on a record, including durable rows this
// process does not hold in memory. Recovery tooling only.
func (m *Manager) ForceRelease(ctx context.Context, resourceType, resourceID string) int {
	key := resourceKey{resourceType, resourceID}
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, lock := range append([]*Lock(nil), m.held[key]...) {
		if m.releaseLocked(ctx, key, lock.LockID, eventbus.LockReleased) {
			count++
		}
	}

	rows, err := m.store.ListLocks(ctx, resourceType, resourceID)
	if err != nil {
		m.logger.Error("lock row listing failed",
			"resource_type", resourceType, "resource_id", resourceID, "error", err)
		return count
	}
	for _, row := range rows {
		if removed, derr := m.store.DeleteLock(ctx, row.ResourceType, row.ResourceID, row.LockID); derr != nil {
			m.logger.Error("lock row delete failed", "lock_id", row.LockID, "error", derr)
		} else if removed {
			m.publishLockEvent(ctx, eventbus.LockReleased, row)
			count++
		}
	}
	return count
}

// Start runs the renewal and cleanup loops until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("record locker started",
		"renewal_interval", m.cfg.RenewalInterval,
		"cleanup_interval", m.cfg.CleanupInterval,
	)
	renew := time.NewTicker(m.cfg.RenewalInterval)
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer renew.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("record locker stopping")
			return
		case <-renew.C:
			m.RenewAll(ctx)
		case <-cleanup.C:
			m.Cleanup(ctx)
		}
	}
}

// RenewAll extends every lock held by this instance.
func (m *Manager) RenewAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, locks := range m.held {
		for _, lock := range locks {
			if lock.Expired(now) {
				continue
			}
			lock.LastRenewed = now
			lock.ExpiresAt = now.Add(m.cfg.Expiration)
			if err := m.store.UpdateLock(ctx, lock); err != nil {
				m.logger.Error("lock renewal write failed", "lock_id", lock.LockID, "error", err)
			}
		}
	}
}

// Cleanup reaps expired locks and re-drives the waiter queues.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.held {
		m.reapExpiredLocked(ctx, key)
		m.driveQueueLocked(ctx, key)
	}
}

// Stats reports held and waiting counts for observability.
func (m *Manager) Stats() (held, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, locks := range m.held {
		held += len(locks)
	}
	for _, queue := range m.waiters {
		waiting += len(queue)
	}
	return held, waiting
}

func (m *Manager) reapExpiredLocked(ctx context.Context, key resourceKey) {
	now := m.clock.Now()
	for _, lock := range append([]*Lock(nil), m.held[key]...) {
		if lock.Expired(now) {
			m.releaseLocked(ctx, key, lock.LockID, eventbus.LockExpired)
		}
	}
}

// grantableLocked applies the compatibility matrix with FIFO fairness: a new
// request queues behind existing waiters instead of barging.
func (m *Manager) grantableLocked(key resourceKey, level Level) bool {
	if len(m.waiters[key]) > 0 {
		return false
	}
	holders := m.held[key]
	if len(holders) == 0 {
		return true
	}
	if level == Exclusive {
		return false
	}
	for _, holder := range holders {
		if holder.Level == Exclusive {
			return false
		}
	}
	return true
}

func (m *Manager) grantLocked(ctx context.Context, key resourceKey, level Level, txnID string) *Lock {
	now := m.clock.Now()
	lock := &Lock{
		ResourceType:  key.resourceType,
		ResourceID:    key.resourceID,
		LockID:        clock.NewLockID(),
		Level:         level,
		OwnerInstance: m.instance,
		OwnerTxn:      txnID,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(m.cfg.Expiration),
		LastRenewed:   now,
	}
	m.held[key] = append(m.held[key], lock)
	if err := m.store.InsertLock(ctx, lock); err != nil {
		m.logger.Error("lock row insert failed", "lock_id", lock.LockID, "error", err)
	}
	m.publishLockEvent(ctx, eventbus.LockAcquired, lock)
	return lock
}

// driveQueueLocked grants the longest compatible FIFO prefix: either one
// exclusive waiter, or a run of shared waiters.
func (m *Manager) driveQueueLocked(ctx context.Context, key resourceKey) {
	for {
		queue := m.waiters[key]
		if len(queue) == 0 {
			if len(m.waiters[key]) == 0 {
				delete(m.waiters, key)
			}
			return
		}
		next := queue[0]
		if next.cancelled {
			m.waiters[key] = queue[1:]
			continue
		}

		holders := m.held[key]
		compatible := len(holders) == 0
		if !compatible && next.level == Shared {
			compatible = true
			for _, holder := range holders {
				if holder.Level == Exclusive {
					compatible = false
					break
				}
			}
		}
		if !compatible {
			return
		}

		m.waiters[key] = queue[1:]
		lock := m.grantLocked(ctx, key, next.level, next.txnID)
		next.ready <- lock.LockID

		if next.level == Exclusive {
			return
		}
	}
}

func (m *Manager) publishLockEvent(ctx context.Context, name string, lock *Lock) {
	payload := map[string]string{
		"resourceType": lock.ResourceType,
		"resourceId":   lock.ResourceID,
		"lockId":       lock.LockID,
		"level":        string(lock.Level),
	}
	if lock.OwnerTxn != "" {
		payload["transactionId"] = lock.OwnerTxn
	}
	m.bus.Publish(ctx, name, payload)
}
