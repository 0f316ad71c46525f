// Package idempotency enforces at-most-once semantics for client-keyed
// operations.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/clock"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
)

// Recovery points recorded around the provider call so sweeps can tell
// never-started work from unknown-outcome work.
const (
	PointCreated           = "CREATED"
	PointCallingProvider   = "CALLING_PROVIDER"
	PointProviderResponded = "PROVIDER_RESPONDED"
	PointCompleted         = "COMPLETED"
)

// Record is the durable idempotency row. The record itself acts as the lock
// via Locked/ExpiresAt.
type Record struct {
	Key                string
	Locked             bool
	RequestFingerprint string
	ResourceRef        string
	CachedResponse     []byte
	RecoveryPoint      string
	Attempts           int
	AcquiredAt         time.Time
	ExpiresAt          time.Time
	LastAttemptAt      time.Time
	CreatedAt          time.Time
}

// RecordStore persists idempotency records. InsertRecord returns
// application.ErrDuplicateKey when the key already exists.
type RecordStore interface {
	InsertRecord(ctx context.Context, record *Record) error
	GetRecord(ctx context.Context, key string) (*Record, error)
	UpdateRecord(ctx context.Context, record *Record) error
	DeleteRecord(ctx context.Context, key string) error
	AllRecords(ctx context.Context) ([]*Record, error)
}

type Config struct {
	LockTTL             time.Duration
	RecordExpiration    time.Duration
	StaleRequestTimeout time.Duration
	SweepInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTTL:             5 * time.Minute,
		RecordExpiration:    24 * time.Hour,
		StaleRequestTimeout: time.Hour,
		SweepInterval:       time.Hour,
	}
}

// Outcome of a CheckAndLock call.
type Outcome string

const (
	FirstAttempt     Outcome = "FIRST_ATTEMPT"
	AlreadyCompleted Outcome = "ALREADY_COMPLETED"
	InProgress       Outcome = "IN_PROGRESS"
)

type CheckResult struct {
	Outcome        Outcome
	ResourceRef    string
	CachedResponse []byte
}

// Stats is a point-in-time metrics snapshot.
type Stats struct {
	TotalRecords     int
	LockedRecords    int
	CompletedRecords int
	AverageAttempts  float64
	OldestRecord     time.Time
}

type Manager struct {
	store  RecordStore
	cfg    Config
	clock  clock.Clock
	bus    *eventbus.Bus
	logger *slog.Logger
}

func NewManager(store RecordStore, cfg Config, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if cfg.LockTTL == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{store: store, cfg: cfg, clock: clk, bus: bus, logger: logger}
}

// ValidateKey enforces the key format: length >= 8, alphanumerics plus -_.
func ValidateKey(key string) error {
	if len(key) < 8 {
		return domain.NewValidationError("idempotency key must be at least 8 characters")
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return domain.NewValidationError("idempotency key may contain only alphanumerics, '-' and '_'")
		}
	}
	return nil
}

// CheckAndLock runs the key lifecycle state machine. The requestFingerprint,
// when non-empty, must match the stored one or the call fails with
// IDEMPOTENCY_REPLAY.
func (m *Manager) CheckAndLock(ctx context.Context, key, requestFingerprint string) (*CheckResult, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	record, err := m.store.GetRecord(ctx, key)
	if errors.Is(err, application.ErrNotFound) {
		return m.createRecord(ctx, key, requestFingerprint, now)
	}
	if err != nil {
		return nil, domain.NewInternalError("idempotency record lookup failed", err)
	}

	if requestFingerprint != "" && record.RequestFingerprint != "" &&
		record.RequestFingerprint != requestFingerprint {
		m.bus.Publish(ctx, eventbus.IdempotencyReplayDetected, map[string]string{
			"idempotencyKey": key,
		})
		return nil, domain.NewIdempotencyReplayError(key)
	}

	if record.ResourceRef != "" {
		m.bus.Publish(ctx, eventbus.IdempotencyDuplicateRequest, map[string]string{
			"idempotencyKey": key,
			"transactionId":  record.ResourceRef,
		})
		return &CheckResult{
			Outcome:        AlreadyCompleted,
			ResourceRef:    record.ResourceRef,
			CachedResponse: record.CachedResponse,
		}, nil
	}

	if record.Locked && now.Before(record.ExpiresAt) {
		m.bus.Publish(ctx, eventbus.IdempotencyDuplicateRequest, map[string]string{
			"idempotencyKey": key,
		})
		return &CheckResult{Outcome: InProgress}, nil
	}

	// Expired lock is stolen; an unlocked, unassociated record is re-locked.
	record.Locked = true
	record.Attempts++
	record.AcquiredAt = now
	record.ExpiresAt = now.Add(m.cfg.LockTTL)
	record.LastAttemptAt = now
	if record.RequestFingerprint == "" {
		record.RequestFingerprint = requestFingerprint
	}
	if err := m.store.UpdateRecord(ctx, record); err != nil {
		return nil, domain.NewInternalError("idempotency record relock failed", err)
	}
	return &CheckResult{Outcome: FirstAttempt}, nil
}

func (m *Manager) createRecord(ctx context.Context, key, fingerprint string, now time.Time) (*CheckResult, error) {
	record := &Record{
		Key:                key,
		Locked:             true,
		RequestFingerprint: fingerprint,
		RecoveryPoint:      PointCreated,
		Attempts:           1,
		AcquiredAt:         now,
		ExpiresAt:          now.Add(m.cfg.LockTTL),
		LastAttemptAt:      now,
		CreatedAt:          now,
	}
	err := m.store.InsertRecord(ctx, record)
	if errors.Is(err, application.ErrDuplicateKey) {
		// Lost the insert race; re-run against the winner's record.
		return m.CheckAndLock(ctx, key, fingerprint)
	}
	if err != nil {
		return nil, domain.NewInternalError("idempotency record insert failed", err)
	}
	m.bus.Publish(ctx, eventbus.IdempotencyKeyCreated, map[string]string{
		"idempotencyKey": key,
	})
	return &CheckResult{Outcome: FirstAttempt}, nil
}

// Associate pins the terminal result for future duplicates and unlocks the
// record. It is idempotent for the same resourceRef and rejects a second,
// different association.
func (m *Manager) Associate(ctx context.Context, key, resourceRef string, cachedResponse []byte) error {
	record, err := m.store.GetRecord(ctx, key)
	if err != nil {
		return domain.NewInternalError("idempotency record lookup failed", err)
	}
	if record.ResourceRef != "" && record.ResourceRef != resourceRef {
		return domain.NewInvalidStateError("idempotency key already associated").
			WithContext("idempotencyKey", key)
	}
	record.ResourceRef = resourceRef
	if cachedResponse != nil {
		record.CachedResponse = cachedResponse
	}
	record.Locked = false
	record.RecoveryPoint = PointCompleted
	if err := m.store.UpdateRecord(ctx, record); err != nil {
		return domain.NewInternalError("idempotency record associate failed", err)
	}
	return nil
}

// ReleaseLock unlocks the record without associating a result, for callers
// that decided the work never started.
func (m *Manager) ReleaseLock(ctx context.Context, key string) error {
	record, err := m.store.GetRecord(ctx, key)
	if errors.Is(err, application.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.NewInternalError("idempotency record lookup failed", err)
	}
	if !record.Locked {
		return nil
	}
	record.Locked = false
	if err := m.store.UpdateRecord(ctx, record); err != nil {
		return domain.NewInternalError("idempotency lock release failed", err)
	}
	m.bus.Publish(ctx, eventbus.IdempotencyLockReleased, map[string]string{
		"idempotencyKey": key,
	})
	return nil
}

// SetRecoveryPoint records progress around the provider call.
func (m *Manager) SetRecoveryPoint(ctx context.Context, key, point string) {
	record, err := m.store.GetRecord(ctx, key)
	if err != nil {
		m.logger.Error("recovery point lookup failed", "key", key, "error", err)
		return
	}
	record.RecoveryPoint = point
	if err := m.store.UpdateRecord(ctx, record); err != nil {
		m.logger.Error("recovery point update failed", "key", key, "error", err)
	}
}

// Sweep removes expired records and unlocks stale ones.
func (m *Manager) Sweep(ctx context.Context) error {
	records, err := m.store.AllRecords(ctx)
	if err != nil {
		return domain.NewInternalError("idempotency sweep listing failed", err)
	}

	now := m.clock.Now()
	removed, unlocked := 0, 0
	for _, record := range records {
		if now.Sub(record.CreatedAt) > m.cfg.RecordExpiration {
			if err := m.store.DeleteRecord(ctx, record.Key); err != nil {
				m.logger.Error("stale record delete failed", "key", record.Key, "error", err)
				continue
			}
			removed++
			continue
		}
		if record.Locked && now.Sub(record.AcquiredAt) > m.cfg.StaleRequestTimeout {
			record.Locked = false
			if err := m.store.UpdateRecord(ctx, record); err != nil {
				m.logger.Error("stale lock release failed", "key", record.Key, "error", err)
				continue
			}
			unlocked++
			m.bus.Publish(ctx, eventbus.IdempotencyLockReleased, map[string]string{
				"idempotencyKey": record.Key,
				"reason":         "stale",
			})
		}
	}

	if removed > 0 || unlocked > 0 {
		m.logger.Info("idempotency sweep finished", "removed", removed, "unlocked", unlocked)
	}
	return nil
}

// Stats snapshots the metrics surface.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	records, err := m.store.AllRecords(ctx)
	if err != nil {
		return Stats{}, domain.NewInternalError("idempotency stats listing failed", err)
	}

	stats := Stats{TotalRecords: len(records)}
	totalAttempts := 0
	for _, record := range records {
		totalAttempts += record.Attempts
		if record.Locked {
			stats.LockedRecords++
		}
		if record.ResourceRef != "" {
			stats.CompletedRecords++
		}
		if stats.OldestRecord.IsZero() || record.CreatedAt.Before(stats.OldestRecord) {
			stats.OldestRecord = record.CreatedAt
		}
	}
	if len(records) > 0 {
		stats.AverageAttempts = float64(totalAttempts) / float64(len(records))
	}
	return stats, nil
}
