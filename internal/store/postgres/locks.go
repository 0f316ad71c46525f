package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/locker"
)

const lockColumns = `
	resource_type, resource_id, lock_id, level, owner_instance, owner_txn,
	acquired_at, expires_at, last_renewed`

// LockStore implements locker.LockStore on PostgreSQL.
type LockStore struct {
	db Executor
}

func NewLockStore(db Executor) *LockStore {
	return &LockStore{db: db}
}

func (s *LockStore) InsertLock(ctx context.Context, lock *locker.Lock) error {
	query := `
		INSERT INTO record_locks (` + lockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		lock.ResourceType, lock.ResourceID, lock.LockID, string(lock.Level),
		lock.OwnerInstance, lock.OwnerTxn,
		lock.AcquiredAt, lock.ExpiresAt, lock.LastRenewed,
	)
	if IsUniqueViolation(err) {
		return application.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

func (s *LockStore) UpdateLock(ctx context.Context, lock *locker.Lock) error {
	query := `
		INSERT INTO record_locks (` + lockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (resource_type, resource_id, lock_id)
		DO UPDATE SET level = $4, expires_at = $8, last_renewed = $9
	`
	_, err := s.db.Exec(ctx, query,
		lock.ResourceType, lock.ResourceID, lock.LockID, string(lock.Level),
		lock.OwnerInstance, lock.OwnerTxn,
		lock.AcquiredAt, lock.ExpiresAt, lock.LastRenewed,
	)
	if err != nil {
		return fmt.Errorf("update lock: %w", err)
	}
	return nil
}

func (s *LockStore) DeleteLock(ctx context.Context, resourceType, resourceID, lockID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM record_locks WHERE resource_type = $1 AND resource_id = $2 AND lock_id = $3`,
		resourceType, resourceID, lockID,
	)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *LockStore) ListLocks(ctx context.Context, resourceType, resourceID string) ([]*locker.Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM record_locks
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY acquired_at, lock_id
	`
	return s.collect(ctx, query, resourceType, resourceID)
}

func (s *LockStore) LocksByTxn(ctx context.Context, txnID string) ([]*locker.Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM record_locks WHERE owner_txn = $1
		ORDER BY acquired_at, lock_id
	`
	return s.collect(ctx, query, txnID)
}

func (s *LockStore) AllLocks(ctx context.Context) ([]*locker.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM record_locks ORDER BY acquired_at, lock_id`
	return s.collect(ctx, query)
}

func (s *LockStore) collect(ctx context.Context, query string, args ...any) ([]*locker.Lock, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*locker.Lock, error) {
		var lock locker.Lock
		var level string
		err := row.Scan(
			&lock.ResourceType, &lock.ResourceID, &lock.LockID, &level,
			&lock.OwnerInstance, &lock.OwnerTxn,
			&lock.AcquiredAt, &lock.ExpiresAt, &lock.LastRenewed,
		)
		lock.Level = locker.Level(level)
		return &lock, err
	})
}
