package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/idempotency"
)

const recordColumns = `
	key, locked, request_fingerprint, resource_ref, cached_response,
	recovery_point, attempts, acquired_at, expires_at, last_attempt_at, created_at`

// RecordStore implements idempotency.RecordStore on PostgreSQL.
type RecordStore struct {
	db Executor
}

func NewRecordStore(db Executor) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) InsertRecord(ctx context.Context, record *idempotency.Record) error {
	query := `
		INSERT INTO idempotency_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.Exec(ctx, query,
		record.Key, record.Locked, record.RequestFingerprint, record.ResourceRef,
		record.CachedResponse, record.RecoveryPoint, record.Attempts,
		record.AcquiredAt, record.ExpiresAt, record.LastAttemptAt, record.CreatedAt,
	)
	if IsUniqueViolation(err) {
		return application.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

func (s *RecordStore) GetRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM idempotency_records WHERE key = $1`
	record, err := scanRecord(s.db.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, application.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}
	return record, nil
}

func (s *RecordStore) UpdateRecord(ctx context.Context, record *idempotency.Record) error {
	query := `
		UPDATE idempotency_records
		SET locked = $1, request_fingerprint = $2, resource_ref = $3,
			cached_response = $4, recovery_point = $5, attempts = $6,
			acquired_at = $7, expires_at = $8, last_attempt_at = $9
		WHERE key = $10
	`
	tag, err := s.db.Exec(ctx, query,
		record.Locked, record.RequestFingerprint, record.ResourceRef,
		record.CachedResponse, record.RecoveryPoint, record.Attempts,
		record.AcquiredAt, record.ExpiresAt, record.LastAttemptAt,
		record.Key,
	)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return application.ErrNotFound
	}
	return nil
}

func (s *RecordStore) DeleteRecord(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *RecordStore) AllRecords(ctx context.Context) ([]*idempotency.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM idempotency_records ORDER BY key`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query idempotency records: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*idempotency.Record, error) {
		return scanRecord(row)
	})
}

func scanRecord(row pgx.Row) (*idempotency.Record, error) {
	var record idempotency.Record
	err := row.Scan(
		&record.Key, &record.Locked, &record.RequestFingerprint, &record.ResourceRef,
		&record.CachedResponse, &record.RecoveryPoint, &record.Attempts,
		&record.AcquiredAt, &record.ExpiresAt, &record.LastAttemptAt, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
