package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/dlq"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// DLQStore implements dlq.EntryStore on PostgreSQL. The transaction snapshot
// is stored as JSONB.
type DLQStore struct {
	db Executor
}

func NewDLQStore(db Executor) *DLQStore {
	return &DLQStore{db: db}
}

func (s *DLQStore) InsertDLQ(ctx context.Context, entry *dlq.Entry) error {
	query := `
		INSERT INTO dead_letters (transaction_id, snapshot, error_kind, enqueued_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.Exec(ctx, query,
		entry.TransactionID, entry.Snapshot, string(entry.ErrorKind), entry.EnqueuedAt)
	if IsUniqueViolation(err) {
		return application.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *DLQStore) GetDLQ(ctx context.Context, transactionID string) (*dlq.Entry, error) {
	query := `
		SELECT transaction_id, snapshot, error_kind, enqueued_at
		FROM dead_letters WHERE transaction_id = $1
	`
	entry, err := scanDLQ(s.db.QueryRow(ctx, query, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, application.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	return entry, nil
}

func (s *DLQStore) DeleteDLQ(ctx context.Context, transactionID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM dead_letters WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return false, fmt.Errorf("delete dead letter: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *DLQStore) AllDLQ(ctx context.Context) ([]*dlq.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT transaction_id, snapshot, error_kind, enqueued_at
		FROM dead_letters ORDER BY enqueued_at, transaction_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*dlq.Entry, error) {
		return scanDLQ(row)
	})
}

func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var entry dlq.Entry
	var kind string
	err := row.Scan(&entry.TransactionID, &entry.Snapshot, &kind, &entry.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	entry.ErrorKind = domain.Kind(kind)
	return &entry, nil
}
