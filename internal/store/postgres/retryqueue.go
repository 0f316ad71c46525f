package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/retryqueue"
)

// EntryStore implements retryqueue.EntryStore on PostgreSQL. DeleteEntry's
// (transaction_id, due_at) match is the cross-instance claim.
type EntryStore struct {
	db Executor
}

func NewEntryStore(db Executor) *EntryStore {
	return &EntryStore{db: db}
}

func (s *EntryStore) InsertEntry(ctx context.Context, entry *retryqueue.Entry) error {
	query := `
		INSERT INTO retry_entries (transaction_id, due_at, attempt)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id) DO UPDATE SET due_at = $2, attempt = $3
	`
	if _, err := s.db.Exec(ctx, query, entry.TransactionID, entry.DueAt, entry.Attempt); err != nil {
		return fmt.Errorf("insert retry entry: %w", err)
	}
	return nil
}

func (s *EntryStore) DeleteEntry(ctx context.Context, transactionID string, dueAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM retry_entries WHERE transaction_id = $1 AND due_at = $2`,
		transactionID, dueAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim retry entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *EntryStore) RemoveByTxn(ctx context.Context, transactionID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM retry_entries WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return false, fmt.Errorf("remove retry entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *EntryStore) AllEntries(ctx context.Context) ([]*retryqueue.Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT transaction_id, due_at, attempt FROM retry_entries ORDER BY due_at, transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("query retry entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*retryqueue.Entry, error) {
		var entry retryqueue.Entry
		err := row.Scan(&entry.TransactionID, &entry.DueAt, &entry.Attempt)
		return &entry, err
	})
}
