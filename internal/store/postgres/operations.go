package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

const operationColumns = `
	id, transaction_id, kind, params, original_state, exec_order,
	dependencies, status, retry_count, max_retries, last_error,
	registered_at, executed_at`

// OperationStore implements compensation.OperationStore on PostgreSQL.
type OperationStore struct {
	db Executor
}

func NewOperationStore(db Executor) *OperationStore {
	return &OperationStore{db: db}
}

func (s *OperationStore) InsertOperation(ctx context.Context, op *domain.CompensatingOperation) error {
	query := `
		INSERT INTO compensating_operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		op.ID, op.TransactionID, string(op.Kind), op.Params, op.OriginalState,
		op.ExecOrder, op.Dependencies, string(op.Status), op.RetryCount,
		op.MaxRetries, op.LastError, op.RegisteredAt, op.ExecutedAt,
	)
	if IsUniqueViolation(err) {
		return application.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert compensating operation: %w", err)
	}
	return nil
}

func (s *OperationStore) UpdateOperation(ctx context.Context, op *domain.CompensatingOperation) error {
	query := `
		UPDATE compensating_operations
		SET status = $1, retry_count = $2, last_error = $3, executed_at = $4
		WHERE id = $5
	`
	tag, err := s.db.Exec(ctx, query,
		string(op.Status), op.RetryCount, op.LastError, op.ExecutedAt, op.ID)
	if err != nil {
		return fmt.Errorf("update compensating operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return application.ErrNotFound
	}
	return nil
}

func (s *OperationStore) OperationsByTxn(ctx context.Context, transactionID string) ([]*domain.CompensatingOperation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM compensating_operations
		WHERE transaction_id = $1
		ORDER BY registered_at, id
	`
	rows, err := s.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query compensating operations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.CompensatingOperation, error) {
		var op domain.CompensatingOperation
		var kind, status string
		err := row.Scan(
			&op.ID, &op.TransactionID, &kind, &op.Params, &op.OriginalState,
			&op.ExecOrder, &op.Dependencies, &status, &op.RetryCount,
			&op.MaxRetries, &op.LastError, &op.RegisteredAt, &op.ExecutedAt,
		)
		op.Kind = domain.OperationKind(kind)
		op.Status = domain.OperationStatus(status)
		return &op, err
	})
}
