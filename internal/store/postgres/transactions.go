package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

const transactionColumns = `
	id, type, status, amount_cents, currency, customer_id,
	payment_method_ref, idempotency_key, retry_count, next_retry_at,
	last_retry_at, metadata, error_info, created_at, updated_at,
	completed_at, failed_at, version`

// transactionModel mirrors the transactions table row.
type transactionModel struct {
	ID               string
	Type             string
	Status           string
	AmountCents      int64
	Currency         string
	CustomerID       string
	PaymentMethodRef string
	IdempotencyKey   string
	RetryCount       int
	NextRetryAt      *time.Time
	LastRetryAt      *time.Time
	Metadata         map[string]string
	ErrorInfo        *domain.ErrorInfo
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	Version          int64
}

func toTransactionModel(txn *domain.Transaction) transactionModel {
	return transactionModel{
		ID:               txn.ID,
		Type:             string(txn.Type),
		Status:           string(txn.Status),
		AmountCents:      txn.AmountCents,
		Currency:         txn.Currency,
		CustomerID:       txn.CustomerID,
		PaymentMethodRef: txn.PaymentMethodRef,
		IdempotencyKey:   txn.IdempotencyKey,
		RetryCount:       txn.RetryCount,
		NextRetryAt:      txn.NextRetryAt,
		LastRetryAt:      txn.LastRetryAt,
		Metadata:         txn.Metadata,
		ErrorInfo:        txn.Error,
		CreatedAt:        txn.CreatedAt,
		UpdatedAt:        txn.UpdatedAt,
		CompletedAt:      txn.CompletedAt,
		FailedAt:         txn.FailedAt,
		Version:          txn.Version,
	}
}

func (m transactionModel) toDomain() *domain.Transaction {
	return domain.Reconstitute(
		m.ID, domain.TransactionType(m.Type), domain.TransactionStatus(m.Status),
		m.AmountCents, m.Currency,
		m.CustomerID, m.PaymentMethodRef, m.IdempotencyKey,
		m.RetryCount, m.NextRetryAt, m.LastRetryAt,
		m.Metadata, m.ErrorInfo,
		m.CreatedAt, m.UpdatedAt, m.CompletedAt, m.FailedAt,
		m.Version,
	)
}

// TransactionStore implements application.TransactionStore on PostgreSQL.
// Update is a compare-and-set on version.
type TransactionStore struct {
	db Executor
}

func NewTransactionStore(db Executor) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) Create(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	m := toTransactionModel(txn)
	_, err := s.db.Exec(ctx, query,
		m.ID, m.Type, m.Status, m.AmountCents, m.Currency, m.CustomerID,
		m.PaymentMethodRef, m.IdempotencyKey, m.RetryCount, m.NextRetryAt,
		m.LastRetryAt, m.Metadata, m.ErrorInfo, m.CreatedAt, m.UpdatedAt,
		m.CompletedAt, m.FailedAt, m.Version,
	)
	if IsUniqueViolation(err) {
		return application.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *TransactionStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(s.db.QueryRow(ctx, query, id))
}

func (s *TransactionStore) Update(ctx context.Context, txn *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $1, retry_count = $2, next_retry_at = $3, last_retry_at = $4,
			metadata = $5, error_info = $6, updated_at = $7,
			completed_at = $8, failed_at = $9, version = version + 1
		WHERE id = $10 AND version = $11
	`
	m := toTransactionModel(txn)
	tag, err := s.db.Exec(ctx, query,
		m.Status, m.RetryCount, m.NextRetryAt, m.LastRetryAt,
		m.Metadata, m.ErrorInfo, m.UpdatedAt,
		m.CompletedAt, m.FailedAt,
		m.ID, m.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, m.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("update transaction existence check: %w", err)
		}
		if !exists {
			return application.ErrNotFound
		}
		return application.ErrVersionConflict
	}
	txn.Version++
	return nil
}

func (s *TransactionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return application.ErrNotFound
	}
	return nil
}

func (s *TransactionStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions WHERE idempotency_key = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanTransaction(s.db.QueryRow(ctx, query, key))
}

func (s *TransactionStore) Query(ctx context.Context, customerID string, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	where := []string{"customer_id = $1"}
	args := []any{customerID}
	where, args = appendFilter(where, args, filter)
	return s.list(ctx, where, args, filter)
}

func (s *TransactionStore) QueryAll(ctx context.Context, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	var where []string
	var args []any
	where, args = appendFilter(where, args, filter)
	return s.list(ctx, where, args, filter)
}

func appendFilter(where []string, args []any, filter application.TransactionFilter) ([]string, []any) {
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	return where, args
}

func (s *TransactionStore) list(ctx context.Context, where []string, args []any, filter application.TransactionFilter) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Transaction, error) {
		return scanTransactionRow(row)
	})
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	txn, err := scanTransactionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, application.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return txn, nil
}

func scanTransactionRow(row pgx.Row) (*domain.Transaction, error) {
	var m transactionModel
	err := row.Scan(
		&m.ID, &m.Type, &m.Status, &m.AmountCents, &m.Currency, &m.CustomerID,
		&m.PaymentMethodRef, &m.IdempotencyKey, &m.RetryCount, &m.NextRetryAt,
		&m.LastRetryAt, &m.Metadata, &m.ErrorInfo, &m.CreatedAt, &m.UpdatedAt,
		&m.CompletedAt, &m.FailedAt, &m.Version,
	)
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}
