package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/store"
)

// TransactionRepo implements store.TransactionRepository using PostgreSQL.
type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) Create(ctx context.Context, t *model.VaultTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vault_transactions (id, vault_id, to_address, value, data, operation, nonce, status, created_by, description)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.VaultID, t.ToAddress, t.Value, t.Data, t.Operation, t.Nonce, t.Status, t.CreatedBy, t.Description)
	if err != nil {
		if IsUniqueViolation(err, "") {
			return fmt.Errorf("insert transaction: %w", store.ErrDuplicate)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.VaultTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var t model.VaultTransaction
	err := r.db.QueryRowContext(ctx, `
		SELECT id, vault_id, to_address, value::text, data, operation, nonce, status, created_by, description, created_at, updated_at
		FROM vault_transactions
		WHERE id = $1
	`, id).Scan(&t.ID, &t.VaultID, &t.ToAddress, &t.Value, &t.Data, &t.Operation, &t.Nonce, &t.Status, &t.CreatedBy, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

func (r *TransactionRepo) ListByVault(ctx context.Context, vaultID uuid.UUID) ([]model.VaultTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, vault_id, to_address, value::text, data, operation, nonce, status, created_by, description, created_at, updated_at
		FROM vault_transactions
		WHERE vault_id = $1
		ORDER BY nonce DESC
	`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []model.VaultTransaction
	for rows.Next() {
		var t model.VaultTransaction
		if err := rows.Scan(&t.ID, &t.VaultID, &t.ToAddress, &t.Value, &t.Data, &t.Operation, &t.Nonce, &t.Status, &t.CreatedBy, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (r *TransactionRepo) CountByVault(ctx context.Context, vaultID uuid.UUID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vault_transactions WHERE vault_id = $1`, vaultID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

// MarkExecuted flips pending -> executed atomically. The WHERE clause on
// status makes the flip a compare-and-swap: of two concurrent execute calls
// exactly one sees rows-affected = 1.
func (r *TransactionRepo) MarkExecuted(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transition(ctx, id, model.TxStatusExecuted)
}

// MarkCancelled flips pending -> cancelled atomically.
func (r *TransactionRepo) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transition(ctx, id, model.TxStatusCancelled)
}

func (r *TransactionRepo) transition(ctx context.Context, id uuid.UUID, to model.TxStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE vault_transactions
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, to)
	if err != nil {
		return false, fmt.Errorf("transition transaction to %s: %w", to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return affected == 1, nil
}
