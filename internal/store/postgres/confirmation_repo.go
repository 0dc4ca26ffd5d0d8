package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

// ConfirmationRepo implements store.ConfirmationRepository using PostgreSQL.
type ConfirmationRepo struct {
	db *DB
}

func NewConfirmationRepo(db *DB) *ConfirmationRepo {
	return &ConfirmationRepo{db: db}
}

// Insert records a confirmation. ON CONFLICT DO NOTHING against the
// (transaction_id, signer_address) unique constraint makes the insert the
// race arbiter: the first writer for a signer wins and every later attempt,
// concurrent or not, reports inserted=false.
func (r *ConfirmationRepo) Insert(ctx context.Context, c *model.Confirmation) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO confirmations (transaction_id, signer_address, signature)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id, signer_address) DO NOTHING
	`, c.TransactionID, c.SignerAddress, c.Signature)
	if err != nil {
		return false, fmt.Errorf("insert confirmation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirmation rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *ConfirmationRepo) CountByTransaction(ctx context.Context, transactionID uuid.UUID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM confirmations WHERE transaction_id = $1`, transactionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count confirmations: %w", err)
	}
	return count, nil
}

func (r *ConfirmationRepo) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]model.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT transaction_id, signer_address, signature, signed_at
		FROM confirmations
		WHERE transaction_id = $1
		ORDER BY signed_at
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	defer rows.Close()

	var confirmations []model.Confirmation
	for rows.Next() {
		var c model.Confirmation
		if err := rows.Scan(&c.TransactionID, &c.SignerAddress, &c.Signature, &c.SignedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		confirmations = append(confirmations, c)
	}
	return confirmations, rows.Err()
}

// DeletePendingBySigner drops the signer's confirmations from the vault's
// pending transactions. Executed and cancelled transactions keep their rows.
func (r *ConfirmationRepo) DeletePendingBySigner(ctx context.Context, vaultID uuid.UUID, signerAddress string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM confirmations c
		USING vault_transactions t
		WHERE c.transaction_id = t.id
		  AND t.vault_id = $1
		  AND t.status = 'pending'
		  AND c.signer_address = $2
	`, vaultID, signerAddress)
	if err != nil {
		return 0, fmt.Errorf("delete pending confirmations: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleted confirmation rows affected: %w", err)
	}
	return removed, nil
}
