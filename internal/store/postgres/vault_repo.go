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

// VaultRepo implements store.VaultRepository using PostgreSQL.
type VaultRepo struct {
	db *DB
}

func NewVaultRepo(db *DB) *VaultRepo {
	return &VaultRepo{db: db}
}

// CreateWithMembers inserts the vault row and all member rows inside one
// transaction. A failed member insert rolls the whole unit back so no
// orphaned vault (a vault with no members) can exist.
func (r *VaultRepo) CreateWithMembers(ctx context.Context, v *model.Vault, members []model.VaultMember) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vault create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vaults (id, name, chain_id, threshold, salt_nonce, wallet_address, is_deployed)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
	`, v.ID, v.Name, v.ChainID, v.Threshold, v.SaltNonce, v.WalletAddress, v.IsDeployed); err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_members (vault_id, identity_address, signer_address, nickname, is_creator, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, m.VaultID, m.IdentityAddress, m.SignerAddress, m.Nickname, m.IsCreator, m.Status); err != nil {
			return fmt.Errorf("insert member %s: %w", m.IdentityAddress, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vault create: %w", err)
	}
	return nil
}

func (r *VaultRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Vault, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var v model.Vault
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, chain_id, threshold, salt_nonce::text, wallet_address, is_deployed, created_at, updated_at
		FROM vaults
		WHERE id = $1
	`, id).Scan(&v.ID, &v.Name, &v.ChainID, &v.Threshold, &v.SaltNonce, &v.WalletAddress, &v.IsDeployed, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get vault: %w", err)
	}
	return &v, nil
}

func (r *VaultRepo) ListByIdentity(ctx context.Context, identityAddress string) ([]model.Vault, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id, v.name, v.chain_id, v.threshold, v.salt_nonce::text, v.wallet_address, v.is_deployed, v.created_at, v.updated_at
		FROM vaults v
		JOIN vault_members m ON m.vault_id = v.id
		WHERE m.identity_address = lower($1) AND m.status = 'active'
		ORDER BY v.created_at DESC
	`, identityAddress)
	if err != nil {
		return nil, fmt.Errorf("list vaults by identity: %w", err)
	}
	defer rows.Close()

	var vaults []model.Vault
	for rows.Next() {
		var v model.Vault
		if err := rows.Scan(&v.ID, &v.Name, &v.ChainID, &v.Threshold, &v.SaltNonce, &v.WalletAddress, &v.IsDeployed, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		vaults = append(vaults, v)
	}
	return vaults, rows.Err()
}

func (r *VaultRepo) ListMembers(ctx context.Context, vaultID uuid.UUID) ([]model.VaultMember, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT vault_id, identity_address, signer_address, nickname, is_creator, status, created_at
		FROM vault_members
		WHERE vault_id = $1
		ORDER BY created_at, identity_address
	`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.VaultMember
	for rows.Next() {
		var m model.VaultMember
		if err := rows.Scan(&m.VaultID, &m.IdentityAddress, &m.SignerAddress, &m.Nickname, &m.IsCreator, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *VaultRepo) GetMember(ctx context.Context, vaultID uuid.UUID, identityAddress string) (*model.VaultMember, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var m model.VaultMember
	err := r.db.QueryRowContext(ctx, `
		SELECT vault_id, identity_address, signer_address, nickname, is_creator, status, created_at
		FROM vault_members
		WHERE vault_id = $1 AND identity_address = lower($2)
	`, vaultID, identityAddress).Scan(&m.VaultID, &m.IdentityAddress, &m.SignerAddress, &m.Nickname, &m.IsCreator, &m.Status, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return &m, nil
}

func (r *VaultRepo) UpdateWalletAddress(ctx context.Context, id uuid.UUID, walletAddress string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE vaults SET wallet_address = $2, updated_at = now() WHERE id = $1
	`, id, walletAddress)
	if err != nil {
		return fmt.Errorf("update wallet address: %w", err)
	}
	return nil
}

func (r *VaultRepo) UpdateMemberSigner(ctx context.Context, vaultID uuid.UUID, identityAddress, signerAddress string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE vault_members SET signer_address = $3 WHERE vault_id = $1 AND identity_address = lower($2)
	`, vaultID, identityAddress, signerAddress)
	if err != nil {
		return fmt.Errorf("update member signer: %w", err)
	}
	return nil
}

func (r *VaultRepo) SetDeployed(ctx context.Context, id uuid.UUID, deployed bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE vaults SET is_deployed = $2, updated_at = now() WHERE id = $1
	`, id, deployed)
	if err != nil {
		return fmt.Errorf("set deployed: %w", err)
	}
	return nil
}
