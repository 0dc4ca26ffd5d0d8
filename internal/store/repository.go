package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

// ErrNotFound is returned by Get operations when no row exists. Callers map
// it to the domain-specific not-found error at the service boundary.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned by Create operations that lost a uniqueness race
// (e.g. two concurrent proposals drawing the same per-vault nonce). The
// constraint itself lives in the schema; implementations translate their
// native violation error into this sentinel.
var ErrDuplicate = errors.New("store: duplicate")

// VaultRepository provides access to vault and membership data.
type VaultRepository interface {
	// CreateWithMembers persists a vault and its member rows as one atomic
	// unit: if any member insert fails, the vault row is rolled back.
	CreateWithMembers(ctx context.Context, v *model.Vault, members []model.VaultMember) error

	GetByID(ctx context.Context, id uuid.UUID) (*model.Vault, error)
	ListByIdentity(ctx context.Context, identityAddress string) ([]model.Vault, error)
	ListMembers(ctx context.Context, vaultID uuid.UUID) ([]model.VaultMember, error)
	GetMember(ctx context.Context, vaultID uuid.UUID, identityAddress string) (*model.VaultMember, error)

	// UpdateWalletAddress reconciles stored address drift after the owner
	// representation changed; it never runs as part of normal writes.
	UpdateWalletAddress(ctx context.Context, id uuid.UUID, walletAddress string) error
	UpdateMemberSigner(ctx context.Context, vaultID uuid.UUID, identityAddress, signerAddress string) error
	SetDeployed(ctx context.Context, id uuid.UUID, deployed bool) error
}

// TransactionRepository provides access to vault transaction data.
type TransactionRepository interface {
	Create(ctx context.Context, t *model.VaultTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.VaultTransaction, error)
	ListByVault(ctx context.Context, vaultID uuid.UUID) ([]model.VaultTransaction, error)
	CountByVault(ctx context.Context, vaultID uuid.UUID) (int64, error)

	// MarkExecuted / MarkCancelled flip status only from pending and report
	// whether this call won the transition. A false return means another
	// writer already moved the row to a terminal state.
	MarkExecuted(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

// ConfirmationRepository provides access to confirmation data. The
// (transaction_id, signer_address) uniqueness constraint lives in the
// schema; Insert reports whether this call actually stored a row so
// concurrent double-confirms resolve to exactly one winner.
type ConfirmationRepository interface {
	Insert(ctx context.Context, c *model.Confirmation) (inserted bool, err error)
	CountByTransaction(ctx context.Context, transactionID uuid.UUID) (int, error)
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]model.Confirmation, error)

	// DeletePendingBySigner removes the signer's confirmations from the
	// vault's still-pending transactions and reports how many rows were
	// removed. Runs when a member's signer address rotates: rows recorded
	// under the retired address no longer correspond to a seat and must not
	// count toward any threshold. Terminal transactions keep their rows for
	// the audit trail.
	DeletePendingBySigner(ctx context.Context, vaultID uuid.UUID, signerAddress string) (int64, error)
}

// TokenRepository provides access to the per-chain token allowlist.
type TokenRepository interface {
	ListByChain(ctx context.Context, chainID uint64) ([]model.Token, error)
	Upsert(ctx context.Context, t *model.Token) error
}
