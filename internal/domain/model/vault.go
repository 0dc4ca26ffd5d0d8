package model

import (
	"time"

	"github.com/google/uuid"
)

type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "active"
	MemberStatusPending MemberStatus = "pending"
	MemberStatusRemoved MemberStatus = "removed"
)

// Vault is a threshold-controlled counterfactual smart-contract wallet.
// WalletAddress is derived off-chain before deployment and stored
// lowercase-normalized; it never changes after creation.
type Vault struct {
	ID            uuid.UUID `db:"id"`
	Name          string    `db:"name"`
	ChainID       uint64    `db:"chain_id"`
	Threshold     int       `db:"threshold"`
	SaltNonce     string    `db:"salt_nonce"` // NUMERIC(78,0) as string
	WalletAddress string    `db:"wallet_address"`
	IsDeployed    bool      `db:"is_deployed"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`

	Members []VaultMember `db:"-"`
}

// VaultMember is one seat on a vault. IdentityAddress is the person's stable
// identity key; SignerAddress is the address actually registered as a wallet
// owner, which differs from the identity address when the seat is controlled
// by a passkey-derived verifier contract.
type VaultMember struct {
	VaultID         uuid.UUID    `db:"vault_id"`
	IdentityAddress string       `db:"identity_address"`
	SignerAddress   string       `db:"signer_address"`
	Nickname        string       `db:"nickname"`
	IsCreator       bool         `db:"is_creator"`
	Status          MemberStatus `db:"status"`
	CreatedAt       time.Time    `db:"created_at"`
}
