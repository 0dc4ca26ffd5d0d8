package model

import (
	"time"

	"github.com/google/uuid"
)

type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusExecuted  TxStatus = "executed"
	TxStatusCancelled TxStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s TxStatus) Terminal() bool {
	return s == TxStatusExecuted || s == TxStatusCancelled
}

type Operation string

const (
	OperationCall         Operation = "call"
	OperationDelegateCall Operation = "delegatecall"
)

// VaultTransaction is a proposed value move awaiting confirmations.
// Value is the native-unit base denomination kept as NUMERIC(78,0) text to
// preserve arbitrary precision. Nonce is a per-vault sequential counter
// assigned at proposal time.
type VaultTransaction struct {
	ID          uuid.UUID `db:"id"`
	VaultID     uuid.UUID `db:"vault_id"`
	ToAddress   string    `db:"to_address"`
	Value       string    `db:"value"`
	Data        []byte    `db:"data"`
	Operation   Operation `db:"operation"`
	Nonce       int64     `db:"nonce"`
	Status      TxStatus  `db:"status"`
	CreatedBy   string    `db:"created_by"` // proposer identity address
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Confirmation records one member's authorization of a transaction. The
// signature is an opaque artifact produced by the member's wallet-signing
// flow; the service never verifies it, only counts it toward the threshold.
// Uniqueness over (TransactionID, SignerAddress) is a schema-level guarantee.
type Confirmation struct {
	TransactionID uuid.UUID `db:"transaction_id"`
	SignerAddress string    `db:"signer_address"`
	Signature     string    `db:"signature"`
	SignedAt      time.Time `db:"signed_at"`
}

// ExecutionParams is the fully-formed call handed to the external
// signing/broadcast collaborator once a transaction clears its threshold.
type ExecutionParams struct {
	WalletAddress string    `json:"walletAddress"`
	ChainID       uint64    `json:"chainId"`
	To            string    `json:"to"`
	Value         string    `json:"value"`
	Data          []byte    `json:"data"`
	Operation     Operation `json:"operation"`
	Nonce         int64     `json:"nonce"`
}
