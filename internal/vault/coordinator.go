package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Spritz-Labs/spritz-vault/internal/chain/evm/erc20"
	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/metrics"
	"github.com/Spritz-Labs/spritz-vault/internal/store"
)

// nonceRetryAttempts bounds how often a proposal re-reads the transaction
// count after losing the per-vault nonce uniqueness race. The count-based
// nonce is not a real replay nonce; the schema constraint turns the race
// into a retry instead of a silent double assignment.
const nonceRetryAttempts = 3

// TokenTransfer asks for an ERC-20 transfer instead of a native value move.
// The proposal's payload becomes transfer calldata against the token
// contract and the native value is zero.
type TokenTransfer struct {
	ContractAddress string
	Amount          string // token base units, decimal text
}

type ProposeInput struct {
	VaultID     uuid.UUID
	Proposer    model.Identity
	To          string
	Value       string // wei, decimal text; ignored for token transfers
	Token       *TokenTransfer
	Signature   string // proposer's opaque authorization artifact
	Description string
}

// ConfirmResult reports the confirmation tally after a successful confirm.
type ConfirmResult struct {
	Confirmations  int  `json:"confirmations"`
	Threshold      int  `json:"threshold"`
	ReadyToExecute bool `json:"readyToExecute"`
}

// Propose creates a pending transaction and records the proposer's own
// confirmation, so a 1-of-N vault's proposal is immediately executable.
func (s *Service) Propose(ctx context.Context, input ProposeInput) (*model.VaultTransaction, error) {
	v, err := s.GetVault(ctx, input.VaultID)
	if err != nil {
		return nil, err
	}
	member, err := s.memberOf(ctx, v.ID, input.Proposer.Address)
	if err != nil {
		return nil, err
	}

	toAddress, value, data, err := buildCallPayload(input)
	if err != nil {
		return nil, err
	}

	txn := &model.VaultTransaction{
		ID:          uuid.New(),
		VaultID:     v.ID,
		ToAddress:   toAddress,
		Value:       value,
		Data:        data,
		Operation:   model.OperationCall,
		Status:      model.TxStatusPending,
		CreatedBy:   strings.ToLower(input.Proposer.Address),
		Description: input.Description,
	}

	// Nonce = count of existing transactions for the vault at proposal
	// time. Two concurrent proposals can draw the same value; the
	// UNIQUE(vault_id, nonce) constraint rejects the loser and we re-read
	// the count.
	created := false
	for attempt := 0; attempt < nonceRetryAttempts; attempt++ {
		count, err := s.transactions.CountByVault(ctx, v.ID)
		if err != nil {
			return nil, fmt.Errorf("assign nonce: %w", err)
		}
		txn.Nonce = count
		err = s.transactions.Create(ctx, txn)
		if err == nil {
			created = true
			break
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		metrics.NonceRetries.WithLabelValues(chainLabel(v.ChainID)).Inc()
	}
	if !created {
		return nil, fmt.Errorf("propose transaction: %w", store.ErrDuplicate)
	}

	// Auto-sign-on-propose. The proposal is already persisted; a failed
	// self-confirmation is repaired by the proposer confirming explicitly.
	if _, err := s.confirm(ctx, v, txn, member, input.Proposer, input.Signature); err != nil {
		s.logger.Error("auto-confirm after propose failed",
			"transaction_id", txn.ID,
			"vault_id", v.ID,
			"error", err,
		)
	}

	metrics.TransactionsProposed.WithLabelValues(chainLabel(v.ChainID)).Inc()
	s.logger.Info("transaction proposed",
		"transaction_id", txn.ID,
		"vault_id", v.ID,
		"to", txn.ToAddress,
		"nonce", txn.Nonce,
		"token_transfer", input.Token != nil,
	)
	return txn, nil
}

// Confirm records one member's confirmation. Confirmations are accepted on
// any transaction the caller is a member of, including already-terminal
// ones; only execution is status-gated.
func (s *Service) Confirm(ctx context.Context, transactionID uuid.UUID, identity model.Identity, signature string) (ConfirmResult, error) {
	txn, v, err := s.transactionWithVault(ctx, transactionID)
	if err != nil {
		return ConfirmResult{}, err
	}
	member, err := s.memberOf(ctx, v.ID, identity.Address)
	if err != nil {
		return ConfirmResult{}, err
	}
	return s.confirm(ctx, v, txn, member, identity, signature)
}

func (s *Service) confirm(ctx context.Context, v *model.Vault, txn *model.VaultTransaction, member *model.VaultMember, identity model.Identity, signature string) (ConfirmResult, error) {
	res, err := s.resolver.Resolve(identity, v.ChainID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if !res.CanSign {
		return ConfirmResult{}, &MissingSignerError{Identities: []string{identity.Address}}
	}

	// A rotated credential means the stored seat no longer matches the
	// derivable signer. Correct proactively; the confirmation is recorded
	// under the fresh signer address.
	if res.SignerAddress != member.SignerAddress {
		metrics.AddressDriftDetected.WithLabelValues("signer").Inc()
		s.logger.Warn("signer drift detected on confirm, correcting",
			"vault_id", v.ID,
			"identity", member.IdentityAddress,
			"stored", member.SignerAddress,
			"derived", res.SignerAddress,
		)
		if err := s.vaults.UpdateMemberSigner(ctx, v.ID, member.IdentityAddress, res.SignerAddress); err != nil {
			return ConfirmResult{}, fmt.Errorf("correct member signer: %w", err)
		}
		// Confirmations recorded under the retired signer address no longer
		// correspond to a seat. Leaving them in place would let one identity
		// hold two counted confirmations on the same transaction.
		removed, err := s.confirmations.DeletePendingBySigner(ctx, v.ID, member.SignerAddress)
		if err != nil {
			return ConfirmResult{}, fmt.Errorf("invalidate stale confirmations: %w", err)
		}
		if removed > 0 {
			s.logger.Info("invalidated confirmations of retired signer",
				"vault_id", v.ID,
				"signer", member.SignerAddress,
				"removed", removed,
			)
		}
	}

	inserted, err := s.confirmations.Insert(ctx, &model.Confirmation{
		TransactionID: txn.ID,
		SignerAddress: res.SignerAddress,
		Signature:     signature,
	})
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("record confirmation: %w", err)
	}
	if !inserted {
		return ConfirmResult{}, ErrAlreadySigned
	}

	count, err := s.confirmations.CountByTransaction(ctx, txn.ID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("count confirmations: %w", err)
	}

	metrics.ConfirmationsRecorded.WithLabelValues(chainLabel(v.ChainID)).Inc()
	s.logger.Info("confirmation recorded",
		"transaction_id", txn.ID,
		"vault_id", v.ID,
		"signer", res.SignerAddress,
		"confirmations", count,
		"threshold", v.Threshold,
	)
	return ConfirmResult{
		Confirmations:  count,
		Threshold:      v.Threshold,
		ReadyToExecute: count >= v.Threshold && txn.Status == model.TxStatusPending,
	}, nil
}

// Execute marks a transaction executed once its confirmations meet the vault
// threshold and returns the call parameters for the external broadcaster.
// The confirmation count is re-read from the store inside the guard; a
// caller-supplied tally is never trusted. The pending->executed flip is a
// store-level compare-and-swap, so exactly one of two concurrent executes
// wins and the loser sees ErrNotPending.
func (s *Service) Execute(ctx context.Context, transactionID uuid.UUID, identity model.Identity) (*model.ExecutionParams, error) {
	txn, v, err := s.transactionWithVault(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberOf(ctx, v.ID, identity.Address); err != nil {
		return nil, err
	}
	if txn.Status != model.TxStatusPending {
		return nil, ErrNotPending
	}

	count, err := s.confirmations.CountByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("count confirmations: %w", err)
	}
	if count < v.Threshold {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientConfirmations, count, v.Threshold)
	}

	won, err := s.transactions.MarkExecuted(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrNotPending
	}

	params := &model.ExecutionParams{
		WalletAddress: v.WalletAddress,
		ChainID:       v.ChainID,
		To:            txn.ToAddress,
		Value:         txn.Value,
		Data:          txn.Data,
		Operation:     txn.Operation,
		Nonce:         txn.Nonce,
	}

	// Fire-and-forget handoff: the ledger is already marked executed and
	// broadcast failure is the collaborator's to report and reconcile.
	if err := s.broadcaster.Submit(ctx, *params); err != nil {
		s.logger.Error("broadcast handoff failed",
			"transaction_id", txn.ID,
			"vault_id", v.ID,
			"error", err,
		)
	}

	metrics.TransactionsExecuted.WithLabelValues(chainLabel(v.ChainID)).Inc()
	s.logger.Info("transaction executed",
		"transaction_id", txn.ID,
		"vault_id", v.ID,
		"confirmations", count,
		"threshold", v.Threshold,
		"nonce", txn.Nonce,
	)
	return params, nil
}

// Cancel moves a pending transaction to cancelled. Only the original
// proposer may cancel, and re-cancelling a terminal transaction is rejected
// rather than silently accepted, to keep the audit trail accurate.
func (s *Service) Cancel(ctx context.Context, transactionID uuid.UUID, identity model.Identity) error {
	txn, v, err := s.transactionWithVault(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.CreatedBy != strings.ToLower(identity.Address) {
		return ErrNotProposer
	}
	if txn.Status != model.TxStatusPending {
		return ErrNotPending
	}

	won, err := s.transactions.MarkCancelled(ctx, txn.ID)
	if err != nil {
		return err
	}
	if !won {
		return ErrNotPending
	}

	metrics.TransactionsCancelled.WithLabelValues(chainLabel(v.ChainID)).Inc()
	s.logger.Info("transaction cancelled", "transaction_id", txn.ID, "vault_id", v.ID)
	return nil
}

// ListTransactions returns a vault's transactions, newest nonce first, with
// confirmation counts attached.
func (s *Service) ListTransactions(ctx context.Context, vaultID uuid.UUID) ([]TransactionWithTally, error) {
	if _, err := s.GetVault(ctx, vaultID); err != nil {
		return nil, err
	}
	txns, err := s.transactions.ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionWithTally, len(txns))
	for i, txn := range txns {
		count, err := s.confirmations.CountByTransaction(ctx, txn.ID)
		if err != nil {
			return nil, err
		}
		out[i] = TransactionWithTally{VaultTransaction: txn, Confirmations: count}
	}
	return out, nil
}

type TransactionWithTally struct {
	model.VaultTransaction
	Confirmations int `json:"confirmations"`
}

// ConfirmationTally returns the stored confirmation count for a transaction.
func (s *Service) ConfirmationTally(ctx context.Context, transactionID uuid.UUID) (int, error) {
	return s.confirmations.CountByTransaction(ctx, transactionID)
}

func (s *Service) transactionWithVault(ctx context.Context, transactionID uuid.UUID) (*model.VaultTransaction, *model.Vault, error) {
	txn, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrTransactionNotFound
		}
		return nil, nil, err
	}
	v, err := s.GetVault(ctx, txn.VaultID)
	if err != nil {
		return nil, nil, err
	}
	return txn, v, nil
}

func (s *Service) memberOf(ctx context.Context, vaultID uuid.UUID, identityAddress string) (*model.VaultMember, error) {
	member, err := s.vaults.GetMember(ctx, vaultID, identityAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotAMember
		}
		return nil, err
	}
	if member.Status != model.MemberStatusActive {
		return nil, ErrNotAMember
	}
	return member, nil
}

func buildCallPayload(input ProposeInput) (to string, value string, data []byte, err error) {
	if input.Token != nil {
		if !common.IsHexAddress(input.Token.ContractAddress) {
			return "", "", nil, fmt.Errorf("malformed token contract address %q", input.Token.ContractAddress)
		}
		if !common.IsHexAddress(input.To) {
			return "", "", nil, fmt.Errorf("malformed recipient address %q", input.To)
		}
		amount, ok := new(big.Int).SetString(input.Token.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return "", "", nil, fmt.Errorf("invalid token amount %q", input.Token.Amount)
		}
		calldata, err := erc20.TransferCalldata(common.HexToAddress(input.To), amount)
		if err != nil {
			return "", "", nil, err
		}
		return strings.ToLower(common.HexToAddress(input.Token.ContractAddress).Hex()), "0", calldata, nil
	}

	if !common.IsHexAddress(input.To) {
		return "", "", nil, fmt.Errorf("malformed recipient address %q", input.To)
	}
	amount, ok := new(big.Int).SetString(input.Value, 10)
	if !ok || amount.Sign() < 0 {
		return "", "", nil, fmt.Errorf("invalid value %q", input.Value)
	}
	return strings.ToLower(common.HexToAddress(input.To).Hex()), amount.String(), nil, nil
}
