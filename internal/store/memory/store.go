// Package memory provides an in-memory implementation of the store
// repositories. It enforces the same uniqueness and atomic
// read-modify-write semantics as the PostgreSQL schema, so service tests
// exercise the real race behavior (insert-if-absent confirmations,
// compare-and-swap status transitions) without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/store"
)

// Store holds all tables behind one mutex. The repository views returned by
// Vaults/Transactions/Confirmations/Tokens share it, mirroring the single
// database the postgres repos share.
type Store struct {
	mu            sync.Mutex
	vaults        map[uuid.UUID]model.Vault
	members       map[uuid.UUID][]model.VaultMember
	transactions  map[uuid.UUID]model.VaultTransaction
	confirmations map[uuid.UUID]map[string]model.Confirmation // txID -> signer -> confirmation
	tokens        map[uint64]map[string]model.Token           // chainID -> contract -> token
}

func NewStore() *Store {
	return &Store{
		vaults:        make(map[uuid.UUID]model.Vault),
		members:       make(map[uuid.UUID][]model.VaultMember),
		transactions:  make(map[uuid.UUID]model.VaultTransaction),
		confirmations: make(map[uuid.UUID]map[string]model.Confirmation),
		tokens:        make(map[uint64]map[string]model.Token),
	}
}

func (s *Store) Vaults() store.VaultRepository               { return vaultRepo{s} }
func (s *Store) Transactions() store.TransactionRepository   { return transactionRepo{s} }
func (s *Store) Confirmations() store.ConfirmationRepository { return confirmationRepo{s} }
func (s *Store) Tokens() store.TokenRepository               { return tokenRepo{s} }

// --- store.VaultRepository ---

type vaultRepo struct{ s *Store }

func (r vaultRepo) CreateWithMembers(_ context.Context, v *model.Vault, members []model.VaultMember) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.vaults[v.ID]; exists {
		return store.ErrDuplicate
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		key := strings.ToLower(m.IdentityAddress)
		if _, dup := seen[key]; dup {
			return store.ErrDuplicate // whole unit rejected, vault row not kept
		}
		seen[key] = struct{}{}
	}

	now := time.Now()
	stored := *v
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.s.vaults[v.ID] = stored

	copied := make([]model.VaultMember, len(members))
	for i, m := range members {
		m.CreatedAt = now
		copied[i] = m
	}
	r.s.members[v.ID] = copied
	return nil
}

func (r vaultRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Vault, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	v, ok := r.s.vaults[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := v
	return &out, nil
}

func (r vaultRepo) ListByIdentity(_ context.Context, identityAddress string) ([]model.Vault, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	identity := strings.ToLower(identityAddress)
	var vaults []model.Vault
	for id, members := range r.s.members {
		for _, m := range members {
			if m.IdentityAddress == identity && m.Status == model.MemberStatusActive {
				vaults = append(vaults, r.s.vaults[id])
				break
			}
		}
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].CreatedAt.After(vaults[j].CreatedAt) })
	return vaults, nil
}

func (r vaultRepo) ListMembers(_ context.Context, vaultID uuid.UUID) ([]model.VaultMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	members := make([]model.VaultMember, len(r.s.members[vaultID]))
	copy(members, r.s.members[vaultID])
	return members, nil
}

func (r vaultRepo) GetMember(_ context.Context, vaultID uuid.UUID, identityAddress string) (*model.VaultMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	identity := strings.ToLower(identityAddress)
	for _, m := range r.s.members[vaultID] {
		if m.IdentityAddress == identity {
			out := m
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r vaultRepo) UpdateWalletAddress(_ context.Context, id uuid.UUID, walletAddress string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	v, ok := r.s.vaults[id]
	if !ok {
		return store.ErrNotFound
	}
	v.WalletAddress = walletAddress
	v.UpdatedAt = time.Now()
	r.s.vaults[id] = v
	return nil
}

func (r vaultRepo) UpdateMemberSigner(_ context.Context, vaultID uuid.UUID, identityAddress, signerAddress string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	identity := strings.ToLower(identityAddress)
	members := r.s.members[vaultID]
	for i, m := range members {
		if m.IdentityAddress == identity {
			members[i].SignerAddress = signerAddress
			return nil
		}
	}
	return store.ErrNotFound
}

func (r vaultRepo) SetDeployed(_ context.Context, id uuid.UUID, deployed bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	v, ok := r.s.vaults[id]
	if !ok {
		return store.ErrNotFound
	}
	v.IsDeployed = deployed
	v.UpdatedAt = time.Now()
	r.s.vaults[id] = v
	return nil
}

// --- store.TransactionRepository ---

type transactionRepo struct{ s *Store }

func (r transactionRepo) Create(_ context.Context, t *model.VaultTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.transactions[t.ID]; exists {
		return store.ErrDuplicate
	}
	// UNIQUE(vault_id, nonce)
	for _, existing := range r.s.transactions {
		if existing.VaultID == t.VaultID && existing.Nonce == t.Nonce {
			return store.ErrDuplicate
		}
	}

	now := time.Now()
	stored := *t
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.s.transactions[t.ID] = stored
	return nil
}

func (r transactionRepo) GetByID(_ context.Context, id uuid.UUID) (*model.VaultTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := t
	return &out, nil
}

func (r transactionRepo) ListByVault(_ context.Context, vaultID uuid.UUID) ([]model.VaultTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var txns []model.VaultTransaction
	for _, t := range r.s.transactions {
		if t.VaultID == vaultID {
			txns = append(txns, t)
		}
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].Nonce > txns[j].Nonce })
	return txns, nil
}

func (r transactionRepo) CountByVault(_ context.Context, vaultID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var count int64
	for _, t := range r.s.transactions {
		if t.VaultID == vaultID {
			count++
		}
	}
	return count, nil
}

func (r transactionRepo) MarkExecuted(_ context.Context, id uuid.UUID) (bool, error) {
	return r.transition(id, model.TxStatusExecuted)
}

func (r transactionRepo) MarkCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	return r.transition(id, model.TxStatusCancelled)
}

// transition is the in-memory equivalent of
// UPDATE ... WHERE status = 'pending': at most one caller wins the flip.
func (r transactionRepo) transition(id uuid.UUID, to model.TxStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.transactions[id]
	if !ok || t.Status != model.TxStatusPending {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	r.s.transactions[id] = t
	return true, nil
}

// --- store.ConfirmationRepository ---

type confirmationRepo struct{ s *Store }

func (r confirmationRepo) Insert(_ context.Context, c *model.Confirmation) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	signer := strings.ToLower(c.SignerAddress)
	bySigner, ok := r.s.confirmations[c.TransactionID]
	if !ok {
		bySigner = make(map[string]model.Confirmation)
		r.s.confirmations[c.TransactionID] = bySigner
	}
	if _, exists := bySigner[signer]; exists {
		return false, nil
	}

	stored := *c
	stored.SignerAddress = signer
	stored.SignedAt = time.Now()
	bySigner[signer] = stored
	return true, nil
}

func (r confirmationRepo) CountByTransaction(_ context.Context, transactionID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.confirmations[transactionID]), nil
}

func (r confirmationRepo) DeletePendingBySigner(_ context.Context, vaultID uuid.UUID, signerAddress string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	signer := strings.ToLower(signerAddress)
	var removed int64
	for txID, t := range r.s.transactions {
		if t.VaultID != vaultID || t.Status != model.TxStatusPending {
			continue
		}
		if _, ok := r.s.confirmations[txID][signer]; ok {
			delete(r.s.confirmations[txID], signer)
			removed++
		}
	}
	return removed, nil
}

func (r confirmationRepo) ListByTransaction(_ context.Context, transactionID uuid.UUID) ([]model.Confirmation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	confirmations := make([]model.Confirmation, 0, len(r.s.confirmations[transactionID]))
	for _, c := range r.s.confirmations[transactionID] {
		confirmations = append(confirmations, c)
	}
	sort.Slice(confirmations, func(i, j int) bool {
		return confirmations[i].SignedAt.Before(confirmations[j].SignedAt)
	})
	return confirmations, nil
}

// --- store.TokenRepository ---

type tokenRepo struct{ s *Store }

func (r tokenRepo) ListByChain(_ context.Context, chainID uint64) ([]model.Token, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tokens := make([]model.Token, 0, len(r.s.tokens[chainID]))
	for _, t := range r.s.tokens[chainID] {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Symbol < tokens[j].Symbol })
	return tokens, nil
}

func (r tokenRepo) Upsert(_ context.Context, t *model.Token) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	byContract, ok := r.s.tokens[t.ChainID]
	if !ok {
		byContract = make(map[string]model.Token)
		r.s.tokens[t.ChainID] = byContract
	}
	byContract[strings.ToLower(t.ContractAddress)] = *t
	return nil
}
