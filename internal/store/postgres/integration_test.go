//go:build integration

package postgres_test

import (
	"context"
	"encoding/hex"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/store"
	"github.com/Spritz-Labs/spritz-vault/internal/store/postgres"
)

// testDB checks the TEST_DB_URL environment variable first and connects to
// the external database it names; otherwise it falls back to a Docker-based
// ephemeral PostgreSQL via testcontainers.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url != "" {
		db, err := postgres.New(postgres.Config{
			URL:             url,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}
	return setupTestContainer(t)
}

// testAddr returns a unique lowercase 20-byte hex address so tests sharing
// one database never collide.
func testAddr() string {
	u1, u2 := uuid.New(), uuid.New()
	return "0x" + hex.EncodeToString(append(u1[:], u2[:4]...))
}

func insertVault(t *testing.T, repo *postgres.VaultRepo, members ...model.VaultMember) *model.Vault {
	t.Helper()
	v := &model.Vault{
		ID:            uuid.New(),
		Name:          "treasury",
		ChainID:       1,
		Threshold:     2,
		SaltNonce:     "12345678901234567890",
		WalletAddress: testAddr(),
	}
	for i := range members {
		members[i].VaultID = v.ID
	}
	require.NoError(t, repo.CreateWithMembers(context.Background(), v, members))
	return v
}

func activeMember(identityAddr string, creator bool) model.VaultMember {
	return model.VaultMember{
		IdentityAddress: identityAddr,
		SignerAddress:   identityAddr,
		Status:          model.MemberStatusActive,
		IsCreator:       creator,
	}
}

// ---------- VaultRepo ----------

func TestVaultRepo_CreateWithMembers(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewVaultRepo(db)
	ctx := context.Background()

	alice, bob := testAddr(), testAddr()
	v := insertVault(t, repo, activeMember(alice, true), activeMember(bob, false))

	got, err := repo.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.WalletAddress, got.WalletAddress)
	assert.Equal(t, "12345678901234567890", got.SaltNonce)
	assert.Equal(t, 2, got.Threshold)
	assert.False(t, got.IsDeployed)

	members, err := repo.ListMembers(ctx, v.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	m, err := repo.GetMember(ctx, v.ID, alice)
	require.NoError(t, err)
	assert.True(t, m.IsCreator)

	vaults, err := repo.ListByIdentity(ctx, bob)
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, v.ID, vaults[0].ID)
}

func TestVaultRepo_GetByID_NotFound(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewVaultRepo(db)

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVaultRepo_RejectsSecondCreator(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewVaultRepo(db)

	v := &model.Vault{
		ID:            uuid.New(),
		Name:          "two-creators",
		ChainID:       1,
		Threshold:     1,
		SaltNonce:     "1",
		WalletAddress: testAddr(),
	}
	members := []model.VaultMember{
		activeMember(testAddr(), true),
		activeMember(testAddr(), true),
	}
	for i := range members {
		members[i].VaultID = v.ID
	}
	err := repo.CreateWithMembers(context.Background(), v, members)
	require.Error(t, err)

	// The transaction rolled back: no orphaned vault row.
	_, err = repo.GetByID(context.Background(), v.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVaultRepo_UpdateMemberSignerAndWallet(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewVaultRepo(db)
	ctx := context.Background()

	alice := testAddr()
	v := insertVault(t, repo, activeMember(alice, true))

	rotated := testAddr()
	require.NoError(t, repo.UpdateMemberSigner(ctx, v.ID, alice, rotated))
	m, err := repo.GetMember(ctx, v.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, rotated, m.SignerAddress)

	newWallet := testAddr()
	require.NoError(t, repo.UpdateWalletAddress(ctx, v.ID, newWallet))
	require.NoError(t, repo.SetDeployed(ctx, v.ID, true))
	got, err := repo.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, newWallet, got.WalletAddress)
	assert.True(t, got.IsDeployed)
}

// ---------- TransactionRepo ----------

func newPendingTxn(vaultID uuid.UUID, nonce int64, createdBy string) *model.VaultTransaction {
	return &model.VaultTransaction{
		ID:        uuid.New(),
		VaultID:   vaultID,
		ToAddress: testAddr(),
		Value:     "1000000000000000000",
		Operation: model.OperationCall,
		Nonce:     nonce,
		Status:    model.TxStatusPending,
		CreatedBy: createdBy,
	}
}

func TestTransactionRepo_NonceUniqueness(t *testing.T) {
	db := testDB(t)
	vaults := postgres.NewVaultRepo(db)
	repo := postgres.NewTransactionRepo(db)
	ctx := context.Background()

	alice := testAddr()
	v := insertVault(t, vaults, activeMember(alice, true))

	require.NoError(t, repo.Create(ctx, newPendingTxn(v.ID, 0, alice)))

	// Same nonce from a racing proposer maps to ErrDuplicate.
	err := repo.Create(ctx, newPendingTxn(v.ID, 0, alice))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	count, err := repo.CountByVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTransactionRepo_MarkExecutedIsCompareAndSwap(t *testing.T) {
	db := testDB(t)
	vaults := postgres.NewVaultRepo(db)
	repo := postgres.NewTransactionRepo(db)
	ctx := context.Background()

	alice := testAddr()
	v := insertVault(t, vaults, activeMember(alice, true))
	txn := newPendingTxn(v.ID, 0, alice)
	require.NoError(t, repo.Create(ctx, txn))

	won, err := repo.MarkExecuted(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, won)

	// Second flip loses, as does cancelling a terminal transaction.
	won, err = repo.MarkExecuted(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, won)
	won, err = repo.MarkCancelled(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusExecuted, got.Status)
}

func TestTransactionRepo_ConcurrentExecuteSingleWinner(t *testing.T) {
	db := testDB(t)
	vaults := postgres.NewVaultRepo(db)
	repo := postgres.NewTransactionRepo(db)
	ctx := context.Background()

	alice := testAddr()
	v := insertVault(t, vaults, activeMember(alice, true))
	txn := newPendingTxn(v.ID, 0, alice)
	require.NoError(t, repo.Create(ctx, txn))

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.MarkExecuted(ctx, txn.ID)
			require.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestTransactionRepo_ListByVault_NewestNonceFirst(t *testing.T) {
	db := testDB(t)
	vaults := postgres.NewVaultRepo(db)
	repo := postgres.NewTransactionRepo(db)
	ctx := context.Background()

	alice := testAddr()
	v := insertVault(t, vaults, activeMember(alice, true))
	for nonce := int64(0); nonce < 3; nonce++ {
		require.NoError(t, repo.Create(ctx, newPendingTxn(v.ID, nonce, alice)))
	}

	txns, err := repo.ListByVault(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, int64(2), txns[0].Nonce)
	assert.Equal(t, int64(0), txns[2].Nonce)
	assert.Equal(t, "1000000000000000000", txns[0].Value)
}

// ---------- ConfirmationRepo ----------

func TestConfirmationRepo_InsertIsRaceArbiter(t *testing.T) {
	db := testDB(t)
	vaults := postgres.NewVaultRepo(db)
	txns := postgres.NewTransactionRepo(db)
	repo := postgres.NewConfirmationRepo(db)
	ctx := context.Background()

	alice, bob := testAddr(), testAddr()
	v := insertVault(t, vaults, activeMember(alice, true), activeMember(bob, false))
	txn := newPendingTxn(v.ID, 0, alice)
	require.NoError(t, txns.Create(ctx, txn))

	inserted, err := repo.Insert(ctx, &model.Confirmation{
		TransactionID: txn.ID, SignerAddress: alice, Signature: "0xsig-a",
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same signer again: swallowed by ON CONFLICT, reported as not inserted.
	inserted, err = repo.Insert(ctx, &model.Confirmation{
		TransactionID: txn.ID, SignerAddress: alice, Signature: "0xsig-a2",
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = repo.Insert(ctx, &model.Confirmation{
		TransactionID: txn.ID, SignerAddress: bob, Signature: "0xsig-b",
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	count, err := repo.CountByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	listed, err := repo.ListByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "0xsig-a", listed[0].Signature)
}

func TestConfirmationRepo_DeletePendingBySigner(t *testing.T) {
	db := testDB(t)
	vaults := postgres.NewVaultRepo(db)
	txns := postgres.NewTransactionRepo(db)
	repo := postgres.NewConfirmationRepo(db)
	ctx := context.Background()

	alice, bob := testAddr(), testAddr()
	v := insertVault(t, vaults, activeMember(alice, true), activeMember(bob, false))

	pending := newPendingTxn(v.ID, 0, alice)
	require.NoError(t, txns.Create(ctx, pending))
	executed := newPendingTxn(v.ID, 1, alice)
	require.NoError(t, txns.Create(ctx, executed))

	for _, txn := range []uuid.UUID{pending.ID, executed.ID} {
		for _, signer := range []string{alice, bob} {
			inserted, err := repo.Insert(ctx, &model.Confirmation{
				TransactionID: txn, SignerAddress: signer, Signature: "0xsig",
			})
			require.NoError(t, err)
			require.True(t, inserted)
		}
	}
	won, err := txns.MarkExecuted(ctx, executed.ID)
	require.NoError(t, err)
	require.True(t, won)

	// Only the pending transaction loses alice's row; the executed one keeps
	// its audit trail, and bob is untouched everywhere.
	removed, err := repo.DeletePendingBySigner(ctx, v.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	count, err := repo.CountByTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = repo.CountByTransaction(ctx, executed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	removed, err = repo.DeletePendingBySigner(ctx, v.ID, alice)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

// ---------- TokenRepo ----------

func TestTokenRepo_UpsertAndListByChain(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTokenRepo(db)
	ctx := context.Background()

	// Isolated chain ID so the seeded allowlist does not interfere.
	chainID := uint64(900000 + time.Now().UnixNano()%100000)
	contract := testAddr()

	require.NoError(t, repo.Upsert(ctx, &model.Token{
		ChainID: chainID, ContractAddress: contract,
		Symbol: "TST", Name: "Test Token", Decimals: 18,
	}))

	// Idempotent upsert updates metadata in place.
	require.NoError(t, repo.Upsert(ctx, &model.Token{
		ChainID: chainID, ContractAddress: contract,
		Symbol: "TST2", Name: "Test Token v2", Decimals: 6,
	}))

	tokens, err := repo.ListByChain(ctx, chainID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "TST2", tokens[0].Symbol)
	assert.Equal(t, 6, tokens[0].Decimals)
}
