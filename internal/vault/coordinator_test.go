package vault

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/store"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	params []model.ExecutionParams
}

func (b *recordingBroadcaster) Submit(_ context.Context, p model.ExecutionParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params = append(b.params, p)
	return nil
}

func (b *recordingBroadcaster) submitted() []model.ExecutionParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ExecutionParams, len(b.params))
	copy(out, b.params)
	return out
}

func proposeNativeTransfer(t *testing.T, svc *Service, v *model.Vault, proposer model.Identity) *model.VaultTransaction {
	t.Helper()
	txn, err := svc.Propose(context.Background(), ProposeInput{
		VaultID:     v.ID,
		Proposer:    proposer,
		To:          "0x90F79bf6EB2c4f870365E785982E1f101E93b906",
		Value:       "1000000000000000000",
		Signature:   "0xproposer-sig",
		Description: "pay invoice 42",
	})
	require.NoError(t, err)
	return txn
}

func TestPropose(t *testing.T) {
	svc, st := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)

	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))
	assert.Equal(t, int64(0), txn.Nonce)
	assert.Equal(t, model.TxStatusPending, txn.Status)
	assert.Equal(t, model.OperationCall, txn.Operation)
	assert.Equal(t, "0x90f79bf6eb2c4f870365e785982e1f101e93b906", txn.ToAddress)
	assert.Equal(t, "1000000000000000000", txn.Value)
	assert.Empty(t, txn.Data)
	assert.Equal(t, strings.ToLower(aliceAddr), txn.CreatedBy)

	// Proposer is auto-confirmed.
	count, err := st.Confirmations().CountByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Nonces are sequential per vault.
	second := proposeNativeTransfer(t, svc, v, plainIdentity(bobAddr))
	assert.Equal(t, int64(1), second.Nonce)
}

func TestPropose_TokenTransfer(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)

	usdc := "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	txn, err := svc.Propose(context.Background(), ProposeInput{
		VaultID:  v.ID,
		Proposer: plainIdentity(aliceAddr),
		To:       "0x90F79bf6EB2c4f870365E785982E1f101E93b906",
		Token:    &TokenTransfer{ContractAddress: usdc, Amount: "2500000"},
	})
	require.NoError(t, err)

	// Call targets the token contract with transfer calldata; no native value.
	assert.Equal(t, strings.ToLower(usdc), txn.ToAddress)
	assert.Equal(t, "0", txn.Value)
	require.Len(t, txn.Data, 68) // 4-byte selector + two 32-byte words
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, txn.Data[:4])
}

func TestPropose_Rejections(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)

	_, err = svc.Propose(context.Background(), ProposeInput{
		VaultID:  v.ID,
		Proposer: plainIdentity("0x90F79bf6EB2c4f870365E785982E1f101E93b906"),
		To:       aliceAddr,
		Value:    "1",
	})
	assert.ErrorIs(t, err, ErrNotAMember)

	_, err = svc.Propose(context.Background(), ProposeInput{
		VaultID:  newUUID(t),
		Proposer: plainIdentity(aliceAddr),
		To:       aliceAddr,
		Value:    "1",
	})
	assert.ErrorIs(t, err, ErrVaultNotFound)

	_, err = svc.Propose(context.Background(), ProposeInput{
		VaultID:  v.ID,
		Proposer: plainIdentity(aliceAddr),
		To:       "not-an-address",
		Value:    "1",
	})
	assert.Error(t, err)

	_, err = svc.Propose(context.Background(), ProposeInput{
		VaultID:  v.ID,
		Proposer: plainIdentity(aliceAddr),
		To:       aliceAddr,
		Value:    "-5",
	})
	assert.Error(t, err)
}

// dupTxRepo forces the first n Create calls to lose the per-vault nonce
// uniqueness race.
type dupTxRepo struct {
	store.TransactionRepository
	mu       sync.Mutex
	failures int
}

func (r *dupTxRepo) Create(ctx context.Context, t *model.VaultTransaction) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return store.ErrDuplicate
	}
	r.mu.Unlock()
	return r.TransactionRepository.Create(ctx, t)
}

func TestPropose_RetriesNonceRace(t *testing.T) {
	svc, st := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)

	svc.transactions = &dupTxRepo{TransactionRepository: st.Transactions(), failures: 2}
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))
	assert.Equal(t, int64(0), txn.Nonce)

	svc.transactions = &dupTxRepo{TransactionRepository: st.Transactions(), failures: nonceRetryAttempts}
	_, err = svc.Propose(context.Background(), ProposeInput{
		VaultID:  v.ID,
		Proposer: plainIdentity(aliceAddr),
		To:       bobAddr,
		Value:    "1",
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestConfirm(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))

	res, err := svc.Confirm(context.Background(), txn.ID, plainIdentity(bobAddr), "0xbob-sig")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmations)
	assert.Equal(t, 2, res.Threshold)
	assert.True(t, res.ReadyToExecute)

	// Same signer confirming again is rejected, regardless of signature.
	_, err = svc.Confirm(context.Background(), txn.ID, plainIdentity(bobAddr), "0xother-sig")
	assert.ErrorIs(t, err, ErrAlreadySigned)

	_, err = svc.Confirm(context.Background(), txn.ID, plainIdentity("0x90F79bf6EB2c4f870365E785982E1f101E93b906"), "0xsig")
	assert.ErrorIs(t, err, ErrNotAMember)

	_, err = svc.Confirm(context.Background(), newUUID(t), plainIdentity(bobAddr), "0xsig")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestConfirm_ConcurrentDuplicate(t *testing.T) {
	svc, st := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Confirm(context.Background(), txn.ID, plainIdentity(bobAddr), "0xbob-sig")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadySigned)
		}
	}
	assert.Equal(t, 1, succeeded)

	count, err := st.Confirmations().CountByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count) // proposer + exactly one of the racers
}

func TestConfirm_AfterExecutionStillRecords(t *testing.T) {
	svc, st := newTestService(t, nil)
	solo := CreateVaultInput{
		Name:           "ops",
		ChainID:        1,
		Threshold:      1,
		CreatorAddress: aliceAddr,
		Members: []MemberInput{
			{Identity: plainIdentity(aliceAddr), Nickname: "alice"},
			{Identity: plainIdentity(bobAddr), Nickname: "bob"},
		},
	}
	v, err := svc.CreateVault(context.Background(), solo)
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))

	_, err = svc.Execute(context.Background(), txn.ID, plainIdentity(aliceAddr))
	require.NoError(t, err)

	// A late confirmation on an executed transaction is recorded for the
	// audit trail, it just cannot make it executable again.
	res, err := svc.Confirm(context.Background(), txn.ID, plainIdentity(bobAddr), "0xbob-sig")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmations)
	assert.False(t, res.ReadyToExecute)

	count, err := st.Confirmations().CountByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestConfirm_CorrectsRotatedPasskeySigner(t *testing.T) {
	svc, _ := newTestService(t, nil)
	input := twoOfThreeInput()
	input.Members[2] = MemberInput{Identity: passkeyIdentity(carolAddr, 101, 202), Nickname: "carol"}
	v, err := svc.CreateVault(context.Background(), input)
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))

	rotated := passkeyIdentity(carolAddr, 303, 404)
	res, err := svc.Confirm(context.Background(), txn.ID, rotated, "0xcarol-sig")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmations)

	got, err := svc.GetVault(context.Background(), v.ID)
	require.NoError(t, err)
	for _, m := range got.Members {
		if m.IdentityAddress == strings.ToLower(carolAddr) {
			fresh, err := svc.resolver.Resolve(rotated, v.ChainID)
			require.NoError(t, err)
			assert.Equal(t, fresh.SignerAddress, m.SignerAddress)
		}
	}
}

func TestConfirm_RotatedSignerCannotDoubleCount(t *testing.T) {
	svc, st := newTestService(t, nil)
	input := twoOfThreeInput()
	input.Members[2] = MemberInput{Identity: passkeyIdentity(carolAddr, 101, 202), Nickname: "carol"}
	v, err := svc.CreateVault(context.Background(), input)
	require.NoError(t, err)

	// Carol proposes and is auto-confirmed under her original passkey.
	txn := proposeNativeTransfer(t, svc, v, passkeyIdentity(carolAddr, 101, 202))

	// She rotates the credential and confirms again. The new signer address
	// clears the uniqueness constraint, so without invalidation she would
	// hold two counted confirmations and satisfy the 2-of-3 quorum alone.
	rotated := passkeyIdentity(carolAddr, 303, 404)
	res, err := svc.Confirm(context.Background(), txn.ID, rotated, "0xcarol-rotated-sig")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmations, "stale confirmation must be invalidated on rotation")
	assert.False(t, res.ReadyToExecute)

	count, err := st.Confirmations().CountByTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = svc.Execute(context.Background(), txn.ID, rotated)
	assert.ErrorIs(t, err, ErrInsufficientConfirmations)

	// A second, distinct member still completes the quorum normally.
	_, err = svc.Confirm(context.Background(), txn.ID, plainIdentity(bobAddr), "0xbob-sig")
	require.NoError(t, err)
	_, err = svc.Execute(context.Background(), txn.ID, rotated)
	require.NoError(t, err)
}

func TestExecute(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	svc, _ := newTestService(t, broadcaster)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))

	// Below threshold.
	_, err = svc.Execute(context.Background(), txn.ID, plainIdentity(aliceAddr))
	assert.ErrorIs(t, err, ErrInsufficientConfirmations)

	_, err = svc.Confirm(context.Background(), txn.ID, plainIdentity(bobAddr), "0xbob-sig")
	require.NoError(t, err)

	params, err := svc.Execute(context.Background(), txn.ID, plainIdentity(carolAddr))
	require.NoError(t, err)
	assert.Equal(t, v.WalletAddress, params.WalletAddress)
	assert.Equal(t, v.ChainID, params.ChainID)
	assert.Equal(t, txn.ToAddress, params.To)
	assert.Equal(t, txn.Value, params.Value)
	assert.Equal(t, txn.Nonce, params.Nonce)
	assert.Equal(t, model.OperationCall, params.Operation)

	submitted := broadcaster.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, *params, submitted[0])

	// Second execute: the transaction is no longer pending.
	_, err = svc.Execute(context.Background(), txn.ID, plainIdentity(bobAddr))
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestExecute_Rejections(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))

	_, err = svc.Execute(context.Background(), txn.ID, plainIdentity("0x90F79bf6EB2c4f870365E785982E1f101E93b906"))
	assert.ErrorIs(t, err, ErrNotAMember)

	_, err = svc.Execute(context.Background(), newUUID(t), plainIdentity(aliceAddr))
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestExecute_ConcurrentSingleWinner(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	svc, _ := newTestService(t, broadcaster)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))
	_, err = svc.Confirm(context.Background(), txn.ID, plainIdentity(bobAddr), "0xbob-sig")
	require.NoError(t, err)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Execute(context.Background(), txn.ID, plainIdentity(carolAddr))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrNotPending)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, broadcaster.submitted(), 1)
}

func TestCancel(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)
	txn := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))

	// Only the proposer may cancel, even for other members.
	assert.ErrorIs(t, svc.Cancel(context.Background(), txn.ID, plainIdentity(bobAddr)), ErrNotProposer)

	require.NoError(t, svc.Cancel(context.Background(), txn.ID, plainIdentity(aliceAddr)))

	got, _, err := svc.transactionWithVault(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusCancelled, got.Status)

	// Terminal transactions cannot transition again.
	assert.ErrorIs(t, svc.Cancel(context.Background(), txn.ID, plainIdentity(aliceAddr)), ErrNotPending)
	_, err = svc.Execute(context.Background(), txn.ID, plainIdentity(aliceAddr))
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestListTransactions(t *testing.T) {
	svc, _ := newTestService(t, nil)
	v, err := svc.CreateVault(context.Background(), twoOfThreeInput())
	require.NoError(t, err)

	first := proposeNativeTransfer(t, svc, v, plainIdentity(aliceAddr))
	second := proposeNativeTransfer(t, svc, v, plainIdentity(bobAddr))
	_, err = svc.Confirm(context.Background(), second.ID, plainIdentity(carolAddr), "0xcarol-sig")
	require.NoError(t, err)

	listed, err := svc.ListTransactions(context.Background(), v.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	// Newest nonce first, confirmation tallies attached.
	assert.Equal(t, second.ID, listed[0].ID)
	assert.Equal(t, 2, listed[0].Confirmations)
	assert.Equal(t, first.ID, listed[1].ID)
	assert.Equal(t, 1, listed[1].Confirmations)

	_, err = svc.ListTransactions(context.Background(), newUUID(t))
	assert.ErrorIs(t, err, ErrVaultNotFound)
}
