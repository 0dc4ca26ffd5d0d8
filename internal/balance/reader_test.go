package balance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spritz-Labs/spritz-vault/internal/alert"
	"github.com/Spritz-Labs/spritz-vault/internal/chain/evm/erc20"
	"github.com/Spritz-Labs/spritz-vault/internal/chain/evm/rpc"
	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/store/memory"
)

const (
	walletAddr = "0x5afe00000000000000000000000000000000cafe"
	usdcAddr   = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	spamAddr   = "0x000000000000000000000000000000000000dead"
)

// fakeEVMClient serves canned balances keyed by contract address.
type fakeEVMClient struct {
	native   *big.Int
	balances map[common.Address]*big.Int
	code     []byte
	err      error
}

func (f *fakeEVMClient) GetBalance(context.Context, common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.native, nil
}

func (f *fakeEVMClient) Call(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	amount, ok := f.balances[to]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return common.LeftPadBytes(amount.Bytes(), 32), nil
}

func (f *fakeEVMClient) GetCode(context.Context, common.Address) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.code, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedUSDC(t *testing.T, st *memory.Store) {
	t.Helper()
	require.NoError(t, st.Tokens().Upsert(context.Background(), &model.Token{
		ChainID:         1,
		ContractAddress: usdcAddr,
		Symbol:          "USDC",
		Name:            "USD Coin",
		Decimals:        6,
	}))
}

func TestSnapshot_IndexerPrimary(t *testing.T) {
	st := memory.NewStore()
	seedUSDC(t, st)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "1", r.URL.Query().Get("chain_id"))
		assert.Equal(t, walletAddr, r.URL.Query().Get("address"))
		json.NewEncoder(w).Encode(indexerBalanceResponse{
			Native: "5000000000000000000",
			Tokens: []indexerTokenBalance{
				{ContractAddress: usdcAddr, Symbol: "USDC", Decimals: 6, Amount: "125000000"},
				{ContractAddress: spamAddr, Symbol: "FREE-MONEY", Decimals: 18, Amount: "999999"},
			},
		})
	}))
	defer srv.Close()

	r := NewReader(NewIndexerClient(srv.URL), nil, st.Tokens(), nil, discardLogger())
	snapshot, err := r.Snapshot(context.Background(), 1, walletAddr)
	require.NoError(t, err)

	assert.Equal(t, "5000000000000000000", snapshot.Native)
	assert.False(t, snapshot.FetchedAt.IsZero())

	// The spam token is not allow-listed and must be dropped; the USDC entry
	// carries the allowlist metadata.
	require.Len(t, snapshot.Tokens, 1)
	assert.Equal(t, "USDC", snapshot.Tokens[0].Token.Symbol)
	assert.Equal(t, "USD Coin", snapshot.Tokens[0].Token.Name)
	assert.Equal(t, "125000000", snapshot.Tokens[0].Amount)
	assert.Equal(t, int64(1), calls.Load())
}

func TestSnapshot_CacheHit(t *testing.T) {
	st := memory.NewStore()
	seedUSDC(t, st)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(indexerBalanceResponse{Native: "42"})
	}))
	defer srv.Close()

	r := NewReader(NewIndexerClient(srv.URL), nil, st.Tokens(), NewMemoryCache(16, time.Minute), discardLogger())

	first, err := r.Snapshot(context.Background(), 1, walletAddr)
	require.NoError(t, err)
	second, err := r.Snapshot(context.Background(), 1, walletAddr)
	require.NoError(t, err)

	assert.Equal(t, first.Native, second.Native)
	assert.Equal(t, int64(1), calls.Load(), "second read must come from cache")
}

func TestSnapshot_RPCFallback(t *testing.T) {
	st := memory.NewStore()
	seedUSDC(t, st)
	require.NoError(t, st.Tokens().Upsert(context.Background(), &model.Token{
		ChainID:         1,
		ContractAddress: spamAddr,
		Symbol:          "BROKEN",
		Decimals:        18,
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "indexer down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clients := map[uint64]rpc.EVMClient{
		1: &fakeEVMClient{
			native: big.NewInt(7e15),
			balances: map[common.Address]*big.Int{
				common.HexToAddress(usdcAddr): big.NewInt(9_000_000),
				// spamAddr missing: its eth_call reverts and is skipped.
			},
		},
	}

	r := NewReader(NewIndexerClient(srv.URL), clients, st.Tokens(), nil, discardLogger())
	snapshot, err := r.Snapshot(context.Background(), 1, walletAddr)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(7e15).String(), snapshot.Native)
	require.Len(t, snapshot.Tokens, 1)
	assert.Equal(t, "USDC", snapshot.Tokens[0].Token.Symbol)
	assert.Equal(t, "9000000", snapshot.Tokens[0].Amount)
}

func TestSnapshot_RPCFallbackWhenIndexerHasNoTokens(t *testing.T) {
	st := memory.NewStore()
	seedUSDC(t, st)

	// Healthy indexer that lags behind: 200 with no token entries.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(indexerBalanceResponse{Native: "5"})
	}))
	defer srv.Close()

	clients := map[uint64]rpc.EVMClient{
		1: &fakeEVMClient{
			native:   big.NewInt(5),
			balances: map[common.Address]*big.Int{common.HexToAddress(usdcAddr): big.NewInt(9_000_000)},
		},
	}

	r := NewReader(NewIndexerClient(srv.URL), clients, st.Tokens(), nil, discardLogger())
	snapshot, err := r.Snapshot(context.Background(), 1, walletAddr)
	require.NoError(t, err)

	require.Len(t, snapshot.Tokens, 1, "empty indexer token list must trigger the rpc fallback")
	assert.Equal(t, "USDC", snapshot.Tokens[0].Token.Symbol)
	assert.Equal(t, "9000000", snapshot.Tokens[0].Amount)

	// Without an RPC client for the chain, the indexer view stands.
	bare := NewReader(NewIndexerClient(srv.URL), nil, st.Tokens(), nil, discardLogger())
	snapshot, err = bare.Snapshot(context.Background(), 1, walletAddr)
	require.NoError(t, err)
	assert.Equal(t, "5", snapshot.Native)
	assert.Empty(t, snapshot.Tokens)
}

func TestSnapshot_RPCFallbackSkipsZeroBalances(t *testing.T) {
	st := memory.NewStore()
	seedUSDC(t, st)

	clients := map[uint64]rpc.EVMClient{
		1: &fakeEVMClient{
			native:   big.NewInt(0),
			balances: map[common.Address]*big.Int{common.HexToAddress(usdcAddr): big.NewInt(0)},
		},
	}

	// No indexer configured at all.
	r := NewReader(nil, clients, st.Tokens(), nil, discardLogger())
	snapshot, err := r.Snapshot(context.Background(), 1, walletAddr)
	require.NoError(t, err)
	assert.Equal(t, "0", snapshot.Native)
	assert.Empty(t, snapshot.Tokens)
}

func TestSnapshot_NoSourceAvailable(t *testing.T) {
	st := memory.NewStore()
	r := NewReader(nil, nil, st.Tokens(), nil, discardLogger())
	_, err := r.Snapshot(context.Background(), 1, walletAddr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rpc client")
}

func TestSnapshot_BreakerSkipsIndexerWhileOpen(t *testing.T) {
	st := memory.NewStore()
	seedUSDC(t, st)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "indexer down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clients := map[uint64]rpc.EVMClient{
		1: &fakeEVMClient{native: big.NewInt(1), balances: map[common.Address]*big.Int{}},
	}
	r := NewReader(NewIndexerClient(srv.URL), clients, st.Tokens(), nil, discardLogger())

	// Trip the breaker, then keep reading: once open, the indexer must not
	// be called again.
	for i := 0; i < 10; i++ {
		_, err := r.Snapshot(context.Background(), 1, walletAddr)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, calls.Load(), int64(5), "breaker should stop indexer calls after the failure threshold")
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *recordingAlerter) types() []alert.Type {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]alert.Type, len(a.alerts))
	for i, al := range a.alerts {
		out[i] = al.Type
	}
	return out
}

func TestSnapshot_AlertsWhenBreakerOpens(t *testing.T) {
	st := memory.NewStore()
	seedUSDC(t, st)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "indexer down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clients := map[uint64]rpc.EVMClient{
		1: &fakeEVMClient{native: big.NewInt(1), balances: map[common.Address]*big.Int{}},
	}
	rec := &recordingAlerter{}
	r := NewReader(NewIndexerClient(srv.URL), clients, st.Tokens(), nil, discardLogger(), WithAlerter(rec))

	for i := 0; i < 10; i++ {
		_, err := r.Snapshot(context.Background(), 1, walletAddr)
		require.NoError(t, err)
	}

	types := rec.types()
	require.NotEmpty(t, types, "opening the breaker must raise an alert")
	assert.Equal(t, alert.TypeIndexerDown, types[0])
}

func TestIsDeployed(t *testing.T) {
	st := memory.NewStore()

	deployed := map[uint64]rpc.EVMClient{1: &fakeEVMClient{code: []byte{0x60, 0x80}}}
	r := NewReader(nil, deployed, st.Tokens(), nil, discardLogger())
	ok, err := r.IsDeployed(context.Background(), 1, walletAddr)
	require.NoError(t, err)
	assert.True(t, ok)

	counterfactual := map[uint64]rpc.EVMClient{1: &fakeEVMClient{code: nil}}
	r = NewReader(nil, counterfactual, st.Tokens(), nil, discardLogger())
	ok, err = r.IsDeployed(context.Background(), 1, walletAddr)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.IsDeployed(context.Background(), 424242, walletAddr)
	require.Error(t, err)
}

func TestBalanceOfRoundTrip(t *testing.T) {
	calldata, err := erc20.BalanceOfCalldata(common.HexToAddress(walletAddr))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x70, 0xa0, 0x82, 0x31}, calldata[:4])

	amount, err := erc20.DecodeBalanceOf(common.LeftPadBytes(big.NewInt(123456).Bytes(), 32))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(123456), amount)
}
