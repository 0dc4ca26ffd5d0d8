// Package balance reads vault wallet holdings. The indexer service is the
// primary source; when it is down (tracked by a circuit breaker) the reader
// falls back to direct RPC over the token allowlist. Snapshots are cached
// because balance display tolerates short staleness but not indexer outages.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Spritz-Labs/spritz-vault/internal/alert"
	"github.com/Spritz-Labs/spritz-vault/internal/chain/evm/erc20"
	"github.com/Spritz-Labs/spritz-vault/internal/chain/evm/rpc"
	"github.com/Spritz-Labs/spritz-vault/internal/circuitbreaker"
	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
	"github.com/Spritz-Labs/spritz-vault/internal/metrics"
	"github.com/Spritz-Labs/spritz-vault/internal/store"
)

// SnapshotCache stores recent balance snapshots. Implementations log their
// own failures and degrade to a miss; caching is never load-bearing.
type SnapshotCache interface {
	Get(ctx context.Context, chainID uint64, walletAddress string) (*model.BalanceSnapshot, bool)
	Set(ctx context.Context, snapshot *model.BalanceSnapshot)
}

// NopCache disables caching.
type NopCache struct{}

func (NopCache) Get(context.Context, uint64, string) (*model.BalanceSnapshot, bool) { return nil, false }
func (NopCache) Set(context.Context, *model.BalanceSnapshot)                        {}

// Reader aggregates a vault wallet's native and allow-listed token balances.
type Reader struct {
	indexer *IndexerClient
	clients map[uint64]rpc.EVMClient
	tokens  store.TokenRepository
	cache   SnapshotCache
	breaker *circuitbreaker.Breaker
	alerter alert.Alerter
	logger  *slog.Logger
	now     func() time.Time
}

// ReaderOption configures optional reader collaborators.
type ReaderOption func(*Reader)

// WithAlerter raises operator alerts when the indexer circuit opens or
// recovers.
func WithAlerter(a alert.Alerter) ReaderOption {
	return func(r *Reader) { r.alerter = a }
}

// NewReader wires the reader. indexer may be nil (RPC only), cache may be
// nil (no caching), and clients maps chain ID to that chain's RPC client.
func NewReader(
	indexer *IndexerClient,
	clients map[uint64]rpc.EVMClient,
	tokens store.TokenRepository,
	cache SnapshotCache,
	logger *slog.Logger,
	opts ...ReaderOption,
) *Reader {
	if cache == nil {
		cache = NopCache{}
	}
	r := &Reader{
		indexer: indexer,
		clients: clients,
		tokens:  tokens,
		cache:   cache,
		logger:  logger.With("component", "balance"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: r.onBreakerStateChange,
	})
	return r
}

func (r *Reader) onBreakerStateChange(from, to circuitbreaker.State) {
	r.logger.Warn("indexer circuit state changed", "from", from.String(), "to", to.String())
	if r.alerter == nil {
		return
	}

	var a alert.Alert
	switch to {
	case circuitbreaker.StateOpen:
		a = alert.Alert{
			Type:    alert.TypeIndexerDown,
			Title:   "balance indexer unavailable",
			Message: "indexer circuit opened, balance reads are falling back to direct RPC",
			Fields:  map[string]string{"previous_state": from.String()},
		}
	case circuitbreaker.StateClosed:
		a = alert.Alert{
			Type:    alert.TypeIndexerRecovered,
			Title:   "balance indexer recovered",
			Message: "indexer circuit closed, balance reads are back on the indexer",
		}
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.alerter.Send(ctx, a); err != nil {
		r.logger.Warn("alert send failed", "type", a.Type, "error", err)
	}
}

// Snapshot returns the wallet's current holdings: cache, then indexer, then
// direct RPC over the allowlist. Tokens outside the allowlist are never
// reported, whatever source served the request.
func (r *Reader) Snapshot(ctx context.Context, chainID uint64, walletAddress string) (*model.BalanceSnapshot, error) {
	if snapshot, ok := r.cache.Get(ctx, chainID, walletAddress); ok {
		metrics.BalanceFetches.WithLabelValues(chainLabel(chainID), "cache").Inc()
		return snapshot, nil
	}

	if r.indexer != nil && r.breaker.Allow() == nil {
		snapshot, err := r.indexer.FetchBalances(ctx, chainID, walletAddress)
		if err == nil {
			r.breaker.RecordSuccess()
			snapshot, err = r.filterToAllowlist(ctx, snapshot)
			if err != nil {
				return nil, err
			}
			// An empty token list from a healthy indexer usually means
			// indexing lag, not an empty wallet. Fall through to direct RPC
			// when a client exists; otherwise the indexer view stands.
			_, hasRPC := r.clients[chainID]
			if len(snapshot.Tokens) > 0 || !hasRPC {
				snapshot.FetchedAt = r.now()
				r.cache.Set(ctx, snapshot)
				metrics.BalanceFetches.WithLabelValues(chainLabel(chainID), "indexer").Inc()
				return snapshot, nil
			}
			r.logger.Debug("indexer returned no token entries, falling back to rpc",
				"chain_id", chainID,
				"wallet_address", walletAddress,
			)
		} else {
			r.breaker.RecordFailure()
			r.logger.Warn("indexer fetch failed, falling back to rpc",
				"chain_id", chainID,
				"wallet_address", walletAddress,
				"error", err,
			)
		}
	}

	snapshot, err := r.fetchViaRPC(ctx, chainID, walletAddress)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, snapshot)
	metrics.BalanceFetches.WithLabelValues(chainLabel(chainID), "rpc_fallback").Inc()
	return snapshot, nil
}

// IsDeployed probes whether the counterfactual wallet has code on chain yet.
func (r *Reader) IsDeployed(ctx context.Context, chainID uint64, walletAddress string) (bool, error) {
	client, ok := r.clients[chainID]
	if !ok {
		return false, fmt.Errorf("no rpc client for chain %d", chainID)
	}
	code, err := client.GetCode(ctx, common.HexToAddress(walletAddress))
	if err != nil {
		return false, fmt.Errorf("probe deployment: %w", err)
	}
	return len(code) > 0, nil
}

func (r *Reader) fetchViaRPC(ctx context.Context, chainID uint64, walletAddress string) (*model.BalanceSnapshot, error) {
	client, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no rpc client for chain %d", chainID)
	}
	wallet := common.HexToAddress(walletAddress)

	native, err := client.GetBalance(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("fetch native balance: %w", err)
	}

	allowed, err := r.tokens.ListByChain(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("load token allowlist: %w", err)
	}

	snapshot := &model.BalanceSnapshot{
		WalletAddress: walletAddress,
		ChainID:       chainID,
		Native:        native.String(),
		Tokens:        make([]model.TokenBalance, 0, len(allowed)),
		FetchedAt:     r.now(),
	}

	for _, token := range allowed {
		calldata, err := erc20.BalanceOfCalldata(wallet)
		if err != nil {
			return nil, err
		}
		ret, err := client.Call(ctx, common.HexToAddress(token.ContractAddress), calldata)
		if err != nil {
			// One broken token contract must not sink the whole snapshot.
			r.logger.Warn("token balance fetch failed, skipping",
				"chain_id", chainID,
				"contract", token.ContractAddress,
				"error", err,
			)
			continue
		}
		amount, err := erc20.DecodeBalanceOf(ret)
		if err != nil {
			r.logger.Warn("token balance decode failed, skipping",
				"chain_id", chainID,
				"contract", token.ContractAddress,
				"error", err,
			)
			continue
		}
		if amount.Sign() == 0 {
			continue
		}
		snapshot.Tokens = append(snapshot.Tokens, model.TokenBalance{Token: token, Amount: amount.String()})
	}
	return snapshot, nil
}

// filterToAllowlist drops indexer-reported tokens that are not allow-listed,
// and overlays allowlist metadata (symbol, decimals) over whatever the
// indexer returned.
func (r *Reader) filterToAllowlist(ctx context.Context, snapshot *model.BalanceSnapshot) (*model.BalanceSnapshot, error) {
	allowed, err := r.tokens.ListByChain(ctx, snapshot.ChainID)
	if err != nil {
		return nil, fmt.Errorf("load token allowlist: %w", err)
	}
	byContract := make(map[string]model.Token, len(allowed))
	for _, token := range allowed {
		byContract[normalizeContract(token.ContractAddress)] = token
	}

	filtered := snapshot.Tokens[:0]
	for _, tb := range snapshot.Tokens {
		token, ok := byContract[normalizeContract(tb.Token.ContractAddress)]
		if !ok {
			continue
		}
		filtered = append(filtered, model.TokenBalance{Token: token, Amount: tb.Amount})
	}
	snapshot.Tokens = filtered
	return snapshot, nil
}

func normalizeContract(addr string) string {
	return common.HexToAddress(addr).Hex()
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
