// Package rpc implements a minimal JSON-RPC client for the read-only EVM
// calls the balance reader and deployment probe need.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Spritz-Labs/spritz-vault/internal/chain/ratelimit"
)

// EVMClient is the read-only surface the balance reader depends on.
type EVMClient interface {
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	GetCode(ctx context.Context, address common.Address) ([]byte, error)
}

type Client struct {
	httpClient *http.Client
	rpcURL     string
	chainID    uint64
	requestID  atomic.Int64
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewClient creates a client against one chain's RPC endpoint. limiter may be
// nil to disable client-side throttling.
func NewClient(rpcURL string, chainID uint64, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		chainID:    chainID,
		limiter:    limiter,
		logger:     logger.With("component", "evm_rpc", "chain_id", chainID),
	}
}

// GetBalance returns the native balance of address at the latest block, in wei.
func (c *Client) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	result, err := c.call(ctx, "eth_getBalance", []interface{}{address.Hex(), "latest"})
	if err != nil {
		return nil, err
	}
	return decodeQuantity(result)
}

// Call executes a read-only contract call at the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := callMsg{To: to.Hex(), Data: hexutil.Encode(data)}
	result, err := c.call(ctx, "eth_call", []interface{}{msg, "latest"})
	if err != nil {
		return nil, err
	}
	return decodeBytes(result)
}

// GetCode returns the deployed bytecode at address. An empty result means the
// address holds no contract, i.e. a counterfactual wallet is not yet deployed.
func (c *Client) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	result, err := c.call(ctx, "eth_getCode", []interface{}{address.Hex(), "latest"})
	if err != nil {
		return nil, err
	}
	return decodeBytes(result)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	id := int(c.requestID.Add(1))
	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	ratelimit.RecordRPCCall(c.chainID, method, err)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

func decodeQuantity(raw json.RawMessage) (*big.Int, error) {
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return nil, fmt.Errorf("decode quantity: %w", err)
	}
	value, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, fmt.Errorf("decode quantity %q: %w", hex, err)
	}
	return value, nil
}

func decodeBytes(raw json.RawMessage) ([]byte, error) {
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return nil, fmt.Errorf("decode bytes: %w", err)
	}
	data, err := hexutil.Decode(hex)
	if err != nil {
		return nil, fmt.Errorf("decode bytes %q: %w", hex, err)
	}
	return data, nil
}
