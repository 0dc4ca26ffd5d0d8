package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

// IndexerClient fetches pre-aggregated balances from the balance indexer
// service. It is the primary source; the reader falls back to direct RPC
// when the indexer is unavailable.
type IndexerClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewIndexerClient(baseURL string) *IndexerClient {
	return &IndexerClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

type indexerTokenBalance struct {
	ContractAddress string `json:"contractAddress"`
	Symbol          string `json:"symbol"`
	Name            string `json:"name"`
	Decimals        int    `json:"decimals"`
	Amount          string `json:"amount"`
}

type indexerBalanceResponse struct {
	Native string                `json:"native"`
	Tokens []indexerTokenBalance `json:"tokens"`
}

// FetchBalances returns the indexer's view of a wallet's holdings.
func (c *IndexerClient) FetchBalances(ctx context.Context, chainID uint64, walletAddress string) (*model.BalanceSnapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/balances?chain_id=%s&address=%s",
		c.baseURL, strconv.FormatUint(chainID, 10), url.QueryEscape(walletAddress))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer status %d: %s", resp.StatusCode, string(body))
	}

	var parsed indexerBalanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	snapshot := &model.BalanceSnapshot{
		WalletAddress: walletAddress,
		ChainID:       chainID,
		Native:        parsed.Native,
		Tokens:        make([]model.TokenBalance, len(parsed.Tokens)),
	}
	for i, tb := range parsed.Tokens {
		snapshot.Tokens[i] = model.TokenBalance{
			Token: model.Token{
				ChainID:         chainID,
				ContractAddress: tb.ContractAddress,
				Symbol:          tb.Symbol,
				Name:            tb.Name,
				Decimals:        tb.Decimals,
			},
			Amount: tb.Amount,
		}
	}
	return snapshot, nil
}
