package model

import "time"

// Token is an allow-listed ERC-20 contract whose balances may be shown for a
// vault. Non-allow-listed tokens are never displayed (spam/scam filtering).
type Token struct {
	ChainID         uint64    `db:"chain_id"`
	ContractAddress string    `db:"contract_address"`
	Symbol          string    `db:"symbol"`
	Name            string    `db:"name"`
	Decimals        int       `db:"decimals"`
	CreatedAt       time.Time `db:"created_at"`
}

// TokenBalance is a single token holding of a vault wallet, amount in the
// token's base units as decimal text.
type TokenBalance struct {
	Token  Token  `json:"token"`
	Amount string `json:"amount"`
}

// BalanceSnapshot aggregates a vault wallet's holdings for display.
type BalanceSnapshot struct {
	WalletAddress string         `json:"walletAddress"`
	ChainID       uint64         `json:"chainId"`
	Native        string         `json:"native"` // wei as decimal text
	Tokens        []TokenBalance `json:"tokens"`
	FetchedAt     time.Time      `json:"fetchedAt"`
}
