package postgres

import (
	"context"
	"fmt"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

// TokenRepo implements store.TokenRepository using PostgreSQL.
type TokenRepo struct {
	db *DB
}

func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) ListByChain(ctx context.Context, chainID uint64) ([]model.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT chain_id, contract_address, symbol, name, decimals, created_at
		FROM tokens
		WHERE chain_id = $1
		ORDER BY symbol
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(&t.ChainID, &t.ContractAddress, &t.Symbol, &t.Name, &t.Decimals, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *TokenRepo) Upsert(ctx context.Context, t *model.Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tokens (chain_id, contract_address, symbol, name, decimals)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id, contract_address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals
	`, t.ChainID, t.ContractAddress, t.Symbol, t.Name, t.Decimals)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}
