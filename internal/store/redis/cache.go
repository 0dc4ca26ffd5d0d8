// Package redis implements the shared balance snapshot cache. Every service
// replica reads and writes the same keys, so one replica's fetch warms the
// cache for all of them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

const keyPrefix = "vault:balance:"

// SnapshotCache caches balance snapshots in Redis with a fixed TTL. Cache
// failures are logged and treated as misses; they never fail a balance read.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	return &SnapshotCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "balance_cache"),
	}
}

func (c *SnapshotCache) Get(ctx context.Context, chainID uint64, walletAddress string) (*model.BalanceSnapshot, bool) {
	raw, err := c.client.Get(ctx, snapshotKey(chainID, walletAddress)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache get failed", "chain_id", chainID, "error", err)
		return nil, false
	}

	var snapshot model.BalanceSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "chain_id", chainID, "error", err)
		c.client.Del(ctx, snapshotKey(chainID, walletAddress))
		return nil, false
	}
	return &snapshot, true
}

func (c *SnapshotCache) Set(ctx context.Context, snapshot *model.BalanceSnapshot) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Warn("cache encode failed", "chain_id", snapshot.ChainID, "error", err)
		return
	}
	key := snapshotKey(snapshot.ChainID, snapshot.WalletAddress)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "chain_id", snapshot.ChainID, "error", err)
	}
}

// Ping verifies connectivity at startup.
func (c *SnapshotCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func snapshotKey(chainID uint64, walletAddress string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, chainID, strings.ToLower(walletAddress))
}
