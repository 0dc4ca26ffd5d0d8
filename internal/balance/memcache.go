package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/Spritz-Labs/spritz-vault/internal/cache"
	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

// MemoryCache is an in-process SnapshotCache for single-instance
// deployments and tests. Multi-instance deployments should use the Redis
// cache so all replicas see the same snapshots.
type MemoryCache struct {
	lru *cache.LRU[string, *model.BalanceSnapshot]
}

func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: cache.NewLRU[string, *model.BalanceSnapshot](capacity, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, chainID uint64, walletAddress string) (*model.BalanceSnapshot, bool) {
	return c.lru.Get(snapshotKey(chainID, walletAddress))
}

func (c *MemoryCache) Set(_ context.Context, snapshot *model.BalanceSnapshot) {
	c.lru.Put(snapshotKey(snapshot.ChainID, snapshot.WalletAddress), snapshot)
}

func snapshotKey(chainID uint64, walletAddress string) string {
	return fmt.Sprintf("%d:%s", chainID, walletAddress)
}
