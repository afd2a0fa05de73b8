// Package cache provides the optional Redis balance cache. Postgres stays
// authoritative; the ledger invalidates entries after every committed write.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const balanceTTL = 5 * time.Minute

type BalanceCache struct {
	client *redis.Client
}

// NewBalanceCache connects to Redis at addr and verifies the connection.
func NewBalanceCache(ctx context.Context, addr string) (*BalanceCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &BalanceCache{client: client}, nil
}

func balanceKey(userID uuid.UUID) string {
	return "balance:" + userID.String()
}

func (c *BalanceCache) GetBalance(ctx context.Context, userID uuid.UUID) (int, bool, error) {
	balance, err := c.client.Get(ctx, balanceKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (c *BalanceCache) SetBalance(ctx context.Context, userID uuid.UUID, balance int) error {
	return c.client.Set(ctx, balanceKey(userID), balance, balanceTTL).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return c.client.Del(ctx, balanceKey(userID)).Err()
}

func (c *BalanceCache) Close() error {
	return c.client.Close()
}
