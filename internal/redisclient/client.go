package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_stock.lua
var claimStockScript string

//go:embed scripts/restock.lua
var restockScript string

// Client caches advertised stock per product and holds per-order settlement
// locks. The database row stays authoritative for stock; this cache only
// serves the fast read path and the optimistic claim check.
type Client struct {
	rdb         *redis.Client
	claimScript *redis.Script
	restock     *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:         rdb,
		claimScript: redis.NewScript(claimStockScript),
		restock:     redis.NewScript(restockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// SetStock writes the synchronizer's freshly computed stock value.
func (c *Client) SetStock(ctx context.Context, productID int64, stock int) error {
	return c.rdb.Set(ctx, stockKey(productID), stock, 0).Err()
}

// GetStock reads the cached stock value.
func (c *Client) GetStock(ctx context.Context, productID int64) (int, error) {
	stock, err := c.rdb.Get(ctx, stockKey(productID)).Int()
	if err == redis.Nil {
		return 0, fmt.Errorf("stock not cached for product %d", productID)
	}
	return stock, err
}

// ClaimCachedStock atomically decrements the cached counter if positive.
// A false return is advisory only - allocation re-checks against the
// database before failing a buyer.
func (c *Client) ClaimCachedStock(ctx context.Context, productID int64) (bool, error) {
	result, err := c.claimScript.Run(ctx, c.rdb, []string{stockKey(productID)}).Result()
	if err != nil {
		return false, fmt.Errorf("claim stock script failed: %w", err)
	}

	claimed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return claimed == 1, nil
}

// RestockCached returns a unit to the cached counter after a release.
func (c *Client) RestockCached(ctx context.Context, productID int64) error {
	_, err := c.restock.Run(ctx, c.rdb, []string{stockKey(productID)}).Result()
	if err != nil {
		return fmt.Errorf("restock script failed: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
