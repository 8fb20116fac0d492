package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseLockScript deletes the lock only while it still holds the caller's token,
// so an expired-then-reacquired lock is never released by its previous owner.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
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

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping is used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IsEventProcessed checks whether a webhook event id was already handled
func (c *Client) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, processedKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkEventProcessed records a handled webhook event id for ttl
func (c *Client) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, processedKey(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock and returns the token needed to release it
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	return token, ok, nil
}

// ReleaseLock releases a distributed lock held with token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	if err := releaseLockScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockKey, err)
	}
	return nil
}

func lockName(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func processedKey(eventID string) string {
	return fmt.Sprintf("webhook:processed:%s", eventID)
}
