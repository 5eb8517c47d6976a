package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/redis/go-redis/v9"
)

const (
	callKeyPrefix     = "call:"
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "presence:online"
	recentCallsLimit  = 50
)

// Client is the Redis-backed call ledger and presence mirror. The in-memory
// session store stays authoritative; Redis only keeps what outlives it.
type Client struct {
	rdb     *redis.Client
	callTTL time.Duration
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb, callTTL: cfg.CallTTL}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func callKey(roomID string) string { return callKeyPrefix + roomID }
func userCallsKey(userID string) string { return "user:" + userID + ":calls" }
func presenceKey(userID string) string { return presenceKeyPrefix + userID }
