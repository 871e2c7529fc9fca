package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/rate_limit.lua
var rateLimitScript string

type Client struct {
	rdb             *redis.Client
	rateLimitScript *redis.Script
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
		rdb:             rdb,
		rateLimitScript: redis.NewScript(rateLimitScript),
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

func reservationKey(tenantID, reservationID string) string {
	return fmt.Sprintf("reservation:%s:%s", tenantID, reservationID)
}

// GetReservations reads cached reservation lines. A miss or a decode error
// reports not-found; the caller falls back to the authoritative store.
func (c *Client) GetReservations(ctx context.Context, tenantID, reservationID string) ([]models.Reservation, bool) {
	raw, err := c.rdb.Get(ctx, reservationKey(tenantID, reservationID)).Bytes()
	if err != nil {
		return nil, false
	}

	var rs []models.Reservation
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, false
	}
	return rs, true
}

// SetReservations caches reservation lines until they would expire anyway.
// Best-effort: write failures are ignored.
func (c *Client) SetReservations(ctx context.Context, tenantID, reservationID string, rs []models.Reservation, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(rs)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, reservationKey(tenantID, reservationID), raw, ttl)
}

// InvalidateReservations drops the cached lines after a status change
func (c *Client) InvalidateReservations(ctx context.Context, tenantID, reservationID string) {
	c.rdb.Del(ctx, reservationKey(tenantID, reservationID))
}

// AcquireLock acquires a best-effort distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}

// UserRateLimiter counts admissions per user over a rolling window
type UserRateLimiter struct {
	client *Client
	max    int
	window time.Duration
}

// NewUserRateLimiter creates a rolling-window limiter backed by Redis
func NewUserRateLimiter(client *Client, max int, window time.Duration) *UserRateLimiter {
	return &UserRateLimiter{client: client, max: max, window: window}
}

// Allow reports whether another admission fits inside the user's window
func (l *UserRateLimiter) Allow(ctx context.Context, tenantID, userID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", tenantID, userID)
	now := time.Now().UnixMilli()

	result, err := l.client.rateLimitScript.Run(ctx, l.client.rdb, []string{key},
		now, l.window.Milliseconds(), l.max).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}

	admitted, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return admitted == 1, nil
}
