// Package cache holds the Redis-backed user-existence cache.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewUserCache returns a cache of users the user service has confirmed.
// Only positive lookups are stored; a miss always goes to the user service.
func NewUserCache(client *redis.Client, ttl time.Duration) *UserCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &UserCache{
		client: client,
		ttl:    ttl,
	}
}

type UserCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (c *UserCache) Seen(ctx context.Context, userID string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

func (c *UserCache) Remember(ctx context.Context, userID string) error {
	if err := c.client.Set(ctx, cacheKey(userID), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func cacheKey(userID string) string {
	return fmt.Sprintf("user:exists:%s", userID)
}
