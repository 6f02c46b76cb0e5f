package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*UserCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewUserCache(client, time.Minute), mr
}

func TestUserCache_RememberAndSeen(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.Remember(ctx, "u1"))
	seen, err = c.Seen(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.True(t, mr.Exists("user:exists:u1"))
	assert.Equal(t, time.Minute, mr.TTL("user:exists:u1"))
}

func TestUserCache_Expires(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, "u1"))
	mr.FastForward(2 * time.Minute)

	seen, err := c.Seen(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestUserCache_ServerDown(t *testing.T) {
	c, mr := setupTestRedis(t)
	mr.Close()

	_, err := c.Seen(context.Background(), "u1")
	assert.Error(t, err)
	assert.Error(t, c.Remember(context.Background(), "u1"))
}
