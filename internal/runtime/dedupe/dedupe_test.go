package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	seen, err := store.Seen(ctx, "reminder-scheduler", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Mark(ctx, "reminder-scheduler", "evt-1"))

	seen, err = store.Seen(ctx, "reminder-scheduler", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "audit", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "groups must not share dedupe state")
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore(time.Hour))
}

func TestRedisStore(t *testing.T) {
	store, _ := setupRedis(t, time.Hour)
	runStoreContract(t, store)
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Mark(ctx, "g", "evt-1"))
	now = now.Add(59 * time.Second)
	seen, err := store.Seen(ctx, "g", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(time.Second)
	seen, err = store.Seen(ctx, "g", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Empty(t, store.entries)
}

func TestRedisStoreExpires(t *testing.T) {
	store, mr := setupRedis(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Mark(ctx, "g", "evt-1"))
	assert.Equal(t, time.Minute, mr.TTL(Key("g", "evt-1")))

	mr.FastForward(2 * time.Minute)
	seen, err := store.Seen(ctx, "g", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisStoreReportsErrors(t *testing.T) {
	store, mr := setupRedis(t, time.Minute)
	require.NoError(t, store.Ping(context.Background()))
	mr.Close()

	assert.Error(t, store.Ping(context.Background()))

	_, err := store.Seen(context.Background(), "g", "evt-1")
	assert.ErrorContains(t, err, "dedupe lookup")
	assert.ErrorContains(t, store.Mark(context.Background(), "g", "evt-1"), "dedupe mark")
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "http://localhost:6379", time.Minute)
	assert.ErrorContains(t, err, "parsing redis URL")
}

func TestDefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, NewMemoryStore(0).ttl)
	assert.Equal(t, DefaultTTL, NewRedisStore(nil, -1).ttl)
}
