package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis creates a cache.Redis backed by a miniredis server.
func newTestRedis(t *testing.T) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := cache.NewRedisWithClient(cache.RedisConfig{Address: mr.Addr(), Prefix: "parley:"}, client)
	return r, mr
}

func TestRedis_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	require.NoError(t, r.Set(ctx, "pack:celulares", "doc", time.Hour))
	assert.True(t, mr.Exists("parley:pack:celulares"), "key should be stored with prefix")

	got, err := r.Get(ctx, "pack:celulares")
	require.NoError(t, err)
	assert.Equal(t, "doc", got)

	require.NoError(t, r.Delete(ctx, "pack:celulares"))
	_, err = r.Get(ctx, "pack:celulares")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestRedis_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	require.NoError(t, r.Set(ctx, "k", "v", 30*time.Second))
	mr.FastForward(31 * time.Second)

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestRedis_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	got := make(chan string, 1)
	sub, err := r.Subscribe(ctx, "rules.invalidate", func(_ context.Context, payload string) {
		got <- payload
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Publish(ctx, "rules.invalidate", "tenant-1"))

	select {
	case p := <-got:
		assert.Equal(t, "tenant-1", p)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast was not delivered")
	}
}

func TestRedis_UnavailableServer(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrMiss, "a dead server is not a miss")
	assert.Error(t, r.Publish(ctx, "rules", "x"))
}
