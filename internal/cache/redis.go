package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisClient is the subset of go-redis client methods used by Redis.
// Keeping it as an interface enables mocking in tests.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// RedisConfig holds connection settings for the shared cache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string // applied to KV keys and channel names
}

// Redis implements both KV and Bus on a single Redis connection pool.
type Redis struct {
	cfg    RedisConfig
	client RedisClient
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping failed: %w", cfg.Address, err)
	}
	log.Info().Str("address", cfg.Address).Msg("Redis cache connected")
	return &Redis{cfg: cfg, client: client}, nil
}

// NewRedisWithClient creates a Redis backed by a pre-built client (tests).
func NewRedisWithClient(cfg RedisConfig, client RedisClient) *Redis {
	return &Redis{cfg: cfg, client: client}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) prefixed(key string) string {
	return r.cfg.Prefix + key
}

// ── KV ───────────────────────────────────────────────────────

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.prefixed(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value with TTL; a zero TTL never expires.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefixed(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefixed(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// ── Bus ──────────────────────────────────────────────────────

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	if err := r.client.Publish(ctx, r.prefixed(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription, then delivers
// messages on a background goroutine until the Subscription is closed.
func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.prefixed(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &redisSub{ps: ps}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		deliverCtx := context.WithoutCancel(ctx)
		for msg := range ps.Channel() {
			h(deliverCtx, msg.Payload)
		}
	}()

	log.Info().Str("channel", channel).Msg("Subscribed to broadcast channel")
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	once sync.Once
	err  error
	wg   sync.WaitGroup
}

func (s *redisSub) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	s.wg.Wait()
	return s.err
}
