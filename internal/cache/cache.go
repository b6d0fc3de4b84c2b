// Package cache provides the distributed cache and broadcast collaborators:
// a key-value store with TTL expiry and a publish/subscribe bus.
//
// Both are disposable optimisations. Callers must treat every error from
// this package as "no cache" and fall back to recomputing from the source of
// truth; nothing here may be required for correctness.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by KV.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// KV is a shared key-value store with per-key TTL.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Handler receives one broadcast payload.
type Handler func(ctx context.Context, payload string)

// Subscription is a live Subscribe registration.
type Subscription interface {
	// Close stops delivery and waits for the delivery goroutine to exit.
	Close() error
}

// Bus is a publish/subscribe channel shared by every node of the cluster.
// Delivery is asynchronous and at-most-once; a publisher also receives its own
// messages when subscribed to the same channel.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
}
