package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ── In-memory KV ─────────────────────────────────────────────

type kvItem struct {
	value   string
	expires time.Time // zero = never
}

// MemoryKV is a process-local KV used when Redis is not configured.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]kvItem
	now   func() time.Time
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]kvItem), now: time.Now}
}

// WithClock overrides the clock used for TTL checks (tests).
func (m *MemoryKV) WithClock(now func() time.Time) *MemoryKV {
	m.now = now
	return m
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return "", ErrMiss
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return "", ErrMiss
	}
	return it.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := kvItem{value: value}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// ── In-memory Bus ────────────────────────────────────────────

// MemoryBus is an in-process broadcast hub. Several engine instances sharing
// one MemoryBus behave like cluster nodes sharing a Redis channel, which is
// how the cache coherence tests simulate a cluster.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
}

// NewMemoryBus creates an empty hub.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish enqueues payload for every current subscriber of channel. A full
// subscriber buffer drops the message, matching Redis at-most-once delivery.
func (b *MemoryBus) Publish(_ context.Context, channel, payload string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[channel] {
		select {
		case s.ch <- payload:
		default:
			log.Warn().Str("channel", channel).Msg("Broadcast subscriber buffer full, message dropped")
		}
	}
	return nil
}

// Subscribe registers h for channel. Messages are delivered in order on a
// dedicated goroutine.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	s := &memorySub{
		bus:     b,
		channel: channel,
		ch:      make(chan string, 64),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()

	s.wg.Add(1)
	go s.loop(context.WithoutCancel(ctx), h)
	return s, nil
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	ch      chan string
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (s *memorySub) loop(ctx context.Context, h Handler) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.ch:
			h(ctx, payload)
		}
	}
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.channel], s)
		s.bus.mu.Unlock()
		close(s.done)
	})
	s.wg.Wait()
	return nil
}
