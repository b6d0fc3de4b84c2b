package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultChannel is the broadcast channel carrying invalidation messages.
const DefaultChannel = "parley:rules:invalidate"

// verticalPrefix marks a payload that invalidates every tenant of a vertical.
const verticalPrefix = "vertical:"

// LoadError reports a rule pack that could not be loaded. It is logged and
// the tenant is served an empty rule set; callers never receive it.
type LoadError struct {
	TenantID string
	Vertical string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("rule load failure for tenant %s (vertical %q): %v", e.TenantID, e.Vertical, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// TenantLookup resolves a tenant to find its vertical.
type TenantLookup interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// LoadObserver is notified of every load attempt (metrics).
type LoadObserver func(tenantID string, ok bool)

// Loader owns the process-wide tenant → RuleSet cache. Entries live until an
// invalidation message evicts them; there is no TTL on compiled rules.
type Loader struct {
	tenants TenantLookup
	source  PackSource
	bus     cache.Bus
	channel string

	mu   sync.RWMutex
	sets map[string]*RuleSet
	gens map[string]uint64
	// verticals records each tenant's vertical as soon as a load resolves
	// it, so vertical invalidation reaches failed and in-flight loads too.
	verticals map[string]string
	flights   singleflight.Group

	sub      cache.Subscription
	observer LoadObserver
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithChannel overrides the invalidation channel name.
func WithChannel(ch string) LoaderOption {
	return func(l *Loader) {
		if ch != "" {
			l.channel = ch
		}
	}
}

// WithObserver registers a load observer.
func WithObserver(o LoadObserver) LoaderOption {
	return func(l *Loader) { l.observer = o }
}

// NewLoader creates a Loader. bus may be nil, in which case invalidation is
// local to this process.
func NewLoader(tenants TenantLookup, source PackSource, bus cache.Bus, opts ...LoaderOption) *Loader {
	l := &Loader{
		tenants: tenants,
		source:  source,
		bus:     bus,
		channel: DefaultChannel,
		sets:    make(map[string]*RuleSet),
		gens:    make(map[string]uint64),

		verticals: make(map[string]string),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start subscribes to the invalidation channel. A subscription failure is
// logged and the loader keeps working without cross-node invalidation.
func (l *Loader) Start(ctx context.Context) {
	if l.bus == nil {
		log.Warn().Msg("Rule loader has no broadcast bus; invalidation is process-local")
		return
	}
	sub, err := l.bus.Subscribe(ctx, l.channel, l.onMessage)
	if err != nil {
		log.Warn().Err(err).Str("channel", l.channel).Msg("Rule invalidation subscribe failed; cached rules only refresh on local reload")
		return
	}
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
}

// Close stops receiving invalidation messages.
func (l *Loader) Close() error {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (l *Loader) onMessage(_ context.Context, payload string) {
	if v, ok := strings.CutPrefix(payload, verticalPrefix); ok {
		n := l.InvalidateVertical(v)
		log.Debug().Str("vertical", v).Int("tenants", n).Msg("Rule sets invalidated by broadcast")
		return
	}
	l.Invalidate(payload)
	log.Debug().Str("tenant", payload).Msg("Rule set invalidated by broadcast")
}

// Get returns the tenant's compiled rules, loading them on a miss. It never
// fails: load errors are logged and yield an empty rule set, which is cached
// like any other result until the next invalidation.
func (l *Loader) Get(ctx context.Context, tenantID string) *RuleSet {
	l.mu.RLock()
	rs, ok := l.sets[tenantID]
	gen := l.gens[tenantID]
	l.mu.RUnlock()
	if ok {
		return rs
	}

	// Concurrent misses for the same generation share one compilation.
	v, _, _ := l.flights.Do(tenantID+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		rs, err := l.load(context.WithoutCancel(ctx), tenantID)
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenantID).Msg("RuleLoadFailure: serving empty rule set")
			rs = EmptyRuleSet(tenantID)
			var le *LoadError
			if errors.As(err, &le) {
				rs.Vertical = le.Vertical
			}
		}
		if l.observer != nil {
			l.observer(tenantID, err == nil)
		}

		l.mu.Lock()
		// An invalidation that raced with this load wins; the result is
		// returned to waiters but not cached.
		if l.gens[tenantID] == gen {
			l.sets[tenantID] = rs
		}
		l.mu.Unlock()
		return rs, nil
	})
	return v.(*RuleSet)
}

func (l *Loader) load(ctx context.Context, tenantID string) (*RuleSet, error) {
	t, err := l.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, &LoadError{TenantID: tenantID, Err: err}
	}
	if t.Vertical == "" {
		return nil, &LoadError{TenantID: tenantID, Err: ErrPackNotFound}
	}
	l.mu.Lock()
	l.verticals[tenantID] = t.Vertical
	l.mu.Unlock()

	data, err := l.source.Read(ctx, t.Vertical)
	if err != nil {
		return nil, &LoadError{TenantID: tenantID, Vertical: t.Vertical, Err: err}
	}
	p, err := ParsePack(data)
	if err != nil {
		return nil, &LoadError{TenantID: tenantID, Vertical: t.Vertical, Err: err}
	}
	rs, err := Compile(tenantID, p)
	if err != nil {
		return nil, &LoadError{TenantID: tenantID, Vertical: t.Vertical, Err: err}
	}
	if rs.Vertical == "" {
		rs.Vertical = t.Vertical
	}
	log.Info().Str("tenant", tenantID).Str("vertical", t.Vertical).
		Int("version", rs.Version).Int("rules", rs.RuleCount()).Msg("Rule set compiled")
	return rs, nil
}

// Invalidate drops the local cache entry for a tenant.
func (l *Loader) Invalidate(tenantID string) {
	l.mu.Lock()
	delete(l.sets, tenantID)
	l.gens[tenantID]++
	l.mu.Unlock()
}

// InvalidateVertical drops every tenant of the vertical, including tenants
// served the empty set after a failed load and tenants whose load is still
// running. It returns the number of evicted cache entries.
func (l *Loader) InvalidateVertical(vertical string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, v := range l.verticals {
		if v != vertical {
			continue
		}
		l.gens[id]++
		if _, ok := l.sets[id]; ok {
			delete(l.sets, id)
			n++
		}
	}
	return n
}

// Reload clears the tenant's entry locally, drops the shared pack cache and
// broadcasts the invalidation to every subscribed node, this one included.
// published is false when the broadcast failed; the local eviction still
// happened and other nodes catch up when their own caches are reloaded.
func (l *Loader) Reload(ctx context.Context, tenantID string) (published bool) {
	if cs, ok := l.source.(*CachedSource); ok {
		if t, err := l.tenants.GetTenant(ctx, tenantID); err == nil && t.Vertical != "" {
			cs.Forget(ctx, t.Vertical)
		}
	}
	l.Invalidate(tenantID)
	return l.publish(ctx, tenantID)
}

// ReloadVertical is Reload for every tenant of a vertical.
func (l *Loader) ReloadVertical(ctx context.Context, vertical string) (published bool) {
	// The shared pack is dropped first so that a load started after the
	// eviction cannot read the old copy.
	if cs, ok := l.source.(*CachedSource); ok {
		cs.Forget(ctx, vertical)
	}
	l.InvalidateVertical(vertical)
	return l.publish(ctx, verticalPrefix+vertical)
}

func (l *Loader) publish(ctx context.Context, payload string) bool {
	if l.bus == nil {
		return false
	}
	if err := l.bus.Publish(ctx, l.channel, payload); err != nil {
		log.Warn().Err(err).Str("payload", payload).Msg("Rule invalidation publish failed; other nodes keep stale rules")
		return false
	}
	return true
}

// Cached reports whether the tenant currently has a compiled entry.
func (l *Loader) Cached(tenantID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.sets[tenantID]
	return ok
}
