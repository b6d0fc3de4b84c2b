package queue

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"github.com/rs/zerolog/log"
)

// Janitor periodically reclaims expired locks for every active tenant.
// Running several janitors across a cluster is safe: each entry is
// re-checked under its row lock.
type Janitor struct {
	tenants  store.TenantStore
	manager  *Manager
	interval time.Duration
}

// NewJanitor creates a janitor that sweeps every interval.
func NewJanitor(tenants store.TenantStore, m *Manager, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{tenants: tenants, manager: m, interval: interval}
}

// Start runs sweeps until ctx is cancelled. It blocks.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Queue janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Queue janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep across all active tenants and returns the
// number of reclaimed entries.
func (j *Janitor) RunCycle(ctx context.Context) int {
	start := time.Now()
	tenants, err := j.tenants.ListTenants(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Queue janitor: failed to list tenants")
		return 0
	}

	total := 0
	for _, t := range tenants {
		if !t.Active {
			continue
		}
		n, err := j.manager.ReclaimExpired(ctx, t.ID)
		if err != nil {
			log.Warn().Err(err).Str("tenant", t.ID).Msg("Queue janitor: reclaim errors")
		}
		total += n
	}

	if total > 0 {
		log.Info().Int("reclaimed", total).Int("tenants", len(tenants)).
			Dur("elapsed", time.Since(start)).Msg("Queue janitor cycle complete")
	}
	return total
}
