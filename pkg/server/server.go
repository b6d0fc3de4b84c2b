// Package server wires the Parley engine together and exposes it as a single
// HTTP handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	defer srv.Shutdown(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/api/handlers"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/dossier"
	"github.com/parleyhq/parley/internal/fsm"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/telemetry"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store        store.Store
	Config       *config.Config
	Port         int
	Engine       *fsm.Engine
	Queue        *queue.Manager
	Rules        *rules.Loader
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector

	notifier    *notify.Service
	janitor     *queue.Janitor
	watcher     *rules.Watcher
	redis       *cache.Redis
	telShutdown func(context.Context) error

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New loads configuration from the environment and builds a Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig builds every component from cfg. Nothing runs in the
// background until Start is called.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		telShutdown = func(context.Context) error { return nil }
	}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		_ = telShutdown(ctx)
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		_ = telShutdown(ctx)
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	if err := seedDefaultTenant(ctx, st, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default tenant")
	}

	srv := &Server{
		Store:       st,
		Config:      cfg,
		Port:        cfg.Port,
		telShutdown: telShutdown,
	}

	var (
		bus cache.Bus = cache.NewMemoryBus()
		kv  cache.KV  = cache.NewMemoryKV()
	)
	if cfg.Redis.Addr != "" {
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			// The cache is disposable; rule invalidation degrades to process-local.
			log.Warn().Err(err).Msg("Redis unavailable, using in-process bus and cache")
		} else {
			srv.redis = r
			bus, kv = r, r
		}
	}

	m := metrics.New()
	srv.Metrics = m

	source := rules.NewCachedSource(rules.NewDirSource(cfg.Rules.PackDir), kv, cfg.Rules.CacheTTL)
	srv.Rules = rules.NewLoader(st, source, bus,
		rules.WithChannel(cfg.Rules.Channel),
		rules.WithObserver(m.ObserveRuleLoad),
	)
	if cfg.Rules.Watch {
		srv.watcher = rules.NewWatcher(cfg.Rules.PackDir, srv.Rules, 0)
	}

	srv.Engine = fsm.NewEngine(st,
		fsm.WithCloseResetDelay(cfg.Flow.CloseResetDelay),
		fsm.WithObserver(m.ObserveTransition),
	)

	sinks := []notify.Sink{notify.LogSink{}, &notify.BusSink{Bus: bus, Channel: cfg.Notify.EventsChannel}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}
	srv.notifier = notify.NewService(sinks...)

	srv.Queue = queue.NewManager(st, srv.Engine,
		queue.WithLockDuration(cfg.Queue.LockDuration),
		queue.WithNotifier(srv.notifier),
		queue.WithObserver(m.ObserveQueue),
	)
	srv.janitor = queue.NewJanitor(st, srv.Queue, cfg.Queue.ReclaimInterval)

	dossiers := dossier.NewBuilder(st, srv.Engine, srv.Rules)

	policy := orchestrator.DefaultPolicy()
	if cfg.Flow.StaleAfter > 0 {
		policy.StaleAfter = cfg.Flow.StaleAfter
	}
	srv.Orchestrator = orchestrator.New(st, srv.Engine, dossiers, srv.Rules, srv.Queue,
		orchestrator.WithPolicy(policy),
		orchestrator.WithDefaultTenant(cfg.DefaultTenant),
		orchestrator.WithObserver(m),
	)

	h := handlers.New(st, srv.Orchestrator, dossiers, srv.Queue, srv.Rules)
	srv.Handler = api.NewRouter(cfg, h, m)

	log.Info().
		Str("version", cfg.Version).
		Str("default_tenant", cfg.DefaultTenant).
		Str("pack_dir", cfg.Rules.PackDir).
		Bool("redis", srv.redis != nil).
		Msg("Parley engine initialized")

	return srv, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.URL == "" {
		log.Info().Str("data_dir", cfg.DataDir).Msg("Using in-memory store")
		return store.NewMemoryStore(cfg.DataDir), nil
	}
	pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		URL:            cfg.URL,
		MaxConnections: int32(cfg.MaxConnections),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return pg, nil
}

// seedDefaultTenant creates the tenant used for messages that name none.
// An existing tenant is left untouched.
func seedDefaultTenant(ctx context.Context, st store.Store, cfg *config.Config) error {
	if cfg.DefaultTenant == "" {
		return nil
	}
	_, err := st.GetTenant(ctx, cfg.DefaultTenant)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return err
	}
	t := &models.Tenant{
		ID:        cfg.DefaultTenant,
		Name:      "Default",
		Vertical:  cfg.DefaultVertical,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.UpsertTenant(ctx, t); err != nil {
		return fmt.Errorf("seed tenant %s: %w", t.ID, err)
	}
	log.Info().Str("tenant", t.ID).Str("vertical", t.Vertical).Msg("Default tenant created")
	return nil
}

// Start subscribes to rule invalidations and launches the pack watcher and
// the queue janitor.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.Rules.Start(ctx)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Pack watcher disabled")
			s.watcher = nil
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitor.Start(ctx)
	}()
}

// Shutdown stops background work and releases every resource. It is safe to
// call more than once and without a prior Start.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		if s.watcher != nil {
			errs = append(errs, s.watcher.Stop())
		}
		errs = append(errs, s.Rules.Close())
		s.Engine.Scheduler().Stop()
		errs = append(errs, s.notifier.Close())
		if s.redis != nil {
			errs = append(errs, s.redis.Close())
		}
		errs = append(errs, s.Store.Close())
		errs = append(errs, s.telShutdown(ctx))
	})
	return errors.Join(errs...)
}
