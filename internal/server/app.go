// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/api"
	"github.com/pulsewire/content-engine/internal/cache"
	"github.com/pulsewire/content-engine/internal/clock/system"
	"github.com/pulsewire/content-engine/internal/config"
	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/fetch"
	"github.com/pulsewire/content-engine/internal/fetcher/httpjson"
	"github.com/pulsewire/content-engine/internal/id/uuid"
	"github.com/pulsewire/content-engine/internal/logging"
	"github.com/pulsewire/content-engine/internal/metrics"
	"github.com/pulsewire/content-engine/internal/orchestrator"
	memorypublisher "github.com/pulsewire/content-engine/internal/publisher/memory"
	gcppublisher "github.com/pulsewire/content-engine/internal/publisher/pubsub"
	"github.com/pulsewire/content-engine/internal/quota"
	"github.com/pulsewire/content-engine/internal/scheduler"
	memoryStorage "github.com/pulsewire/content-engine/internal/storage/memory"
	pgstorage "github.com/pulsewire/content-engine/internal/storage/postgres"
	redisstorage "github.com/pulsewire/content-engine/internal/storage/redis"
)

// App holds the long-lived services of one engine instance.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	engine     *orchestrator.Engine
	sched      *scheduler.Scheduler
	apiServer  *api.Server
	store      *cache.Store
	quotaStore engine.QuotaStore
	publisher  engine.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	clock := system.New()

	shared, quotaStore, err := setupStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.quotaStore = quotaStore
	app.store = cache.New(
		memoryStorage.NewCacheStore(),
		shared,
		clock,
		logger.Named("cache"),
		cache.Config{EvictionGraceMultiplier: cfg.Cache.EvictionGraceMultiplier},
	)

	tracker := quota.New(
		quota.Config{Limits: cfg.QuotaLimits()},
		clock,
		quotaStore,
		logger.Named("quota"),
	)
	if err := tracker.Seed(ctx); err != nil {
		logger.Warn("quota seed from store failed, starting from configured limits", zap.Error(err))
	}

	app.publisher, err = setupPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	pipeline := fetch.New(
		httpjson.New(httpjson.Config{
			Endpoints: cfg.Fetch.Endpoints,
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   cfg.Fetch.Timeout(),
		}),
		fetch.Config{
			Timeout:      cfg.Fetch.Timeout(),
			DefaultRPS:   cfg.Fetch.DefaultRPS,
			DefaultBurst: cfg.Fetch.DefaultBurst,
		},
		logger.Named("fetch"),
	)

	app.engine = orchestrator.New(orchestrator.Deps{
		Cache:     app.store,
		Quota:     tracker,
		Fetcher:   pipeline,
		Publisher: app.publisher,
		Clock:     clock,
		Logger:    logger.Named("orchestrator"),
	}, orchestrator.Config{
		DefaultTTL:  cfg.Cache.DefaultTTL(),
		TTLByType:   cfg.Cache.TTLByType(),
		BatchWindow: cfg.Batch.Window(),
		EventTopic:  cfg.PubSub.TopicName,
	})

	app.sched = scheduler.New(clock, uuid.NewUUIDGenerator(), logger.Named("scheduler"), 0)
	app.apiServer = api.NewServer(app.engine, app.sched, cfg, logger.Named("api"))

	if err := app.registerJobs(); err != nil {
		return nil, err
	}
	return app, nil
}

// registerJobs loads the static job table and the standing eviction sweep.
func (a *App) registerJobs() error {
	for name, job := range a.cfg.Jobs {
		if _, err := a.sched.Register(name, job.Bucket(), job.Interval(), a.apiServer.JobHandler()); err != nil {
			return fmt.Errorf("register job %s: %w", name, err)
		}
	}
	_, err := a.sched.Register("cache-sweep", engine.ContentBucket{}, a.cfg.Cache.SweepInterval(),
		func(ctx context.Context, _ engine.ScheduledJob) error {
			removed, err := a.engine.Sweep(ctx)
			if err != nil {
				return err
			}
			a.logger.Debug("cache sweep completed", zap.Int("removed", removed))
			return nil
		})
	if err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	return nil
}

// Run starts the scheduler loop and HTTP server and blocks until the
// context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("scheduler started")
		a.sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close()
}

// Close releases storage tiers and the publisher.
func (a *App) Close() error {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("cache store close failed", zap.Error(err))
	}
	if a.quotaStore != nil {
		if err := a.quotaStore.Close(); err != nil {
			a.logger.Warn("quota store close failed", zap.Error(err))
		}
	}
	if closer, ok := a.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func setupStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.CacheTier, engine.QuotaStore, error) {
	switch cfg.Storage.Provider {
	case config.StoragePostgres:
		logger.Info("using Postgres shared tier")
		cacheStore, err := pgstorage.NewCacheStore(ctx, pgstorage.CacheStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres cache store init failed: %w", err)
		}
		quotaStore, err := pgstorage.NewQuotaStore(ctx, pgstorage.QuotaStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres quota store init failed: %w", err)
		}
		return cacheStore, quotaStore, nil
	case config.StorageRedis:
		logger.Info("using Redis shared tier", zap.String("addr", cfg.Redis.Addr))
		rcfg := redisstorage.Config{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			KeyPrefix:       cfg.Redis.KeyPrefix,
			GraceMultiplier: cfg.Cache.EvictionGraceMultiplier,
		}
		client, err := redisstorage.NewClient(ctx, rcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client init failed: %w", err)
		}
		return redisstorage.NewCacheStore(client, rcfg), redisstorage.NewQuotaStore(client, rcfg), nil
	default:
		logger.Info("using in-memory shared tier, entries will not survive restarts")
		return nil, nil, nil
	}
}

func setupPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Publisher, error) {
	if !cfg.PubSub.Enabled {
		logger.Info("using in-memory event publisher")
		return memorypublisher.New(), nil
	}
	logger.Info("using Pub/Sub event publisher",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	pub, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	return pub, nil
}
