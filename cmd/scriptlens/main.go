package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/scriptlens/internal/cache"
	"github.com/animus-labs/scriptlens/internal/config"
	"github.com/animus-labs/scriptlens/internal/pipeline"
	"github.com/animus-labs/scriptlens/internal/platform/auditlog"
	"github.com/animus-labs/scriptlens/internal/platform/httpserver"
	"github.com/animus-labs/scriptlens/internal/platform/objectstore"
	"github.com/animus-labs/scriptlens/internal/platform/postgres"
	repopg "github.com/animus-labs/scriptlens/internal/repo/postgres"
	"github.com/animus-labs/scriptlens/internal/stations"
	"github.com/animus-labs/scriptlens/internal/storage/objcache"
	"github.com/animus-labs/scriptlens/internal/storage/pgcache"
	"github.com/animus-labs/scriptlens/internal/textgen"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	var db *sql.DB
	if cfg.Postgres.Enabled() {
		db, err = postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = auditlog.EnsureSchema(startupCtx, db)
		if err == nil {
			err = repopg.NewExecutionStore(db).EnsureSchema(startupCtx)
		}
		cancel()
		if err != nil {
			logger.Error("database schema init failed", "error", err)
			os.Exit(1)
		}
	}

	checks := []httpserver.ReadinessCheck{}
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: db.PingContext,
		})
	}

	var l2 cache.Backend
	switch cfg.Cache.Backend {
	case config.BackendPostgres:
		store := pgcache.New(db)
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := store.EnsureSchema(startupCtx)
		cancel()
		if err != nil {
			logger.Error("cache schema init failed", "error", err)
			os.Exit(1)
		}
		go store.RunSweeper(ctx, cfg.Cache.SweepInterval, logger)
		l2 = store
	case config.BackendMinIO:
		client, err := objectstore.NewMinIOClient(cfg.ObjectStore)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, client, cfg.ObjectStore)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		store, err := objcache.NewWithClient(client, cfg.ObjectStore.BucketCache)
		if err != nil {
			logger.Error("object cache init failed", "error", err)
			os.Exit(2)
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, client, cfg.ObjectStore)
			},
		})
		l2 = store
	}

	cacheStore := cache.New(l2, cache.Options{
		Namespace:    cfg.Cache.Namespace,
		DefaultTTL:   cfg.Cache.DefaultTTL,
		MaxTTL:       cfg.Cache.MaxTTL,
		MaxValueSize: cfg.Cache.MaxValueSize,
		MaxL1Entries: cfg.Cache.MaxL1Entries,
		L2Timeout:    cfg.Cache.L2Timeout,
		Logger:       logger,
	})
	if l2 != nil {
		go cacheStore.RunHealthChecks(ctx, cfg.Cache.HealthInterval)
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "cache",
			Check: cacheStore.CheckHealth,
		})
	}
	revalidator := cache.NewRevalidator(cacheStore, cache.RevalidatorOptions{
		Logger:         logger,
		RefreshTimeout: cfg.Cache.RefreshTimeout,
	})

	gemini, err := textgen.NewGemini(ctx, cfg.Generator)
	if err != nil {
		logger.Error("generator init failed", "error", err)
		os.Exit(2)
	}
	generator := textgen.WithTimeout(gemini, cfg.Generator.Timeout)

	schedOpts := pipeline.SchedulerOptions{Logger: logger}
	var ledger executionReader
	if db != nil {
		executions := repopg.NewExecutionStore(db)
		schedOpts.Recorder = executions
		ledger = executions
	}
	scheduler := pipeline.NewScheduler(pipeline.NewExecutor(revalidator, logger), schedOpts)
	runner := stations.NewRunner(scheduler, generator, stations.Options{
		Defaults:  cfg.Stations.Defaults,
		Overrides: cfg.Stations.Overrides,
		Logger:    logger,
	})

	api := &scriptlensAPI{
		logger:   logger,
		analyzer: runner,
		cache:    cacheStore,
		ledger:   ledger,
	}
	if db != nil {
		api.audit = func(ctx context.Context, event auditlog.Event) error {
			_, err := auditlog.Insert(ctx, db, event)
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(config.ServiceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(config.ServiceName, 750*time.Millisecond, checks...))
	api.register(mux)

	if err := httpserver.Run(ctx, logger, cfg.HTTP, httpserver.Wrap(logger, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	// Give in-flight stale refreshes a chance to land before exit.
	done := make(chan struct{})
	go func() {
		revalidator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.HTTP.ShutdownTimeout):
		logger.Warn("background cache refreshes still running at exit")
	}
}
