package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)
	if cfg.AdminTokenHash == "" {
		logger.Warn("ADMIN_TOKEN_HASH empty, admin API is unauthenticated")
	}

	metrics := observability.NewMetrics()

	engine, err := app.NewEngine(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("init engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Close()

	if cfg.CatalogWatch && cfg.CatalogSeedFile != "" {
		watcher := catalog.NewWatcher(engine.Catalog, cfg.CatalogSeedFile, logger, func(version uint64) {
			metrics.ObserveCatalogReload(version, nil)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("catalog watcher", slog.Any("error", err))
			}
		}()
	}
	if cfg.CatalogRefresh > 0 {
		go catalog.Poll(ctx, engine.Catalog, cfg.CatalogRefresh, logger, metrics.ObserveCatalogReload)
	}

	var jobHandler *jobs.Handler
	if cfg.RedisAddr != "" {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
		inspector := asynq.NewInspector(redisOpts)
		client := asynq.NewClient(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
			if err := client.Close(); err != nil {
				logger.Warn("task client close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, client, logger).WithLocalCatalog(engine.Catalog, metrics)
	}

	probes := map[string]app.HealthCheck{"postgres": engine.Pool.Ping}
	if engine.Redis != nil {
		probes["redis"] = func(ctx context.Context) error { return engine.Redis.Ping(ctx).Err() }
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACHandler:    rbac.NewHandler(logger, engine.Service),
		JobHandler:     jobHandler,
		Metrics:        metrics,
		ReadinessProbe: probes,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
