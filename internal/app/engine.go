package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

// Engine holds the long-lived components shared by the server and the worker.
type Engine struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Catalog *catalog.Catalog
	Cache   *permcache.Cache
	Repo    *rbac.PostgresRepository
	Service *rbac.Service
}

// NewEngine connects to PostgreSQL and Redis, loads the catalog and wires
// the permission service. An unreachable Redis is tolerated: lookups miss
// until it returns and unpublished generations are replayed until ctx ends.
func NewEngine(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Engine, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	e := &Engine{Pool: pool}

	var gens permcache.GenerationStore
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR empty, generation mirror is process local")
		gens = permcache.NewMemoryGenerations()
	} else {
		client, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Warn("redis ping", slog.Any("error", err))
		}
		e.Redis = client
		gens = permcache.NewRedisGenerations(client, "")
	}

	e.Catalog = catalog.New(CatalogSource(cfg, pool), logger)
	err = e.Catalog.Load(ctx)
	metrics.ObserveCatalogReload(e.Catalog.Version(), err)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	e.Repo = rbac.NewRepository(pool)
	e.Cache = permcache.New(gens, e.Repo, e.Catalog, permcache.Options{
		Size:           cfg.CacheSize,
		TTL:            cfg.CacheTTL,
		ResolveTimeout: cfg.ResolveTimeout,
		Logger:         logger,
		Observer:       metrics,
	})
	go e.Cache.RunReplay(ctx, cfg.CacheReplayInterval)
	e.Service = rbac.NewService(e.Repo, e.Catalog, e.Cache, rbac.ServiceConfig{
		Logger:   logger,
		Observer: metrics,
	})
	return e, nil
}

// CatalogSource picks the catalog source for cfg.
func CatalogSource(cfg *Config, pool *pgxpool.Pool) catalog.Source {
	store := catalog.NewPostgresSource(pool)
	if cfg.CatalogSeedFile == "" {
		return store
	}
	return catalog.SyncedSource{Source: catalog.NewFileSource(cfg.CatalogSeedFile), Store: store}
}

// Close releases connections.
func (e *Engine) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}
