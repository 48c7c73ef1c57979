package app

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/staffdesk/staffdesk/internal/rbac"
)

// Engine bundles the permission service with the admin surface that
// invalidates it.
type Engine struct {
	Service *rbac.Service
	Admin   *rbac.Admin
	Cache   *rbac.Cache
}

// NewEngine wires the permission cache selected by CACHE_DRIVER in front of store.
// The redis driver requires client; the memory driver ignores it.
func NewEngine(cfg *Config, store rbac.Store, client *redis.Client, registerer prometheus.Registerer, logger *slog.Logger) (*Engine, error) {
	var cacheStore rbac.CacheStore
	switch cfg.CacheDriver {
	case CacheDriverMemory:
		local, err := rbac.NewLocalStore(cfg.LocalCacheSize)
		if err != nil {
			return nil, err
		}
		cacheStore = local
	case CacheDriverRedis, "":
		if client == nil {
			return nil, fmt.Errorf("app: cache driver %q needs a redis client", CacheDriverRedis)
		}
		cacheStore = rbac.NewRedisStore(client)
	default:
		return nil, fmt.Errorf("app: unknown cache driver %q", cfg.CacheDriver)
	}

	cache := rbac.NewCache(cacheStore, rbac.CacheOptions{
		TTL:         cfg.PermissionCacheTTL,
		FallbackTTL: cfg.PermissionVersionFallbackTTL,
		Logger:      logger,
		Metrics:     rbac.NewMetrics(registerer),
	})
	service := rbac.NewService(store,
		rbac.WithCache(cache),
		rbac.WithLogger(logger),
		rbac.WithSuperAdminRole(cfg.SuperAdminRole),
	)
	return &Engine{
		Service: service,
		Admin:   rbac.NewAdmin(store, service, logger, rbac.WithReservedRole(cfg.SuperAdminRole)),
		Cache:   cache,
	}, nil
}
