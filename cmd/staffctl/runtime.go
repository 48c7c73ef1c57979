package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/staffdesk/staffdesk/cmd/staffdesk/cli"
	"github.com/staffdesk/staffdesk/internal/app"
	jobmetrics "github.com/staffdesk/staffdesk/internal/jobs"
	"github.com/staffdesk/staffdesk/internal/platform/cache"
	"github.com/staffdesk/staffdesk/internal/platform/db"
	"github.com/staffdesk/staffdesk/internal/rbac"
	"github.com/staffdesk/staffdesk/jobs"
)

// runtime holds the connections a single command needs.
type runtime struct {
	cfg    *app.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
	rbac   *cli.RBACCLI
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: app.NewLogger(cfg)}

	rt.pool, err = db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		return nil, err
	}
	if cfg.CacheDriver == app.CacheDriverRedis {
		rt.redis, err = cache.New(ctx, redisOptions(cfg))
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	// A private registry keeps one-shot commands from touching global state.
	registry := prometheus.NewRegistry()
	engine, err := app.NewEngine(cfg, rbac.NewRepository(rt.pool), rt.redis, registry, rt.logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	pruneJob := jobs.NewPruneOverridesJob(engine.Admin, rt.logger, jobmetrics.NewMetrics(registry))
	rt.rbac = cli.NewRBACCLI(pruneJob, engine.Service)
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func openJobs() (*cli.JobsCLI, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR must be set to use the job queue")
	}
	opts := redisOptions(cfg)
	return cli.NewJobsCLI(asynq.RedisClientOpt{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}), nil
}

func redisOptions(cfg *app.Config) cache.Options {
	return cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}
