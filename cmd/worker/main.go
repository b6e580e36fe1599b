package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/bullseye-dist/bullseye/internal/app"
	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/permcache"
	"github.com/bullseye-dist/bullseye/internal/platform/cache"
	"github.com/bullseye-dist/bullseye/internal/platform/db"
	"github.com/bullseye-dist/bullseye/internal/policy"
	"github.com/bullseye-dist/bullseye/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable at startup", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	policyRepo := policy.NewRepository(pool)
	snapshotStore := permcache.NewStore(pool)

	permCache := permcache.New(permcache.Config{
		Source: policyRepo,
		Store:  snapshotStore,
		Redis:  redisClient,
		Graph:  capability.MustGraph(),
		Scoped: capability.MustScopedGraph(),
		TTL:    cfg.PermissionCacheTTL,
		Logger: logger,
	})

	recomputeJob := jobs.NewRecomputeJob(permCache, logger, nil)
	sweepJob := jobs.NewSweepJob(permCache, snapshotStore, logger, nil)

	sweepTask, err := jobs.NewSweepTask(cfg.SweepMaxAge)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermissionsRecompute, Handler: recomputeJob.Handle},
			{Type: jobs.TaskPermissionsSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
