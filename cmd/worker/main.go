package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/repairhub/repairhub/internal/app"
	jobmetrics "github.com/repairhub/repairhub/internal/jobs"
	"github.com/repairhub/repairhub/internal/platform/cache"
	"github.com/repairhub/repairhub/internal/platform/db"
	"github.com/repairhub/repairhub/internal/rbac"
	"github.com/repairhub/repairhub/internal/shared"
	"github.com/repairhub/repairhub/jobs"
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
	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := jobmetrics.NewMetrics(nil)
	versions := rbac.NewVersions(redisClient, logger)
	rbacService := rbac.NewService(rbac.NewRepository(pool, logger), versions, shared.NewAuditLogger(pool), logger)

	integrityJob := jobs.NewMatrixIntegrityJob(rbacService, logger, metrics)
	noticeJob := jobs.NewPartnerNoticeJob(cfg.BackOfficeEmail, logger, metrics)

	integrityTask, err := jobs.NewMatrixIntegrityTask("cron")
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMatrixIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskPartnerRegistered, Handler: noticeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.MatrixIntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
