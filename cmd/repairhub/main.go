package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/repairhub/repairhub/internal/app"
	"github.com/repairhub/repairhub/internal/audit"
	audithttp "github.com/repairhub/repairhub/internal/audit/http"
	"github.com/repairhub/repairhub/internal/auth"
	"github.com/repairhub/repairhub/internal/observability"
	"github.com/repairhub/repairhub/internal/partners"
	"github.com/repairhub/repairhub/internal/platform/cache"
	"github.com/repairhub/repairhub/internal/platform/db"
	"github.com/repairhub/repairhub/internal/rbac"
	"github.com/repairhub/repairhub/internal/shared"
	"github.com/repairhub/repairhub/internal/users"
	"github.com/repairhub/repairhub/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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
	if redisClient == nil {
		logger.Error("redis address required for sessions")
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	sessions := shared.NewSessionManager(redisClient, "repairhub_session", cfg.SessionTTL, cfg.IsProduction())
	csrf := shared.NewCSRFManager(cfg.CSRFSecret)

	rbacRepo := rbac.NewRepository(pool, logger)
	versions := rbac.NewVersions(redisClient, logger)
	rbacService := rbac.NewService(rbacRepo, versions, auditLogger, logger)
	if err := rbacService.SyncCatalog(ctx); err != nil {
		logger.Error("sync permission catalog", slog.Any("error", err))
		os.Exit(1)
	}
	loader := rbac.NewLoader(rbacRepo, rbacRepo, versions, cfg.RBACFetchTimeout, logger)
	directory := rbac.NewDirectory(loader, logger)
	defer directory.Close()
	go func() {
		if err := directory.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("permission invalidation listener", slog.Any("error", err))
		}
	}()
	go directory.Sweep(ctx, cfg.RBACSessionIdle, cfg.RBACSessionIdle/4)
	guard := rbac.NewGuard(directory, rbac.GuardConfig{
		PendingTimeout:   cfg.RBACPendingTimeout,
		LoginPath:        cfg.LoginPath,
		RetryFailedAfter: cfg.RBACRetryFailedAfter,
	}, metrics, logger)

	usersRepo := users.NewRepository(pool)
	partnerRepo := partners.NewRepository(pool)
	resolver := partners.NewResolver(partnerRepo, usersRepo, partners.ResolverConfig{
		CacheSize:    cfg.PartnerCacheSize,
		CacheTTL:     cfg.PartnerCacheTTL,
		FetchTimeout: cfg.RBACFetchTimeout,
	}, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	partnerService := partners.NewService(partnerRepo, resolver, jobsClient, auditLogger, logger)
	usersService := users.NewService(users.ServiceDeps{
		Repo:     usersRepo,
		Roles:    rbacService,
		Partners: resolver,
		Sessions: directory,
		Logins:   sessions,
		Audit:    auditLogger,
		Logger:   logger,
	})
	authService := auth.NewService(auth.NewRepository(pool))

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessions,
		CSRFManager:     csrf,
		Metrics:         metrics,
		AuthHandler:     auth.NewHandler(logger, authService, sessions, csrf, directory, cfg.SessionTTL),
		RBACHandler:     rbac.NewHandler(logger, rbacService, guard),
		UsersHandler:    users.NewHandler(logger, usersService, guard),
		PartnersHandler: partners.NewHandler(logger, partnerService, resolver, guard),
		JobsHandler:     jobs.NewHandler(inspector, logger),
		AuditHandler:    audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(pool)), guard),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
