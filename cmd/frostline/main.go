package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/frostline/frostline/internal/app"
	"github.com/frostline/frostline/internal/auth"
	"github.com/frostline/frostline/internal/observability"
	"github.com/frostline/frostline/internal/platform/cache"
	"github.com/frostline/frostline/internal/platform/db"
	"github.com/frostline/frostline/internal/rbac"
	"github.com/frostline/frostline/internal/realtime"
	"github.com/frostline/frostline/jobs"
)

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

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

	if cfg.PGMigrate {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			logger.Error("run migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	authService := auth.NewService(auth.ServiceConfig{
		Repo:       auth.NewRepository(dbpool),
		Tokens:     auth.NewTokenStore(redisClient),
		Issuer:     auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL),
		RefreshTTL: cfg.RefreshTokenTTL,
		Logger:     logger,
		Metrics:    metrics,
	})
	authHandler := auth.NewHandler(logger, authService)

	transport, publisher := realtimeTransport(cfg, dbpool, redisClient, logger)
	notifier := realtime.NewNotifier(ctx, transport, realtime.Config{
		Buffer:  cfg.RealtimeBuffer,
		Logger:  logger,
		Metrics: metrics,
	})
	defer notifier.Close()

	permissionCache := rbac.NewPermissionCache(cfg.PermissionCacheSize, cfg.PermissionCacheTTL, logger)
	rbacService := rbac.NewService(rbac.NewRepository(dbpool), permissionCache, publisher, logger)
	rbacMiddleware := rbac.Middleware{Source: rbacService, Logger: logger, Metrics: metrics}
	rbacHandler := rbac.NewHandler(logger, rbacService, rbacMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		AuthService: authService,
		AuthHandler: authHandler,
		RBACHandler: rbacHandler,
		RBAC:        &rbacMiddleware,
		JobHandler:  jobHandler,
		Metrics:     metrics,
		Health: map[string]app.Pinger{
			"postgres": dbpool,
			"redis":    redisPinger{client: redisClient},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, table := range []string{rbac.RolesTable, rbac.AssignmentsTable} {
		sub, err := notifier.Subscribe(gctx, table, realtime.Options{Event: realtime.EventAll})
		if err != nil {
			logger.Error("subscribe permission cache", slog.String("table", table), slog.Any("error", err))
			os.Exit(1)
		}
		if sub == nil {
			logger.Warn("permission cache relies on ttl expiry", slog.String("table", table))
			continue
		}
		g.Go(func() error {
			permissionCache.Watch(gctx, sub)
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case failure, ok := <-notifier.Errors():
				if !ok {
					return nil
				}
				logger.Warn("realtime subscription failed",
					slog.String("table", failure.Table),
					slog.Any("error", failure.Err))
				// Anything cached while the feed was down may be stale.
				permissionCache.Purge()
			}
		}
	})

	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		notifier.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}

// realtimeTransport picks the change feed for the configured transport. The
// Redis transport has no database triggers behind it, so writes are
// published by the RBAC service itself.
func realtimeTransport(cfg *app.Config, pool *pgxpool.Pool, client *redis.Client, logger *slog.Logger) (realtime.Transport, rbac.Publisher) {
	switch strings.ToLower(cfg.RealtimeTransport) {
	case app.RealtimePostgres:
		return realtime.NewPGTransport(pool, logger), nil
	case app.RealtimeRedis:
		t := realtime.NewRedisTransport(client, logger)
		return t, t
	default:
		return nil, nil
	}
}
