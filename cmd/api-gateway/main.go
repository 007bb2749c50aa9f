package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-letter-api/internal/handler"
	"github.com/noah-isme/sma-letter-api/internal/repository"
	"github.com/noah-isme/sma-letter-api/internal/service"
	"github.com/noah-isme/sma-letter-api/internal/workflow"
	"github.com/noah-isme/sma-letter-api/pkg/cache"
	"github.com/noah-isme/sma-letter-api/pkg/config"
	"github.com/noah-isme/sma-letter-api/pkg/database"
	"github.com/noah-isme/sma-letter-api/pkg/logger"
	"github.com/noah-isme/sma-letter-api/pkg/storage"
)

// @title Letter Approval API
// @version 1.0.0
// @description Eight-step approval workflow for letters with signing and document numbering.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const exportCleanupInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	metrics := service.NewMetricsService()

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, read cache disabled", zap.Error(err))
			redisClient = nil
		}
	}
	var cacheRepo service.CacheRepository
	if redisClient != nil {
		repo := repository.NewCacheRepository(redisClient, logr)
		defer repo.Close() //nolint:errcheck
		cacheRepo = repo
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, redisClient != nil)

	notifications := service.NewNotificationService(service.NewLogNotifier(logr), metrics, logr, service.NotificationConfig{
		Workers: cfg.Notifier.Workers,
		Retries: cfg.Notifier.Retries,
	})
	notifications.Start(ctx)
	defer notifications.Stop()

	letters := service.NewLetterService(
		repository.NewLetterRepository(db),
		repository.NewAuditRepository(db),
		repository.NewNumberingRepository(db),
		repository.NewTransactor(db),
		validator.New(),
		logr,
		service.LetterServiceConfig{
			NumberingPrefix: cfg.Workflow.NumberingPrefix,
			Location:        cfg.Workflow.Location(),
			Rollback:        workflow.ParseRollbackPolicy(cfg.Workflow.SelfReviseRollback),
		},
		service.WithLetterCache(cacheSvc),
		service.WithLetterMetrics(metrics),
		service.WithTransitionPublisher(notifications),
	)

	exports, err := newExportService(cfg, letters, metrics, logr)
	if err != nil {
		logr.Fatal("failed to prepare export storage", zap.Error(err))
	}
	go runExportCleanup(ctx, exports, logr)

	tokens := service.NewTokenService(service.TokenConfig{
		Secret: cfg.JWT.Secret,
		Issuer: cfg.JWT.Issuer,
		Expiry: cfg.JWT.Expiration,
	})

	router := newRouter(cfg, logr, routerDeps{
		tokens:  tokens,
		letters: handler.NewLetterHandler(letters),
		exports: handler.NewExportHandler(exports),
		metrics: handler.NewMetricsHandler(metrics, readinessChecks(db, redisClient)),
		counter: metrics,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
	}
}

func newExportService(cfg *config.Config, letters *service.LetterService, metrics *service.MetricsService, logr *zap.Logger) (*service.ExportService, error) {
	store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		return nil, err
	}
	secret := cfg.Exports.SignedURLSecret
	if secret == "" {
		secret = cfg.JWT.Secret
	}
	signer := storage.NewSignedURLSigner(secret, cfg.Exports.SignedURLTTL)
	return service.NewExportService(letters, store, signer, service.ExportConfig{
		Enabled:   cfg.Exports.Enabled,
		APIPrefix: cfg.APIPrefix,
		ResultTTL: cfg.Exports.SignedURLTTL,
	}, metrics, logr), nil
}

func runExportCleanup(ctx context.Context, exports *service.ExportService, logr *zap.Logger) {
	ticker := time.NewTicker(exportCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := exports.Cleanup()
			if err != nil {
				logr.Warn("export cleanup failed", zap.Error(err))
				continue
			}
			if len(removed) > 0 {
				logr.Info("expired exports removed", zap.Int("count", len(removed)))
			}
		}
	}
}

func readinessChecks(db *sqlx.DB, redisClient *redis.Client) map[string]handler.Pinger {
	checks := map[string]handler.Pinger{"postgres": db}
	if redisClient != nil {
		checks["redis"] = handler.PingerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	return checks
}
