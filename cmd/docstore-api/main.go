package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/docstore-api/api/swagger"
	"github.com/noah-isme/docstore-api/internal/handler"
	internalmiddleware "github.com/noah-isme/docstore-api/internal/middleware"
	"github.com/noah-isme/docstore-api/internal/repository"
	"github.com/noah-isme/docstore-api/internal/service"
	"github.com/noah-isme/docstore-api/pkg/cache"
	"github.com/noah-isme/docstore-api/pkg/config"
	"github.com/noah-isme/docstore-api/pkg/database"
	"github.com/noah-isme/docstore-api/pkg/jobs"
	"github.com/noah-isme/docstore-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/docstore-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/docstore-api/pkg/middleware/requestid"
	"github.com/noah-isme/docstore-api/pkg/scheduler"
	"github.com/noah-isme/docstore-api/pkg/storage"
)

// @title Docstore API
// @version 1.0.0
// @description Multi-tenant document store with deduplication, reference counting, archival and reclamation.
// @BasePath /api/v1
// @schemes http

// stagingTTL bounds how long an interrupted write may leave temp files behind.
const stagingTTL = time.Hour

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

	if err := run(cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, logr); err != nil {
			return err
		}
	}

	var redisClient *redis.Client
	if cfg.Queue.Driver == config.QueueDriverRedis {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close() //nolint:errcheck
	}
	queue := newQueue(cfg, redisClient, logr)

	files, public, private, err := openStores(cfg.Storage, logr)
	if err != nil {
		return err
	}

	metricsSvc := service.NewMetricsService()
	fileRepo := repository.NewFileRepository(db)
	backupLogs := repository.NewBackupLogRepository(db)
	routes := service.NewRouteService(repository.NewRouteRuleRepository(db), service.RouteServiceConfig{
		CacheSize: cfg.RouteCache.Size,
		CacheTTL:  cfg.RouteCache.TTL,
	}, logr)

	ingestSvc := service.NewIngestionService(fileRepo, routes, files, metricsSvc, logr, service.IngestionServiceConfig{
		MaxFileSize:      cfg.Ingestion.MaxFileSizeBytes,
		MaxFilesPerBatch: cfg.Ingestion.MaxFilesPerBatch,
	})
	usageSvc := service.NewUsageService(fileRepo, metricsSvc, logr)
	updateSvc := service.NewUpdateService(fileRepo, routes, files, metricsSvc, logr, service.UpdateServiceConfig{
		MaxFileSize:      cfg.Ingestion.MaxFileSizeBytes,
		MaxFilesPerBatch: cfg.Ingestion.MaxFilesPerBatch,
	})
	archivalSvc := service.NewArchivalService(fileRepo, backupLogs, routes, files, public, private, metricsSvc, logr, service.ArchivalServiceConfig{
		PageSize:    cfg.Archival.PageSize,
		Concurrency: cfg.Archival.Concurrency,
	})
	reclamationSvc := service.NewReclamationService(fileRepo, routes, files, queue, metricsSvc, logr, service.ReclamationServiceConfig{
		GraceWindow:  cfg.Reclamation.GraceWindow,
		BatchSize:    cfg.Reclamation.BatchSize,
		BatchDelay:   time.Duration(cfg.Reclamation.DelayMinutes) * time.Minute,
		ScanLimit:    cfg.Reclamation.ScanLimit,
		RetryLimit:   cfg.Reclamation.RetryLimit,
		RetryDelay:   cfg.Reclamation.RetryDelay,
		RetryBackoff: cfg.Reclamation.RetryBackoff,
	})
	reportSvc := service.NewBackupReportService(archivalSvc, nil, nil)

	if err := reclamationSvc.Register(queue); err != nil {
		return fmt.Errorf("register reclamation workers: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	sched := scheduler.New(logr)
	if cfg.Archival.Enabled {
		if err := sched.Add("archival", cfg.Archival.Cron, func(ctx context.Context) error {
			_, err := archivalSvc.Run(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if cfg.Reclamation.Enabled {
		if err := sched.Add("reclamation", cfg.Reclamation.Cron, func(ctx context.Context) error {
			_, err := reclamationSvc.Scan(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	sched.Start()

	validate := handler.NewValidator()
	fileHandler := handler.NewFileHandler(ingestSvc, usageSvc, updateSvc, validate, cfg.Ingestion.MaxFileSizeBytes)
	jobHandler := handler.NewJobHandler(archivalSvc, reclamationSvc, reportSvc, validate)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, readinessChecks(db, redisClient))

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.MaxMultipartMemory = cfg.Ingestion.MaxFileSizeBytes
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/files", fileHandler.Ingest)
	api.PUT("/files", fileHandler.UpdateBatch)
	api.POST("/files/activate", fileHandler.Activate)
	api.POST("/files/deactivate", fileHandler.Deactivate)
	api.PUT("/files/:code", fileHandler.Update)
	api.POST("/jobs/archival/run", jobHandler.RunArchival)
	api.POST("/jobs/reclamation/scan", jobHandler.ScanReclamation)
	api.GET("/backups/executions/:date", jobHandler.Execution)
	api.GET("/backups/executions/:date/report", jobHandler.Report)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "queue", cfg.Queue.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logr.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logr.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	queue.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown incomplete", zap.Error(err))
	}
	logr.Info("server stopped")
	return nil
}

func newQueue(cfg *config.Config, client *redis.Client, logr *zap.Logger) jobs.Queue {
	queueCfg := jobs.QueueConfig{
		PollInterval:      cfg.Queue.PollInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Logger:            logr,
	}
	if client != nil {
		return jobs.NewRedisQueue(client, queueCfg)
	}
	logr.Warn("using in-memory queue; pending reclamation batches are lost on restart")
	return jobs.NewMemoryQueue(queueCfg)
}

// openStores opens the content root and both backup roots, clearing stale staging leftovers.
func openStores(cfg config.StorageConfig, logr *zap.Logger) (files, public, private *storage.LocalStorage, err error) {
	if files, err = storage.NewLocalStorage(cfg.RootDir); err != nil {
		return nil, nil, nil, fmt.Errorf("open content store: %w", err)
	}
	if public, err = storage.NewLocalStorage(cfg.BackupPublicDir); err != nil {
		return nil, nil, nil, fmt.Errorf("open public backup store: %w", err)
	}
	if private, err = storage.NewLocalStorage(cfg.BackupPrivateDir); err != nil {
		return nil, nil, nil, fmt.Errorf("open private backup store: %w", err)
	}
	removed, err := files.CleanupStale(stagingTTL)
	if err != nil {
		logr.Warn("stale staging cleanup failed", zap.Error(err))
	} else if len(removed) > 0 {
		logr.Info("removed stale staging files", zap.Int("count", len(removed)))
	}
	return files, public, private, nil
}

func readinessChecks(db *sqlx.DB, client *redis.Client) map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
	}
	if client != nil {
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}
