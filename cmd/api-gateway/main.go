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

	"github.com/noah-isme/sdms-sync-api/internal/handler"
	"github.com/noah-isme/sdms-sync-api/internal/middleware"
	"github.com/noah-isme/sdms-sync-api/internal/models"
	"github.com/noah-isme/sdms-sync-api/internal/repository"
	"github.com/noah-isme/sdms-sync-api/internal/sdms"
	"github.com/noah-isme/sdms-sync-api/internal/service"
	"github.com/noah-isme/sdms-sync-api/pkg/cache"
	"github.com/noah-isme/sdms-sync-api/pkg/config"
	"github.com/noah-isme/sdms-sync-api/pkg/database"
	"github.com/noah-isme/sdms-sync-api/pkg/jobs"
	"github.com/noah-isme/sdms-sync-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sdms-sync-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sdms-sync-api/pkg/middleware/requestid"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("redis connection failed", "error", err)
	}
	defer redisClient.Close()

	// Repositories.
	schoolRepo := repository.NewSchoolRepository(db)
	linkRepo := repository.NewUserLinkRepository(db)
	metricsRepo := repository.NewMetricsRepository(db)
	schoolMetricsRepo := repository.NewSchoolMetricsRepository(db)
	syncLogRepo := repository.NewSyncLogRepository(db, logr)
	activityRepo := repository.NewActivityRepository(db)
	cacheRepo := repository.NewRedisCacheRepository(redisClient)

	// Services.
	telemetry := service.NewTelemetryService()
	cacheSvc := service.NewCacheService(cacheRepo, telemetry, cfg.Metrics.CacheTTL, logr, true)
	sdmsClient := sdms.NewClient(cfg.SDMS, fetchAudit{sink: syncLogRepo, telemetry: telemetry}, logr)
	syncSvc := service.NewSyncService(sdmsClient, schoolRepo, linkRepo, syncAudit{audit: syncLogRepo, telemetry: telemetry}, cfg.SDMS.CacheTTL, logr)
	engagementSvc := service.NewEngagementService(activityRepo, metricsRepo, cfg.Metrics, logr)
	observerSvc := service.NewObserverService(metricsRepo, logr)
	rollupSvc := service.NewRollupService(linkRepo, metricsRepo, schoolMetricsRepo, cfg.Metrics, logr)
	querySvc := service.NewMetricsQueryService(metricsRepo, schoolMetricsRepo, cacheSvc, cfg.Metrics.CacheTTL, logr)

	// Handlers.
	syncHandler := handler.NewSyncHandler(syncSvc)
	eventHandler := handler.NewEventHandler(observerSvc)
	metricsHandler := handler.NewMetricsHandler(querySvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Telemetry(telemetry))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
			return
		}
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "cache unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics/prometheus", gin.WrapH(telemetry.Handler()))

	api := r.Group(cfg.APIPrefix)
	{
		api.GET("/schools/:code", syncHandler.GetSchool)
		api.POST("/schools/:code/sync", syncHandler.SyncSchool)

		api.GET("/users/:id/profile", syncHandler.GetUserProfile)
		api.POST("/users/link", syncHandler.LinkUser)
		api.POST("/users/:id/refresh", syncHandler.RefreshUser)

		api.POST("/events/quiz-attempts", eventHandler.QuizAttempt)
		api.POST("/events/assignment-submissions", eventHandler.AssignmentSubmission)
		api.POST("/events/module-completions", eventHandler.ModuleCompletion)
		api.POST("/events/course-completions", eventHandler.CourseCompleted)

		api.GET("/metrics/users/:id", metricsHandler.UserMetrics)
		api.GET("/metrics/schools/:id", metricsHandler.SchoolMetrics)
	}

	scheduler := jobs.NewScheduler(buildTasks(cfg, syncSvc, engagementSvc, rollupSvc, querySvc, metricsRepo, syncLogRepo), logr, func(res jobs.Result) {
		telemetry.ObserveJob(res.Task, res.Duration, res.Err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	scheduler.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("shutdown failed", "error", err)
	}
}

// fetchAudit forwards fetch attempts to the sync log and counts them in the
// telemetry registry.
type fetchAudit struct {
	sink      sdms.AuditSink
	telemetry *service.TelemetryService
}

func (a fetchAudit) RecordFetch(ctx context.Context, entry models.SyncLogEntry) {
	outcome := "success"
	if entry.Error != nil {
		outcome = "error"
	}
	a.telemetry.RecordFetch(entry.SyncType, outcome, time.Duration(entry.DurationMs)*time.Millisecond)
	a.sink.RecordFetch(ctx, entry)
}

// syncAudit forwards sync operations to the sync log and counts outcomes.
type syncAudit struct {
	audit     service.SyncAudit
	telemetry *service.TelemetryService
}

func (a syncAudit) Append(ctx context.Context, entry *models.SyncLogEntry) error {
	a.telemetry.RecordSync(entry.SyncType, entry.Error == nil)
	return a.audit.Append(ctx, entry)
}

func buildTasks(
	cfg *config.Config,
	syncSvc *service.SyncService,
	engagementSvc *service.EngagementService,
	rollupSvc *service.RollupService,
	querySvc *service.MetricsQueryService,
	metricsRepo *repository.MetricsRepository,
	syncLogRepo *repository.SyncLogRepository,
) []jobs.Task {
	return []jobs.Task{
		{
			Name:     "compute-engagement",
			Interval: cfg.Jobs.ComputeInterval,
			Run: func(ctx context.Context) error {
				now := time.Now().UTC()
				if _, err := engagementSvc.ComputeForPeriod(ctx, models.WeekStart(now), now); err != nil {
					return err
				}
				return querySvc.InvalidateAll(ctx)
			},
		},
		{
			Name:     "aggregate-schools",
			Interval: cfg.Jobs.AggregateInterval,
			Run: func(ctx context.Context) error {
				if _, err := rollupSvc.Aggregate(ctx, models.WeekStart(time.Now().UTC()), models.PeriodWeekly); err != nil {
					return err
				}
				return querySvc.InvalidateAll(ctx)
			},
		},
		{
			Name:     "refresh-stale",
			Interval: cfg.Jobs.RefreshInterval,
			Run: func(ctx context.Context) error {
				if err := syncSvc.RefreshStaleSchools(ctx, 100); err != nil {
					return err
				}
				return syncSvc.RefreshStaleUsers(ctx, 500)
			},
		},
		{
			Name:     "cleanup",
			Interval: cfg.Jobs.CleanupInterval,
			Run: func(ctx context.Context) error {
				cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Metrics.RetentionDays)
				if _, err := metricsRepo.PurgeOlderThan(ctx, cutoff); err != nil {
					return err
				}
				_, err := syncLogRepo.PurgeOlderThan(ctx, cutoff)
				return err
			},
		},
	}
}
