package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mabletask/telemetry/cache"
	"mabletask/telemetry/config"
	"mabletask/telemetry/database"
	"mabletask/telemetry/handlers"
	"mabletask/telemetry/health"
	"mabletask/telemetry/logging"
	"mabletask/telemetry/middleware"
	"mabletask/telemetry/processor"
	"mabletask/telemetry/queue"
	"mabletask/telemetry/realtime"
	"mabletask/telemetry/store"
	"mabletask/telemetry/tracking"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logging.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- PostgreSQL: devices, events, sessions, rollups ---
	dbClient, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize PostgreSQL")
	}
	defer dbClient.Close()
	if err := database.Migrate(ctx, dbClient.DB); err != nil {
		logging.Fatal().Err(err).Msg("failed to migrate PostgreSQL schema")
	}

	// --- Redis: stream, shared cache, active identities (optional) ---
	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to initialize Redis")
		}
		defer client.Close()
		rdb = client
	} else {
		logging.Warn().Msg("REDIS_URL not set, running without queue and shared cache")
	}

	behaviorStore := store.NewBehaviorStore(dbClient.DB)
	var (
		rate    health.RateCounter = behaviorStore
		reports *store.ReportMirror
	)

	shared := cache.NewShared(rdb)
	devices := cache.NewDeviceIdentityCache(behaviorStore, shared, cfg.Cache.LocalTTL, cfg.Cache.DeviceTTL)
	defer devices.Close()

	worker := processor.NewWorker(behaviorStore, devices, shared, cfg.Worker, cfg.Cache)

	// --- ClickHouse: reporting mirror (optional) ---
	if cfg.ClickHouse.Enabled() {
		chClient, err := database.NewClickHouseDB(ctx, cfg.ClickHouse)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to initialize ClickHouse")
		}
		defer chClient.Close()
		if err := chClient.Migrate(ctx); err != nil {
			logging.Fatal().Err(err).Msg("failed to migrate ClickHouse schema")
		}
		mirror := store.NewReportMirror(chClient)
		worker.SetMirror(mirror)
		rate, reports = mirror, mirror
	}

	var (
		eventQueue   tracking.Queue
		queueBacklog health.QueueBacklog
		inspector    handlers.QueueInspector
	)
	if cfg.Queue.Enabled && rdb != nil {
		q := queue.New(rdb, cfg.Queue)
		ok, err := q.Initialize(ctx)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to initialize event queue")
		}
		if ok {
			eventQueue, queueBacklog, inspector = q, q, q
		}
	}

	hub := realtime.NewHub(rdb, cfg.Hub)
	service := tracking.NewService(eventQueue, worker, hub, cfg.Queue)
	monitor := health.NewMonitor(behaviorStore, rdb, queueBacklog, rate, 30*time.Second)

	// --- HTTP ---
	auth := middleware.AuthRequired([]byte(cfg.JWTSecret), cfg.AuthDefault)
	healthHandlers := &handlers.HealthHandlers{Monitor: monitor, Stats: worker.Stats, Breaker: service.BreakerState}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.CORSMiddleware(cfg.FEOrigin), middleware.RequestMetrics())
	r.GET("/health", healthHandlers.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	handlers.RegisterBehaviorRoutes(api, handlers.NewBehaviorHandlers(service, worker), auth)
	handlers.RegisterLiveRoutes(api, handlers.NewLiveHandlers(hub, cfg.FEOrigin), auth)
	if inspector != nil {
		handlers.RegisterQueueRoutes(api, &handlers.QueueHandlers{Queue: inspector}, auth)
	}
	if reports != nil {
		handlers.RegisterReportRoutes(api, handlers.NewReportHandlers(reports), auth)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- background loops ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return service.RunConsumer(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		logging.Info().Str("port", cfg.Port).Msg("telemetry API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-gctx.Done():
		logging.Error().Msg("background task failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server forced to shutdown")
	}

	stop()
	if err := g.Wait(); err != nil {
		logging.Error().Err(err).Msg("background task exited with error")
	}

	// Drain whatever is still buffered after the consumer has stopped.
	if err := worker.Close(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("worker did not flush all buffered events")
	}
	logging.Info().Msg("server exiting")
}
