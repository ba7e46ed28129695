package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/duynhne/session-store/config"
	database "github.com/duynhne/session-store/internal/core"
	"github.com/duynhne/session-store/internal/core/codec"
	"github.com/duynhne/session-store/internal/core/domain"
	"github.com/duynhne/session-store/internal/core/repository"
	"github.com/duynhne/session-store/internal/logger"
	logicv1 "github.com/duynhne/session-store/internal/logic/v1"
	"github.com/duynhne/session-store/internal/maintenance"
	v1 "github.com/duynhne/session-store/internal/web/v1"
	"github.com/duynhne/session-store/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic("Configuration validation failed: " + err.Error())
	}

	logger.Setup(cfg.Logging.Level)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("env", cfg.Service.Env).
		Str("port", cfg.Service.Port).
		Str("backend", cfg.Session.Backend).
		Str("serializer", cfg.Session.Serializer).
		Msg("Service starting")

	// Initialize OpenTelemetry tracing
	var tp interface{ Shutdown(context.Context) error }
	if cfg.Tracing.Enabled {
		provider, err := middleware.InitTracing(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			tp = provider
			log.Info().
				Str("endpoint", cfg.Tracing.Endpoint).
				Float64("sample_rate", cfg.Tracing.SampleRate).
				Msg("Tracing initialized")
		}
	} else {
		log.Info().Msg("Tracing disabled (TRACING_ENABLED=false)")
	}

	// Initialize Pyroscope profiling
	if cfg.Profiling.Enabled {
		if err := middleware.InitProfiling(cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize profiling")
		} else {
			log.Info().Str("endpoint", cfg.Profiling.Endpoint).Msg("Profiling initialized")
			defer middleware.StopProfiling()
		}
	} else {
		log.Info().Msg("Profiling disabled (PROFILING_ENABLED=false)")
	}

	// Session storage
	repo, closeRepo, err := openRepository(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Session.Backend).Msg("Failed to open session storage")
	}
	defer closeRepo()
	schema := repo.Schema()
	log.Info().
		Str("table", schema.Table).
		Str("key_column", schema.KeyColumn).
		Int("data_limit", schema.DataLimit).
		Msg("Session storage ready")

	payloadCodec, err := codec.NewRegistry().Lookup(cfg.Session.Serializer)
	if err != nil {
		log.Fatal().Err(err).Msg("Unknown session serializer")
	}
	ids, err := domain.NewIDDeriver([]byte(cfg.Session.Secret))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid session secret")
	}

	store := logicv1.NewRecordStore(repo, ids, payloadCodec, logicv1.StoreOptions{})
	sessions := logicv1.NewSessionService(store, ids)

	// Maintenance jobs
	scheduler, err := maintenance.NewScheduler(store, cfg.Maintenance, cfg.GetTrimAgeDuration(), 10*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid maintenance schedule")
	}
	scheduler.Start()

	r := gin.Default()

	var isShuttingDown atomic.Bool

	r.Use(middleware.TracingMiddleware())
	r.Use(middleware.LoggingMiddleware())
	r.Use(middleware.PrometheusMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Returns 503 once shutdown has started, to drain traffic before HTTP shutdown.
	r.GET("/ready", func(c *gin.Context) {
		if isShuttingDown.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(v1.SessionMiddleware(sessions, v1.CookieOptionsFromConfig(cfg.Session)))
	v1.NewHandler().RegisterRoutes(apiV1)

	srv := &http.Server{
		Addr:              ":" + cfg.Service.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Service.Port).Msg("Starting session service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Fail readiness first and wait for propagation.
	isShuttingDown.Store(true)
	if drainDelay := cfg.GetReadinessDrainDelayDuration(); drainDelay > 0 {
		log.Info().Dur("delay", drainDelay).Msg("Readiness drain delay started")
		time.Sleep(drainDelay)
	}

	shutdownTimeout := cfg.GetShutdownTimeoutDuration()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down server...")

	// 1. Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		log.Info().Msg("HTTP server shutdown complete")
	}

	// 2. Wait for running maintenance jobs
	select {
	case <-scheduler.Stop().Done():
		log.Info().Msg("Maintenance scheduler stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Maintenance job still running at shutdown")
	}

	// 3. Close session storage
	closeRepo()
	log.Info().Msg("Session storage closed")

	// 4. Shutdown tracer
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Tracer shutdown error")
		} else {
			log.Info().Msg("Tracer shutdown complete")
		}
	}

	log.Info().Msg("Graceful shutdown complete")
}

// openRepository connects the configured backend. The returned close func is
// safe to call more than once.
func openRepository(ctx context.Context, cfg *config.Config) (domain.SessionRepository, func(), error) {
	opts := repository.Options{
		Table:     cfg.Session.Table,
		DataLimit: cfg.Session.DataLimit,
	}

	switch cfg.Session.Backend {
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewSessionRepository(ctx, pool, opts)
		if err == nil && cfg.Session.AutoCreateTable {
			err = repo.CreateTable(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil

	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewSQLiteSessionRepository(ctx, db, opts)
		if err == nil && cfg.Session.AutoCreateTable {
			err = repo.CreateTable(ctx)
		}
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() { _ = db.Close() }, nil

	case config.BackendRedis:
		rdb, err := database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisSessionRepository(rdb, cfg.Redis.Prefix, opts), func() { _ = rdb.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
}
