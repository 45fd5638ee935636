// sandpitd is the sandbox control plane daemon. It owns the session
// and execution state machines, schedules containers onto the
// configured backend, serves the public REST API, and receives
// callbacks from executor agents running inside the containers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/callback"
	"github.com/sandpit-io/sandpit/internal/common/clock"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/httpmw"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/common/tracing"
	"github.com/sandpit-io/sandpit/internal/events"
	"github.com/sandpit-io/sandpit/internal/executor"
	"github.com/sandpit-io/sandpit/internal/persistence"
	"github.com/sandpit-io/sandpit/internal/reconciler"
	"github.com/sandpit-io/sandpit/internal/sandbox/catalog"
	"github.com/sandpit-io/sandpit/internal/sandbox/handlers"
	"github.com/sandpit-io/sandpit/internal/sandbox/service"
	"github.com/sandpit-io/sandpit/internal/scheduler"
	"github.com/sandpit-io/sandpit/internal/storage"
	"github.com/sandpit-io/sandpit/internal/warmpool"
)

// shutdownTimeout bounds the HTTP drain and the teardown of every
// background loop after SIGTERM.
const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting sandpitd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wall clock shared by every time-dependent component.
	clk := clock.Real{}

	// 4. Initialize event bus (in-memory unless NATS is configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus

	// 5. Initialize object storage
	store, err := storage.Provide(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}
	if err := store.Ping(ctx); err != nil {
		log.Fatal("Object storage unreachable",
			zap.String("endpoint", cfg.Storage.Endpoint),
			zap.String("bucket", cfg.Storage.Bucket),
			zap.Error(err))
	}
	log.Info("Object storage ready", zap.String("bucket", cfg.Storage.Bucket))

	// 6. Initialize container backend
	be, err := provideBackend(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize container backend", zap.Error(err))
	}
	defer be.Close()
	if err := be.Ping(ctx); err != nil {
		log.Fatal("Container backend unreachable",
			zap.String("kind", be.Kind()),
			zap.Error(err))
	}
	log.Info("Container backend ready", zap.String("kind", be.Kind()))

	// 7. Initialize repositories
	repo, repoCleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer repoCleanup()

	// 8. Seed the template catalog
	entries, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		log.Fatal("Failed to load template catalog",
			zap.String("path", cfg.Catalog.Path),
			zap.Error(err))
	}
	seeded, err := catalog.Seed(ctx, repo, entries, clk, log)
	if err != nil {
		log.Fatal("Failed to seed template catalog", zap.Error(err))
	}
	log.Info("Template catalog ready",
		zap.Int("templates", len(entries)),
		zap.Int("seeded", seeded))

	// ============================================
	// WARM POOL + SCHEDULER
	// ============================================
	pool := warmpool.New(be, cfg.WarmPool, log)

	execClient := executor.NewClient(cfg.Executor, cfg.Backend.ExecutorPort, cfg.Internal.Token, log)

	sched := scheduler.New(repo, be, pool, execClient, log, scheduler.Config{
		ExecutorPort:    cfg.Backend.ExecutorPort,
		Network:         cfg.Docker.Network,
		ControlPlaneURL: cfg.Internal.ControlPlaneURL,
		InternalToken:   cfg.Internal.Token,
		WarmPoolEnabled: cfg.WarmPool.Enabled,
		// Pods already run under a hardened runtime class; the extra
		// in-container bwrap layer is only wanted on plain Docker.
		DisableBwrap: be.Kind() == "kubernetes",
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// ============================================
	// SERVICES
	// ============================================
	svc := service.New(repo, store, sched, eventBus, clk, log, service.Config{
		Bucket:     cfg.Storage.Bucket,
		PresignTTL: cfg.Storage.PresignTTLDuration(),
	})
	cbSvc := callback.NewService(repo, eventBus, clk, log)
	log.Info("Sandbox services initialized")

	// Announce the node this daemon schedules onto so placement has at
	// least one online node before the first session arrives.
	if _, err := registerLocalNode(ctx, svc, be, cfg); err != nil {
		log.Fatal("Failed to register local runtime node", zap.Error(err))
	}

	// ============================================
	// RECONCILERS
	// ============================================
	stateSync := reconciler.NewStateSync(repo, be, sched, eventBus, clk, log, reconciler.StateSyncConfig{
		Interval: cfg.Reconciler.StateSyncIntervalDuration(),
		FanOut:   cfg.Reconciler.FanOut,
	})
	if err := stateSync.Start(ctx); err != nil {
		log.Fatal("Failed to start state-sync reconciler", zap.Error(err))
	}

	sweeper := reconciler.NewCleanup(repo, store, sched, pool, eventBus, clk, log, reconciler.CleanupConfig{
		Interval:         cfg.Reconciler.CleanupIntervalDuration(),
		IdleTimeout:      cfg.Reconciler.IdleTimeoutDuration(),
		MaxLifetime:      cfg.Reconciler.MaxLifetimeDuration(),
		CreationDeadline: cfg.Reconciler.CreationDeadlineDuration(),
	})
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("Failed to start cleanup reconciler", zap.Error(err))
	}
	log.Info("Reconcilers started",
		zap.Int("state_sync_interval_s", cfg.Reconciler.StateSyncInterval),
		zap.Int("cleanup_interval_s", cfg.Reconciler.CleanupInterval))

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.RequestLogger(log, "sandpitd"))
	router.Use(httpmw.OtelTracing("sandpitd"))

	handlers.RegisterSessionRoutes(router, svc, log)
	handlers.RegisterExecutionRoutes(router, svc, log)
	handlers.RegisterTemplateRoutes(router, svc, log)
	handlers.RegisterFileRoutes(router, svc, log)
	handlers.RegisterNodeRoutes(router, svc, log)
	handlers.RegisterStreamRoutes(router, svc, eventBus, log)
	handlers.RegisterCallbackRoutes(router, cbSvc, cfg.Internal.Token, log)
	handlers.RegisterHealthRoutes(router, handlers.HealthDeps{
		Store:     store,
		Backend:   be,
		Bus:       eventBus,
		StateSync: stateSync,
		Cleanup:   sweeper,
	}, log)
	log.Info("Registered API routes",
		zap.String("api", "/api/v1"),
		zap.String("callbacks", "/internal"),
		zap.String("events", "/ws/sessions/:id/events"),
		zap.String("health", "/health"))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("API server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sandpitd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Drain in reverse of startup: stop accepting requests, halt the
	// background loops, then release warm containers and flush the rest.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sweeper.Stop(); err != nil {
		log.Error("Cleanup reconciler stop error", zap.Error(err))
	}
	if err := stateSync.Stop(); err != nil {
		log.Error("State-sync reconciler stop error", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}
	pool.Shutdown(shutdownCtx)

	if err := busCleanup(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("sandpitd stopped")
}
