package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabsync/internal/api"
	"collabsync/internal/bus"
	"collabsync/internal/config"
	"collabsync/internal/db"
	"collabsync/internal/logging"
	"collabsync/internal/presence"
	"collabsync/internal/repository"
	"collabsync/internal/services"
	"collabsync/internal/services/collaboration"
	"collabsync/internal/telemetry"

	"go.uber.org/zap"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Concurrent server, bus and writer pool management
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop accepting, close sessions, flush
   rooms, drain writes, release redis
*/

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node", cfg.NodeID))

	if err := run(cfg, logger); err != nil {
		// Fatal would skip the deferred Sync
		logger.Error("server:failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("server:starting", zap.String("addr", cfg.Addr()))

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("collabsync", cfg.NodeID, cfg.JaegerEndpoint, logger)
	if err != nil {
		logger.Warn("telemetry:init_failed", zap.Error(err))
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logger.Warn("telemetry:shutdown_failed", zap.Error(err))
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	// Initialize repositories
	docRepo := repository.NewDocumentRepository(database.DB)
	stateRepo := repository.NewStateRepository(database.DB)
	chatRepo := repository.NewChatRepository(database.DB)
	userRepo := repository.NewUserRepository(database.DB)

	// Presence and the bus share one redis client; a redis that is down at
	// startup is fatal, later outages only degrade presence
	presenceStore, err := presence.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		return err
	}
	defer presenceStore.Close()

	// Clear stale presence left by processes that died before this one
	// started; node ids are not stable across restarts
	if removed, err := presenceStore.Sweep(context.Background()); err != nil {
		logger.Warn("presence:sweep_failed", zap.Error(err))
	} else {
		logger.Info("presence:swept", zap.Int64("removed", removed))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	redisBus := bus.NewRedisBus(ctx, presenceStore.Client(), cfg.NodeID, logger)

	// Start the writer pool
	// Learning: This spawns goroutines that will process snapshot writes concurrently
	pool := services.NewWriterPool(cfg.PersistWorkers, cfg.PersistQueueSize, logger)
	pool.Start()

	gate := collaboration.NewPersistenceGate(stateRepo, pool, cfg.PersistDebounce, logger)
	registry := collaboration.NewRegistry(stateRepo, gate, logger)
	hub := collaboration.NewHub(collaboration.HubConfig{
		NodeID:   cfg.NodeID,
		Registry: registry,
		Gate:     gate,
		Presence: presenceStore,
		Bus:      redisBus,
		Chats:    chatRepo,
		Logger:   logger,

		AwarenessTimeout: cfg.AwarenessTimeout,
	})

	// Expire awareness of clients whose process went away without removals
	go hub.Run(ctx)

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		redisBus.Run(ctx, hub.HandleBusEvent)
	}()

	// Initialize handlers with dependency injection
	wsHandler := collaboration.NewWebSocketHandler(hub, logger)
	handler := api.NewHandler(api.HandlerConfig{
		Documents:   docRepo,
		Chats:       chatRepo,
		Users:       userRepo,
		Presence:    presenceStore,
		Stats:       hub,
		NodeID:      cfg.NodeID,
		Logger:      logger,
		ChatHistory: cfg.ChatHistory,
	})

	router := api.SetupRoutes(handler, wsHandler.HandleDocumentConnection, logger)

	// Configure HTTP server
	// Learning: no WriteTimeout; it would cut long-lived websocket connections
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server:listening", zap.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	// Learning: This is the graceful shutdown pattern
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("server:signal", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		logger.Error("server:listen_failed", zap.Error(runErr))
	}

	// a stuck flush must not keep the process alive forever
	forced := time.AfterFunc(cfg.ShutdownTimeout+finalGrace, func() {
		logger.Error("server:forced_exit")
		logger.Sync()
		os.Exit(1)
	})
	defer forced.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting new connections and requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server:shutdown_incomplete", zap.Error(err))
	}

	// Close sessions and flush every live room
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub:shutdown_incomplete", zap.Error(err))
	}

	// Drain snapshot writes still queued
	pool.Shutdown()

	stop()
	if err := redisBus.Close(); err != nil {
		logger.Warn("bus:close_failed", zap.Error(err))
	}
	<-busDone

	logger.Info("server:stopped", zap.Any("writes", pool.Stats()))
	return runErr
}

// finalGrace covers the bounded flush the hub runs after the shutdown
// deadline.
const finalGrace = 10 * time.Second
