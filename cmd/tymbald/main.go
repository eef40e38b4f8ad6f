// Package main runs the Tymbal control-plane server: the client and runtime
// WebSocket endpoints, the connection hub, and the agent lifecycle manager.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/events/bus"
	"github.com/tymbal/tymbal/internal/hub"
	"github.com/tymbal/tymbal/internal/lifecycle"
	"github.com/tymbal/tymbal/internal/runtimeproto"
	"github.com/tymbal/tymbal/internal/server"
	"github.com/tymbal/tymbal/internal/storage"
	"github.com/tymbal/tymbal/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting tymbald...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, "tymbald")
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// 4. Event bus (NATS when configured, in-memory otherwise)
	eventBus, err := bus.FromConfig(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Storage
	pool, err := storage.OpenPool(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	store, err := storage.New(ctx, pool)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// 6. Hub, runtime protocol, lifecycle
	connHub := hub.New(store, cfg.Hub, log)
	runtimes := runtimeproto.NewHandler(store, connHub, eventBus, cfg.Hub, log)
	manager := lifecycle.NewManager(runtimes, connHub, eventBus, cfg.Lifecycle, log)
	runtimes.SetLifecycle(manager)

	// 7. Message service wires the hub's sync and frame handlers
	server.NewService(store, connHub, manager, nil, log)

	// 8. HTTP server
	srv := server.New(cfg.Server, connHub, store, runtimes, nil, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	manager.SuspendAll(shutdownCtx)
	runtimes.Shutdown(shutdownCtx)
	connHub.CloseAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
	log.Info("tymbald stopped")
}
