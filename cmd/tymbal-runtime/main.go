// Package main runs the Tymbal runtime daemon: it connects to the server's
// control endpoint and hosts the engines behind activated agents.
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
	"github.com/tymbal/tymbal/internal/engine"
	"github.com/tymbal/tymbal/internal/runtimed"
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

	if cfg.Runtime.Credential == "" {
		log.Fatal("runtime.credential is required (exchange a bootstrap token first)")
	}

	log.Info("Starting tymbal-runtime...",
		zap.String("server_url", cfg.Runtime.ServerURL),
		zap.String("space_id", cfg.Runtime.SpaceID),
		zap.String("name", cfg.Runtime.Name))

	// 3. Engine registry from configured binaries
	registry := engine.NewRegistry(cfg.Engine.Default, log)
	for id, binary := range cfg.Engine.Binaries {
		registry.Register(engine.NewChildEngine(id, binary, cfg.Engine, log))
	}
	if len(registry.IDs()) == 0 {
		log.Warn("No engines configured; activations will fail until engine.binaries is set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Run the daemon with reconnects until signalled
	daemon := runtimed.New(cfg.Runtime, registry, log)
	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			log.Error("Control link terminated", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	daemon.Shutdown(shutdownCtx)
	log.Info("tymbal-runtime stopped")
}
