package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/config"
	"github.com/mohammadhprp/nextlimit/internal/container"
	"go.uber.org/zap"
)

func main() {
	config.LoadDotEnv()

	cfg := config.Load()

	// Initialize logger
	logger, err := config.InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting rate limiter server",
		zap.String("version", "1.0.0"),
		zap.String("http_address", cfg.ServerAddr()),
		zap.String("grpc_address", cfg.GRPCAddr()),
		zap.String("storage", cfg.Storage.Backend),
	)

	injector := container.New(cfg, logger)

	servers, err := container.Servers(injector)
	if err != nil {
		logger.Fatal("Failed to build servers", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			logger.Fatal("Failed to start server", zap.String("address", srv.Addr()), zap.Error(err))
		}
	}

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := container.Shutdown(shutdownCtx, injector, servers); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
