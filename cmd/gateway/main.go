package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pricefeed-gateway/internal/app"
	"pricefeed-gateway/internal/config"
	"pricefeed-gateway/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Price Feed Gateway", zap.String("version", "1.0.0"))

	if cfg.MetricsEnabled {
		cleanup, err := observability.SetupOpenTelemetry("pricefeed-gateway", logger)
		if err != nil {
			logger.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer cleanup()
		}
	}

	ctx := context.Background()
	gateway, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal("Failed to assemble gateway", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := gateway.Start(runCtx); err != nil {
		logger.Fatal("Failed to start gateway", zap.Error(err))
	}

	// Start server
	go func() {
		if err := gateway.Fiber.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Price Feed Gateway started",
		zap.String("port", cfg.Port),
		zap.String("transport", gateway.Transport.Name()),
		zap.String("polling_cron", cfg.EmailPollingCron))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("Price Feed Gateway stopped")
}
