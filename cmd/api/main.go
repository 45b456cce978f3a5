package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/api"
	"github.com/bank-rag/backend/internal/app"
	"github.com/bank-rag/backend/pkg/config"
	appLogger "github.com/bank-rag/backend/pkg/logger"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting banking document RAG API server")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	a, err := app.New(ctx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize pipelines", zap.Error(err))
	}
	defer a.Close()

	server, stop := api.NewServer(a)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
