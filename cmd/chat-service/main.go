package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/bootstrap"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

const serviceName = "chat-service"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  serviceName,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect the persistence backend
	backend, err := bootstrap.NewBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize backend", zap.Error(err))
	}

	// 4. Wire services
	app, err := bootstrap.New(cfg, backend)
	if err != nil {
		backend.Close()
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer app.Close()

	// The in-memory backend cannot be shared with a separate call service.
	surfaces := bootstrap.ChatSurface
	runReaper := false
	if cfg.Server.Backend == "memory" {
		surfaces = bootstrap.AllSurfaces
		runReaper = true
		logger.Info("Memory backend: serving chat and calls from one process")
	}
	app.Start(ctx, runReaper)

	// 5. Serve HTTP and WebSocket
	router := bootstrap.NewRouter(app, surfaces, metrics.NewMetrics(serviceName))
	logger.Info("Chat service ready",
		zap.String("backend", cfg.Server.Backend),
		zap.String("environment", cfg.Server.Environment))

	if err := bootstrap.Serve(ctx, cfg.Server.Port, router); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}
