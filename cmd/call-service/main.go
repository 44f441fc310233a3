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

const serviceName = "call-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

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

	backend, err := bootstrap.NewBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize backend", zap.Error(err))
	}

	app, err := bootstrap.New(cfg, backend)
	if err != nil {
		backend.Close()
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer app.Close()

	// Every call-service replica sweeps; transitions are compare-and-set so
	// concurrent reapers finish a session once.
	app.Start(ctx, true)

	router := bootstrap.NewRouter(app, bootstrap.CallSurface, metrics.NewMetrics(serviceName))
	logger.Info("Call service ready",
		zap.String("backend", cfg.Server.Backend),
		zap.Bool("media_server", cfg.LiveKit.URL != ""))

	if err := bootstrap.Serve(ctx, cfg.Server.Port, router); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}
