package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitushen/postureguard/internal/app"
	"github.com/hitushen/postureguard/internal/config"
	"github.com/hitushen/postureguard/internal/logging"
	"github.com/hitushen/postureguard/internal/pipeline"
	"github.com/hitushen/postureguard/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level, cfg.LogJSON)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	manager := pipeline.NewManager(rt.Engine, rt.Store, cfg.MaxConcurrentScans, cfg.ScanQueueSize,
		pipeline.WithManagerLogger(logger), pipeline.WithManagerObserver(rt.Observer()))

	failed, requeued, err := manager.Recover(ctx)
	if err != nil {
		logger.Error("recover sessions", "error", err)
	} else if failed > 0 || requeued > 0 {
		logger.Info("recovered sessions", "failed", failed, "requeued", requeued)
	}

	opts := server.Options{
		Manager: manager,
		Store:   rt.Store,
		Broker:  rt.Broker,
		CSRFKey: cfg.CSRFKey,
		Logger:  logger,
		Status: server.StatusInfo{
			Database:       cfg.DatabaseBackend(),
			Scanner:        rt.ScannerBackend,
			ReasoningModel: rt.ReasoningModel,
			Archive:        rt.Archive != nil,
		},
		ChatTimeout: cfg.ChatTimeout,
	}
	if rt.Metrics != nil {
		opts.Metrics = rt.Metrics.Handler()
	}
	if rt.Archive != nil {
		opts.Archive = rt.Archive
	}
	srv := server.New(opts)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("postureguard listening", "addr", cfg.Addr, "scanner", rt.ScannerBackend, "version", server.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	// 优雅地关闭服务
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	rt.Broker.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	manager.Close()
}
