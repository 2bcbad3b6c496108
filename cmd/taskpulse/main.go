package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/taskpulse/internal/app"
	"github.com/ent0n29/taskpulse/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build failed", "error", err)
		os.Exit(1)
	}
	logger.Info("event log ready", "store", built.StoreKind)
	logger.Info("agent adapter ready", "mode", cfg.AgentAdapterMode)
	if cfg.CapturePath != "" {
		logger.Info("stream capture enabled", "path", cfg.CapturePath)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Start(runCtx)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening on " + cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("listen error", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if err := built.Close(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}
	runCancel()

	logger.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
