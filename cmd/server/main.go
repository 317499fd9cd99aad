// Package main provides the entry point for the clip-generation API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipforge/clipforge-api/internal/bootstrap"
	"github.com/clipforge/clipforge-api/internal/config"
	"github.com/clipforge/clipforge-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting clipforge API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("workers", cfg.Workers()),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("postgres_enabled", cfg.PostgresEnabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	// Jobs orphaned by a previous process rejoin the queue before the
	// dispatcher starts.
	if err := deps.Scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	deps.Scheduler.Start(ctx)
	go deps.Uploads.StartCleanup(ctx, time.Hour)

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Uploads, deps.Scheduler, deps.Repo, deps.Store, logger)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open as long as the job runs
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout; HTTP drains first so event streams
	// see the final states the scheduler writes on its way down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := deps.Scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop timed out", slog.String("error", err.Error()))
	}

	logger.Info("server stopped gracefully")
	return nil
}
