package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metered_gateway/internal/config"
	"metered_gateway/internal/httpapi"
	"metered_gateway/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := utils.ConfigureLogging(cfg.LogLevel); err != nil {
		return err
	}
	logger := utils.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create router with all dependencies
	mux, deps, err := httpapi.NewRouter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// The worker timeout bounds /execute, so the write timeout must outlast it.
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Worker.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Metered gateway listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server")
	case err := <-serverErr:
		logger.Error("Server error", "error", err)
	}

	// In-flight executions keep running after their callers go away, so
	// give them the full worker timeout to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.Timeout+10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", "error", err)
	}
	if err := deps.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Dependencies did not shut down cleanly", "error", err)
	}

	logger.Info("Server exited")
	return nil
}
