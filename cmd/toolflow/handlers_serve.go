package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

// runServe handles the serve command.
func runServe(ctx context.Context, configPath, addr string, skipMigrate bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.logger.Warn("failed to release resources", "error", err)
		}
	}()
	slog.SetDefault(a.logger)

	a.logger.Info("configuration loaded",
		"environment", cfg.Environment,
		"database", cfg.Database.Driver,
		"cache", cfg.Cache.Driver,
		"tools", len(a.catalog.Names()),
	)

	if !skipMigrate {
		if err := applyMigrations(ctx, a); err != nil {
			return err
		}
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweeper, err := a.newSweeper()
	if err != nil {
		return err
	}
	if cfg.SweepEnabled() {
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start cleanup sweep: %w", err)
		}
		a.logger.Info("cleanup sweep scheduled",
			"schedule", cfg.CleanupSchedule(),
			"stale_after", cfg.Cleanup.StaleAfter,
		)
	}

	if addr == "" {
		addr = cfg.Observability.MetricsAddr
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           newAPIHandler(a),
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.RegisterOnShutdown(a.events.Close)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.logger.Info("toolflow started", "addr", listener.Addr().String())

	// Wait for shutdown signal or server error.
	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, initiating graceful shutdown")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("http server error", "error", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	errs := []error{serveErr}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop cleanup sweep: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	a.logger.Info("toolflow stopped gracefully")
	return nil
}
