// Package app provides application lifecycle management for the mirror.
//
// A MirrorApp owns the record store, the artifact storage, the job runner,
// the sync coordinator and the distribution server. Its Operations submit
// sync, publish and version jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stacklok/nupkg-mirror/internal/config"
	pkgsync "github.com/stacklok/nupkg-mirror/internal/sync"
)

// MirrorApp encapsulates all components needed to run the mirror.
// It provides lifecycle management and graceful shutdown capabilities
type MirrorApp struct {
	*Operations

	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start starts the application components (HTTP server and background sync)
// This method blocks until the HTTP server stops or encounters an error
func (app *MirrorApp) Start() error {
	// Start sync coordinator in background
	go func() {
		if err := app.components.SyncCoordinator.Start(app.ctx); err != nil {
			slog.Error("Sync coordinator failed", "error", err)
		}
	}()

	// Start HTTP server (blocks until stopped)
	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application with the given timeout.
// It stops the sync coordinator, cancels running jobs, shuts down the HTTP
// server and finally releases storage resources.
func (app *MirrorApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down mirror...")

	// Stop sync coordinator first
	if err := app.components.SyncCoordinator.Stop(); err != nil {
		slog.Error("Failed to stop sync coordinator", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.components.Runner.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("jobs did not finish: %w", err))
	}

	// Graceful HTTP server shutdown
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	// Cancel the application context and release storage
	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("Shutdown complete")
	return nil
}

// Trigger syncs an importer now and records the outcome in its sync status
func (app *MirrorApp) Trigger(ctx context.Context, importerName string) (*pkgsync.Result, error) {
	return app.components.SyncCoordinator.Trigger(ctx, importerName)
}

// GetConfig returns the application configuration
func (app *MirrorApp) GetConfig() *config.Config {
	return app.config
}

// GetComponents returns the application components
func (app *MirrorApp) GetComponents() *AppComponents {
	return app.components
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *MirrorApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
