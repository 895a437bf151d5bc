package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mirrorapp "github.com/stacklok/nupkg-mirror/internal/app"
	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/telemetry"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	telemetryFlushTimeout  = 5 * time.Second
)

// loadConfig loads and validates the file named by --config
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"storage", cfg.GetStorageType(),
		"repositories", len(cfg.Repositories),
		"importers", len(cfg.Importers),
		"publishers", len(cfg.Publishers))
	return cfg, nil
}

// newMirror builds the mirror with telemetry from the loaded configuration.
// The returned function stops the mirror and flushes telemetry.
func newMirror(
	ctx context.Context, cmd *cobra.Command, opts ...mirrorapp.MirrorAppOptions,
) (*mirrorapp.MirrorApp, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	shutdownTelemetry := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}

	opts = append([]mirrorapp.MirrorAppOptions{
		mirrorapp.WithConfig(cfg),
		mirrorapp.WithMeterProvider(tel.MeterProvider()),
		mirrorapp.WithTracerProvider(tel.TracerProvider()),
	}, opts...)

	mirror, err := mirrorapp.NewMirrorApp(ctx, opts...)
	if err != nil {
		shutdownTelemetry()
		return nil, nil, err
	}

	cleanup := func() {
		if err := mirror.Stop(defaultGracefulTimeout); err != nil {
			slog.Error("Failed to stop mirror", "command", cmd.Name(), "error", err)
		}
		shutdownTelemetry()
	}
	return mirror, cleanup, nil
}
