package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/nupkg-mirror/internal/app/storage"
	"github.com/stacklok/nupkg-mirror/internal/artifactstore"
	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/distribution"
	"github.com/stacklok/nupkg-mirror/internal/httpclient"
	"github.com/stacklok/nupkg-mirror/internal/jobs"
	"github.com/stacklok/nupkg-mirror/internal/publish"
	"github.com/stacklok/nupkg-mirror/internal/repoversion"
	pkgsync "github.com/stacklok/nupkg-mirror/internal/sync"
	"github.com/stacklok/nupkg-mirror/internal/sync/coordinator"
	"github.com/stacklok/nupkg-mirror/internal/sync/state"
	"github.com/stacklok/nupkg-mirror/internal/telemetry"
)

const (
	// Artifacts can be large, so requests get far more time than API calls would
	defaultRequestTimeout = 10 * time.Minute
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Minute
	defaultIdleTimeout    = 60 * time.Second

	tracerName = "github.com/stacklok/nupkg-mirror"
)

// MirrorAppOptions is a function that configures the mirror app builder
type MirrorAppOptions func(*mirrorAppConfig) error

// mirrorAppConfig collects the options of NewMirrorApp.
// It supports dependency injection for testing while providing sensible defaults for production
type mirrorAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	storageFactory storage.Factory
	httpClient     httpclient.Client

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func baseConfig(opts ...MirrorAppOptions) (*mirrorAppConfig, error) {
	cfg := &mirrorAppConfig{
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetServerAddress()
	}

	return cfg, nil
}

// NewMirrorApp builds every component of the mirror from the configuration
// and reconciles the configured repositories, importers and publishers into
// the store
func NewMirrorApp(
	ctx context.Context,
	opts ...MirrorAppOptions,
) (*MirrorApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	// Create storage factory (single decision point for DB vs File)
	// This factory creates all storage-dependent components
	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewStorageFactory(ctx, cfg.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded && cfg.storageFactory != nil {
			cfg.storageFactory.Cleanup()
		}
	}()

	components, ops, err := buildCoreComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build core components: %w", err)
	}

	// Build sync components using factory
	components.StateService, components.SyncCoordinator, err = buildSyncComponents(ctx, cfg, ops)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	// Build HTTP server
	components.Distribution, err = buildDistribution(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build distribution server: %w", err)
	}
	httpServer, err := buildHTTPServer(ctx, cfg, components.Distribution)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	// Create application context
	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	cancelFunc := func() {
		if cfg.storageFactory != nil {
			cfg.storageFactory.Cleanup()
		}
		cancel()
	}

	return &MirrorApp{
		Operations: ops,
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address, overriding server.address
func WithAddress(addr string) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("address is not valid: %w", err)
		}
		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(net.JoinHostPort(host, port)); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithHTTPClient replaces the client used to fetch feeds and artifacts
func WithHTTPClient(c httpclient.Client) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for sync, publish and HTTP metrics
func WithMeterProvider(mp metric.MeterProvider) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for spans
func WithTracerProvider(tp trace.TracerProvider) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// buildCoreComponents builds the store, artifact storage, job runner, synchronizer and publisher
func buildCoreComponents(
	ctx context.Context,
	b *mirrorAppConfig,
) (*AppComponents, *Operations, error) {
	slog.Info("Initializing core components")

	s, err := b.storageFactory.CreateStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := ReconcileConfig(ctx, b.config, s); err != nil {
		return nil, nil, err
	}

	compression, err := artifactstore.ParseCompression(b.config.Artifacts.Compression)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := artifactstore.New(b.config.GetArtifactsPath(), artifactstore.WithCompression(compression))
	if err != nil {
		return nil, nil, err
	}

	reserver, err := b.storageFactory.CreateReserver(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reserver: %w", err)
	}
	runner := jobs.NewRunner(reserver)

	if b.httpClient == nil {
		b.httpClient = httpclient.NewDefaultClient(
			b.config.GetTransportTimeout(),
			httpclient.WithMaxAttempts(b.config.GetMaxAttempts()),
		)
	}

	syncOpts := []pkgsync.Option{
		pkgsync.WithBatchSize(b.config.GetBatchSize()),
		pkgsync.WithConcurrency(b.config.GetConcurrency()),
	}
	var publishOpts []publish.Option
	if b.config.WorkDir != "" {
		publishOpts = append(publishOpts, publish.WithWorkDir(b.config.WorkDir))
	}

	if b.meterProvider != nil {
		syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
		publishMetrics, err := telemetry.NewPublishMetrics(b.meterProvider)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create publish metrics: %w", err)
		}
		syncOpts = append(syncOpts, pkgsync.WithSyncMetrics(syncMetrics))
		publishOpts = append(publishOpts, publish.WithPublishMetrics(publishMetrics))
		slog.Info("Sync and publish metrics enabled")
	}
	if b.tracerProvider != nil {
		tracer := b.tracerProvider.Tracer(tracerName)
		syncOpts = append(syncOpts, pkgsync.WithTracer(tracer))
		publishOpts = append(publishOpts, publish.WithTracer(tracer))
	}

	ops := &Operations{
		config:       b.config,
		store:        s,
		runner:       runner,
		synchronizer: pkgsync.NewSynchronizer(s, b.httpClient, blobs, syncOpts...),
		publisher:    publish.NewPublisher(s, blobs, publishOpts...),
		versions:     repoversion.New(s),
	}

	slog.Info("Core components initialized successfully",
		"storage", b.config.GetStorageType(),
		"locking", b.config.GetLockType(),
		"artifacts", blobs.Root())

	return &AppComponents{
		Store:  s,
		Blobs:  blobs,
		Runner: runner,
	}, ops, nil
}

// buildSyncComponents builds the importer state service and the sync coordinator
func buildSyncComponents(
	ctx context.Context,
	b *mirrorAppConfig,
	ops *Operations,
) (stateSvc state.ImporterStateService, coord coordinator.Coordinator, err error) {
	slog.Info("Initializing sync components")

	// Create state service using storage factory
	stateSvc, err = b.storageFactory.CreateStateService(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create state service: %w", err)
	}
	if err := stateSvc.Initialize(ctx, b.config.Importers); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize importer sync status: %w", err)
	}

	// Create coordinator (storage-agnostic)
	coord = coordinator.New(&jobSyncer{ops: ops}, stateSvc, b.config)
	slog.Info("Sync components initialized successfully")

	return stateSvc, coord, nil
}

// buildDistribution builds the content server of published repositories
func buildDistribution(b *mirrorAppConfig, components *AppComponents) (*distribution.Server, error) {
	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			distribution.LoggingMiddleware,
		}
	}

	var serverOpts []distribution.ServerOption
	if b.tracerProvider != nil {
		b.middlewares = append([]func(http.Handler) http.Handler{
			telemetry.TracingMiddleware(b.tracerProvider),
		}, b.middlewares...)
	}
	// Add metrics middleware if meter provider is configured
	// This should be added early in the chain to capture all requests
	if b.meterProvider != nil {
		httpMetrics, err := telemetry.NewHTTPMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
		}
		distMetrics, err := telemetry.NewDistributionMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create distribution metrics: %w", err)
		}
		b.middlewares = append([]func(http.Handler) http.Handler{httpMetrics.Middleware}, b.middlewares...)
		serverOpts = append(serverOpts, distribution.WithDistributionMetrics(distMetrics))
		slog.Info("HTTP metrics middleware enabled")
	}
	serverOpts = append(serverOpts, distribution.WithMiddlewares(b.middlewares...))

	return distribution.NewServer(components.Store, components.Blobs, b.httpClient, serverOpts...), nil
}

// buildHTTPServer wraps the distribution router in an HTTP server
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(
	_ context.Context,
	b *mirrorAppConfig,
	dist *distribution.Server,
) (*http.Server, error) {
	server := &http.Server{
		Addr:         b.address,
		Handler:      dist.Router(),
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
