package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/db"
	"github.com/stacklok/nupkg-mirror/internal/reservation"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/store/postgres"
	"github.com/stacklok/nupkg-mirror/internal/sync/state"
)

// DatabaseFactory creates database-backed storage components.
// All components created by this factory use PostgreSQL for persistence.
type DatabaseFactory struct {
	config *config.Config
	pool   *pgxpool.Pool
	store  *postgres.Store

	// ownsPool is false when the pool was injected and the caller closes it
	ownsPool bool
}

var _ Factory = (*DatabaseFactory)(nil)

// DatabaseFactoryOption is a functional option for configuring the DatabaseFactory
type DatabaseFactoryOption func(*DatabaseFactory)

// WithPool uses an existing connection pool instead of connecting with the
// database configuration. Cleanup leaves an injected pool open.
func WithPool(pool *pgxpool.Pool) DatabaseFactoryOption {
	return func(f *DatabaseFactory) {
		f.pool = pool
	}
}

// NewDatabaseFactory creates a new database-backed storage factory.
// It establishes a connection pool to the configured PostgreSQL database.
func NewDatabaseFactory(ctx context.Context, cfg *config.Config, opts ...DatabaseFactoryOption) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	factory := &DatabaseFactory{config: cfg}
	for _, opt := range opts {
		opt(factory)
	}

	if factory.pool == nil {
		if cfg.Database == nil {
			return nil, fmt.Errorf("database configuration is required for postgres storage type")
		}

		slog.Info("Creating database-backed storage factory")
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		factory.pool = pool
		factory.ownsPool = true
	}

	factory.store = postgres.New(factory.pool)
	return factory, nil
}

// Pool returns the connection pool
func (d *DatabaseFactory) Pool() *pgxpool.Pool {
	return d.pool
}

// CreateStore returns the PostgreSQL store
func (d *DatabaseFactory) CreateStore(_ context.Context) (store.Store, error) {
	return d.store, nil
}

// CreateStateService creates a database-backed state service for sync status tracking.
func (d *DatabaseFactory) CreateStateService(_ context.Context) (state.ImporterStateService, error) {
	slog.Debug("Creating database-backed state service")
	return state.NewStateService(d.config, nil, d.pool)
}

// CreateReserver creates advisory lock reservations, or a local or file
// reserver when locking.type selects one
func (d *DatabaseFactory) CreateReserver(_ context.Context) (reservation.Reserver, error) {
	slog.Debug("Creating reserver", "lock_type", d.config.GetLockType())
	if d.config.GetLockType() == config.LockTypePostgres {
		return reservation.NewPostgres(d.pool), nil
	}
	return newLocalReserver(d.config)
}

// Cleanup releases resources held by the database factory.
// This closes the database connection pool and any active connections.
func (d *DatabaseFactory) Cleanup() {
	if d.pool != nil && d.ownsPool {
		slog.Info("Closing database connection pool")
		d.pool.Close()
	}
}
