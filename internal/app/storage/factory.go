// Package storage provides factory functions for creating storage-dependent components.
// It implements the Abstract Factory pattern to ensure related components (record store,
// importer state service, reservations) are created with compatible storage backends.
package storage

import (
	"context"
	"fmt"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/reservation"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/sync/state"
)

// Factory creates storage-dependent components as a family.
// Implementations ensure all components are compatible with each other
// (e.g., all use database or all use file storage).
//
// The factory encapsulates the creation of:
// - Store: Repositories, versions, content and publications
// - ImporterStateService: Tracks sync status
// - Reserver: Serializes jobs per repository
//
// It also manages the lifecycle of storage resources (e.g., database connections).
type Factory interface {
	// CreateStore returns the record store. Repeated calls return the same store.
	CreateStore(ctx context.Context) (store.Store, error)

	// CreateStateService creates a state service for sync status tracking.
	CreateStateService(ctx context.Context) (state.ImporterStateService, error)

	// CreateReserver creates the reservation backend selected by locking.type
	CreateReserver(ctx context.Context) (reservation.Reserver, error)

	// Cleanup releases any resources held by this factory.
	// For database factories, this closes the connection pool.
	// For file factories, this closes the store.
	// Should be called when the application shuts down.
	Cleanup()
}

// NewStorageFactory creates a storage factory based on the configured storage type.
// Returns a FileFactory for file-based storage or a DatabaseFactory for database storage.
func NewStorageFactory(ctx context.Context, cfg *config.Config) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.GetStorageType() {
	case config.StorageTypePostgres:
		return NewDatabaseFactory(ctx, cfg)
	case config.StorageTypeFile:
		return NewFileFactory(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.GetStorageType())
	}
}

// newLocalReserver handles the lock types every storage backend supports
func newLocalReserver(cfg *config.Config) (reservation.Reserver, error) {
	switch cfg.GetLockType() {
	case config.LockTypeLocal:
		return reservation.NewLocal(), nil
	case config.LockTypeFile:
		lock, err := reservation.NewFileLock(cfg.GetLockDir())
		if err != nil {
			return nil, fmt.Errorf("failed to create file reservations: %w", err)
		}
		return lock, nil
	default:
		return nil, fmt.Errorf("lock type %s is not supported with %s storage", cfg.GetLockType(), cfg.GetStorageType())
	}
}
