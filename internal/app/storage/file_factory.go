package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/reservation"
	"github.com/stacklok/nupkg-mirror/internal/status"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/store/file"
	"github.com/stacklok/nupkg-mirror/internal/sync/state"
)

// FileFactory creates file-based storage components.
// All components created by this factory use the local filesystem for persistence.
type FileFactory struct {
	config *config.Config

	// File-mode dependencies (created once, shared by all components)
	statusPersistence status.StatusPersistence

	mu    sync.Mutex
	store *file.Store
}

var _ Factory = (*FileFactory)(nil)

// NewFileFactory creates a new file-based storage factory.
// It ensures the directories of the store snapshot and the status files exist.
func NewFileFactory(cfg *config.Config) (*FileFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	storeDir := filepath.Dir(cfg.GetStorePath())
	for _, dir := range []string{storeDir, cfg.GetStatusDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	slog.Info("Creating file-based storage factory",
		"store_path", cfg.GetStorePath(),
		"status_dir", cfg.GetStatusDir())

	return &FileFactory{
		config:            cfg,
		statusPersistence: status.NewFileStatusPersistence(cfg.GetStatusDir()),
	}, nil
}

// CreateStore opens the file store snapshot on first use
func (f *FileFactory) CreateStore(_ context.Context) (store.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store != nil {
		return f.store, nil
	}
	slog.Debug("Opening file store", "path", f.config.GetStorePath())
	s, err := file.Open(f.config.GetStorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open file store: %w", err)
	}
	f.store = s
	return s, nil
}

// CreateStateService creates a file-based state service for sync status tracking.
func (f *FileFactory) CreateStateService(_ context.Context) (state.ImporterStateService, error) {
	slog.Debug("Creating file-based state service")
	return state.NewStateService(f.config, f.statusPersistence, nil)
}

// CreateReserver creates an in-process or file lock reserver
func (f *FileFactory) CreateReserver(_ context.Context) (reservation.Reserver, error) {
	slog.Debug("Creating reserver", "lock_type", f.config.GetLockType())
	return newLocalReserver(f.config)
}

// Cleanup closes the store if it was opened
func (f *FileFactory) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store == nil {
		return
	}
	slog.Debug("Closing file store")
	if err := f.store.Close(); err != nil {
		slog.Error("Failed to close file store", "error", err)
	}
	f.store = nil
}
