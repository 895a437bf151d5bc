package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/status"
)

type fileStateService struct {
	statusPersistence status.StatusPersistence

	mu             sync.RWMutex
	cachedStatuses map[string]*status.SyncStatus
}

// NewFileStateService creates a new file-based importer state service
func NewFileStateService(statusPersistence status.StatusPersistence) ImporterStateService {
	return &fileStateService{
		statusPersistence: statusPersistence,
		cachedStatuses:    make(map[string]*status.SyncStatus),
	}
}

func (f *fileStateService) Initialize(ctx context.Context, importers []config.ImporterConfig) error {
	statuses := make(map[string]*status.SyncStatus, len(importers))
	for i := range importers {
		statuses[importers[i].Name] = f.loadOrInitializeStatus(ctx, &importers[i])
	}

	f.mu.Lock()
	f.cachedStatuses = statuses
	f.mu.Unlock()
	return nil
}

func (f *fileStateService) ListSyncStatuses(_ context.Context) (map[string]*status.SyncStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	// Return copies to prevent external modification
	result := make(map[string]*status.SyncStatus, len(f.cachedStatuses))
	for name, syncStatus := range f.cachedStatuses {
		statusCopy := *syncStatus
		result[name] = &statusCopy
	}
	return result, nil
}

func (f *fileStateService) GetSyncStatus(_ context.Context, importerName string) (*status.SyncStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	syncStatus, exists := f.cachedStatuses[importerName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrImporterNotFound, importerName)
	}
	statusCopy := *syncStatus
	return &statusCopy, nil
}

func (f *fileStateService) UpdateStatusAtomically(
	ctx context.Context,
	importerName string,
	testAndUpdateFn func(syncStatus *status.SyncStatus) bool,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, exists := f.cachedStatuses[importerName]
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrImporterNotFound, importerName)
	}

	// The function works on a copy so a failed save leaves the cache untouched
	syncStatus := *current
	if !testAndUpdateFn(&syncStatus) {
		return false, nil
	}
	if err := f.statusPersistence.SaveStatus(ctx, importerName, &syncStatus); err != nil {
		return false, err
	}
	f.cachedStatuses[importerName] = &syncStatus
	return true, nil
}

func (f *fileStateService) UpdateSyncStatus(ctx context.Context, importerName string, syncStatus *status.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusPersistence.SaveStatus(ctx, importerName, syncStatus); err != nil {
		return err
	}
	statusCopy := *syncStatus
	f.cachedStatuses[importerName] = &statusCopy
	return nil
}

func (f *fileStateService) loadOrInitializeStatus(ctx context.Context, imp *config.ImporterConfig) *status.SyncStatus {
	syncStatus, err := f.statusPersistence.LoadStatus(ctx, imp.Name)
	if err != nil {
		slog.Warn("Failed to load sync status, initializing with defaults",
			"importer", imp.Name,
			"error", err)
		return initialStatus(imp)
	}

	var schedule string
	if imp.SyncPolicy != nil {
		schedule = imp.SyncPolicy.Interval
	}

	save := false
	switch {
	case syncStatus.Phase == "" && syncStatus.LastSyncTime == nil:
		slog.Info("No previous sync status found, initializing with defaults", "importer", imp.Name)
		syncStatus = initialStatus(imp)
		save = true
	case syncStatus.Phase == status.SyncPhaseSyncing:
		// The previous process stopped mid-sync; reset so the sync is retried
		slog.Warn("Previous sync was interrupted, resetting to Failed", "importer", imp.Name)
		syncStatus.Phase = status.SyncPhaseFailed
		syncStatus.Message = "Previous sync was interrupted"
		save = true
	}
	if syncStatus.SyncSchedule != schedule {
		syncStatus.SyncSchedule = schedule
		save = true
	}

	if save {
		if err := f.statusPersistence.SaveStatus(ctx, imp.Name, syncStatus); err != nil {
			slog.Warn("Failed to persist sync status",
				"importer", imp.Name,
				"error", err)
		}
	}

	if syncStatus.LastSyncTime != nil {
		slog.Info("Loaded sync status",
			"importer", imp.Name,
			"phase", syncStatus.Phase,
			"last_sync", syncStatus.LastSyncTime.Format(time.RFC3339),
			"version", syncStatus.RepositoryVersion)
	} else {
		slog.Info("Loaded sync status, no previous sync",
			"importer", imp.Name,
			"phase", syncStatus.Phase)
	}
	return syncStatus
}
