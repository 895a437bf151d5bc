// Package state contains logic for managing the importer sync state which the server persists.
package state

import (
	"context"
	"errors"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/status"
)

// ErrImporterNotFound is returned when an importer has no sync state
var ErrImporterNotFound = errors.New("importer not found")

// ImporterStateService provides methods for inspecting and updating the sync state of importers.
//
//go:generate mockgen -destination=mocks/mock_importer_state_service.go -package=mocks github.com/stacklok/nupkg-mirror/internal/sync/state ImporterStateService
type ImporterStateService interface {
	// Initialize loads or creates the state of every configured importer.
	// It is called at application startup. State left in the Syncing phase by
	// an interrupted run is reset to Failed, and state of importers no longer
	// configured is dropped.
	Initialize(ctx context.Context, importers []config.ImporterConfig) error
	// ListSyncStatuses lists the status of every importer
	ListSyncStatuses(ctx context.Context) (map[string]*status.SyncStatus, error)
	// GetSyncStatus returns the status of the named importer
	GetSyncStatus(ctx context.Context, importerName string) (*status.SyncStatus, error)
	// UpdateSyncStatus overrides the status of the named importer
	UpdateSyncStatus(ctx context.Context, importerName string, syncStatus *status.SyncStatus) error
	// UpdateStatusAtomically fetches the current status, applies
	// testAndUpdateFn, and stores the result if the function reports a
	// change, all as one atomic action. It returns whether the status changed.
	UpdateStatusAtomically(
		ctx context.Context,
		importerName string,
		testAndUpdateFn func(syncStatus *status.SyncStatus) bool,
	) (bool, error)
}

// initialStatus returns the status of an importer that never synced
func initialStatus(imp *config.ImporterConfig) *status.SyncStatus {
	st := &status.SyncStatus{
		Phase:   status.SyncPhaseFailed,
		Message: "No previous sync status found",
	}
	if imp.SyncPolicy != nil {
		st.SyncSchedule = imp.SyncPolicy.Interval
	}
	return st
}
