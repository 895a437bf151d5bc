package app

import (
	"github.com/stacklok/nupkg-mirror/internal/artifactstore"
	"github.com/stacklok/nupkg-mirror/internal/distribution"
	"github.com/stacklok/nupkg-mirror/internal/jobs"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/sync/coordinator"
	"github.com/stacklok/nupkg-mirror/internal/sync/state"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Store holds repositories, versions, content and publications
	Store store.Store

	// Blobs holds downloaded artifacts and published manifests
	Blobs *artifactstore.Store

	// Runner runs sync, publish and version jobs one at a time per repository
	Runner *jobs.Runner

	// SyncCoordinator manages background synchronization
	SyncCoordinator coordinator.Coordinator

	// StateService tracks the sync status of every importer
	StateService state.ImporterStateService

	// Distribution serves published repositories
	Distribution *distribution.Server
}
