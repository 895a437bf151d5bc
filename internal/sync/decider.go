package sync

import (
	"encoding/json"
	"time"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/status"
)

// Reason encodes whether an importer should sync and why
type Reason int

const (
	// ReasonAlreadyInProgress means a sync of the importer is running
	ReasonAlreadyInProgress Reason = iota
	// ReasonUpToDateWithPolicy means the sync interval has not elapsed
	ReasonUpToDateWithPolicy
	// ReasonUpToDateNoPolicy means the importer only syncs on request
	ReasonUpToDateNoPolicy

	// ReasonNotReady means the importer never synced successfully or its last sync failed
	ReasonNotReady
	// ReasonFilterChanged means the filter differs from the one last applied
	ReasonFilterChanged
	// ReasonIntervalElapsed means the sync interval has elapsed
	ReasonIntervalElapsed
	// ReasonManual means a sync was requested explicitly
	ReasonManual
)

var reasonNames = map[Reason]string{
	ReasonAlreadyInProgress:  "sync-already-in-progress",
	ReasonUpToDateWithPolicy: "up-to-date-with-policy",
	ReasonUpToDateNoPolicy:   "up-to-date-no-policy",
	ReasonNotReady:           "importer-not-ready",
	ReasonFilterChanged:      "filter-changed",
	ReasonIntervalElapsed:    "sync-interval-elapsed",
	ReasonManual:             "manual-sync",
}

// String returns the reason as a kebab-case string for logs and status messages
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// ShouldSync reports whether the reason calls for a sync
func (r Reason) ShouldSync() bool {
	return r >= ReasonNotReady
}

// ShouldSync decides whether imp should be synced now given its last status.
// Importers without a sync policy only sync when manual is set.
func ShouldSync(imp *config.ImporterConfig, syncStatus *status.SyncStatus, manual bool, now time.Time) Reason {
	if syncStatus != nil && syncStatus.Phase == status.SyncPhaseSyncing {
		return ReasonAlreadyInProgress
	}
	if manual {
		return ReasonManual
	}

	interval := imp.GetInterval()
	if interval <= 0 {
		return ReasonUpToDateNoPolicy
	}
	if syncStatus == nil || syncStatus.Phase != status.SyncPhaseComplete {
		return ReasonNotReady
	}
	if isFilterChanged(imp, syncStatus) {
		return ReasonFilterChanged
	}
	if syncStatus.LastAttempt == nil || !now.Before(syncStatus.LastAttempt.Add(interval)) {
		return ReasonIntervalElapsed
	}
	return ReasonUpToDateWithPolicy
}

// NextSyncTime returns when the next periodic sync of imp is due, or the zero
// time when imp has no sync policy
func NextSyncTime(imp *config.ImporterConfig, syncStatus *status.SyncStatus, now time.Time) time.Time {
	interval := imp.GetInterval()
	if interval <= 0 {
		return time.Time{}
	}
	if syncStatus == nil || syncStatus.LastAttempt == nil {
		return now
	}
	return syncStatus.LastAttempt.Add(interval)
}

// isFilterChanged checks if the filter has changed compared to the last applied one.
// An importer that never recorded a filter hash has not changed.
func isFilterChanged(imp *config.ImporterConfig, syncStatus *status.SyncStatus) bool {
	if syncStatus.LastAppliedFilterHash == "" {
		return false
	}
	return FilterHash(imp.Filter) != syncStatus.LastAppliedFilterHash
}

// FilterHash returns a stable hash of a filter configuration
func FilterHash(filter *config.FilterConfig) string {
	// FilterConfig holds only strings, slices and ints, so Marshal cannot fail
	data, _ := json.Marshal(filter)
	return string(content.DigestOf(data))
}
