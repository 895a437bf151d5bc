package status

import "time"

// SyncPhase represents the current phase of an importer's synchronization
type SyncPhase string

const (
	// SyncPhaseSyncing means sync is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last sync completed successfully
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last sync failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// SyncStatus represents the current state of an importer's synchronization
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `yaml:"phase"`

	// Message provides additional information about the sync status
	Message string `yaml:"message,omitempty"`

	// ErrorKind classifies the last failure, e.g. "FeedUnreachable"
	ErrorKind string `yaml:"errorKind,omitempty"`

	// LastAttempt is the timestamp of the last sync attempt
	LastAttempt *time.Time `yaml:"lastAttempt,omitempty"`

	// AttemptCount is the number of sync attempts since last success
	AttemptCount int `yaml:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last successful sync
	LastSyncTime *time.Time `yaml:"lastSyncTime,omitempty"`

	// LastSyncHash is the digest of the feed index seen by the last successful sync
	LastSyncHash string `yaml:"lastSyncHash,omitempty"`

	// LastAppliedFilterHash is the hash of the filter applied by the last successful sync
	LastAppliedFilterHash string `yaml:"lastAppliedFilterHash,omitempty"`

	// RepositoryVersion is the latest repository version after the last successful sync
	RepositoryVersion int64 `yaml:"repositoryVersion,omitempty"`

	// PackageCount is the number of feed packages that passed the filter
	PackageCount int `yaml:"packageCount,omitempty"`

	// SyncSchedule is the sync interval from configuration (e.g., "30m", "1h").
	// Empty for importers that only sync on request.
	SyncSchedule string `yaml:"syncSchedule,omitempty"`
}
