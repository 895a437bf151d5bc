// Package sync mirrors a remote feed into a repository.
//
// # Synchronizer
//
// Synchronizer.Sync runs one sync of an importer as a plain synchronous call:
//
//  1. Validate the importer configuration (ErrConfiguration)
//  2. Fetch and parse the feed index (feed.ErrFeedUnreachable, feed.ErrFeedMalformed)
//  3. Apply the importer's filter
//  4. Diff the filtered index against the latest repository version
//  5. Apply the change set to a new version-in-progress and finalize it
//
// Any failure discards the version-in-progress; the latest version is left
// untouched. A feed that has not changed since the last sync produces an
// empty change set and no new version.
//
// # Sync Decision Making
//
// ShouldSync decides whether the coordinator should start a periodic sync,
// returning a Reason that encodes both the decision and why:
//
//   - ReasonAlreadyInProgress: a sync is running
//   - ReasonNotReady: no successful sync yet, or the last one failed
//   - ReasonFilterChanged: the importer's filter differs from the one last applied
//   - ReasonIntervalElapsed: the sync interval has elapsed
//   - ReasonManual: a sync was requested explicitly
//   - ReasonUpToDateWithPolicy / ReasonUpToDateNoPolicy: nothing to do
//
// Feed data changes are not detected up front. Syncing an unchanged feed is
// cheap and creates no version, so the interval alone drives periodic syncs.
//
// The coordinator subpackage schedules periodic syncs and persists the
// status of each importer; the state subpackage stores that status.
package sync
