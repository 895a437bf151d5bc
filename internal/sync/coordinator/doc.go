// Package coordinator provides background synchronization of importers.
//
// The coordinator polls every configured importer on a jittered interval and
// asks internal/sync whether it is due. Due importers are claimed by moving
// their persisted status to Syncing with an atomic test-and-set, so two
// server instances sharing the same state never sync the same importer at
// once. The sync itself runs through a Syncer, which in the server submits a
// job to the job runner and waits for it.
//
// # Status Persistence
//
// Sync status lives behind state.ImporterStateService: YAML files for the
// file store, the importer_sync table for PostgreSQL. Every run moves the
// status through Syncing to Complete or Failed; a failure records the error
// kind reported by internal/jobs.
//
// # Error Handling
//
//   - Failed syncs are logged and their status set to Failed
//   - The coordinator keeps running after failures
//   - The next attempt happens once the importer is due again
//   - Status persistence errors are logged but do not stop the loop
package coordinator
