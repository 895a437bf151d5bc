package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/status"
)

const selectColumns = `sync_status::text, error_msg, error_kind, started_at, ended_at, attempt_count,
	last_sync_hash, last_applied_filter_hash, repository_version, package_count, sync_schedule`

type dbStateService struct {
	pool *pgxpool.Pool
}

// NewDBStateService creates a new database-backed importer state service
func NewDBStateService(pool *pgxpool.Pool) ImporterStateService {
	return &dbStateService{
		pool: pool,
	}
}

func (d *dbStateService) Initialize(ctx context.Context, importers []config.ImporterConfig) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	names := make([]string, len(importers))
	for i := range importers {
		imp := &importers[i]
		names[i] = imp.Name
		initial := initialStatus(imp)

		// New importers start as Failed so the first sync runs right away
		_, err := tx.Exec(ctx, `
			INSERT INTO importer_sync (importer_name, sync_status, error_msg, sync_schedule)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (importer_name) DO UPDATE SET sync_schedule = EXCLUDED.sync_schedule`,
			imp.Name, string(initial.Phase), initial.Message, initial.SyncSchedule)
		if err != nil {
			return fmt.Errorf("failed to initialize sync status for %s: %w", imp.Name, err)
		}
	}

	// A previous process stopped mid-sync; reset so the sync is retried
	tag, err := tx.Exec(ctx, `
		UPDATE importer_sync SET sync_status = 'Failed', error_msg = 'Previous sync was interrupted'
		WHERE sync_status = 'Syncing'`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		slog.Warn("Reset interrupted syncs", "count", tag.RowsAffected())
	}

	if _, err := tx.Exec(ctx, `DELETE FROM importer_sync WHERE NOT (importer_name = ANY($1))`, names); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *dbStateService) ListSyncStatuses(ctx context.Context) (map[string]*status.SyncStatus, error) {
	rows, err := d.pool.Query(ctx, `SELECT importer_name, `+selectColumns+` FROM importer_sync`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*status.SyncStatus)
	for rows.Next() {
		var name string
		syncStatus, err := scanStatus(rows, &name)
		if err != nil {
			return nil, err
		}
		result[name] = syncStatus
	}
	return result, rows.Err()
}

func (d *dbStateService) GetSyncStatus(ctx context.Context, importerName string) (*status.SyncStatus, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM importer_sync WHERE importer_name = $1`, importerName)
	syncStatus, err := scanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImporterNotFound, importerName)
	}
	return syncStatus, err
}

func (d *dbStateService) UpdateSyncStatus(ctx context.Context, importerName string, syncStatus *status.SyncStatus) error {
	tag, err := updateStatus(ctx, d.pool, importerName, syncStatus)
	if err != nil {
		return err
	}
	if tag == 0 {
		return fmt.Errorf("%w: %s", ErrImporterNotFound, importerName)
	}
	return nil
}

func (d *dbStateService) UpdateStatusAtomically(
	ctx context.Context,
	importerName string,
	testAndUpdateFn func(syncStatus *status.SyncStatus) bool,
) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM importer_sync WHERE importer_name = $1 FOR UPDATE`, importerName)
	syncStatus, err := scanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrImporterNotFound, importerName)
	}
	if err != nil {
		return false, err
	}

	if !testAndUpdateFn(syncStatus) {
		return false, nil
	}
	if _, err := updateStatus(ctx, tx, importerName, syncStatus); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// updateStatus writes every status column and returns the number of rows updated
func updateStatus(ctx context.Context, db execer, importerName string, syncStatus *status.SyncStatus) (int64, error) {
	tag, err := db.Exec(ctx, `
		UPDATE importer_sync SET
			sync_status = $2,
			error_msg = $3,
			error_kind = $4,
			started_at = $5,
			ended_at = $6,
			attempt_count = $7,
			last_sync_hash = $8,
			last_applied_filter_hash = $9,
			repository_version = $10,
			package_count = $11,
			sync_schedule = $12
		WHERE importer_name = $1`,
		importerName,
		string(syncStatus.Phase),
		syncStatus.Message,
		syncStatus.ErrorKind,
		syncStatus.LastAttempt,
		syncStatus.LastSyncTime,
		syncStatus.AttemptCount,
		syncStatus.LastSyncHash,
		syncStatus.LastAppliedFilterHash,
		syncStatus.RepositoryVersion,
		syncStatus.PackageCount,
		syncStatus.SyncSchedule,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update sync status for %s: %w", importerName, err)
	}
	return tag.RowsAffected(), nil
}

// scanStatus scans one importer_sync row. Extra destinations are scanned
// ahead of the status columns.
func scanStatus(row pgx.Row, extra ...any) (*status.SyncStatus, error) {
	var (
		syncStatus status.SyncStatus
		phase      string
		started    *time.Time
		ended      *time.Time
	)
	dest := append(extra,
		&phase,
		&syncStatus.Message,
		&syncStatus.ErrorKind,
		&started,
		&ended,
		&syncStatus.AttemptCount,
		&syncStatus.LastSyncHash,
		&syncStatus.LastAppliedFilterHash,
		&syncStatus.RepositoryVersion,
		&syncStatus.PackageCount,
		&syncStatus.SyncSchedule,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	syncStatus.Phase = status.SyncPhase(phase)
	syncStatus.LastAttempt = started
	syncStatus.LastSyncTime = ended
	return &syncStatus, nil
}
