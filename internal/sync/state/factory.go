package state

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/status"
)

// NewStateService picks where importer sync status lives. It follows the
// record store: one YAML file per importer in the status directory, or in the
// importer_sync table when records are in Postgres, so a status always
// describes versions of the store it sits beside.
func NewStateService(
	cfg *config.Config,
	statusPersistence status.StatusPersistence,
	pool *pgxpool.Pool,
) (ImporterStateService, error) {
	switch storageType := cfg.GetStorageType(); storageType {
	case config.StorageTypePostgres:
		if pool == nil {
			return nil, fmt.Errorf("importer status needs a database pool with %s storage", storageType)
		}
		return NewDBStateService(pool), nil
	case config.StorageTypeFile:
		if statusPersistence == nil {
			return nil, fmt.Errorf("importer status needs a status persistence with %s storage", storageType)
		}
		return NewFileStateService(statusPersistence), nil
	default:
		return nil, fmt.Errorf("%w: storage type %q has no importer status backend", config.ErrInvalidConfig, storageType)
	}
}
