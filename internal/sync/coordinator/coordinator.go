package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/jobs"
	"github.com/stacklok/nupkg-mirror/internal/status"
	pkgsync "github.com/stacklok/nupkg-mirror/internal/sync"
	"github.com/stacklok/nupkg-mirror/internal/sync/state"
)

const (
	// basePollingInterval is the base interval at which the coordinator checks for due importers
	basePollingInterval = 2 * time.Minute
	// pollingJitter is the maximum random offset (±30 seconds) applied to the polling interval
	pollingJitter = 30 * time.Second
)

// ErrSyncInProgress is returned by Trigger when the importer is already syncing
var ErrSyncInProgress = errors.New("sync already in progress")

// Syncer runs one sync of an importer
//
//go:generate mockgen -destination=mocks/mock_syncer.go -package=mocks -source=coordinator.go Syncer
type Syncer interface {
	Sync(ctx context.Context, importerName string) (*pkgsync.Result, error)
}

// Coordinator manages background synchronization of importers
type Coordinator interface {
	// Start begins background sync coordination for all importers.
	// Blocks until context is cancelled or an unrecoverable error occurs.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator
	Stop() error

	// Trigger syncs an importer now, regardless of its sync policy, and
	// records the outcome in its status
	Trigger(ctx context.Context, importerName string) (*pkgsync.Result, error)
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	syncer    Syncer
	statusSvc state.ImporterStateService
	config    *config.Config
	now       func() time.Time

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithClock overrides the clock used for sync decisions and timestamps
func WithClock(now func() time.Time) Option {
	return func(c *defaultCoordinator) {
		c.now = now
	}
}

// New creates a new coordinator with injected dependencies
func New(
	syncer Syncer,
	statusSvc state.ImporterStateService,
	cfg *config.Config,
	opts ...Option,
) Coordinator {
	c := &defaultCoordinator{
		syncer:    syncer,
		statusSvc: statusSvc,
		config:    cfg,
		now:       time.Now,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// calculatePollingInterval returns the base polling interval with a random jitter applied.
// The jitter is ±30 seconds to prevent all instances from polling simultaneously.
func calculatePollingInterval() time.Duration {
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	jitterOffset := time.Duration(rand.Int64N(int64(2*pollingJitter))) - pollingJitter
	return basePollingInterval + jitterOffset
}

// Start begins background sync coordination for all importers
func (c *defaultCoordinator) Start(ctx context.Context) error {
	slog.Info("Starting background sync coordinator", "importer_count", len(c.config.Importers))

	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer func() {
		close(c.done)
		slog.Info("Background sync coordinator shutting down")
	}()

	if err := c.statusSvc.Initialize(ctx, c.config.Importers); err != nil {
		return fmt.Errorf("failed to initialize importer sync status: %w", err)
	}

	pollingInterval := calculatePollingInterval()
	slog.Info("Configured coordinator sync interval",
		"base_interval", basePollingInterval,
		"actual_interval", pollingInterval)

	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	c.syncDueImporters(coordCtx)

	for {
		select {
		case <-ticker.C:
			c.syncDueImporters(coordCtx)

			// Recalculate interval with new jitter for next iteration
			ticker.Reset(calculatePollingInterval())
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc != nil {
		slog.Info("Stopping sync coordinator")
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// Trigger implements Coordinator
func (c *defaultCoordinator) Trigger(ctx context.Context, importerName string) (*pkgsync.Result, error) {
	imp, ok := c.config.GetImporter(importerName)
	if !ok {
		return nil, fmt.Errorf("%w: importer %q is not configured", pkgsync.ErrConfiguration, importerName)
	}
	claimed, err := c.claim(ctx, imp, true)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, importerName)
	}
	return c.performSync(ctx, imp)
}

// syncDueImporters claims and syncs every importer that is due. Importers of
// different repositories sync concurrently; the job runner serializes the rest.
func (c *defaultCoordinator) syncDueImporters(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range c.config.Importers {
		imp := &c.config.Importers[i]
		claimed, err := c.claim(ctx, imp, false)
		if err != nil {
			slog.Error("Error checking importer sync status", "importer", imp.Name, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		wg.Go(func() {
			_, _ = c.performSync(ctx, imp)
		})
	}
	wg.Wait()
}

// claim moves the importer to Syncing if ShouldSync allows it
func (c *defaultCoordinator) claim(ctx context.Context, imp *config.ImporterConfig, manual bool) (bool, error) {
	return c.statusSvc.UpdateStatusAtomically(ctx, imp.Name, func(syncStatus *status.SyncStatus) bool {
		now := c.now()
		reason := pkgsync.ShouldSync(imp, syncStatus, manual, now)
		if !reason.ShouldSync() {
			slog.Debug("Importer does not need sync",
				"importer", imp.Name,
				"reason", reason.String())
			return false
		}
		slog.Debug("Importer needs sync", "importer", imp.Name, "reason", reason.String())

		syncStatus.Phase = status.SyncPhaseSyncing
		syncStatus.Message = "Sync in progress"
		syncStatus.LastAttempt = &now
		syncStatus.AttemptCount++
		return true
	})
}

// performSync runs the sync of a claimed importer and records its outcome
func (c *defaultCoordinator) performSync(ctx context.Context, imp *config.ImporterConfig) (*pkgsync.Result, error) {
	importerName := imp.Name
	slog.Info("Starting sync operation", "importer", importerName)

	result, syncErr := c.syncer.Sync(ctx, importerName)

	// The final update must land even when ctx was canceled mid-sync,
	// otherwise the importer would stay Syncing until the next restart
	updateCtx := context.WithoutCancel(ctx)
	_, err := c.statusSvc.UpdateStatusAtomically(updateCtx, importerName, func(syncStatus *status.SyncStatus) bool {
		if syncErr != nil {
			syncStatus.Phase = status.SyncPhaseFailed
			syncStatus.Message = syncErr.Error()
			syncStatus.ErrorKind = string(jobs.ErrorKind(syncErr))
			return true
		}

		now := c.now()
		syncStatus.Phase = status.SyncPhaseComplete
		syncStatus.Message = "Sync completed successfully"
		if !result.Created {
			syncStatus.Message = "Repository already up to date"
		}
		syncStatus.ErrorKind = ""
		syncStatus.LastSyncTime = &now
		syncStatus.LastSyncHash = result.IndexHash.String()
		syncStatus.LastAppliedFilterHash = pkgsync.FilterHash(imp.Filter)
		syncStatus.PackageCount = result.Packages
		syncStatus.AttemptCount = 0
		if result.RepositoryVersion != nil {
			syncStatus.RepositoryVersion = result.RepositoryVersion.Number
		}
		return true
	})
	if err != nil {
		slog.Error("Error updating sync status", "importer", importerName, "error", err)
	}

	if syncErr != nil {
		slog.Error("Sync failed",
			"importer", importerName,
			"kind", jobs.ErrorKind(syncErr),
			"error", syncErr)
		return nil, syncErr
	}
	var number int64
	if result.RepositoryVersion != nil {
		number = result.RepositoryVersion.Number
	}
	slog.Info("Sync completed successfully",
		"importer", importerName,
		"version", number,
		"created", result.Created,
		"packages", result.Packages,
		"hash", result.IndexHash.Short())
	return result, nil
}
