//go:build integration

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/database"
	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/status"
)

func TestDBStateService(t *testing.T) {
	t.Parallel()

	pool := database.SetupTestDB(t)
	ctx := context.Background()
	service := NewDBStateService(pool)

	importers := []config.ImporterConfig{
		{Name: "nuget-org", SyncPolicy: &config.SyncPolicyConfig{Interval: "30m"}},
		{Name: "internal"},
	}
	require.NoError(t, service.Initialize(ctx, importers))

	statuses, err := service.ListSyncStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, status.SyncPhaseFailed, statuses["nuget-org"].Phase)
	assert.Equal(t, "No previous sync status found", statuses["nuget-org"].Message)
	assert.Equal(t, "30m", statuses["nuget-org"].SyncSchedule)

	// Claim the importer, then simulate a crash and restart
	claimed, err := service.UpdateStatusAtomically(ctx, "nuget-org", func(s *status.SyncStatus) bool {
		if s.Phase == status.SyncPhaseSyncing {
			return false
		}
		now := time.Now().UTC().Truncate(time.Microsecond)
		s.Phase = status.SyncPhaseSyncing
		s.LastAttempt = &now
		s.AttemptCount++
		return true
	})
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = service.UpdateStatusAtomically(ctx, "nuget-org", func(s *status.SyncStatus) bool {
		return s.Phase != status.SyncPhaseSyncing
	})
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, service.Initialize(ctx, importers[:1]))

	got, err := service.GetSyncStatus(ctx, "nuget-org")
	require.NoError(t, err)
	assert.Equal(t, status.SyncPhaseFailed, got.Phase)
	assert.Equal(t, "Previous sync was interrupted", got.Message)
	assert.Equal(t, 1, got.AttemptCount)
	assert.NotNil(t, got.LastAttempt)

	_, err = service.GetSyncStatus(ctx, "internal")
	assert.ErrorIs(t, err, ErrImporterNotFound)

	completed := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, service.UpdateSyncStatus(ctx, "nuget-org", &status.SyncStatus{
		Phase:                 status.SyncPhaseComplete,
		LastSyncTime:          &completed,
		LastSyncHash:          "abc",
		LastAppliedFilterHash: "def",
		RepositoryVersion:     4,
		PackageCount:          12,
		SyncSchedule:          "30m",
	}))
	got, err = service.GetSyncStatus(ctx, "nuget-org")
	require.NoError(t, err)
	assert.Equal(t, status.SyncPhaseComplete, got.Phase)
	assert.True(t, completed.Equal(*got.LastSyncTime))
	assert.Equal(t, int64(4), got.RepositoryVersion)
	assert.Equal(t, 12, got.PackageCount)

	err = service.UpdateSyncStatus(ctx, "internal", &status.SyncStatus{Phase: status.SyncPhaseComplete})
	assert.ErrorIs(t, err, ErrImporterNotFound)
}
