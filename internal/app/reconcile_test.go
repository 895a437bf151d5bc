package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/manifest"
	"github.com/stacklok/nupkg-mirror/internal/store/file"
)

func TestReconcileConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := file.NewMemory()
	cfg := &config.Config{
		Repositories: []config.RepositoryConfig{{Name: "nuget"}},
		Importers: []config.ImporterConfig{{
			Name:           "nuget-org",
			Repository:     "nuget",
			FeedURL:        "https://example.com/index.json",
			DownloadPolicy: "on_demand",
		}},
		Publishers: []config.PublisherConfig{{Name: "nuget-pub", Repository: "nuget"}},
	}

	require.NoError(t, ReconcileConfig(ctx, cfg, s))

	repo, err := s.GetRepositoryByName(ctx, "nuget")
	require.NoError(t, err)

	imp, err := s.GetImporterByName(ctx, "nuget-org")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, imp.RepositoryID)
	assert.Equal(t, "on_demand", imp.DownloadPolicy)
	assert.Equal(t, "json", imp.FeedFormat)

	pub, err := s.GetPublisherByName(ctx, "nuget-pub")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, pub.RepositoryID)
	assert.Equal(t, manifest.DefaultFileName, pub.ManifestName)

	// A second run keeps ids and applies changed settings
	cfg.Importers[0].DownloadPolicy = "streamed"
	require.NoError(t, ReconcileConfig(ctx, cfg, s))

	again, err := s.GetRepositoryByName(ctx, "nuget")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)

	updated, err := s.GetImporterByName(ctx, "nuget-org")
	require.NoError(t, err)
	assert.Equal(t, imp.ID, updated.ID)
	assert.Equal(t, "streamed", updated.DownloadPolicy)
}

func TestReconcileConfig_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	require.Error(t, ReconcileConfig(ctx, nil, file.NewMemory()))
	require.Error(t, ReconcileConfig(ctx, &config.Config{}, nil))

	err := ReconcileConfig(ctx, &config.Config{
		Importers: []config.ImporterConfig{{Name: "orphan", Repository: "missing"}},
	}, file.NewMemory())
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	err = ReconcileConfig(ctx, &config.Config{
		Publishers: []config.PublisherConfig{{Name: "orphan", Repository: "missing"}},
	}, file.NewMemory())
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
