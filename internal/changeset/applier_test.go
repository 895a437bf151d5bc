package changeset

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/nupkg-mirror/internal/artifactstore"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/httpclient/mocks"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/store/file"
)

const feedURL = "https://feed.example.com/packages/"

// pending returns an addition whose bytes are data
func pending(id, version, data string) PendingContent {
	k := content.NaturalKey{PackageID: id, Version: version, Digest: content.DigestOf([]byte(data))}
	return PendingContent{
		Unit:         content.Unit{Key: k},
		RelativePath: k.DefaultRelativePath(),
		Artifact: PendingArtifact{
			Digest: k.Digest,
			Size:   int64(len(data)),
			URL:    feedURL + id + "." + version + ".nupkg",
		},
	}
}

func serve(client *mocks.MockClient, p PendingContent, data string) *gomock.Call {
	return client.EXPECT().Open(gomock.Any(), p.Artifact.URL).
		DoAndReturn(func(context.Context, string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(data)), nil
		})
}

type fixture struct {
	store  *file.Store
	blobs  *artifactstore.Store
	client *mocks.MockClient
	repoID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	s := file.NewMemory()
	repo, err := s.EnsureRepository(context.Background(), "nuget")
	require.NoError(t, err)
	blobs, err := artifactstore.New(t.TempDir())
	require.NoError(t, err)
	return &fixture{store: s, blobs: blobs, client: mocks.NewMockClient(ctrl), repoID: repo.ID}
}

// apply applies cs to a new version of the fixture repository and commits
func (f *fixture) apply(t *testing.T, a *Applier, cs *ChangeSet) (*store.RepositoryVersion, Stats, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.BeginVersion(ctx, f.repoID)
	require.NoError(t, err)

	stats, err := a.Apply(ctx, tx, cs)
	if err != nil {
		require.NoError(t, tx.Rollback(ctx))
		return nil, stats, err
	}
	version, _, err := tx.Commit(ctx)
	require.NoError(t, err)
	return version, stats, nil
}

func (f *fixture) content(t *testing.T, v *store.RepositoryVersion) []*store.ResolvedContent {
	t.Helper()
	units, err := f.store.ListVersionContent(context.Background(), v, content.NaturalKey{}, 0)
	require.NoError(t, err)
	return units
}

func TestApplyImmediate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a1 := pending("a", "1.0.0", "package a")
	b1 := pending("b", "1.0.0", "package b")
	c1 := pending("c", "1.0.0", "package c")
	serve(f.client, a1, "package a").Times(1)
	serve(f.client, b1, "package b").Times(1)
	serve(f.client, c1, "package c").Times(1)

	applier := NewApplier(f.client, f.blobs, WithBatchSize(2), WithConcurrency(2))
	version, stats, err := f.apply(t, applier, &ChangeSet{Additions: []PendingContent{a1, b1, c1}})
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 3, Downloaded: 3}, stats)
	assert.Equal(t, int64(1), version.Number)

	units := f.content(t, version)
	require.Len(t, units, 3)
	for _, u := range units {
		require.Len(t, u.Artifacts, 1)
		artifact := u.Artifacts[0].Artifact
		require.NotNil(t, artifact)
		assert.True(t, artifact.IsLocal())
		assert.Equal(t, u.Unit.Key.Digest, artifact.Digest)
		assert.Equal(t, u.Unit.Key.DefaultRelativePath(), u.Artifacts[0].ContentArtifact.RelativePath)

		exists, err := f.blobs.Exists(artifact.Location)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestApplyFetchesSharedDigestOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a1 := pending("a", "1.0.0", "same bytes")
	alias := pending("a.alias", "1.0.0", "same bytes")
	f.client.EXPECT().Open(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("same bytes")), nil
		}).Times(1)

	version, stats, err := f.apply(t, NewApplier(f.client, f.blobs), &ChangeSet{Additions: []PendingContent{a1, alias}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)

	units := f.content(t, version)
	require.Len(t, units, 2)
	assert.Equal(t, units[0].Artifacts[0].Artifact.ID, units[1].Artifacts[0].Artifact.ID)
}

func TestApplyOnDemandRecordsRemotePlaceholders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	importerID := uuid.New()

	a1 := pending("a", "1.0.0", "package a")
	applier := NewApplier(f.client, f.blobs, WithPolicy(PolicyOnDemand), WithImporter(importerID))
	version, stats, err := f.apply(t, applier, &ChangeSet{Additions: []PendingContent{a1}})
	require.NoError(t, err)
	assert.Equal(t, Stats{Added: 1}, stats)

	units := f.content(t, version)
	require.Len(t, units, 1)
	artifact := units[0].Artifacts[0].Artifact
	require.NotNil(t, artifact)
	assert.Equal(t, content.ArtifactRemote, artifact.Kind)
	assert.Equal(t, a1.Artifact.URL, artifact.Location)
	assert.Equal(t, a1.Artifact.Size, artifact.Size)
	assert.Equal(t, importerID, artifact.ImporterID)
}

func TestApplyImmediatePromotesRemoteContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a1 := pending("a", "1.0.0", "package a")
	_, _, err := f.apply(t, NewApplier(f.client, f.blobs, WithPolicy(PolicyOnDemand)),
		&ChangeSet{Additions: []PendingContent{a1}})
	require.NoError(t, err)

	// a second repository mirrors the same unit eagerly
	other, err := f.store.EnsureRepository(ctx, "nuget-eager")
	require.NoError(t, err)
	f.repoID = other.ID

	serve(f.client, a1, "package a").Times(1)
	version, stats, err := f.apply(t, NewApplier(f.client, f.blobs), &ChangeSet{Additions: []PendingContent{a1}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)

	units := f.content(t, version)
	require.Len(t, units, 1)
	assert.True(t, units[0].Artifacts[0].Artifact.IsLocal())
}

func TestApplyReusesLocalArtifacts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a1 := pending("a", "1.0.0", "package a")
	serve(f.client, a1, "package a").Times(1)
	_, _, err := f.apply(t, NewApplier(f.client, f.blobs), &ChangeSet{Additions: []PendingContent{a1}})
	require.NoError(t, err)

	other, err := f.store.EnsureRepository(ctx, "nuget-copy")
	require.NoError(t, err)
	f.repoID = other.ID

	// no further Open calls are expected
	_, stats, err := f.apply(t, NewApplier(f.client, f.blobs), &ChangeSet{Additions: []PendingContent{a1}})
	require.NoError(t, err)
	assert.Equal(t, Stats{Added: 1}, stats)
}

func TestApplyRemovals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a1 := pending("a", "1.0.0", "package a")
	b1 := pending("b", "1.0.0", "package b")
	applier := NewApplier(f.client, f.blobs, WithPolicy(PolicyStreamed))
	_, _, err := f.apply(t, applier, &ChangeSet{Additions: []PendingContent{a1, b1}})
	require.NoError(t, err)

	version, stats, err := f.apply(t, applier, &ChangeSet{Removals: []content.NaturalKey{b1.Unit.Key}})
	require.NoError(t, err)
	assert.Equal(t, Stats{Removed: 1}, stats)
	assert.Equal(t, int64(2), version.Number)

	units := f.content(t, version)
	require.Len(t, units, 1)
	assert.Equal(t, a1.Unit.Key, units[0].Unit.Key)

	// the removed unit is only unassociated
	first, err := f.store.GetVersion(context.Background(), f.repoID, 1)
	require.NoError(t, err)
	assert.Len(t, f.content(t, first), 2)
}

func TestApplyFailureLeavesLatestUnchanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		respond func(*mocks.MockClient, PendingContent)
		wantErr error
	}{
		{
			name: "digest mismatch",
			respond: func(c *mocks.MockClient, p PendingContent) {
				serve(c, p, "tampered!").AnyTimes()
			},
			wantErr: content.ErrDigestMismatch,
		},
		{
			name: "transport failure",
			respond: func(c *mocks.MockClient, p PendingContent) {
				c.EXPECT().Open(gomock.Any(), p.Artifact.URL).Return(nil, errors.New("connection reset")).AnyTimes()
			},
			wantErr: ErrArtifactUnavailable,
		},
		{
			name: "failure mid-stream",
			respond: func(c *mocks.MockClient, p PendingContent) {
				c.EXPECT().Open(gomock.Any(), p.Artifact.URL).
					DoAndReturn(func(context.Context, string) (io.ReadCloser, error) {
						return io.NopCloser(io.MultiReader(strings.NewReader("pack"), iotest.ErrReader(errors.New("reset")))), nil
					}).AnyTimes()
			},
			wantErr: ErrArtifactUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()

			a1 := pending("a", "1.0.0", "package a")
			b1 := pending("b", "1.0.0", "package b")
			serve(f.client, a1, "package a").AnyTimes()
			tt.respond(f.client, b1)

			_, _, err := f.apply(t, NewApplier(f.client, f.blobs), &ChangeSet{Additions: []PendingContent{a1, b1}})
			require.ErrorIs(t, err, tt.wantErr)

			latest, err := f.store.LatestVersion(ctx, f.repoID)
			require.NoError(t, err)
			assert.Equal(t, int64(0), latest.Number)

			// the failed digest never became a local artifact
			tx, err := f.store.BeginVersion(ctx, f.repoID)
			require.NoError(t, err)
			defer func() { _ = tx.Rollback(ctx) }()
			found, err := tx.FindLocalArtifacts(ctx, []content.Digest{b1.Unit.Key.Digest})
			require.NoError(t, err)
			assert.Empty(t, found)
		})
	}
}

func TestApplyCanceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx, err := f.store.BeginVersion(context.Background(), f.repoID)
	require.NoError(t, err)

	_, err = NewApplier(f.client, f.blobs).Apply(ctx, tx, &ChangeSet{
		Additions: []PendingContent{pending("a", "1.0.0", "package a")},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, tx.Rollback(context.Background()))
}

func TestApplyEmptyChangeSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cs := &ChangeSet{}
	assert.True(t, cs.Empty())
	version, stats, err := f.apply(t, NewApplier(f.client, f.blobs), cs)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, int64(0), version.Number)
}

func TestDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	p := pending("a", "1.0.0", "package a")
	serve(f.client, p, "package a")

	artifact, err := Download(context.Background(), f.client, f.blobs, p.Artifact.URL, p.Artifact.Digest, -1)
	require.NoError(t, err)
	assert.Equal(t, content.ArtifactLocal, artifact.Kind)
	assert.Equal(t, int64(len("package a")), artifact.Size)
	assert.Equal(t, uuid.Nil, artifact.ID)
}
