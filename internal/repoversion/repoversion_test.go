package repoversion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/store/file"
)

func newService(t *testing.T, opts ...Option) (*Service, uuid.UUID) {
	t.Helper()
	s := file.NewMemory()
	repo, err := s.EnsureRepository(context.Background(), "nuget")
	require.NoError(t, err)
	return New(s, opts...), repo.ID
}

// addUnits stages remote-backed units for keys and adds them to b
func addUnits(ctx context.Context, b *Builder, keys ...content.NaturalKey) error {
	for _, k := range keys {
		artifact := &content.Artifact{
			Kind:     content.ArtifactRemote,
			Digest:   k.Digest,
			Size:     1,
			Location: "https://feed.example.com/" + k.PackageID,
		}
		if err := b.CreateArtifact(ctx, artifact); err != nil {
			return err
		}
		unit := &content.Unit{Key: k}
		err := b.CreateContent(ctx, unit, []content.ContentArtifact{{
			RelativePath: k.DefaultRelativePath(),
			ArtifactID:   artifact.ID,
		}})
		if err != nil {
			return err
		}
		if err := b.AddContent(ctx, unit.ID); err != nil {
			return err
		}
	}
	return nil
}

func testKey(id string) content.NaturalKey {
	return content.NaturalKey{PackageID: id, Version: "1.0.0", Digest: content.DigestOf([]byte(id))}
}

func TestWithNewVersionFinalizes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repoID := newService(t)

	version, created, err := svc.WithNewVersion(ctx, repoID, func(ctx context.Context, b *Builder) error {
		assert.Equal(t, int64(0), b.Base().Number)
		if err := addUnits(ctx, b, testKey("a"), testKey("b")); err != nil {
			return err
		}
		assert.Equal(t, 2, b.Added())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), version.Number)
	assert.Equal(t, 2, version.Added)

	latest, err := svc.Latest(ctx, repoID)
	require.NoError(t, err)
	assert.Equal(t, version.ID, latest.ID)

	keys, err := svc.Keys(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, []content.NaturalKey{testKey("a"), testKey("b")}, keys)
}

func TestWithNewVersionNoChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repoID := newService(t)

	version, created, err := svc.WithNewVersion(ctx, repoID, func(context.Context, *Builder) error {
		return nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(0), version.Number)

	versions, err := svc.List(ctx, repoID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestWithNewVersionDiscards(t *testing.T) {
	t.Parallel()

	failure := errors.New("fetch failed")
	tests := []struct {
		name string
		run  func(svc *Service, repoID uuid.UUID) error
	}{
		{
			name: "error",
			run: func(svc *Service, repoID uuid.UUID) error {
				_, _, err := svc.WithNewVersion(context.Background(), repoID, func(ctx context.Context, b *Builder) error {
					if err := addUnits(ctx, b, testKey("a")); err != nil {
						return err
					}
					return failure
				})
				return err
			},
		},
		{
			name: "canceled",
			run: func(svc *Service, repoID uuid.UUID) error {
				ctx, cancel := context.WithCancel(context.Background())
				_, _, err := svc.WithNewVersion(ctx, repoID, func(ctx context.Context, b *Builder) error {
					err := addUnits(ctx, b, testKey("a"))
					cancel()
					return err
				})
				return err
			},
		},
		{
			name: "panic",
			run: func(svc *Service, repoID uuid.UUID) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				_, _, err = svc.WithNewVersion(context.Background(), repoID, func(ctx context.Context, b *Builder) error {
					if err := addUnits(ctx, b, testKey("a")); err != nil {
						return err
					}
					panic("boom")
				})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, repoID := newService(t)

			require.Error(t, tt.run(svc, repoID))

			latest, err := svc.Latest(context.Background(), repoID)
			require.NoError(t, err)
			assert.Equal(t, int64(0), latest.Number)

			// a later version can still be created on the same base
			_, created, err := svc.WithNewVersion(context.Background(), repoID, func(ctx context.Context, b *Builder) error {
				return addUnits(ctx, b, testKey("b"))
			})
			require.NoError(t, err)
			assert.True(t, created)
		})
	}
}

func TestWithNewVersionError(t *testing.T) {
	t.Parallel()
	svc, repoID := newService(t)

	failure := errors.New("fetch failed")
	_, _, err := svc.WithNewVersion(context.Background(), repoID, func(context.Context, *Builder) error {
		return failure
	})
	assert.ErrorIs(t, err, failure)

	_, _, err = svc.WithNewVersion(context.Background(), uuid.New(), func(context.Context, *Builder) error {
		return nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuilderFinished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repoID := newService(t)

	b, err := svc.Create(ctx, repoID)
	require.NoError(t, err)
	require.NoError(t, b.Discard(ctx))
	require.NoError(t, b.Discard(ctx))

	assert.ErrorIs(t, b.AddContent(ctx, uuid.New()), ErrFinished)
	_, _, err = b.Finalize(ctx)
	assert.ErrorIs(t, err, ErrFinished)
}

func TestContentPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repoID := newService(t, WithPageSize(2))

	var want []content.NaturalKey
	for _, id := range []string{"e", "c", "a", "d", "b"} {
		want = append(want, testKey(id))
	}
	version, _, err := svc.WithNewVersion(ctx, repoID, func(ctx context.Context, b *Builder) error {
		return addUnits(ctx, b, want...)
	})
	require.NoError(t, err)

	keys, err := svc.Keys(ctx, version)
	require.NoError(t, err)
	assert.Equal(t, []content.NaturalKey{testKey("a"), testKey("b"), testKey("c"), testKey("d"), testKey("e")}, keys)

	stop := errors.New("stop")
	seen := 0
	err = svc.Content(ctx, version, func(*store.ResolvedContent) error {
		seen++
		if seen == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, seen)
}

func TestDeleteAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repoID := newService(t)

	_, _, err := svc.WithNewVersion(ctx, repoID, func(ctx context.Context, b *Builder) error {
		return addUnits(ctx, b, testKey("a"))
	})
	require.NoError(t, err)
	_, _, err = svc.WithNewVersion(ctx, repoID, func(ctx context.Context, b *Builder) error {
		return addUnits(ctx, b, testKey("b"))
	})
	require.NoError(t, err)

	first, err := svc.Get(ctx, repoID, 1)
	require.NoError(t, err)
	keys, err := svc.Keys(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []content.NaturalKey{testKey("a")}, keys)

	assert.ErrorIs(t, svc.Delete(ctx, repoID, 2), store.ErrVersionInUse)
	require.NoError(t, svc.Delete(ctx, repoID, 1))

	_, err = svc.Get(ctx, repoID, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
