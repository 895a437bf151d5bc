package repoversion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// Builder stages a new repository version. Nothing it stages is visible to
// readers until Finalize.
type Builder struct {
	tx       store.VersionTx
	added    int
	removed  int
	finished bool
}

// Base returns the version the builder was opened on
func (b *Builder) Base() *store.RepositoryVersion {
	return b.tx.Base()
}

// Added returns the number of content ids staged for addition
func (b *Builder) Added() int {
	return b.added
}

// Removed returns the number of content ids staged for removal
func (b *Builder) Removed() int {
	return b.removed
}

// FindContent resolves natural keys to existing content units
func (b *Builder) FindContent(
	ctx context.Context, keys []content.NaturalKey,
) (map[content.NaturalKey]*store.ResolvedContent, error) {
	if b.finished {
		return nil, ErrFinished
	}
	return b.tx.FindContent(ctx, keys)
}

// FindLocalArtifacts resolves digests to existing local artifacts
func (b *Builder) FindLocalArtifacts(
	ctx context.Context, digests []content.Digest,
) (map[content.Digest]*content.Artifact, error) {
	if b.finished {
		return nil, ErrFinished
	}
	return b.tx.FindLocalArtifacts(ctx, digests)
}

// CreateArtifact stages an artifact record
func (b *Builder) CreateArtifact(ctx context.Context, artifact *content.Artifact) error {
	if b.finished {
		return ErrFinished
	}
	return b.tx.CreateArtifact(ctx, artifact)
}

// CreateContent stages a content unit with its content artifacts
func (b *Builder) CreateContent(ctx context.Context, unit *content.Unit, artifacts []content.ContentArtifact) error {
	if b.finished {
		return ErrFinished
	}
	return b.tx.CreateContent(ctx, unit, artifacts)
}

// RepointContentArtifact stages a new artifact pointer for a content artifact
func (b *Builder) RepointContentArtifact(ctx context.Context, contentArtifactID, artifactID uuid.UUID) error {
	if b.finished {
		return ErrFinished
	}
	return b.tx.RepointContentArtifact(ctx, contentArtifactID, artifactID)
}

// AddContent makes units members of the new version
func (b *Builder) AddContent(ctx context.Context, contentIDs ...uuid.UUID) error {
	if b.finished {
		return ErrFinished
	}
	if err := b.tx.AddContent(ctx, contentIDs...); err != nil {
		return err
	}
	b.added += len(contentIDs)
	return nil
}

// RemoveContent drops units from the new version. The units themselves are
// kept.
func (b *Builder) RemoveContent(ctx context.Context, contentIDs ...uuid.UUID) error {
	if b.finished {
		return ErrFinished
	}
	if err := b.tx.RemoveContent(ctx, contentIDs...); err != nil {
		return err
	}
	b.removed += len(contentIDs)
	return nil
}

// Finalize commits the version. When membership did not change no version
// is created and the base version is returned with created false.
func (b *Builder) Finalize(ctx context.Context) (*store.RepositoryVersion, bool, error) {
	if b.finished {
		return nil, false, ErrFinished
	}
	b.finished = true

	base := b.tx.Base()
	version, created, err := b.tx.Commit(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize version %d of repository %s: %w",
			base.Number+1, base.RepositoryID, err)
	}
	if created {
		slog.Info("Created repository version",
			"repository", version.RepositoryID.String(),
			"version", version.Number,
			"added", version.Added,
			"removed", version.Removed)
	}
	return version, created, nil
}

// Discard drops everything staged. Discarding a finished builder is a no-op.
func (b *Builder) Discard(ctx context.Context) error {
	if b.finished {
		return nil
	}
	b.finished = true
	return b.tx.Rollback(ctx)
}
