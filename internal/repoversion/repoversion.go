// Package repoversion manages repository versions: reading committed
// versions and their content, and creating new versions through a scoped
// builder that either finalizes or discards as a whole.
package repoversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// DefaultPageSize is the number of content units read per page
const DefaultPageSize = 500

// ErrFinished is returned when using a Builder after Finalize or Discard
var ErrFinished = errors.New("version builder already finished")

// Service reads and creates repository versions
type Service struct {
	store    store.Store
	pageSize int
}

// Option configures a Service
type Option func(*Service)

// WithPageSize sets the number of content units read per page
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New returns a Service backed by s
func New(s store.Store, opts ...Option) *Service {
	svc := &Service{store: s, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Latest returns the latest version of a repository
func (s *Service) Latest(ctx context.Context, repositoryID uuid.UUID) (*store.RepositoryVersion, error) {
	v, err := s.store.LatestVersion(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest version of repository %s: %w", repositoryID, err)
	}
	return v, nil
}

// Get returns a version by number
func (s *Service) Get(ctx context.Context, repositoryID uuid.UUID, number int64) (*store.RepositoryVersion, error) {
	v, err := s.store.GetVersion(ctx, repositoryID, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get version %d of repository %s: %w", number, repositoryID, err)
	}
	return v, nil
}

// List returns every version of a repository, oldest first
func (s *Service) List(ctx context.Context, repositoryID uuid.UUID) ([]*store.RepositoryVersion, error) {
	versions, err := s.store.ListVersions(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of repository %s: %w", repositoryID, err)
	}
	return versions, nil
}

// Content calls fn for every content unit of v in natural key order, reading
// one page at a time. Iteration stops at the first error fn returns.
func (s *Service) Content(
	ctx context.Context, v *store.RepositoryVersion, fn func(*store.ResolvedContent) error,
) error {
	var after content.NaturalKey
	for {
		page, err := s.store.ListVersionContent(ctx, v, after, s.pageSize)
		if err != nil {
			return fmt.Errorf("failed to list content of version %d: %w", v.Number, err)
		}
		for _, rc := range page {
			if err := fn(rc); err != nil {
				return err
			}
		}
		if len(page) < s.pageSize {
			return nil
		}
		after = page[len(page)-1].Unit.Key
	}
}

// Keys returns the natural keys of every content unit of v
func (s *Service) Keys(ctx context.Context, v *store.RepositoryVersion) ([]content.NaturalKey, error) {
	var keys []content.NaturalKey
	err := s.Content(ctx, v, func(rc *store.ResolvedContent) error {
		keys = append(keys, rc.Unit.Key)
		return nil
	})
	return keys, err
}

// Create opens a version-in-progress on top of the latest version. The
// caller must Finalize or Discard it.
func (s *Service) Create(ctx context.Context, repositoryID uuid.UUID) (*Builder, error) {
	tx, err := s.store.BeginVersion(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to open new version of repository %s: %w", repositoryID, err)
	}
	return &Builder{tx: tx}, nil
}

// WithNewVersion runs fn against a new version-in-progress. The version is
// finalized when fn returns nil and discarded when fn returns an error,
// panics, or ctx is done. created is false when nothing changed, in which
// case the returned version is the unchanged latest version.
func (s *Service) WithNewVersion(
	ctx context.Context, repositoryID uuid.UUID, fn func(context.Context, *Builder) error,
) (version *store.RepositoryVersion, created bool, err error) {
	b, err := s.Create(ctx, repositoryID)
	if err != nil {
		return nil, false, err
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		if discardErr := b.Discard(context.WithoutCancel(ctx)); discardErr != nil {
			slog.Error("Failed to discard version in progress",
				"repository", repositoryID.String(),
				"error", discardErr)
		}
	}()

	if err := fn(ctx, b); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	finished = true
	return b.Finalize(ctx)
}

// Delete removes a superseded version. The latest version and versions
// referenced by a publication cannot be deleted.
func (s *Service) Delete(ctx context.Context, repositoryID uuid.UUID, number int64) error {
	if err := s.store.DeleteVersion(ctx, repositoryID, number); err != nil {
		return fmt.Errorf("failed to delete version %d of repository %s: %w", number, repositoryID, err)
	}
	slog.Info("Deleted repository version", "repository", repositoryID.String(), "version", number)
	return nil
}
