package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/jobs"
	"github.com/stacklok/nupkg-mirror/internal/publish"
	"github.com/stacklok/nupkg-mirror/internal/repoversion"
	"github.com/stacklok/nupkg-mirror/internal/store"
	pkgsync "github.com/stacklok/nupkg-mirror/internal/sync"
	"github.com/stacklok/nupkg-mirror/internal/sync/coordinator"
)

// Operations submits sync, publish and version jobs. Every job reserves the
// repository it changes, so jobs on one repository never overlap.
type Operations struct {
	config       *config.Config
	store        store.Store
	runner       *jobs.Runner
	synchronizer *pkgsync.Synchronizer
	publisher    *publish.Publisher
	versions     *repoversion.Service
}

// Sync submits a sync of the named importer
func (o *Operations) Sync(ctx context.Context, importerName string) *jobs.Handle {
	imp, ok := o.config.GetImporter(importerName)
	resource := importerName
	if ok {
		resource = imp.Repository
	}

	return o.runner.Submit(ctx, jobs.Spec{
		Name:     "sync " + importerName,
		Resource: resource,
		Run: func(ctx context.Context) (any, error) {
			if !ok {
				return nil, fmt.Errorf("%w: unknown importer %s", pkgsync.ErrConfiguration, importerName)
			}
			return o.synchronizer.Sync(ctx, imp)
		},
	})
}

// Publish submits a publication of the latest version of repositoryName.
// An empty repositoryName means the publisher's own repository.
func (o *Operations) Publish(ctx context.Context, publisherName, repositoryName string) *jobs.Handle {
	return o.PublishVersion(ctx, publisherName, repositoryName, publish.LatestVersion)
}

// PublishVersion submits a publication of one version of repositoryName
func (o *Operations) PublishVersion(
	ctx context.Context, publisherName, repositoryName string, number int64,
) *jobs.Handle {
	pub, ok := o.config.GetPublisher(publisherName)
	resource := repositoryName
	if resource == "" {
		resource = publisherName
		if ok {
			resource = pub.Repository
		}
	}

	return o.runner.Submit(ctx, jobs.Spec{
		Name:     "publish " + publisherName,
		Resource: resource,
		Run: func(ctx context.Context) (any, error) {
			if !ok {
				return nil, fmt.Errorf("%w: unknown publisher %s", publish.ErrConfiguration, publisherName)
			}
			if repositoryName != "" && repositoryName != pub.Repository {
				return nil, fmt.Errorf("%w: publisher %s publishes repository %s, not %s",
					publish.ErrConfiguration, publisherName, pub.Repository, repositoryName)
			}
			return o.publisher.Publish(ctx, pub, number)
		},
	})
}

// DeleteVersion submits the deletion of a superseded repository version
func (o *Operations) DeleteVersion(ctx context.Context, repositoryName string, number int64) *jobs.Handle {
	return o.runner.Submit(ctx, jobs.Spec{
		Name:     fmt.Sprintf("delete %s version %d", repositoryName, number),
		Resource: repositoryName,
		Run: func(ctx context.Context) (any, error) {
			repo, err := o.store.GetRepositoryByName(ctx, repositoryName)
			if err != nil {
				return nil, fmt.Errorf("failed to get repository %s: %w", repositoryName, err)
			}
			return nil, o.versions.Delete(ctx, repo.ID, number)
		},
	})
}

// Versions lists the versions of a repository, oldest first
func (o *Operations) Versions(ctx context.Context, repositoryName string) ([]*store.RepositoryVersion, error) {
	repo, err := o.store.GetRepositoryByName(ctx, repositoryName)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s: %w", repositoryName, err)
	}
	return o.versions.List(ctx, repo.ID)
}

// Job returns a submitted job by id
func (o *Operations) Job(id uuid.UUID) (*jobs.Handle, bool) {
	return o.runner.Get(id)
}

// jobSyncer runs coordinator syncs as jobs so they take the same
// reservations as manually submitted jobs
type jobSyncer struct {
	ops *Operations
}

var _ coordinator.Syncer = (*jobSyncer)(nil)

func (s *jobSyncer) Sync(ctx context.Context, importerName string) (*pkgsync.Result, error) {
	h := s.ops.Sync(ctx, importerName)
	out, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	result, ok := out.(*pkgsync.Result)
	if !ok {
		slog.Error("Sync job returned an unexpected result", "job", h.ID.String(), "importer", importerName)
		return nil, fmt.Errorf("sync job %s returned %T", h.ID, out)
	}
	return result, nil
}
