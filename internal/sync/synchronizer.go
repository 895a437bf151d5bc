package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/nupkg-mirror/internal/artifactstore"
	"github.com/stacklok/nupkg-mirror/internal/changeset"
	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/feed"
	"github.com/stacklok/nupkg-mirror/internal/filtering"
	"github.com/stacklok/nupkg-mirror/internal/httpclient"
	"github.com/stacklok/nupkg-mirror/internal/otel"
	"github.com/stacklok/nupkg-mirror/internal/repoversion"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/telemetry"
	"github.com/stacklok/nupkg-mirror/internal/workdir"
)

// ErrConfiguration is returned when an importer cannot be synced as configured
var ErrConfiguration = errors.New("configuration error")

// Result contains the result of a successful sync operation
type Result struct {
	// RepositoryVersion is the latest version after the sync
	RepositoryVersion *store.RepositoryVersion
	// Created is false when the feed matched the latest version
	Created bool

	Added      int
	Removed    int
	Downloaded int

	// IndexHash is the digest of the raw feed index
	IndexHash content.Digest
	// Packages is the number of feed packages that passed the filter
	Packages int
}

// Synchronizer syncs importers into their repositories
type Synchronizer struct {
	store         store.Store
	versions      *repoversion.Service
	client        httpclient.Client
	blobs         *artifactstore.Store
	filterService filtering.FilterService
	batchSize     int
	concurrency   int
	metrics       *telemetry.SyncMetrics
	tracer        trace.Tracer
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithBatchSize sets the change set batch size
func WithBatchSize(n int) Option {
	return func(s *Synchronizer) {
		s.batchSize = n
	}
}

// WithConcurrency sets the per-batch fetch concurrency
func WithConcurrency(n int) Option {
	return func(s *Synchronizer) {
		s.concurrency = n
	}
}

// WithFilterService replaces the default filter service
func WithFilterService(fs filtering.FilterService) Option {
	return func(s *Synchronizer) {
		s.filterService = fs
	}
}

// WithSyncMetrics sets the sync metrics
func WithSyncMetrics(m *telemetry.SyncMetrics) Option {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// WithTracer sets the tracer for sync spans
func WithTracer(t trace.Tracer) Option {
	return func(s *Synchronizer) {
		s.tracer = t
	}
}

// NewSynchronizer creates a Synchronizer. Artifacts are fetched with client
// and stored in blobs; each sync stages its downloads in its own working
// directory below blobs.TempDir().
func NewSynchronizer(
	s store.Store, client httpclient.Client, blobs *artifactstore.Store, opts ...Option,
) *Synchronizer {
	syncer := &Synchronizer{
		store:         s,
		versions:      repoversion.New(s),
		client:        client,
		blobs:         blobs,
		filterService: filtering.NewDefaultFilterService(),
		batchSize:     changeset.DefaultBatchSize,
		concurrency:   changeset.DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(syncer)
	}
	return syncer
}

// Sync mirrors the importer's feed into its repository. Failures leave the
// latest repository version unchanged.
func (s *Synchronizer) Sync(ctx context.Context, imp *config.ImporterConfig) (result *Result, err error) {
	if imp == nil {
		return nil, fmt.Errorf("%w: importer is required", ErrConfiguration)
	}

	start := time.Now()
	ctx, span := otel.StartSpan(ctx, s.tracer, "sync.Sync",
		trace.WithAttributes(
			otel.AttrImporterName.String(imp.Name),
			otel.AttrRepositoryName.String(imp.Repository),
			otel.AttrFeedURL.String(imp.FeedURL),
			otel.AttrDownloadPolicy.String(imp.GetDownloadPolicy()),
		))
	defer func() {
		otel.RecordError(span, err)
		span.End()
		if result != nil {
			s.metrics.RecordSync(ctx, imp.Name, time.Since(start), result.Added, result.Removed, result.Downloaded, nil)
		} else {
			s.metrics.RecordSync(ctx, imp.Name, time.Since(start), 0, 0, 0, err)
		}
	}()

	format, policy, err := validate(imp)
	if err != nil {
		return nil, err
	}
	repo, importer, err := s.resolve(ctx, imp)
	if err != nil {
		return nil, err
	}

	logger := slog.With("importer", imp.Name, "repository", imp.Repository)
	logger.Info("Starting sync", "feed_url", imp.FeedURL, "download_policy", policy)

	index, err := feed.Fetch(ctx, s.client, imp.FeedURL, format)
	if err != nil {
		logger.Error("Failed to fetch feed index", "error", err)
		return nil, err
	}

	packages, err := s.filterService.ApplyFilters(ctx, index.Packages, imp.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: filter of importer %s: %w", ErrConfiguration, imp.Name, err)
	}
	if len(packages) != len(index.Packages) {
		logger.Info("Feed filtering completed",
			"original_count", len(index.Packages),
			"filtered_count", len(packages))
	}

	var (
		stats   changeset.Stats
		units   int
		version *store.RepositoryVersion
		created bool
	)
	err = workdir.With(ctx, s.blobs.TempDir(), "sync", func(dir string) error {
		applier := changeset.NewApplier(s.client, s.blobs.Staged(dir),
			changeset.WithPolicy(policy),
			changeset.WithImporter(importer.ID),
			changeset.WithBatchSize(s.batchSize),
			changeset.WithConcurrency(s.concurrency),
		)
		var err error
		version, created, err = s.versions.WithNewVersion(ctx, repo.ID,
			func(ctx context.Context, b *repoversion.Builder) error {
				current, err := s.versions.Keys(ctx, b.Base())
				if err != nil {
					return err
				}
				cs := buildChangeSet(packages, changeset.NewKeySet(current...))
				units = len(current) + len(cs.Additions) - len(cs.Removals)
				if cs.Empty() {
					logger.Info("Feed matches latest version, nothing to apply",
						"version", b.Base().Number)
					return nil
				}

				logger.Info("Applying change set",
					"base_version", b.Base().Number,
					"additions", len(cs.Additions),
					"removals", len(cs.Removals))
				stats, err = applier.Apply(ctx, b, cs)
				return err
			})
		return err
	})
	if err != nil {
		logger.Error("Sync failed, latest version unchanged", "error", err)
		return nil, err
	}

	span.SetAttributes(
		otel.AttrVersionNumber.Int64(version.Number),
		otel.AttrContentAdded.Int(stats.Added),
		otel.AttrContentRemoved.Int(stats.Removed),
		attribute.Bool("repository.version.created", created),
	)
	s.metrics.RecordContent(ctx, imp.Repository, int64(units))
	logger.Info("Sync completed",
		"version", version.Number,
		"created", created,
		"added", stats.Added,
		"removed", stats.Removed,
		"downloaded", stats.Downloaded,
		"index_hash", index.Hash.Short())

	return &Result{
		RepositoryVersion: version,
		Created:           created,
		Added:             stats.Added,
		Removed:           stats.Removed,
		Downloaded:        stats.Downloaded,
		IndexHash:         index.Hash,
		Packages:          len(packages),
	}, nil
}

// validate checks the importer before any I/O happens
func validate(imp *config.ImporterConfig) (feed.Format, changeset.Policy, error) {
	if imp.Name == "" {
		return "", "", fmt.Errorf("%w: importer name is required", ErrConfiguration)
	}
	if imp.FeedURL == "" {
		return "", "", fmt.Errorf("%w: importer %s has no feed URL", ErrConfiguration, imp.Name)
	}
	format, err := feed.ParseFormat(imp.FeedFormat)
	if err != nil {
		return "", "", fmt.Errorf("%w: importer %s: %w", ErrConfiguration, imp.Name, err)
	}
	policy, err := changeset.ParsePolicy(imp.DownloadPolicy)
	if err != nil {
		return "", "", fmt.Errorf("%w: importer %s: %w", ErrConfiguration, imp.Name, err)
	}
	return format, policy, nil
}

// resolve looks up the repository and the reconciled importer record
func (s *Synchronizer) resolve(
	ctx context.Context, imp *config.ImporterConfig,
) (*store.Repository, *store.Importer, error) {
	repo, err := s.store.GetRepositoryByName(ctx, imp.Repository)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: repository %q of importer %s does not exist",
			ErrConfiguration, imp.Repository, imp.Name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get repository %s: %w", imp.Repository, err)
	}

	importer, err := s.store.GetImporterByName(ctx, imp.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: importer %s is not registered", ErrConfiguration, imp.Name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get importer %s: %w", imp.Name, err)
	}
	if importer.RepositoryID != repo.ID {
		return nil, nil, fmt.Errorf("%w: importer %s is registered for another repository",
			ErrConfiguration, imp.Name)
	}
	return repo, importer, nil
}

// buildChangeSet diffs the filtered feed against the current content.
// Additions keep feed order; removals are sorted by natural key.
func buildChangeSet(packages []feed.Package, current changeset.KeySet) *changeset.ChangeSet {
	desired := changeset.NewKeySet()
	for _, p := range packages {
		desired.Add(p.Key)
	}
	toAdd, toRemove := changeset.Diff(current, desired)

	cs := &changeset.ChangeSet{Removals: toRemove.Sorted()}
	for _, p := range packages {
		if !toAdd.Has(p.Key) {
			continue
		}
		cs.Additions = append(cs.Additions, changeset.PendingContent{
			Unit: content.Unit{
				Key:     p.Key,
				Authors: p.Authors,
				Tags:    p.Tags,
			},
			RelativePath: p.RelativePath,
			Artifact: changeset.PendingArtifact{
				Digest: p.Key.Digest,
				Size:   p.Size,
				URL:    p.URL,
			},
		})
	}
	return cs
}
