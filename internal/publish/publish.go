// Package publish materializes repository versions as publications: a
// manifest describing every published file plus the path to artifact
// mapping used to serve them.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/nupkg-mirror/internal/changeset"
	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/manifest"
	"github.com/stacklok/nupkg-mirror/internal/otel"
	"github.com/stacklok/nupkg-mirror/internal/repoversion"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/telemetry"
	"github.com/stacklok/nupkg-mirror/internal/workdir"
)

// LatestVersion selects the latest repository version
const LatestVersion int64 = -1

const defaultBatchSize = 500

var (
	// ErrUnresolvedArtifact is returned when a content artifact of the
	// published version has no retrievable byte source
	ErrUnresolvedArtifact = errors.New("unresolved artifact")

	// ErrDuplicatePath is returned when two content artifacts of the
	// published version share a relative path
	ErrDuplicatePath = errors.New("duplicate published path")

	// ErrConfiguration is returned when a publisher cannot run as configured
	ErrConfiguration = errors.New("configuration error")
)

// Result describes a committed publication
type Result struct {
	Publication *store.Publication
	// Entries is the number of manifest entries
	Entries int
	// ManifestDigest is the digest of the manifest file
	ManifestDigest content.Digest
}

// Publisher creates publications
type Publisher struct {
	store     store.Store
	versions  *repoversion.Service
	blobs     changeset.BlobStore
	workDir   string
	batchSize int
	metrics   *telemetry.PublishMetrics
	tracer    trace.Tracer
}

// Option configures a Publisher
type Option func(*Publisher)

// WithWorkDir sets the parent of per-job working directories
func WithWorkDir(dir string) Option {
	return func(p *Publisher) {
		p.workDir = dir
	}
}

// WithBatchSize sets how many published artifacts are staged per call
func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPublishMetrics sets the publish metrics
func WithPublishMetrics(m *telemetry.PublishMetrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithTracer sets the tracer for publish spans
func WithTracer(t trace.Tracer) Option {
	return func(p *Publisher) {
		p.tracer = t
	}
}

// NewPublisher creates a Publisher that stores manifests in blobs
func NewPublisher(s store.Store, blobs changeset.BlobStore, opts ...Option) *Publisher {
	p := &Publisher{
		store:     s,
		versions:  repoversion.New(s),
		blobs:     blobs,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish publishes version number of the publisher's repository, or the
// latest version when number is LatestVersion. Nothing is committed unless
// every content artifact resolves.
func (p *Publisher) Publish(
	ctx context.Context, pub *config.PublisherConfig, number int64,
) (result *Result, err error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: publisher is required", ErrConfiguration)
	}

	start := time.Now()
	ctx, span := otel.StartSpan(ctx, p.tracer, "publish.Publish",
		trace.WithAttributes(
			otel.AttrPublisherName.String(pub.Name),
			otel.AttrRepositoryName.String(pub.Repository),
		))
	defer func() {
		otel.RecordError(span, err)
		span.End()
		entries := 0
		if result != nil {
			entries = result.Entries
		}
		p.metrics.RecordPublish(ctx, pub.Name, time.Since(start), entries, err)
	}()

	publisher, version, err := p.resolve(ctx, pub, number)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(otel.AttrVersionNumber.Int64(version.Number))

	slog.Info("Starting publish",
		"publisher", pub.Name,
		"repository", pub.Repository,
		"version", version.Number)

	tx, err := p.store.BeginPublication(ctx, version, publisher.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to begin publication: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, store.ErrTxDone) {
			slog.Error("Failed to roll back publication", "publisher", pub.Name, "error", rbErr)
		}
	}()

	manifestName := pub.GetManifestName()
	var (
		entries int
		digest  content.Digest
	)
	err = workdir.With(ctx, p.workDir, "publish", func(dir string) error {
		var err error
		entries, err = p.writeManifest(ctx, tx, version, filepath.Join(dir, "manifest"), manifestName)
		if err != nil {
			return err
		}
		digest, err = p.storeManifest(ctx, tx, filepath.Join(dir, "manifest"), manifestName)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit publication: %w", err)
	}
	committed = true

	publication := tx.Publication()
	span.SetAttributes(otel.AttrEntryCount.Int(entries))
	slog.Info("Publish completed",
		"publisher", pub.Name,
		"repository", pub.Repository,
		"version", version.Number,
		"publication", publication.ID.String(),
		"entries", entries,
		"manifest_digest", digest.Short())

	return &Result{Publication: publication, Entries: entries, ManifestDigest: digest}, nil
}

// resolve looks up the publisher record and the version to publish
func (p *Publisher) resolve(
	ctx context.Context, pub *config.PublisherConfig, number int64,
) (*store.Publisher, *store.RepositoryVersion, error) {
	publisher, err := p.store.GetPublisherByName(ctx, pub.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: publisher %q is not registered", ErrConfiguration, pub.Name)
	}
	if err != nil {
		return nil, nil, err
	}
	repo, err := p.store.GetRepositoryByName(ctx, pub.Repository)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: repository %q does not exist", ErrConfiguration, pub.Repository)
	}
	if err != nil {
		return nil, nil, err
	}
	if publisher.RepositoryID != repo.ID {
		return nil, nil, fmt.Errorf("%w: publisher %q does not belong to repository %q",
			ErrConfiguration, pub.Name, pub.Repository)
	}

	var version *store.RepositoryVersion
	if number == LatestVersion {
		version, err = p.versions.Latest(ctx, repo.ID)
	} else {
		version, err = p.versions.Get(ctx, repo.ID, number)
	}
	if err != nil {
		return nil, nil, err
	}
	return publisher, version, nil
}

// writeManifest walks the version in natural key order, writing one manifest
// entry and staging one published artifact per content artifact
func (p *Publisher) writeManifest(
	ctx context.Context, tx store.PublicationTx, version *store.RepositoryVersion, path, manifestName string,
) (int, error) {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("failed to create manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := manifest.NewWriter(f)
	resolver := newResolver(p.store)
	seen := map[string]struct{}{manifestName: {}}
	batch := make([]store.PublishedArtifact, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := tx.AddPublishedArtifacts(ctx, batch...); err != nil {
			return fmt.Errorf("failed to stage published artifacts: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	err = p.versions.Content(ctx, version, func(rc *store.ResolvedContent) error {
		for _, ra := range rc.Artifacts {
			relPath := ra.ContentArtifact.RelativePath
			if _, dup := seen[relPath]; dup {
				return fmt.Errorf("%w: %s (%s)", ErrDuplicatePath, relPath, rc.Unit.Key)
			}
			seen[relPath] = struct{}{}

			artifact, err := resolver.resolve(ctx, rc.Unit.Key, ra)
			if err != nil {
				return err
			}
			entry := manifest.Entry{Path: relPath, Digest: artifact.Digest.String(), Size: artifact.Size}
			if err := w.Write(entry); err != nil {
				return fmt.Errorf("%s: %w", rc.Unit.Key, err)
			}

			batch = append(batch, store.PublishedArtifact{
				RelativePath:      relPath,
				ContentArtifactID: ra.ContentArtifact.ID,
			})
			if len(batch) >= p.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}
	return w.Count(), nil
}

// storeManifest moves the manifest into the artifact store and stages it as
// published metadata
func (p *Publisher) storeManifest(
	ctx context.Context, tx store.PublicationTx, path, manifestName string,
) (content.Digest, error) {
	digest, size, err := digestFile(path)
	if err != nil {
		return "", err
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	location, written, err := p.blobs.Put(ctx, f, digest, size)
	if err != nil {
		return "", fmt.Errorf("failed to store manifest: %w", err)
	}
	artifact := &content.Artifact{
		Kind:     content.ArtifactLocal,
		Digest:   digest,
		Size:     written,
		Location: location,
	}
	if err := tx.AddPublishedMetadata(ctx, manifestName, artifact); err != nil {
		return "", fmt.Errorf("failed to stage manifest: %w", err)
	}
	return digest, nil
}

func digestFile(path string) (content.Digest, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", 0, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	digest, size, err := content.DigestReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash manifest: %w", err)
	}
	return digest, size, nil
}

// resolver checks that content artifacts point at a retrievable byte source.
// Importer lookups are cached for the duration of one publish.
type resolver struct {
	store     store.Reader
	importers map[uuid.UUID]bool
}

func newResolver(s store.Reader) *resolver {
	return &resolver{store: s, importers: make(map[uuid.UUID]bool)}
}

func (r *resolver) resolve(
	ctx context.Context, key content.NaturalKey, ra store.ResolvedArtifact,
) (*content.Artifact, error) {
	a := ra.Artifact
	if a == nil {
		return nil, fmt.Errorf("%w: %s at %s points at missing artifact %s",
			ErrUnresolvedArtifact, key, ra.ContentArtifact.RelativePath, ra.ContentArtifact.ArtifactID)
	}
	if a.IsLocal() {
		return a, nil
	}

	// A remote artifact is only servable while its source is known
	if a.Location == "" {
		return nil, fmt.Errorf("%w: %s has no source URL", ErrUnresolvedArtifact, key)
	}
	exists, ok := r.importers[a.ImporterID]
	if !ok {
		_, err := r.store.GetImporter(ctx, a.ImporterID)
		switch {
		case err == nil:
			exists = true
		case errors.Is(err, store.ErrNotFound):
			exists = false
		default:
			return nil, err
		}
		r.importers[a.ImporterID] = exists
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s was imported by importer %s which no longer exists",
			ErrUnresolvedArtifact, key, a.ImporterID)
	}
	return a, nil
}
