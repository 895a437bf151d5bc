package changeset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/httpclient"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

const (
	// DefaultBatchSize is the number of additions processed together
	DefaultBatchSize = 100

	// DefaultConcurrency is the number of concurrent artifact fetches per batch
	DefaultConcurrency = 4
)

// Target is a version-in-progress a change set is applied to
type Target interface {
	FindContent(ctx context.Context, keys []content.NaturalKey) (map[content.NaturalKey]*store.ResolvedContent, error)
	FindLocalArtifacts(ctx context.Context, digests []content.Digest) (map[content.Digest]*content.Artifact, error)
	CreateArtifact(ctx context.Context, artifact *content.Artifact) error
	CreateContent(ctx context.Context, unit *content.Unit, artifacts []content.ContentArtifact) error
	RepointContentArtifact(ctx context.Context, contentArtifactID, artifactID uuid.UUID) error
	AddContent(ctx context.Context, contentIDs ...uuid.UUID) error
	RemoveContent(ctx context.Context, contentIDs ...uuid.UUID) error
}

// Stats counts what an Apply did
type Stats struct {
	Added      int
	Removed    int
	Downloaded int
}

// Applier applies change sets to a version-in-progress
type Applier struct {
	client      httpclient.Client
	blobs       BlobStore
	policy      Policy
	importerID  uuid.UUID
	batchSize   int
	concurrency int
}

// Option configures an Applier
type Option func(*Applier)

// WithPolicy sets the download policy
func WithPolicy(p Policy) Option {
	return func(a *Applier) {
		a.policy = p
	}
}

// WithImporter sets the importer recorded on remote placeholders
func WithImporter(id uuid.UUID) Option {
	return func(a *Applier) {
		a.importerID = id
	}
}

// WithBatchSize sets the number of additions processed together
func WithBatchSize(n int) Option {
	return func(a *Applier) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithConcurrency sets the number of concurrent fetches within a batch
func WithConcurrency(n int) Option {
	return func(a *Applier) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// NewApplier returns an Applier fetching with client into blobs
func NewApplier(client httpclient.Client, blobs BlobStore, opts ...Option) *Applier {
	a := &Applier{
		client:      client,
		blobs:       blobs,
		policy:      PolicyImmediate,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply stages cs into target. Any error leaves target partially staged; the
// caller must discard it.
func (a *Applier) Apply(ctx context.Context, target Target, cs *ChangeSet) (Stats, error) {
	var stats Stats
	if cs == nil {
		return stats, nil
	}

	for start := 0; start < len(cs.Additions); start += a.batchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := min(start+a.batchSize, len(cs.Additions))
		downloaded, err := a.addBatch(ctx, target, cs.Additions[start:end])
		if err != nil {
			return stats, err
		}
		stats.Added += end - start
		stats.Downloaded += downloaded
		slog.Debug("Applied addition batch",
			"from", start,
			"to", end,
			"total", len(cs.Additions),
			"downloaded", downloaded)
	}

	for start := 0; start < len(cs.Removals); start += a.batchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := min(start+a.batchSize, len(cs.Removals))
		removed, err := a.removeBatch(ctx, target, cs.Removals[start:end])
		if err != nil {
			return stats, err
		}
		stats.Removed += removed
	}

	return stats, nil
}

func (a *Applier) addBatch(ctx context.Context, target Target, batch []PendingContent) (int, error) {
	keys := make([]content.NaturalKey, 0, len(batch))
	for _, p := range batch {
		keys = append(keys, p.Unit.Key)
	}
	existing, err := target.FindContent(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to look up content: %w", err)
	}

	digests := make([]content.Digest, 0, len(batch))
	for _, p := range batch {
		digests = append(digests, p.Unit.Key.Digest)
	}
	local, err := target.FindLocalArtifacts(ctx, digests)
	if err != nil {
		return 0, fmt.Errorf("failed to look up artifacts: %w", err)
	}

	// Work out which digests need bytes now. Existing units need them only
	// when their current artifact is unusable under the policy.
	fetch := make(map[content.Digest]PendingArtifact)
	for _, p := range batch {
		d := p.Unit.Key.Digest
		if _, ok := local[d]; ok || a.policy.Deferred() {
			continue
		}
		if rc, ok := existing[p.Unit.Key]; ok && !a.needsArtifact(rc) {
			continue
		}
		if _, ok := fetch[d]; !ok {
			fetch[d] = p.Artifact
		}
	}

	fetched, err := a.fetchAll(ctx, fetch)
	if err != nil {
		return 0, err
	}
	for d, artifact := range fetched {
		if err := target.CreateArtifact(ctx, artifact); err != nil {
			return 0, fmt.Errorf("failed to record artifact %s: %w", d.Short(), err)
		}
		local[d] = artifact
	}

	remote := make(map[content.Digest]*content.Artifact)
	artifactFor := func(p PendingContent) (*content.Artifact, error) {
		d := p.Unit.Key.Digest
		if artifact, ok := local[d]; ok {
			return artifact, nil
		}
		if artifact, ok := remote[d]; ok {
			return artifact, nil
		}
		artifact := &content.Artifact{
			Kind:       content.ArtifactRemote,
			Digest:     d,
			Size:       p.Artifact.Size,
			Location:   p.Artifact.URL,
			ImporterID: a.importerID,
		}
		if err := target.CreateArtifact(ctx, artifact); err != nil {
			return nil, fmt.Errorf("failed to record remote artifact %s: %w", d.Short(), err)
		}
		remote[d] = artifact
		return artifact, nil
	}

	ids := make([]uuid.UUID, 0, len(batch))
	for _, p := range batch {
		if rc, ok := existing[p.Unit.Key]; ok {
			if err := a.repair(ctx, target, rc, artifactFor, p); err != nil {
				return 0, err
			}
			ids = append(ids, rc.Unit.ID)
			continue
		}

		artifact, err := artifactFor(p)
		if err != nil {
			return 0, err
		}
		unit := p.Unit
		err = target.CreateContent(ctx, &unit, []content.ContentArtifact{{
			RelativePath: p.RelativePath,
			ArtifactID:   artifact.ID,
		}})
		if err != nil {
			return 0, fmt.Errorf("failed to create content %s: %w", p.Unit.Key, err)
		}
		ids = append(ids, unit.ID)
	}

	if err := target.AddContent(ctx, ids...); err != nil {
		return 0, fmt.Errorf("failed to add content: %w", err)
	}
	return len(fetched), nil
}

// needsArtifact reports whether an existing unit has a content artifact whose
// artifact is missing, or is remote while the policy wants local bytes
func (a *Applier) needsArtifact(rc *store.ResolvedContent) bool {
	for _, ra := range rc.Artifacts {
		if ra.Artifact == nil {
			return true
		}
		if !a.policy.Deferred() && !ra.Artifact.IsLocal() {
			return true
		}
	}
	return false
}

// repair repoints the content artifacts of an existing unit that need a new
// artifact under the current policy
func (a *Applier) repair(
	ctx context.Context,
	target Target,
	rc *store.ResolvedContent,
	artifactFor func(PendingContent) (*content.Artifact, error),
	p PendingContent,
) error {
	if !a.needsArtifact(rc) {
		return nil
	}
	artifact, err := artifactFor(p)
	if err != nil {
		return err
	}
	for _, ra := range rc.Artifacts {
		if ra.Artifact != nil && (ra.Artifact.IsLocal() || a.policy.Deferred()) {
			continue
		}
		if ra.Artifact != nil && ra.Artifact.ID == artifact.ID {
			continue
		}
		if err := target.RepointContentArtifact(ctx, ra.ContentArtifact.ID, artifact.ID); err != nil {
			return fmt.Errorf("failed to repoint %s: %w", ra.ContentArtifact.RelativePath, err)
		}
	}
	return nil
}

// fetchAll downloads every pending artifact with bounded concurrency. The
// first failure cancels the remaining fetches.
func (a *Applier) fetchAll(
	ctx context.Context, pending map[content.Digest]PendingArtifact,
) (map[content.Digest]*content.Artifact, error) {
	fetched := make(map[content.Digest]*content.Artifact, len(pending))
	if len(pending) == 0 {
		return fetched, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for d, p := range pending {
		g.Go(func() error {
			artifact, err := Download(gctx, a.client, a.blobs, p.URL, d, p.Size)
			if err != nil {
				return err
			}
			mu.Lock()
			fetched[d] = artifact
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return fetched, nil
}

func (a *Applier) removeBatch(ctx context.Context, target Target, keys []content.NaturalKey) (int, error) {
	existing, err := target.FindContent(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to look up content: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		rc, ok := existing[k]
		if !ok {
			slog.Warn("Content to remove does not exist", "key", k.String())
			continue
		}
		ids = append(ids, rc.Unit.ID)
	}
	if err := target.RemoveContent(ctx, ids...); err != nil {
		return 0, fmt.Errorf("failed to remove content: %w", err)
	}
	return len(ids), nil
}
