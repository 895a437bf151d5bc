package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

func insertArtifact(ctx context.Context, q querier, a *content.Artifact) error {
	_, err := q.Exec(ctx, `
		INSERT INTO artifact (id, kind, digest, size, location, importer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, string(a.Kind), string(a.Digest), a.Size, a.Location, nullUUID(a.ImporterID), a.Created)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("importer %s of artifact %s: %w", a.ImporterID, a.Digest.Short(), store.ErrNotFound)
		}
		return fmt.Errorf("failed to create artifact %s: %w", a.Digest.Short(), err)
	}
	return nil
}

// findLocalArtifacts returns the oldest local artifact of each digest
func findLocalArtifacts(
	ctx context.Context, q querier, digests []content.Digest,
) (map[content.Digest]*content.Artifact, error) {
	found := make(map[content.Digest]*content.Artifact, len(digests))
	if len(digests) == 0 {
		return found, nil
	}
	values := make([]string, len(digests))
	for i, d := range digests {
		values[i] = string(d)
	}

	rows, err := q.Query(ctx, `
		SELECT DISTINCT ON (a.digest) `+artifactColumns+`
		FROM artifact a
		WHERE a.kind = 'local' AND a.digest = ANY($1)
		ORDER BY a.digest, a.created_at, a.id`, values)
	if err != nil {
		return nil, err
	}
	artifacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*content.Artifact, error) {
		return scanArtifact(row)
	})
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		found[a.Digest] = a
	}
	return found, nil
}

// BeginVersion implements store.Store
func (s *Store) BeginVersion(ctx context.Context, repositoryID uuid.UUID) (store.VersionTx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin version transaction: %w", err)
	}
	if err := lockRepository(ctx, tx, repositoryID); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, err
	}
	base, err := latestVersion(ctx, tx, repositoryID)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, err
	}

	return &versionTx{
		s:       s,
		tx:      tx,
		base:    *base,
		added:   make(map[uuid.UUID]struct{}),
		removed: make(map[uuid.UUID]struct{}),
	}, nil
}

// versionTx inserts new records directly into its database transaction and
// stages membership changes until Commit
type versionTx struct {
	s    *Store
	tx   pgx.Tx
	base store.RepositoryVersion

	mu   sync.Mutex
	done bool

	added   map[uuid.UUID]struct{}
	removed map[uuid.UUID]struct{}
}

func (tx *versionTx) Base() *store.RepositoryVersion {
	base := tx.base
	return &base
}

// lock serializes use of the underlying connection, which is not safe for
// concurrent use. The returned function releases it.
func (tx *versionTx) lock() (func(), error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil, store.ErrTxDone
	}
	return tx.mu.Unlock, nil
}

func (tx *versionTx) FindContent(
	ctx context.Context, keys []content.NaturalKey,
) (map[content.NaturalKey]*store.ResolvedContent, error) {
	unlock, err := tx.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	found := make(map[content.NaturalKey]*store.ResolvedContent, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	ids := make([]string, len(keys))
	versions := make([]string, len(keys))
	digests := make([]string, len(keys))
	for i, k := range keys {
		ids[i], versions[i], digests[i] = k.PackageID, k.Version, string(k.Digest)
	}

	rows, err := tx.tx.Query(ctx, `
		SELECT `+unitColumns+`
		FROM content_unit cu
		JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(package_id, version, digest)
		  ON cu.package_id = k.package_id AND cu.version = k.version AND cu.digest = k.digest`,
		ids, versions, digests)
	if err != nil {
		return nil, err
	}
	units, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*store.ResolvedContent, error) {
		return scanUnit(row)
	})
	if err != nil {
		return nil, err
	}
	if err := resolveArtifacts(ctx, tx.tx, units); err != nil {
		return nil, err
	}
	for _, u := range units {
		found[u.Unit.Key] = u
	}
	return found, nil
}

func (tx *versionTx) FindLocalArtifacts(
	ctx context.Context, digests []content.Digest,
) (map[content.Digest]*content.Artifact, error) {
	unlock, err := tx.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return findLocalArtifacts(ctx, tx.tx, digests)
}

func (tx *versionTx) BaseContains(ctx context.Context, contentIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	unlock, err := tx.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return tx.baseContains(ctx, contentIDs)
}

// baseContains is BaseContains for callers holding the lock
func (tx *versionTx) baseContains(ctx context.Context, contentIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	result := make(map[uuid.UUID]bool, len(contentIDs))
	for _, id := range contentIDs {
		result[id] = false
	}
	if len(contentIDs) == 0 {
		return result, nil
	}

	rows, err := tx.tx.Query(ctx, `
		SELECT content_id FROM repository_content
		WHERE repository_id = $1
		  AND content_id = ANY($2)
		  AND version_added <= $3
		  AND (version_removed IS NULL OR version_removed > $3)`,
		tx.base.RepositoryID, contentIDs, tx.base.Number)
	if err != nil {
		return nil, err
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	for _, id := range members {
		result[id] = true
	}
	return result, nil
}

func (tx *versionTx) CreateArtifact(ctx context.Context, artifact *content.Artifact) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if artifact.Created.IsZero() {
		artifact.Created = tx.s.timestamp()
	}
	return insertArtifact(ctx, tx.tx, artifact)
}

func (tx *versionTx) CreateContent(
	ctx context.Context, unit *content.Unit, artifacts []content.ContentArtifact,
) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	id := unit.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	created := unit.Created
	if created.IsZero() {
		created = tx.s.timestamp()
	}
	tags := unit.Tags
	if tags == nil {
		tags = []string{}
	}

	// A unit created concurrently by a version of another repository makes
	// this insert wait for that transaction, then do nothing
	tag, err := tx.tx.Exec(ctx, `
		INSERT INTO content_unit (id, package_id, version, digest, authors, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (package_id, version, digest) DO NOTHING`,
		id, unit.Key.PackageID, unit.Key.Version, string(unit.Key.Digest), unit.Authors, tags, created)
	if err != nil {
		return fmt.Errorf("failed to create content %s/%s: %w", unit.Key.PackageID, unit.Key.Version, err)
	}
	if tag.RowsAffected() == 0 {
		err := tx.tx.QueryRow(ctx, `
			SELECT id FROM content_unit WHERE package_id = $1 AND version = $2 AND digest = $3`,
			unit.Key.PackageID, unit.Key.Version, string(unit.Key.Digest)).Scan(&unit.ID)
		if err != nil {
			return notFound(err, "content %s/%s", unit.Key.PackageID, unit.Key.Version)
		}
		return nil
	}
	unit.ID = id
	unit.Created = created

	for _, ca := range artifacts {
		caID := ca.ID
		if caID == uuid.Nil {
			caID = uuid.New()
		}
		_, err := tx.tx.Exec(ctx, `
			INSERT INTO content_artifact (id, content_id, relative_path, artifact_id) VALUES ($1, $2, $3, $4)`,
			caID, id, ca.RelativePath, ca.ArtifactID)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("artifact %s for %s: %w", ca.ArtifactID, ca.RelativePath, store.ErrNotFound)
			}
			return fmt.Errorf("failed to create content artifact %s: %w", ca.RelativePath, err)
		}
	}
	return nil
}

func (tx *versionTx) RepointContentArtifact(ctx context.Context, contentArtifactID, artifactID uuid.UUID) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	tag, err := tx.tx.Exec(ctx, `UPDATE content_artifact SET artifact_id = $2 WHERE id = $1`,
		contentArtifactID, artifactID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
		}
		return fmt.Errorf("failed to repoint content artifact %s: %w", contentArtifactID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content artifact %s: %w", contentArtifactID, store.ErrNotFound)
	}
	return nil
}

func (tx *versionTx) AddContent(ctx context.Context, contentIDs ...uuid.UUID) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if len(contentIDs) == 0 {
		return nil
	}
	rows, err := tx.tx.Query(ctx, `SELECT id FROM content_unit WHERE id = ANY($1)`, contentIDs)
	if err != nil {
		return err
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return err
	}
	for _, id := range contentIDs {
		if !slices.Contains(existing, id) {
			return fmt.Errorf("content %s: %w", id, store.ErrNotFound)
		}
	}

	members, err := tx.baseContains(ctx, contentIDs)
	if err != nil {
		return err
	}
	for _, id := range contentIDs {
		if _, ok := tx.removed[id]; ok {
			delete(tx.removed, id)
			continue
		}
		if members[id] {
			continue
		}
		tx.added[id] = struct{}{}
	}
	return nil
}

func (tx *versionTx) RemoveContent(ctx context.Context, contentIDs ...uuid.UUID) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	members, err := tx.baseContains(ctx, contentIDs)
	if err != nil {
		return err
	}
	for _, id := range contentIDs {
		if _, ok := tx.added[id]; ok {
			delete(tx.added, id)
			continue
		}
		if members[id] {
			tx.removed[id] = struct{}{}
		}
	}
	return nil
}

func (tx *versionTx) Commit(ctx context.Context) (*store.RepositoryVersion, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return nil, false, store.ErrTxDone
	}
	tx.done = true

	version, created, err := tx.commit(ctx)
	if err != nil {
		_ = tx.tx.Rollback(context.WithoutCancel(ctx))
		return nil, false, err
	}
	return version, created, nil
}

func (tx *versionTx) commit(ctx context.Context) (*store.RepositoryVersion, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	latest, err := latestVersion(ctx, tx.tx, tx.base.RepositoryID)
	if err != nil {
		return nil, false, err
	}
	if latest.Number != tx.base.Number {
		return nil, false, fmt.Errorf("version %d of repository %s: %w",
			tx.base.Number, tx.base.RepositoryID, store.ErrConcurrentVersion)
	}

	if len(tx.added) == 0 && len(tx.removed) == 0 {
		if err := tx.tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		base := tx.base
		return &base, false, nil
	}

	version := &store.RepositoryVersion{
		ID:           uuid.New(),
		RepositoryID: tx.base.RepositoryID,
		Number:       latest.Number + 1,
		Created:      tx.s.timestamp(),
		Added:        len(tx.added),
		Removed:      len(tx.removed),
	}
	if _, err := tx.tx.Exec(ctx, `
		INSERT INTO repository_version (id, repository_id, number, created_at, added, removed)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		version.ID, version.RepositoryID, version.Number, version.Created, version.Added, version.Removed); err != nil {
		return nil, false, fmt.Errorf("failed to create version %d: %w", version.Number, err)
	}

	if len(tx.added) > 0 {
		if _, err := tx.tx.Exec(ctx, `
			INSERT INTO repository_content (repository_id, content_id, version_added)
			SELECT $1, unnest($2::uuid[]), $3`,
			version.RepositoryID, setToSlice(tx.added), version.Number); err != nil {
			return nil, false, fmt.Errorf("failed to add content to version %d: %w", version.Number, err)
		}
	}
	if len(tx.removed) > 0 {
		if _, err := tx.tx.Exec(ctx, `
			UPDATE repository_content SET version_removed = $3
			WHERE repository_id = $1 AND content_id = ANY($2) AND version_removed IS NULL`,
			version.RepositoryID, setToSlice(tx.removed), version.Number); err != nil {
			return nil, false, fmt.Errorf("failed to remove content from version %d: %w", version.Number, err)
		}
	}

	if err := tx.tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	slog.Debug("Committed repository version",
		"repository_id", version.RepositoryID,
		"version", version.Number,
		"added", version.Added,
		"removed", version.Removed)
	return version, true, nil
}

func (tx *versionTx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	return tx.tx.Rollback(context.WithoutCancel(ctx))
}

func setToSlice(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// BeginPublication implements store.Store
func (s *Store) BeginPublication(
	ctx context.Context, version *store.RepositoryVersion, publisherID uuid.UUID,
) (store.PublicationTx, error) {
	v, err := getVersion(ctx, s.pool, version.RepositoryID, version.Number)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin publication transaction: %w", err)
	}
	pub := store.Publication{
		ID:                  uuid.New(),
		RepositoryID:        v.RepositoryID,
		RepositoryVersionID: v.ID,
		VersionNumber:       v.Number,
		PublisherID:         publisherID,
		Created:             s.timestamp(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO publication (id, repository_id, repository_version_id, version_number, publisher_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pub.ID, pub.RepositoryID, pub.RepositoryVersionID, pub.VersionNumber, pub.PublisherID, pub.Created)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("publisher %s: %w", publisherID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to create publication: %w", err)
	}

	return &publicationTx{
		s:     s,
		tx:    tx,
		pub:   pub,
		paths: make(map[string]struct{}),
	}, nil
}

type publicationTx struct {
	s   *Store
	tx  pgx.Tx
	pub store.Publication

	mu    sync.Mutex
	done  bool
	paths map[string]struct{}
}

func (tx *publicationTx) Publication() *store.Publication {
	pub := tx.pub
	return &pub
}

func (tx *publicationTx) AddPublishedArtifacts(ctx context.Context, artifacts ...store.PublishedArtifact) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	if len(artifacts) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(artifacts))
	batch := make(map[string]struct{}, len(artifacts))
	for _, pa := range artifacts {
		if _, taken := tx.paths[pa.RelativePath]; taken {
			return fmt.Errorf("path %q is already published", pa.RelativePath)
		}
		if _, taken := batch[pa.RelativePath]; taken {
			return fmt.Errorf("path %q is already published", pa.RelativePath)
		}
		batch[pa.RelativePath] = struct{}{}
		rows = append(rows, []any{tx.pub.ID, pa.RelativePath, pa.ContentArtifactID})
	}

	_, err := tx.tx.CopyFrom(ctx,
		pgx.Identifier{"published_artifact"},
		[]string{"publication_id", "relative_path", "content_artifact_id"},
		pgx.CopyFromRows(rows))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("content artifact of publication %s: %w", tx.pub.ID, store.ErrNotFound)
		}
		return fmt.Errorf("failed to record published artifacts: %w", err)
	}
	for path := range batch {
		tx.paths[path] = struct{}{}
	}
	return nil
}

func (tx *publicationTx) AddPublishedMetadata(ctx context.Context, relativePath string, artifact *content.Artifact) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	if artifact.Kind != content.ArtifactLocal {
		return fmt.Errorf("metadata %q must be stored as a local artifact", relativePath)
	}
	if _, taken := tx.paths[relativePath]; taken {
		return fmt.Errorf("path %q is already published", relativePath)
	}
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if artifact.Created.IsZero() {
		artifact.Created = tx.s.timestamp()
	}
	if err := insertArtifact(ctx, tx.tx, artifact); err != nil {
		return err
	}
	if _, err := tx.tx.Exec(ctx, `
		INSERT INTO published_metadata (publication_id, relative_path, artifact_id) VALUES ($1, $2, $3)`,
		tx.pub.ID, relativePath, artifact.ID); err != nil {
		return fmt.Errorf("failed to record metadata %q: %w", relativePath, err)
	}
	tx.paths[relativePath] = struct{}{}
	return nil
}

func (tx *publicationTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true

	if err := tx.commit(ctx); err != nil {
		_ = tx.tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

func (tx *publicationTx) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The publication becomes the latest one when it is committed, not when it was begun
	created := tx.s.timestamp()
	if _, err := tx.tx.Exec(ctx, `UPDATE publication SET created_at = $2 WHERE id = $1`, tx.pub.ID, created); err != nil {
		return err
	}
	if err := tx.tx.Commit(ctx); err != nil {
		return err
	}
	tx.pub.Created = created
	return nil
}

func (tx *publicationTx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	return tx.tx.Rollback(context.WithoutCancel(ctx))
}
