// Package postgres implements store.Store on PostgreSQL.
//
// Version membership is stored as ranges in repository_content: a unit is a
// member of version N of a repository when version_added <= N and
// version_removed is NULL or greater than N. A new version therefore only
// writes the rows that changed.
//
// Each version transaction is one pgx.Tx holding a row lock on its
// repository, so at most one version of a repository is in progress at a
// time. Records created in the transaction are inserted right away and are
// visible to nothing outside it until commit; membership changes are staged
// in memory and written at commit.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// foreignKeyViolation is the SQLSTATE of a foreign key violation
const foreignKeyViolation = "23503"

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a store.Store backed by a PostgreSQL connection pool
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for created timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store on pool. The schema must already be migrated.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// notFound translates pgx.ErrNoRows into store.ErrNotFound
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// isForeignKeyViolation reports whether err is a foreign key violation
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

// nullUUID maps uuid.Nil to SQL NULL
func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// limitArg maps a non-positive limit to SQL NULL, which LIMIT treats as no limit
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// GetRepository implements store.Reader
func (s *Store) GetRepository(ctx context.Context, id uuid.UUID) (*store.Repository, error) {
	r := &store.Repository{}
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM repository WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Created)
	if err != nil {
		return nil, notFound(err, "repository %s", id)
	}
	return r, nil
}

// GetRepositoryByName implements store.Reader
func (s *Store) GetRepositoryByName(ctx context.Context, name string) (*store.Repository, error) {
	return getRepositoryByName(ctx, s.pool, name)
}

func getRepositoryByName(ctx context.Context, q querier, name string) (*store.Repository, error) {
	r := &store.Repository{}
	err := q.QueryRow(ctx, `SELECT id, name, created_at FROM repository WHERE name = $1`, name).
		Scan(&r.ID, &r.Name, &r.Created)
	if err != nil {
		return nil, notFound(err, "repository %q", name)
	}
	return r, nil
}

const importerColumns = `id, name, repository_id, feed_url, feed_format, download_policy`

func scanImporter(row pgx.Row) (*store.Importer, error) {
	imp := &store.Importer{}
	err := row.Scan(&imp.ID, &imp.Name, &imp.RepositoryID, &imp.FeedURL, &imp.FeedFormat, &imp.DownloadPolicy)
	return imp, err
}

// GetImporter implements store.Reader
func (s *Store) GetImporter(ctx context.Context, id uuid.UUID) (*store.Importer, error) {
	imp, err := scanImporter(s.pool.QueryRow(ctx, `SELECT `+importerColumns+` FROM importer WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "importer %s", id)
	}
	return imp, nil
}

// GetImporterByName implements store.Reader
func (s *Store) GetImporterByName(ctx context.Context, name string) (*store.Importer, error) {
	imp, err := scanImporter(s.pool.QueryRow(ctx, `SELECT `+importerColumns+` FROM importer WHERE name = $1`, name))
	if err != nil {
		return nil, notFound(err, "importer %q", name)
	}
	return imp, nil
}

const publisherColumns = `id, name, repository_id, manifest_name`

func scanPublisher(row pgx.Row) (*store.Publisher, error) {
	p := &store.Publisher{}
	err := row.Scan(&p.ID, &p.Name, &p.RepositoryID, &p.ManifestName)
	return p, err
}

// GetPublisherByName implements store.Reader
func (s *Store) GetPublisherByName(ctx context.Context, name string) (*store.Publisher, error) {
	p, err := scanPublisher(s.pool.QueryRow(ctx, `SELECT `+publisherColumns+` FROM publisher WHERE name = $1`, name))
	if err != nil {
		return nil, notFound(err, "publisher %q", name)
	}
	return p, nil
}

const versionColumns = `id, repository_id, number, created_at, added, removed`

func scanVersion(row pgx.Row) (*store.RepositoryVersion, error) {
	v := &store.RepositoryVersion{}
	err := row.Scan(&v.ID, &v.RepositoryID, &v.Number, &v.Created, &v.Added, &v.Removed)
	return v, err
}

// LatestVersion implements store.Reader
func (s *Store) LatestVersion(ctx context.Context, repositoryID uuid.UUID) (*store.RepositoryVersion, error) {
	return latestVersion(ctx, s.pool, repositoryID)
}

func latestVersion(ctx context.Context, q querier, repositoryID uuid.UUID) (*store.RepositoryVersion, error) {
	v, err := scanVersion(q.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM repository_version
		WHERE repository_id = $1 ORDER BY number DESC LIMIT 1`, repositoryID))
	if err != nil {
		return nil, notFound(err, "versions of repository %s", repositoryID)
	}
	return v, nil
}

// GetVersion implements store.Reader
func (s *Store) GetVersion(ctx context.Context, repositoryID uuid.UUID, number int64) (*store.RepositoryVersion, error) {
	return getVersion(ctx, s.pool, repositoryID, number)
}

func getVersion(ctx context.Context, q querier, repositoryID uuid.UUID, number int64) (*store.RepositoryVersion, error) {
	v, err := scanVersion(q.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM repository_version
		WHERE repository_id = $1 AND number = $2`, repositoryID, number))
	if err != nil {
		return nil, notFound(err, "version %d of repository %s", number, repositoryID)
	}
	return v, nil
}

// ListVersions implements store.Reader
func (s *Store) ListVersions(ctx context.Context, repositoryID uuid.UUID) ([]*store.RepositoryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+versionColumns+` FROM repository_version
		WHERE repository_id = $1 ORDER BY number`, repositoryID)
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*store.RepositoryVersion, error) {
		return scanVersion(row)
	})
	if err != nil {
		return nil, err
	}
	// Every repository has version 0, so no rows means no repository
	if len(versions) == 0 {
		return nil, fmt.Errorf("repository %s: %w", repositoryID, store.ErrNotFound)
	}
	return versions, nil
}

const unitColumns = `cu.id, cu.package_id, cu.version, cu.digest, cu.authors, cu.tags, cu.created_at`

func scanUnit(row pgx.Row) (*store.ResolvedContent, error) {
	var (
		rc     store.ResolvedContent
		digest string
	)
	u := &rc.Unit
	if err := row.Scan(&u.ID, &u.Key.PackageID, &u.Key.Version, &digest, &u.Authors, &u.Tags, &u.Created); err != nil {
		return nil, err
	}
	u.Key.Digest = content.Digest(digest)
	return &rc, nil
}

// ListVersionContent implements store.Reader
func (s *Store) ListVersionContent(
	ctx context.Context, version *store.RepositoryVersion, after content.NaturalKey, limit int,
) ([]*store.ResolvedContent, error) {
	if _, err := getVersion(ctx, s.pool, version.RepositoryID, version.Number); err != nil {
		return nil, err
	}

	// COLLATE "C" keeps the order byte-wise, the same as NaturalKey.Compare
	rows, err := s.pool.Query(ctx, `
		SELECT `+unitColumns+`
		FROM repository_content rc
		JOIN content_unit cu ON cu.id = rc.content_id
		WHERE rc.repository_id = $1
		  AND rc.version_added <= $2
		  AND (rc.version_removed IS NULL OR rc.version_removed > $2)
		  AND (cu.package_id COLLATE "C", cu.version COLLATE "C", cu.digest COLLATE "C") > ($3, $4, $5)
		ORDER BY cu.package_id COLLATE "C", cu.version COLLATE "C", cu.digest COLLATE "C"
		LIMIT $6`,
		version.RepositoryID, version.Number,
		after.PackageID, after.Version, string(after.Digest),
		limitArg(limit))
	if err != nil {
		return nil, err
	}
	units, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*store.ResolvedContent, error) {
		return scanUnit(row)
	})
	if err != nil {
		return nil, err
	}
	if err := resolveArtifacts(ctx, s.pool, units); err != nil {
		return nil, err
	}
	return units, nil
}

// resolveArtifacts loads the content artifacts of units, ordered by path
func resolveArtifacts(ctx context.Context, q querier, units []*store.ResolvedContent) error {
	if len(units) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*store.ResolvedContent, len(units))
	ids := make([]uuid.UUID, 0, len(units))
	for _, u := range units {
		byID[u.Unit.ID] = u
		ids = append(ids, u.Unit.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT ca.id, ca.content_id, ca.relative_path, ca.artifact_id, `+artifactColumns+`
		FROM content_artifact ca
		LEFT JOIN artifact a ON a.id = ca.artifact_id
		WHERE ca.content_id = ANY($1)
		ORDER BY ca.relative_path COLLATE "C"`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ra store.ResolvedArtifact
			na nullableArtifact
		)
		ca := &ra.ContentArtifact
		if err := rows.Scan(append([]any{&ca.ID, &ca.ContentID, &ca.RelativePath, &ca.ArtifactID}, na.dest()...)...); err != nil {
			return err
		}
		ra.Artifact = na.artifact()
		if u, ok := byID[ca.ContentID]; ok {
			u.Artifacts = append(u.Artifacts, ra)
		}
	}
	return rows.Err()
}

const artifactColumns = `a.id, a.kind, a.digest, a.size, a.location, a.importer_id, a.created_at`

func scanArtifact(row pgx.Row) (*content.Artifact, error) {
	var na nullableArtifact
	if err := row.Scan(na.dest()...); err != nil {
		return nil, err
	}
	return na.artifact(), nil
}

// nullableArtifact scans artifact columns that may all be NULL
type nullableArtifact struct {
	id         *uuid.UUID
	kind       *string
	digest     *string
	size       *int64
	location   *string
	importerID *uuid.UUID
	created    *time.Time
}

func (n *nullableArtifact) dest() []any {
	return []any{&n.id, &n.kind, &n.digest, &n.size, &n.location, &n.importerID, &n.created}
}

func (n *nullableArtifact) artifact() *content.Artifact {
	if n.id == nil {
		return nil
	}
	a := &content.Artifact{
		ID:       *n.id,
		Kind:     content.ArtifactKind(*n.kind),
		Digest:   content.Digest(*n.digest),
		Size:     *n.size,
		Location: *n.location,
		Created:  *n.created,
	}
	if n.importerID != nil {
		a.ImporterID = *n.importerID
	}
	return a
}

// GetArtifact implements store.Reader
func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*content.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifact a WHERE a.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "artifact %s", id)
	}
	return a, nil
}

// GetContentArtifact implements store.Reader
func (s *Store) GetContentArtifact(ctx context.Context, id uuid.UUID) (*content.ContentArtifact, error) {
	ca := &content.ContentArtifact{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, content_id, relative_path, artifact_id FROM content_artifact WHERE id = $1`, id).
		Scan(&ca.ID, &ca.ContentID, &ca.RelativePath, &ca.ArtifactID)
	if err != nil {
		return nil, notFound(err, "content artifact %s", id)
	}
	return ca, nil
}

const publicationColumns = `id, repository_id, repository_version_id, version_number, publisher_id, created_at`

func scanPublication(row pgx.Row) (*store.Publication, error) {
	p := &store.Publication{}
	err := row.Scan(&p.ID, &p.RepositoryID, &p.RepositoryVersionID, &p.VersionNumber, &p.PublisherID, &p.Created)
	return p, err
}

// GetPublication implements store.Reader
func (s *Store) GetPublication(ctx context.Context, id uuid.UUID) (*store.Publication, error) {
	p, err := scanPublication(s.pool.QueryRow(ctx, `SELECT `+publicationColumns+` FROM publication WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "publication %s", id)
	}
	return p, nil
}

// LatestPublication implements store.Reader
func (s *Store) LatestPublication(ctx context.Context, repositoryID uuid.UUID) (*store.Publication, error) {
	p, err := scanPublication(s.pool.QueryRow(ctx, `
		SELECT `+publicationColumns+` FROM publication
		WHERE repository_id = $1
		ORDER BY created_at DESC, version_number DESC
		LIMIT 1`, repositoryID))
	if err != nil {
		return nil, notFound(err, "publications of repository %s", repositoryID)
	}
	return p, nil
}

// ListPublishedArtifacts implements store.Reader
func (s *Store) ListPublishedArtifacts(
	ctx context.Context, publicationID uuid.UUID, afterPath string, limit int,
) ([]store.PublishedArtifact, error) {
	if _, err := s.GetPublication(ctx, publicationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT publication_id, relative_path, content_artifact_id
		FROM published_artifact
		WHERE publication_id = $1 AND relative_path COLLATE "C" > $2
		ORDER BY relative_path COLLATE "C"
		LIMIT $3`, publicationID, afterPath, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.PublishedArtifact, error) {
		var pa store.PublishedArtifact
		err := row.Scan(&pa.PublicationID, &pa.RelativePath, &pa.ContentArtifactID)
		return pa, err
	})
}

// GetPublishedFile implements store.Reader
func (s *Store) GetPublishedFile(
	ctx context.Context, publicationID uuid.UUID, relativePath string,
) (*store.PublishedFile, error) {
	file := &store.PublishedFile{PublicationID: publicationID, RelativePath: relativePath}

	var na nullableArtifact
	err := s.pool.QueryRow(ctx, `
		SELECT `+artifactColumns+`
		FROM published_metadata pm
		LEFT JOIN artifact a ON a.id = pm.artifact_id
		WHERE pm.publication_id = $1 AND pm.relative_path = $2`, publicationID, relativePath).
		Scan(na.dest()...)
	if err == nil {
		file.Artifact = na.artifact()
		return file, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	na = nullableArtifact{}
	err = s.pool.QueryRow(ctx, `
		SELECT ca.id, `+artifactColumns+`
		FROM published_artifact pa
		JOIN content_artifact ca ON ca.id = pa.content_artifact_id
		LEFT JOIN artifact a ON a.id = ca.artifact_id
		WHERE pa.publication_id = $1 AND pa.relative_path = $2`, publicationID, relativePath).
		Scan(append([]any{&file.ContentArtifactID}, na.dest()...)...)
	if err != nil {
		return nil, notFound(err, "%s in publication %s", relativePath, publicationID)
	}
	file.Artifact = na.artifact()
	return file, nil
}

// EnsureRepository implements store.Store
func (s *Store) EnsureRepository(ctx context.Context, name string) (*store.Repository, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.timestamp()
	id := uuid.New()
	tag, err := tx.Exec(ctx, `
		INSERT INTO repository (id, name, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`, id, name, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository %q: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO repository_version (id, repository_id, number, created_at) VALUES ($1, $2, 0, $3)`,
			uuid.New(), id, now); err != nil {
			return nil, fmt.Errorf("failed to create version 0 of repository %q: %w", name, err)
		}
		slog.Debug("Created repository", "repository", name, "id", id)
	}

	repo, err := getRepositoryByName(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// EnsureImporter implements store.Store
func (s *Store) EnsureImporter(ctx context.Context, importer *store.Importer) (*store.Importer, error) {
	imp, err := scanImporter(s.pool.QueryRow(ctx, `
		INSERT INTO importer (id, name, repository_id, feed_url, feed_format, download_policy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			repository_id = EXCLUDED.repository_id,
			feed_url = EXCLUDED.feed_url,
			feed_format = EXCLUDED.feed_format,
			download_policy = EXCLUDED.download_policy
		RETURNING `+importerColumns,
		uuid.New(), importer.Name, importer.RepositoryID, importer.FeedURL, importer.FeedFormat, importer.DownloadPolicy))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("repository %s: %w", importer.RepositoryID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to save importer %q: %w", importer.Name, err)
	}
	return imp, nil
}

// EnsurePublisher implements store.Store
func (s *Store) EnsurePublisher(ctx context.Context, publisher *store.Publisher) (*store.Publisher, error) {
	p, err := scanPublisher(s.pool.QueryRow(ctx, `
		INSERT INTO publisher (id, name, repository_id, manifest_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			repository_id = EXCLUDED.repository_id,
			manifest_name = EXCLUDED.manifest_name
		RETURNING `+publisherColumns,
		uuid.New(), publisher.Name, publisher.RepositoryID, publisher.ManifestName))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("repository %s: %w", publisher.RepositoryID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to save publisher %q: %w", publisher.Name, err)
	}
	return p, nil
}

// lockRepository takes the row lock that serializes version changes of a repository
func lockRepository(ctx context.Context, tx pgx.Tx, repositoryID uuid.UUID) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM repository WHERE id = $1 FOR NO KEY UPDATE`, repositoryID).Scan(&id)
	if err != nil {
		return notFound(err, "repository %s", repositoryID)
	}
	return nil
}

// PromoteArtifact implements store.Store
func (s *Store) PromoteArtifact(ctx context.Context, contentArtifactID uuid.UUID, local *content.Artifact) error {
	if local.Kind != content.ArtifactLocal {
		return fmt.Errorf("cannot promote to a %s artifact", local.Kind)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var caID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM content_artifact WHERE id = $1 FOR UPDATE`, contentArtifactID).Scan(&caID)
	if err != nil {
		return notFound(err, "content artifact %s", contentArtifactID)
	}

	existing, err := findLocalArtifacts(ctx, tx, []content.Digest{local.Digest})
	if err != nil {
		return err
	}
	if a, ok := existing[local.Digest]; ok {
		*local = *a
	} else {
		if local.ID == uuid.Nil {
			local.ID = uuid.New()
		}
		if local.Created.IsZero() {
			local.Created = s.timestamp()
		}
		if err := insertArtifact(ctx, tx, local); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE content_artifact SET artifact_id = $2 WHERE id = $1`,
		contentArtifactID, local.ID); err != nil {
		return fmt.Errorf("failed to repoint content artifact %s: %w", contentArtifactID, err)
	}
	return tx.Commit(ctx)
}

// DeleteVersion implements store.Store
func (s *Store) DeleteVersion(ctx context.Context, repositoryID uuid.UUID, number int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockRepository(ctx, tx, repositoryID); err != nil {
		return err
	}
	v, err := getVersion(ctx, tx, repositoryID, number)
	if err != nil {
		return err
	}
	latest, err := latestVersion(ctx, tx, repositoryID)
	if err != nil {
		return err
	}
	if latest.Number == number {
		return fmt.Errorf("version %d is the latest version: %w", number, store.ErrVersionInUse)
	}

	var publicationID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM publication WHERE repository_version_id = $1 LIMIT 1`, v.ID).
		Scan(&publicationID)
	switch {
	case err == nil:
		return fmt.Errorf("version %d is published by %s: %w", number, publicationID, store.ErrVersionInUse)
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM repository_version WHERE id = $1`, v.ID); err != nil {
		return fmt.Errorf("failed to delete version %d: %w", number, err)
	}
	return tx.Commit(ctx)
}

// Close implements store.Store. The pool belongs to the caller and stays open.
func (*Store) Close() error {
	return nil
}
