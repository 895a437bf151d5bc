// Package store defines the persistence collaborator used by the sync and
// publish engines: lookups for content, artifacts, repository versions and
// publications, plus all-or-nothing transactions for creating a new
// repository version and a new publication.
//
// Two implementations exist: internal/store/file (in-memory with an optional
// CBOR snapshot on disk) and internal/store/postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/content"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionInUse is returned when deleting a repository version that is
	// the latest version or is referenced by a publication
	ErrVersionInUse = errors.New("repository version in use")

	// ErrConcurrentVersion is returned when committing a version whose base is
	// no longer the latest version of the repository
	ErrConcurrentVersion = errors.New("repository changed since version was opened")

	// ErrTxDone is returned when using a transaction after commit or rollback
	ErrTxDone = errors.New("transaction already finished")
)

// Repository is a named, versioned collection of content
type Repository struct {
	ID      uuid.UUID
	Name    string
	Created time.Time
}

// RepositoryVersion is an immutable, numbered snapshot of a repository's
// content membership. Version 0 is created with the repository and is empty.
type RepositoryVersion struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
	Number       int64
	Created      time.Time

	// Added and Removed count the membership changes relative to the
	// previous version
	Added   int
	Removed int
}

// Importer syncs a repository from a remote feed
type Importer struct {
	ID             uuid.UUID
	Name           string
	RepositoryID   uuid.UUID
	FeedURL        string
	FeedFormat     string
	DownloadPolicy string
}

// Publisher publishes repository versions
type Publisher struct {
	ID           uuid.UUID
	Name         string
	RepositoryID uuid.UUID
	ManifestName string
}

// Publication is an immutable, servable snapshot of one repository version
type Publication struct {
	ID                  uuid.UUID
	RepositoryID        uuid.UUID
	RepositoryVersionID uuid.UUID
	VersionNumber       int64
	PublisherID         uuid.UUID
	Created             time.Time
}

// PublishedArtifact maps a path within a publication to a content artifact
type PublishedArtifact struct {
	PublicationID     uuid.UUID
	RelativePath      string
	ContentArtifactID uuid.UUID
}

// PublishedMetadata is a metadata file (the manifest) within a publication
type PublishedMetadata struct {
	PublicationID uuid.UUID
	RelativePath  string
	ArtifactID    uuid.UUID
}

// ResolvedArtifact is a content artifact together with the artifact it
// currently points at. Artifact is nil when the pointer dangles.
type ResolvedArtifact struct {
	ContentArtifact content.ContentArtifact
	Artifact        *content.Artifact
}

// ResolvedContent is a content unit with its resolved content artifacts
type ResolvedContent struct {
	Unit      content.Unit
	Artifacts []ResolvedArtifact
}

// PublishedFile is a path within a publication resolved to the artifact that
// serves it. ContentArtifactID is uuid.Nil for metadata files.
type PublishedFile struct {
	PublicationID     uuid.UUID
	RelativePath      string
	ContentArtifactID uuid.UUID
	Artifact          *content.Artifact
}

// Reader provides read access to committed records. Nothing staged in an
// open transaction is visible through a Reader.
type Reader interface {
	GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*Repository, error)
	GetImporterByName(ctx context.Context, name string) (*Importer, error)
	GetImporter(ctx context.Context, id uuid.UUID) (*Importer, error)
	GetPublisherByName(ctx context.Context, name string) (*Publisher, error)

	// LatestVersion returns the highest numbered version of a repository
	LatestVersion(ctx context.Context, repositoryID uuid.UUID) (*RepositoryVersion, error)
	GetVersion(ctx context.Context, repositoryID uuid.UUID, number int64) (*RepositoryVersion, error)
	ListVersions(ctx context.Context, repositoryID uuid.UUID) ([]*RepositoryVersion, error)

	// ListVersionContent returns up to limit content units of a version whose
	// natural key sorts after the given key, ordered by natural key. The zero
	// key starts from the beginning.
	ListVersionContent(
		ctx context.Context, version *RepositoryVersion, after content.NaturalKey, limit int,
	) ([]*ResolvedContent, error)

	GetArtifact(ctx context.Context, id uuid.UUID) (*content.Artifact, error)
	GetContentArtifact(ctx context.Context, id uuid.UUID) (*content.ContentArtifact, error)

	GetPublication(ctx context.Context, id uuid.UUID) (*Publication, error)
	// LatestPublication returns the most recently created publication of a repository
	LatestPublication(ctx context.Context, repositoryID uuid.UUID) (*Publication, error)
	// ListPublishedArtifacts returns up to limit published artifacts ordered by path
	ListPublishedArtifacts(
		ctx context.Context, publicationID uuid.UUID, afterPath string, limit int,
	) ([]PublishedArtifact, error)
	// GetPublishedFile resolves a path within a publication, metadata first
	GetPublishedFile(ctx context.Context, publicationID uuid.UUID, relativePath string) (*PublishedFile, error)
}

// Store is the persistence collaborator
type Store interface {
	Reader

	// EnsureRepository returns the repository with the given name, creating it
	// together with its empty version 0 if needed
	EnsureRepository(ctx context.Context, name string) (*Repository, error)
	// EnsureImporter creates or updates an importer by name
	EnsureImporter(ctx context.Context, importer *Importer) (*Importer, error)
	// EnsurePublisher creates or updates a publisher by name
	EnsurePublisher(ctx context.Context, publisher *Publisher) (*Publisher, error)

	// BeginVersion opens a version-in-progress on top of the latest version
	BeginVersion(ctx context.Context, repositoryID uuid.UUID) (VersionTx, error)
	// BeginPublication opens a publication-in-progress for a version
	BeginPublication(ctx context.Context, version *RepositoryVersion, publisherID uuid.UUID) (PublicationTx, error)

	// PromoteArtifact records a new local artifact and repoints the content
	// artifact at it. The previous artifact record is left untouched.
	PromoteArtifact(ctx context.Context, contentArtifactID uuid.UUID, local *content.Artifact) error

	// DeleteVersion removes a superseded version that no publication references
	DeleteVersion(ctx context.Context, repositoryID uuid.UUID, number int64) error

	Close() error
}

// VersionTx stages the records and membership changes of a new repository
// version. Staged state is visible through the transaction's own lookups
// only. Commit makes everything visible at once; Rollback discards it.
type VersionTx interface {
	// Base is the version the transaction was opened on
	Base() *RepositoryVersion

	// FindContent resolves natural keys to existing content units, including
	// units staged in this transaction
	FindContent(ctx context.Context, keys []content.NaturalKey) (map[content.NaturalKey]*ResolvedContent, error)
	// FindLocalArtifacts resolves digests to existing local artifacts
	FindLocalArtifacts(ctx context.Context, digests []content.Digest) (map[content.Digest]*content.Artifact, error)
	// BaseContains reports which content ids are members of the base version
	BaseContains(ctx context.Context, contentIDs []uuid.UUID) (map[uuid.UUID]bool, error)

	CreateArtifact(ctx context.Context, artifact *content.Artifact) error
	// CreateContent creates a unit and its content artifacts. If a unit with
	// the same natural key already exists the existing unit is kept and its id
	// is written back into unit.
	CreateContent(ctx context.Context, unit *content.Unit, artifacts []content.ContentArtifact) error
	RepointContentArtifact(ctx context.Context, contentArtifactID, artifactID uuid.UUID) error

	AddContent(ctx context.Context, contentIDs ...uuid.UUID) error
	RemoveContent(ctx context.Context, contentIDs ...uuid.UUID) error

	// Commit persists staged records. A new version is created only when the
	// membership changed; otherwise the base version is returned with false.
	Commit(ctx context.Context) (*RepositoryVersion, bool, error)
	Rollback(ctx context.Context) error
}

// PublicationTx stages the files of a new publication
type PublicationTx interface {
	Publication() *Publication

	AddPublishedArtifacts(ctx context.Context, artifacts ...PublishedArtifact) error
	// AddPublishedMetadata records a local artifact holding the metadata file
	// and maps the relative path to it
	AddPublishedMetadata(ctx context.Context, relativePath string, artifact *content.Artifact) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
