package content

import (
	"time"

	"github.com/google/uuid"
)

// Unit is a content unit: one package at one version. Units are immutable
// once created and are referenced, never owned, by repository versions.
type Unit struct {
	ID      uuid.UUID
	Key     NaturalKey
	Authors string
	Tags    []string
	Created time.Time
}

// ArtifactKind distinguishes artifacts whose bytes are stored locally from
// placeholders for bytes that have not been fetched.
type ArtifactKind string

const (
	// ArtifactLocal means the bytes are in the local artifact store
	ArtifactLocal ArtifactKind = "local"

	// ArtifactRemote means only the digest, size and source URL are known
	ArtifactRemote ArtifactKind = "remote"
)

// Artifact is a content-addressed blob. For a local artifact Location is the
// artifact store reference; for a remote artifact it is the source URL and
// ImporterID names the importer that knows how to fetch it.
//
// Artifacts are never mutated. Promoting a remote artifact creates a new
// local one and repoints the ContentArtifact.
type Artifact struct {
	ID         uuid.UUID
	Kind       ArtifactKind
	Digest     Digest
	Size       int64
	Location   string
	ImporterID uuid.UUID
	Created    time.Time
}

// IsLocal reports whether the artifact bytes are stored locally
func (a *Artifact) IsLocal() bool {
	return a != nil && a.Kind == ArtifactLocal
}

// ContentArtifact associates a content unit with the relative path it is
// published at and the artifact currently backing it.
type ContentArtifact struct {
	ID           uuid.UUID
	ContentID    uuid.UUID
	RelativePath string
	ArtifactID   uuid.UUID
}
