package changeset

import (
	"github.com/stacklok/nupkg-mirror/internal/content"
)

// PendingArtifact describes artifact bytes that are known by digest but may
// not have been fetched yet
type PendingArtifact struct {
	Digest content.Digest
	Size   int64
	URL    string
}

// PendingContent is a content unit to add, with the artifact backing it
type PendingContent struct {
	Unit         content.Unit
	RelativePath string
	Artifact     PendingArtifact
}

// ChangeSet is the set of membership changes between a base version and the
// content a feed offers
type ChangeSet struct {
	Additions []PendingContent
	Removals  []content.NaturalKey
}

// Empty reports whether the change set changes nothing
func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Additions) == 0 && len(cs.Removals) == 0)
}
