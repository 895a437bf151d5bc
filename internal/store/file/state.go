package file

import (
	"cmp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// span is an interval of repository versions in which a content unit is a
// member. Removed is zero while the unit is still a member of the latest version.
type span struct {
	Added   int64
	Removed int64
}

func (s span) contains(number int64) bool {
	return s.Added <= number && (s.Removed == 0 || s.Removed > number)
}

// state holds every committed record. All access goes through Store.mu.
type state struct {
	repositories       map[uuid.UUID]*store.Repository
	importers          map[uuid.UUID]*store.Importer
	publishers         map[uuid.UUID]*store.Publisher
	versions           map[uuid.UUID][]*store.RepositoryVersion
	units              map[uuid.UUID]*content.Unit
	artifacts          map[uuid.UUID]*content.Artifact
	contentArtifacts   map[uuid.UUID]*content.ContentArtifact
	membership         map[uuid.UUID]map[uuid.UUID][]span
	publications       map[uuid.UUID]*store.Publication
	publishedArtifacts map[uuid.UUID]map[string]uuid.UUID
	publishedMetadata  map[uuid.UUID]map[string]uuid.UUID

	unitsByKey    map[content.NaturalKey]uuid.UUID
	localByDigest map[content.Digest]uuid.UUID
	casByContent  map[uuid.UUID][]uuid.UUID
}

func newState() *state {
	return &state{
		repositories:       make(map[uuid.UUID]*store.Repository),
		importers:          make(map[uuid.UUID]*store.Importer),
		publishers:         make(map[uuid.UUID]*store.Publisher),
		versions:           make(map[uuid.UUID][]*store.RepositoryVersion),
		units:              make(map[uuid.UUID]*content.Unit),
		artifacts:          make(map[uuid.UUID]*content.Artifact),
		contentArtifacts:   make(map[uuid.UUID]*content.ContentArtifact),
		membership:         make(map[uuid.UUID]map[uuid.UUID][]span),
		publications:       make(map[uuid.UUID]*store.Publication),
		publishedArtifacts: make(map[uuid.UUID]map[string]uuid.UUID),
		publishedMetadata:  make(map[uuid.UUID]map[string]uuid.UUID),
		unitsByKey:         make(map[content.NaturalKey]uuid.UUID),
		localByDigest:      make(map[content.Digest]uuid.UUID),
		casByContent:       make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *state) putUnit(u *content.Unit) {
	s.units[u.ID] = u
	s.unitsByKey[u.Key] = u.ID
}

func (s *state) putArtifact(a *content.Artifact) {
	s.artifacts[a.ID] = a
	if a.Kind == content.ArtifactLocal {
		if _, exists := s.localByDigest[a.Digest]; !exists {
			s.localByDigest[a.Digest] = a.ID
		}
	}
}

func (s *state) putContentArtifact(ca *content.ContentArtifact) {
	if _, exists := s.contentArtifacts[ca.ID]; !exists {
		s.casByContent[ca.ContentID] = append(s.casByContent[ca.ContentID], ca.ID)
	}
	s.contentArtifacts[ca.ID] = ca
}

func (s *state) latest(repositoryID uuid.UUID) *store.RepositoryVersion {
	versions := s.versions[repositoryID]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

func (s *state) isMember(repositoryID, contentID uuid.UUID, number int64) bool {
	for _, sp := range s.membership[repositoryID][contentID] {
		if sp.contains(number) {
			return true
		}
	}
	return false
}

// members returns the content ids that belong to a version, sorted by natural key
func (s *state) members(repositoryID uuid.UUID, number int64) []uuid.UUID {
	ids := make([]uuid.UUID, 0)
	for contentID, spans := range s.membership[repositoryID] {
		for _, sp := range spans {
			if sp.contains(number) {
				ids = append(ids, contentID)
				break
			}
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return s.units[a].Key.Compare(s.units[b].Key)
	})
	return ids
}

func (s *state) resolve(contentID uuid.UUID) *store.ResolvedContent {
	unit, ok := s.units[contentID]
	if !ok {
		return nil
	}
	rc := &store.ResolvedContent{Unit: *unit}
	for _, caID := range s.casByContent[contentID] {
		ca := s.contentArtifacts[caID]
		ra := store.ResolvedArtifact{ContentArtifact: *ca}
		if a, ok := s.artifacts[ca.ArtifactID]; ok {
			artifact := *a
			ra.Artifact = &artifact
		}
		rc.Artifacts = append(rc.Artifacts, ra)
	}
	slices.SortFunc(rc.Artifacts, func(a, b store.ResolvedArtifact) int {
		return strings.Compare(a.ContentArtifact.RelativePath, b.ContentArtifact.RelativePath)
	})
	return rc
}

func sortVersions(versions []*store.RepositoryVersion) {
	slices.SortFunc(versions, func(a, b *store.RepositoryVersion) int {
		return cmp.Compare(a.Number, b.Number)
	})
}
