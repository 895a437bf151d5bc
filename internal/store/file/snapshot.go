package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// snapshotFormatVersion is bumped whenever the snapshot layout changes incompatibly
const snapshotFormatVersion = 1

// encMode uses Core Deterministic Encoding so identical state produces
// identical snapshot bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("file store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("file store: CBOR decoder initialization failed: " + err.Error())
	}
}

type membershipRow struct {
	RepositoryID uuid.UUID
	ContentID    uuid.UUID
	Added        int64
	Removed      int64
}

// snapshot is the on-disk form of state. Maps are flattened to slices and
// derived indexes are rebuilt on load.
type snapshot struct {
	Format             int
	Repositories       []store.Repository
	Importers          []store.Importer
	Publishers         []store.Publisher
	Versions           []store.RepositoryVersion
	Units              []content.Unit
	Artifacts          []content.Artifact
	ContentArtifacts   []content.ContentArtifact
	Membership         []membershipRow
	Publications       []store.Publication
	PublishedArtifacts []store.PublishedArtifact
	PublishedMetadata  []store.PublishedMetadata
}

func (s *state) toSnapshot() *snapshot {
	snap := &snapshot{Format: snapshotFormatVersion}
	for _, r := range s.repositories {
		snap.Repositories = append(snap.Repositories, *r)
	}
	for _, i := range s.importers {
		snap.Importers = append(snap.Importers, *i)
	}
	for _, p := range s.publishers {
		snap.Publishers = append(snap.Publishers, *p)
	}
	for _, versions := range s.versions {
		for _, v := range versions {
			snap.Versions = append(snap.Versions, *v)
		}
	}
	for _, u := range s.units {
		snap.Units = append(snap.Units, *u)
	}
	for _, a := range s.artifacts {
		snap.Artifacts = append(snap.Artifacts, *a)
	}
	for _, ca := range s.contentArtifacts {
		snap.ContentArtifacts = append(snap.ContentArtifacts, *ca)
	}
	for repositoryID, byContent := range s.membership {
		for contentID, spans := range byContent {
			for _, sp := range spans {
				snap.Membership = append(snap.Membership, membershipRow{
					RepositoryID: repositoryID,
					ContentID:    contentID,
					Added:        sp.Added,
					Removed:      sp.Removed,
				})
			}
		}
	}
	for _, p := range s.publications {
		snap.Publications = append(snap.Publications, *p)
	}
	for publicationID, paths := range s.publishedArtifacts {
		for path, caID := range paths {
			snap.PublishedArtifacts = append(snap.PublishedArtifacts, store.PublishedArtifact{
				PublicationID:     publicationID,
				RelativePath:      path,
				ContentArtifactID: caID,
			})
		}
	}
	for publicationID, paths := range s.publishedMetadata {
		for path, artifactID := range paths {
			snap.PublishedMetadata = append(snap.PublishedMetadata, store.PublishedMetadata{
				PublicationID: publicationID,
				RelativePath:  path,
				ArtifactID:    artifactID,
			})
		}
	}
	return snap
}

func fromSnapshot(snap *snapshot) (*state, error) {
	if snap.Format != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format %d", snap.Format)
	}
	s := newState()
	for i := range snap.Repositories {
		r := snap.Repositories[i]
		s.repositories[r.ID] = &r
	}
	for i := range snap.Importers {
		imp := snap.Importers[i]
		s.importers[imp.ID] = &imp
	}
	for i := range snap.Publishers {
		p := snap.Publishers[i]
		s.publishers[p.ID] = &p
	}
	for i := range snap.Versions {
		v := snap.Versions[i]
		s.versions[v.RepositoryID] = append(s.versions[v.RepositoryID], &v)
	}
	for _, versions := range s.versions {
		sortVersions(versions)
	}
	for i := range snap.Units {
		u := snap.Units[i]
		s.putUnit(&u)
	}
	for i := range snap.Artifacts {
		a := snap.Artifacts[i]
		s.putArtifact(&a)
	}
	for i := range snap.ContentArtifacts {
		ca := snap.ContentArtifacts[i]
		s.putContentArtifact(&ca)
	}
	for _, row := range snap.Membership {
		byContent, ok := s.membership[row.RepositoryID]
		if !ok {
			byContent = make(map[uuid.UUID][]span)
			s.membership[row.RepositoryID] = byContent
		}
		byContent[row.ContentID] = append(byContent[row.ContentID], span{Added: row.Added, Removed: row.Removed})
	}
	for i := range snap.Publications {
		p := snap.Publications[i]
		s.publications[p.ID] = &p
	}
	for _, pa := range snap.PublishedArtifacts {
		if s.publishedArtifacts[pa.PublicationID] == nil {
			s.publishedArtifacts[pa.PublicationID] = make(map[string]uuid.UUID)
		}
		s.publishedArtifacts[pa.PublicationID][pa.RelativePath] = pa.ContentArtifactID
	}
	for _, pm := range snap.PublishedMetadata {
		if s.publishedMetadata[pm.PublicationID] == nil {
			s.publishedMetadata[pm.PublicationID] = make(map[string]uuid.UUID)
		}
		s.publishedMetadata[pm.PublicationID][pm.RelativePath] = pm.ArtifactID
	}
	return s, nil
}

// loadSnapshot reads the snapshot at path. A missing file yields empty state.
func loadSnapshot(path string) (*state, error) {
	// #nosec G304 -- path comes from server configuration
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newState(), nil
		}
		return nil, fmt.Errorf("failed to read store snapshot: %w", err)
	}

	var snap snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode store snapshot %s: %w", path, err)
	}
	return fromSnapshot(&snap)
}

// writeSnapshot writes state to path through a temporary file and an atomic rename.
func writeSnapshot(path string, s *state) error {
	data, err := encMode.Marshal(s.toSnapshot())
	if err != nil {
		return fmt.Errorf("failed to encode store snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary store snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename store snapshot: %w", err)
	}
	return nil
}
