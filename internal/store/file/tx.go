package file

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// BeginVersion implements store.Store
func (s *Store) BeginVersion(_ context.Context, repositoryID uuid.UUID) (store.VersionTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	latest := s.st.latest(repositoryID)
	if latest == nil {
		return nil, fmt.Errorf("repository %s: %w", repositoryID, store.ErrNotFound)
	}

	return &versionTx{
		s:                s,
		base:             *latest,
		units:            make(map[uuid.UUID]*content.Unit),
		unitsByKey:       make(map[content.NaturalKey]uuid.UUID),
		artifacts:        make(map[uuid.UUID]*content.Artifact),
		localByDigest:    make(map[content.Digest]uuid.UUID),
		contentArtifacts: make(map[uuid.UUID]*content.ContentArtifact),
		casByContent:     make(map[uuid.UUID][]uuid.UUID),
		repoints:         make(map[uuid.UUID]uuid.UUID),
		added:            make(map[uuid.UUID]struct{}),
		removed:          make(map[uuid.UUID]struct{}),
	}, nil
}

// versionTx overlays staged records on the committed state
type versionTx struct {
	s    *Store
	base store.RepositoryVersion

	mu   sync.Mutex
	done bool

	units            map[uuid.UUID]*content.Unit
	unitsByKey       map[content.NaturalKey]uuid.UUID
	artifacts        map[uuid.UUID]*content.Artifact
	localByDigest    map[content.Digest]uuid.UUID
	contentArtifacts map[uuid.UUID]*content.ContentArtifact
	casByContent     map[uuid.UUID][]uuid.UUID
	// repoints holds new artifact pointers for committed content artifacts
	repoints map[uuid.UUID]uuid.UUID

	added   map[uuid.UUID]struct{}
	removed map[uuid.UUID]struct{}
}

func (tx *versionTx) Base() *store.RepositoryVersion {
	base := tx.base
	return &base
}

// lock acquires the transaction and a read lock on the store. The returned
// function releases both.
func (tx *versionTx) lock() (func(), error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil, store.ErrTxDone
	}
	tx.s.mu.RLock()
	return func() {
		tx.s.mu.RUnlock()
		tx.mu.Unlock()
	}, nil
}

func (tx *versionTx) artifact(id uuid.UUID) *content.Artifact {
	if a, ok := tx.artifacts[id]; ok {
		return a
	}
	return tx.s.st.artifacts[id]
}

func (tx *versionTx) unit(id uuid.UUID) *content.Unit {
	if u, ok := tx.units[id]; ok {
		return u
	}
	return tx.s.st.units[id]
}

func (tx *versionTx) contentArtifact(id uuid.UUID) *content.ContentArtifact {
	if ca, ok := tx.contentArtifacts[id]; ok {
		return ca
	}
	ca, ok := tx.s.st.contentArtifacts[id]
	if !ok {
		return nil
	}
	if artifactID, ok := tx.repoints[id]; ok {
		repointed := *ca
		repointed.ArtifactID = artifactID
		return &repointed
	}
	return ca
}

func (tx *versionTx) resolve(id uuid.UUID) *store.ResolvedContent {
	u := tx.unit(id)
	if u == nil {
		return nil
	}
	rc := &store.ResolvedContent{Unit: *u}
	caIDs := tx.casByContent[id]
	if _, staged := tx.units[id]; !staged {
		caIDs = tx.s.st.casByContent[id]
	}
	for _, caID := range caIDs {
		ca := tx.contentArtifact(caID)
		ra := store.ResolvedArtifact{ContentArtifact: *ca}
		if a := tx.artifact(ca.ArtifactID); a != nil {
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

func (tx *versionTx) FindContent(
	_ context.Context, keys []content.NaturalKey,
) (map[content.NaturalKey]*store.ResolvedContent, error) {
	unlock, err := tx.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	found := make(map[content.NaturalKey]*store.ResolvedContent, len(keys))
	for _, key := range keys {
		id, ok := tx.unitsByKey[key]
		if !ok {
			id, ok = tx.s.st.unitsByKey[key]
		}
		if ok {
			found[key] = tx.resolve(id)
		}
	}
	return found, nil
}

func (tx *versionTx) FindLocalArtifacts(
	_ context.Context, digests []content.Digest,
) (map[content.Digest]*content.Artifact, error) {
	unlock, err := tx.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	found := make(map[content.Digest]*content.Artifact, len(digests))
	for _, d := range digests {
		id, ok := tx.localByDigest[d]
		if !ok {
			id, ok = tx.s.st.localByDigest[d]
		}
		if ok {
			artifact := *tx.artifact(id)
			found[d] = &artifact
		}
	}
	return found, nil
}

func (tx *versionTx) BaseContains(_ context.Context, contentIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	unlock, err := tx.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make(map[uuid.UUID]bool, len(contentIDs))
	for _, id := range contentIDs {
		result[id] = tx.s.st.isMember(tx.base.RepositoryID, id, tx.base.Number)
	}
	return result, nil
}

func (tx *versionTx) CreateArtifact(_ context.Context, artifact *content.Artifact) error {
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
	staged := *artifact
	tx.artifacts[staged.ID] = &staged
	if staged.Kind == content.ArtifactLocal {
		if _, exists := tx.localByDigest[staged.Digest]; !exists {
			tx.localByDigest[staged.Digest] = staged.ID
		}
	}
	return nil
}

func (tx *versionTx) CreateContent(
	_ context.Context, unit *content.Unit, artifacts []content.ContentArtifact,
) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if id, ok := tx.unitsByKey[unit.Key]; ok {
		unit.ID = id
		return nil
	}
	if id, ok := tx.s.st.unitsByKey[unit.Key]; ok {
		unit.ID = id
		return nil
	}

	for _, ca := range artifacts {
		if tx.artifact(ca.ArtifactID) == nil {
			return fmt.Errorf("artifact %s for %s: %w", ca.ArtifactID, ca.RelativePath, store.ErrNotFound)
		}
	}

	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	if unit.Created.IsZero() {
		unit.Created = tx.s.timestamp()
	}
	staged := *unit
	staged.Tags = slices.Clone(unit.Tags)
	tx.units[staged.ID] = &staged
	tx.unitsByKey[staged.Key] = staged.ID

	for _, ca := range artifacts {
		record := ca
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		record.ContentID = staged.ID
		tx.contentArtifacts[record.ID] = &record
		tx.casByContent[staged.ID] = append(tx.casByContent[staged.ID], record.ID)
	}
	return nil
}

func (tx *versionTx) RepointContentArtifact(_ context.Context, contentArtifactID, artifactID uuid.UUID) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if tx.artifact(artifactID) == nil {
		return fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
	}
	if ca, ok := tx.contentArtifacts[contentArtifactID]; ok {
		ca.ArtifactID = artifactID
		return nil
	}
	if _, ok := tx.s.st.contentArtifacts[contentArtifactID]; !ok {
		return fmt.Errorf("content artifact %s: %w", contentArtifactID, store.ErrNotFound)
	}
	tx.repoints[contentArtifactID] = artifactID
	return nil
}

func (tx *versionTx) AddContent(_ context.Context, contentIDs ...uuid.UUID) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	for _, id := range contentIDs {
		if tx.unit(id) == nil {
			return fmt.Errorf("content %s: %w", id, store.ErrNotFound)
		}
	}
	for _, id := range contentIDs {
		if _, ok := tx.removed[id]; ok {
			delete(tx.removed, id)
			continue
		}
		if tx.s.st.isMember(tx.base.RepositoryID, id, tx.base.Number) {
			continue
		}
		tx.added[id] = struct{}{}
	}
	return nil
}

func (tx *versionTx) RemoveContent(_ context.Context, contentIDs ...uuid.UUID) error {
	unlock, err := tx.lock()
	if err != nil {
		return err
	}
	defer unlock()

	for _, id := range contentIDs {
		if _, ok := tx.added[id]; ok {
			delete(tx.added, id)
			continue
		}
		if tx.s.st.isMember(tx.base.RepositoryID, id, tx.base.Number) {
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

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	latest := s.st.latest(tx.base.RepositoryID)
	if latest == nil || latest.Number != tx.base.Number {
		return nil, false, fmt.Errorf("version %d of repository %s: %w",
			tx.base.Number, tx.base.RepositoryID, store.ErrConcurrentVersion)
	}

	// A unit with the same natural key may have been committed by a version
	// of another repository since this transaction staged it.
	remap := make(map[uuid.UUID]uuid.UUID)
	for id, u := range tx.units {
		if existing, ok := s.st.unitsByKey[u.Key]; ok {
			remap[id] = existing
			continue
		}
		s.st.putUnit(u)
	}
	for _, a := range tx.artifacts {
		s.st.putArtifact(a)
	}
	for _, ca := range tx.contentArtifacts {
		if _, dropped := remap[ca.ContentID]; dropped {
			continue
		}
		s.st.putContentArtifact(ca)
	}
	for caID, artifactID := range tx.repoints {
		if ca, ok := s.st.contentArtifacts[caID]; ok {
			repointed := *ca
			repointed.ArtifactID = artifactID
			s.st.contentArtifacts[caID] = &repointed
		}
	}

	if len(tx.added) == 0 && len(tx.removed) == 0 {
		if err := s.persist(); err != nil {
			return nil, false, err
		}
		base := *latest
		return &base, false, nil
	}

	number := latest.Number + 1
	byContent, ok := s.st.membership[tx.base.RepositoryID]
	if !ok {
		byContent = make(map[uuid.UUID][]span)
		s.st.membership[tx.base.RepositoryID] = byContent
	}
	for id := range tx.added {
		if existing, ok := remap[id]; ok {
			id = existing
		}
		byContent[id] = append(byContent[id], span{Added: number})
	}
	for id := range tx.removed {
		spans := byContent[id]
		for i := range spans {
			if spans[i].Removed == 0 {
				spans[i].Removed = number
			}
		}
	}

	version := &store.RepositoryVersion{
		ID:           uuid.New(),
		RepositoryID: tx.base.RepositoryID,
		Number:       number,
		Created:      s.timestamp(),
		Added:        len(tx.added),
		Removed:      len(tx.removed),
	}
	s.st.versions[tx.base.RepositoryID] = append(s.st.versions[tx.base.RepositoryID], version)
	if err := s.persist(); err != nil {
		return nil, false, err
	}

	slog.Debug("Committed repository version",
		"repository_id", version.RepositoryID,
		"version", version.Number,
		"added", version.Added,
		"removed", version.Removed)
	result := *version
	return &result, true, nil
}

func (tx *versionTx) Rollback(_ context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	return nil
}

// BeginPublication implements store.Store
func (s *Store) BeginPublication(
	_ context.Context, version *store.RepositoryVersion, publisherID uuid.UUID,
) (store.PublicationTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	v := s.version(version.RepositoryID, version.Number)
	if v == nil {
		return nil, fmt.Errorf("version %d of repository %s: %w", version.Number, version.RepositoryID, store.ErrNotFound)
	}
	if _, ok := s.st.publishers[publisherID]; !ok {
		return nil, fmt.Errorf("publisher %s: %w", publisherID, store.ErrNotFound)
	}

	return &publicationTx{
		s: s,
		pub: store.Publication{
			ID:                  uuid.New(),
			RepositoryID:        v.RepositoryID,
			RepositoryVersionID: v.ID,
			VersionNumber:       v.Number,
			PublisherID:         publisherID,
		},
		artifacts: make(map[string]uuid.UUID),
		metadata:  make(map[string]*content.Artifact),
	}, nil
}

type publicationTx struct {
	s   *Store
	pub store.Publication

	mu        sync.Mutex
	done      bool
	artifacts map[string]uuid.UUID
	metadata  map[string]*content.Artifact
}

func (tx *publicationTx) Publication() *store.Publication {
	pub := tx.pub
	return &pub
}

func (tx *publicationTx) pathTaken(path string) bool {
	_, isArtifact := tx.artifacts[path]
	_, isMetadata := tx.metadata[path]
	return isArtifact || isMetadata
}

func (tx *publicationTx) AddPublishedArtifacts(_ context.Context, artifacts ...store.PublishedArtifact) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, pa := range artifacts {
		if tx.pathTaken(pa.RelativePath) {
			return fmt.Errorf("path %q is already published", pa.RelativePath)
		}
		if _, ok := tx.s.st.contentArtifacts[pa.ContentArtifactID]; !ok {
			return fmt.Errorf("content artifact %s: %w", pa.ContentArtifactID, store.ErrNotFound)
		}
		tx.artifacts[pa.RelativePath] = pa.ContentArtifactID
	}
	return nil
}

func (tx *publicationTx) AddPublishedMetadata(_ context.Context, relativePath string, artifact *content.Artifact) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	if artifact.Kind != content.ArtifactLocal {
		return fmt.Errorf("metadata %q must be stored as a local artifact", relativePath)
	}
	if tx.pathTaken(relativePath) {
		return fmt.Errorf("path %q is already published", relativePath)
	}
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if artifact.Created.IsZero() {
		artifact.Created = tx.s.timestamp()
	}
	staged := *artifact
	tx.metadata[relativePath] = &staged
	return nil
}

func (tx *publicationTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true

	if err := ctx.Err(); err != nil {
		return err
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.version(tx.pub.RepositoryID, tx.pub.VersionNumber) == nil {
		return fmt.Errorf("version %d of repository %s: %w", tx.pub.VersionNumber, tx.pub.RepositoryID, store.ErrNotFound)
	}

	pub := tx.pub
	pub.Created = s.timestamp()
	s.st.publications[pub.ID] = &pub
	s.st.publishedArtifacts[pub.ID] = tx.artifacts
	metadata := make(map[string]uuid.UUID, len(tx.metadata))
	for path, a := range tx.metadata {
		s.st.putArtifact(a)
		metadata[path] = a.ID
	}
	s.st.publishedMetadata[pub.ID] = metadata
	tx.pub = pub
	return s.persist()
}

func (tx *publicationTx) Rollback(_ context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	return nil
}
