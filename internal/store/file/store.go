// Package file implements store.Store in memory, optionally persisted as a
// CBOR snapshot that is rewritten atomically on every commit.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// Store is a store.Store kept in memory. When path is set every committed
// change is written to a snapshot file before it becomes visible.
type Store struct {
	path string
	now  func() time.Time

	mu     sync.RWMutex
	st     *state
	closed bool
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

// Open loads the snapshot at path, or starts empty if it does not exist yet
func Open(path string, opts ...Option) (*Store, error) {
	st, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, st: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("Opened file store", "path", path, "repositories", len(st.repositories))
	return s, nil
}

// NewMemory returns a store that is never written to disk
func NewMemory(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// persist writes the snapshot. On failure the in-memory state is reverted to
// the last snapshot on disk so memory and disk never diverge. Callers hold mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	if err := writeSnapshot(s.path, s.st); err != nil {
		if st, loadErr := loadSnapshot(s.path); loadErr == nil {
			s.st = st
		} else {
			slog.Error("Failed to revert file store after write failure", "path", s.path, "error", loadErr)
		}
		return err
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("file store is closed")
	}
	return nil
}

// GetRepository implements store.Reader
func (s *Store) GetRepository(_ context.Context, id uuid.UUID) (*store.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.st.repositories[id]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
	}
	repo := *r
	return &repo, nil
}

// GetRepositoryByName implements store.Reader
func (s *Store) GetRepositoryByName(_ context.Context, name string) (*store.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.repositoryByName(name)
	if r == nil {
		return nil, fmt.Errorf("repository %q: %w", name, store.ErrNotFound)
	}
	repo := *r
	return &repo, nil
}

func (s *Store) repositoryByName(name string) *store.Repository {
	for _, r := range s.st.repositories {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// GetImporter implements store.Reader
func (s *Store) GetImporter(_ context.Context, id uuid.UUID) (*store.Importer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	imp, ok := s.st.importers[id]
	if !ok {
		return nil, fmt.Errorf("importer %s: %w", id, store.ErrNotFound)
	}
	result := *imp
	return &result, nil
}

// GetImporterByName implements store.Reader
func (s *Store) GetImporterByName(_ context.Context, name string) (*store.Importer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, imp := range s.st.importers {
		if imp.Name == name {
			result := *imp
			return &result, nil
		}
	}
	return nil, fmt.Errorf("importer %q: %w", name, store.ErrNotFound)
}

// GetPublisherByName implements store.Reader
func (s *Store) GetPublisherByName(_ context.Context, name string) (*store.Publisher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.st.publishers {
		if p.Name == name {
			result := *p
			return &result, nil
		}
	}
	return nil, fmt.Errorf("publisher %q: %w", name, store.ErrNotFound)
}

// LatestVersion implements store.Reader
func (s *Store) LatestVersion(_ context.Context, repositoryID uuid.UUID) (*store.RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.st.latest(repositoryID)
	if v == nil {
		return nil, fmt.Errorf("versions of repository %s: %w", repositoryID, store.ErrNotFound)
	}
	result := *v
	return &result, nil
}

// GetVersion implements store.Reader
func (s *Store) GetVersion(_ context.Context, repositoryID uuid.UUID, number int64) (*store.RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.version(repositoryID, number)
	if v == nil {
		return nil, fmt.Errorf("version %d of repository %s: %w", number, repositoryID, store.ErrNotFound)
	}
	result := *v
	return &result, nil
}

func (s *Store) version(repositoryID uuid.UUID, number int64) *store.RepositoryVersion {
	for _, v := range s.st.versions[repositoryID] {
		if v.Number == number {
			return v
		}
	}
	return nil
}

// ListVersions implements store.Reader
func (s *Store) ListVersions(_ context.Context, repositoryID uuid.UUID) ([]*store.RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.st.repositories[repositoryID]; !ok {
		return nil, fmt.Errorf("repository %s: %w", repositoryID, store.ErrNotFound)
	}
	versions := make([]*store.RepositoryVersion, 0, len(s.st.versions[repositoryID]))
	for _, v := range s.st.versions[repositoryID] {
		result := *v
		versions = append(versions, &result)
	}
	return versions, nil
}

// ListVersionContent implements store.Reader
func (s *Store) ListVersionContent(
	_ context.Context, version *store.RepositoryVersion, after content.NaturalKey, limit int,
) ([]*store.ResolvedContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.version(version.RepositoryID, version.Number) == nil {
		return nil, fmt.Errorf("version %d of repository %s: %w", version.Number, version.RepositoryID, store.ErrNotFound)
	}

	result := make([]*store.ResolvedContent, 0)
	for _, id := range s.st.members(version.RepositoryID, version.Number) {
		if s.st.units[id].Key.Compare(after) <= 0 {
			continue
		}
		result = append(result, s.st.resolve(id))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetArtifact implements store.Reader
func (s *Store) GetArtifact(_ context.Context, id uuid.UUID) (*content.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.st.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, store.ErrNotFound)
	}
	result := *a
	return &result, nil
}

// GetContentArtifact implements store.Reader
func (s *Store) GetContentArtifact(_ context.Context, id uuid.UUID) (*content.ContentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ca, ok := s.st.contentArtifacts[id]
	if !ok {
		return nil, fmt.Errorf("content artifact %s: %w", id, store.ErrNotFound)
	}
	result := *ca
	return &result, nil
}

// GetPublication implements store.Reader
func (s *Store) GetPublication(_ context.Context, id uuid.UUID) (*store.Publication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.publications[id]
	if !ok {
		return nil, fmt.Errorf("publication %s: %w", id, store.ErrNotFound)
	}
	result := *p
	return &result, nil
}

// LatestPublication implements store.Reader
func (s *Store) LatestPublication(_ context.Context, repositoryID uuid.UUID) (*store.Publication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *store.Publication
	for _, p := range s.st.publications {
		if p.RepositoryID != repositoryID {
			continue
		}
		if latest == nil || p.Created.After(latest.Created) ||
			(p.Created.Equal(latest.Created) && p.VersionNumber > latest.VersionNumber) {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("publications of repository %s: %w", repositoryID, store.ErrNotFound)
	}
	result := *latest
	return &result, nil
}

// ListPublishedArtifacts implements store.Reader
func (s *Store) ListPublishedArtifacts(
	_ context.Context, publicationID uuid.UUID, afterPath string, limit int,
) ([]store.PublishedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.st.publications[publicationID]; !ok {
		return nil, fmt.Errorf("publication %s: %w", publicationID, store.ErrNotFound)
	}

	paths := make([]string, 0, len(s.st.publishedArtifacts[publicationID]))
	for path := range s.st.publishedArtifacts[publicationID] {
		if path > afterPath {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	result := make([]store.PublishedArtifact, 0, len(paths))
	for _, path := range paths {
		result = append(result, store.PublishedArtifact{
			PublicationID:     publicationID,
			RelativePath:      path,
			ContentArtifactID: s.st.publishedArtifacts[publicationID][path],
		})
	}
	return result, nil
}

// GetPublishedFile implements store.Reader
func (s *Store) GetPublishedFile(
	_ context.Context, publicationID uuid.UUID, relativePath string,
) (*store.PublishedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file := &store.PublishedFile{PublicationID: publicationID, RelativePath: relativePath}
	if artifactID, ok := s.st.publishedMetadata[publicationID][relativePath]; ok {
		if a, ok := s.st.artifacts[artifactID]; ok {
			artifact := *a
			file.Artifact = &artifact
		}
		return file, nil
	}

	caID, ok := s.st.publishedArtifacts[publicationID][relativePath]
	if !ok {
		return nil, fmt.Errorf("%s in publication %s: %w", relativePath, publicationID, store.ErrNotFound)
	}
	file.ContentArtifactID = caID
	if ca, ok := s.st.contentArtifacts[caID]; ok {
		if a, ok := s.st.artifacts[ca.ArtifactID]; ok {
			artifact := *a
			file.Artifact = &artifact
		}
	}
	return file, nil
}

// EnsureRepository implements store.Store
func (s *Store) EnsureRepository(_ context.Context, name string) (*store.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if r := s.repositoryByName(name); r != nil {
		repo := *r
		return &repo, nil
	}

	now := s.timestamp()
	repo := &store.Repository{ID: uuid.New(), Name: name, Created: now}
	s.st.repositories[repo.ID] = repo
	s.st.versions[repo.ID] = []*store.RepositoryVersion{{
		ID:           uuid.New(),
		RepositoryID: repo.ID,
		Number:       0,
		Created:      now,
	}}
	if err := s.persist(); err != nil {
		return nil, err
	}

	slog.Info("Created repository", "repository", name, "id", repo.ID)
	result := *repo
	return &result, nil
}

// EnsureImporter implements store.Store
func (s *Store) EnsureImporter(_ context.Context, importer *store.Importer) (*store.Importer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.st.repositories[importer.RepositoryID]; !ok {
		return nil, fmt.Errorf("repository %s: %w", importer.RepositoryID, store.ErrNotFound)
	}

	record := *importer
	record.ID = uuid.New()
	for _, existing := range s.st.importers {
		if existing.Name == importer.Name {
			record.ID = existing.ID
			break
		}
	}
	s.st.importers[record.ID] = &record
	if err := s.persist(); err != nil {
		return nil, err
	}
	result := record
	return &result, nil
}

// EnsurePublisher implements store.Store
func (s *Store) EnsurePublisher(_ context.Context, publisher *store.Publisher) (*store.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.st.repositories[publisher.RepositoryID]; !ok {
		return nil, fmt.Errorf("repository %s: %w", publisher.RepositoryID, store.ErrNotFound)
	}

	record := *publisher
	record.ID = uuid.New()
	for _, existing := range s.st.publishers {
		if existing.Name == publisher.Name {
			record.ID = existing.ID
			break
		}
	}
	s.st.publishers[record.ID] = &record
	if err := s.persist(); err != nil {
		return nil, err
	}
	result := record
	return &result, nil
}

// PromoteArtifact implements store.Store. When a local artifact with the same
// digest already exists the content artifact is repointed at it instead.
func (s *Store) PromoteArtifact(_ context.Context, contentArtifactID uuid.UUID, local *content.Artifact) error {
	if local.Kind != content.ArtifactLocal {
		return fmt.Errorf("cannot promote to a %s artifact", local.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	ca, ok := s.st.contentArtifacts[contentArtifactID]
	if !ok {
		return fmt.Errorf("content artifact %s: %w", contentArtifactID, store.ErrNotFound)
	}

	targetID, exists := s.st.localByDigest[local.Digest]
	if !exists {
		if local.ID == uuid.Nil {
			local.ID = uuid.New()
		}
		if local.Created.IsZero() {
			local.Created = s.timestamp()
		}
		artifact := *local
		s.st.putArtifact(&artifact)
		targetID = artifact.ID
	} else {
		*local = *s.st.artifacts[targetID]
	}

	updated := *ca
	updated.ArtifactID = targetID
	s.st.contentArtifacts[ca.ID] = &updated
	return s.persist()
}

// DeleteVersion implements store.Store
func (s *Store) DeleteVersion(_ context.Context, repositoryID uuid.UUID, number int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	v := s.version(repositoryID, number)
	if v == nil {
		return fmt.Errorf("version %d of repository %s: %w", number, repositoryID, store.ErrNotFound)
	}
	if latest := s.st.latest(repositoryID); latest.Number == number {
		return fmt.Errorf("version %d is the latest version: %w", number, store.ErrVersionInUse)
	}
	for _, p := range s.st.publications {
		if p.RepositoryVersionID == v.ID {
			return fmt.Errorf("version %d is published by %s: %w", number, p.ID, store.ErrVersionInUse)
		}
	}

	s.st.versions[repositoryID] = slices.DeleteFunc(s.st.versions[repositoryID], func(rv *store.RepositoryVersion) bool {
		return rv.Number == number
	})
	return s.persist()
}

// Close implements store.Store. The snapshot is already current, so Close only
// rejects further writes.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
