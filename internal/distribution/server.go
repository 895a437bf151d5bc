// Package distribution serves published repository content over HTTP.
//
// Files are resolved through a publication: the latest publication of a
// repository under /pulp/content/{repository}/, or a specific one under
// /publications/{id}/. Local artifacts are streamed from the artifact store.
// Remote artifacts of on_demand importers are downloaded, verified, stored and
// promoted on first read; those of streamed importers are proxied from their
// source on every read and never stored.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/nupkg-mirror/internal/changeset"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/feed"
	"github.com/stacklok/nupkg-mirror/internal/httpclient"
	"github.com/stacklok/nupkg-mirror/internal/store"
	"github.com/stacklok/nupkg-mirror/internal/telemetry"
)

// ErrUnservable is returned when a published file has no bytes that can be served
var ErrUnservable = errors.New("published file cannot be served")

// unknownFeedURL stands in for the index URL of remote artifacts whose
// importer is gone, so only http(s) locations are fetched for them
const unknownFeedURL = "https:"

// Blobs is the local artifact storage the server reads from and promotes into
type Blobs interface {
	changeset.BlobStore
	Open(location string) (io.ReadCloser, error)
}

// ServerOption configures the distribution server
type ServerOption func(*Server)

// WithMiddlewares adds middleware to the router
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mw...)
	}
}

// WithDistributionMetrics records served artifacts
func WithDistributionMetrics(m *telemetry.DistributionMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server resolves and serves published files
type Server struct {
	store       store.Store
	blobs       Blobs
	client      httpclient.Client
	metrics     *telemetry.DistributionMetrics
	middlewares []func(http.Handler) http.Handler

	// promotions collapses concurrent first reads of the same content artifact
	promotions singleflight.Group
}

// NewServer creates a distribution server
func NewServer(s store.Store, blobs Blobs, client httpclient.Client, opts ...ServerOption) *Server {
	srv := &Server{
		store:  s,
		blobs:  blobs,
		client: client,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Router returns the HTTP handler of the server
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	for _, mw := range s.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler)
	r.Get("/pulp/content/{repository}/*", s.serveRepository)
	r.Get("/publications/{id}/*", s.servePublication)
	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

func (s *Server) serveRepository(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "repository")

	repo, err := s.store.GetRepositoryByName(ctx, name)
	if err != nil {
		s.writeLookupError(w, fmt.Sprintf("repository %q", name), err)
		return
	}
	pub, err := s.store.LatestPublication(ctx, repo.ID)
	if err != nil {
		s.writeLookupError(w, fmt.Sprintf("publication of repository %q", name), err)
		return
	}
	s.serveFile(w, r, repo.Name, pub, chi.URLParam(r, "*"))
}

func (s *Server) servePublication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "invalid publication id", http.StatusBadRequest)
		return
	}
	pub, err := s.store.GetPublication(ctx, id)
	if err != nil {
		s.writeLookupError(w, fmt.Sprintf("publication %s", id), err)
		return
	}
	repoName := pub.RepositoryID.String()
	if repo, err := s.store.GetRepository(ctx, pub.RepositoryID); err == nil {
		repoName = repo.Name
	}
	s.serveFile(w, r, repoName, pub, chi.URLParam(r, "*"))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, repoName string, pub *store.Publication, path string) {
	ctx := r.Context()
	if path == "" {
		writeError(w, "no file requested", http.StatusNotFound)
		return
	}

	file, err := s.store.GetPublishedFile(ctx, pub.ID, path)
	if err != nil {
		s.writeLookupError(w, fmt.Sprintf("file %q", path), err)
		return
	}
	if file.Artifact == nil {
		slog.Error("Published file points at a missing artifact",
			"repository", repoName,
			"publication", pub.ID,
			"path", path)
		writeError(w, ErrUnservable.Error(), http.StatusNotFound)
		return
	}

	artifact := file.Artifact
	source := telemetry.SourceLocal
	if artifact.Kind == content.ArtifactRemote {
		artifact, source, err = s.resolveRemote(ctx, file)
		if err != nil {
			s.writeFetchError(w, repoName, path, err)
			return
		}
		if source == telemetry.SourceStreamed {
			s.stream(w, r, repoName, path, file.Artifact)
			return
		}
	}

	rc, err := s.blobs.Open(artifact.Location)
	if err != nil {
		slog.Error("Failed to open artifact",
			"repository", repoName,
			"path", path,
			"location", artifact.Location,
			"error", err)
		writeError(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = rc.Close()
	}()

	setHeaders(w, path, artifact)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		slog.Warn("Failed to write artifact", "repository", repoName, "path", path, "error", err)
		return
	}
	s.metrics.RecordServed(ctx, repoName, source, n)
}

// resolveRemote decides how a remote artifact is served from its importer's
// download policy. For on_demand importers it returns the promoted local artifact.
func (s *Server) resolveRemote(ctx context.Context, file *store.PublishedFile) (*content.Artifact, string, error) {
	remote := file.Artifact
	policy := changeset.PolicyOnDemand
	feedURL := unknownFeedURL
	if remote.ImporterID != uuid.Nil {
		imp, err := s.store.GetImporter(ctx, remote.ImporterID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
		if imp != nil {
			if p, err := changeset.ParsePolicy(imp.DownloadPolicy); err == nil {
				policy = p
			}
			feedURL = imp.FeedURL
		}
	}
	if err := feed.CheckPackageURL(feedURL, remote.Location); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnservable, err)
	}
	if policy == changeset.PolicyStreamed {
		return remote, telemetry.SourceStreamed, nil
	}

	// The download must outlive the request that started it, since other
	// readers may be waiting on the same promotion
	v, err, _ := s.promotions.Do(file.ContentArtifactID.String(), func() (any, error) {
		return s.promote(context.WithoutCancel(ctx), file.ContentArtifactID, remote)
	})
	if err != nil {
		return nil, "", err
	}
	return v.(*content.Artifact), telemetry.SourcePromoted, nil
}

func (s *Server) promote(ctx context.Context, contentArtifactID uuid.UUID, remote *content.Artifact) (*content.Artifact, error) {
	// Another reader may have promoted it already
	if ca, err := s.store.GetContentArtifact(ctx, contentArtifactID); err == nil {
		if a, err := s.store.GetArtifact(ctx, ca.ArtifactID); err == nil && a.Kind == content.ArtifactLocal {
			return a, nil
		}
	}

	local, err := changeset.Download(ctx, s.client, s.blobs, remote.Location, remote.Digest, remote.Size)
	if err != nil {
		return nil, err
	}
	local.ImporterID = remote.ImporterID
	if err := s.store.PromoteArtifact(ctx, contentArtifactID, local); err != nil {
		return nil, fmt.Errorf("failed to promote artifact %s: %w", remote.Digest.Short(), err)
	}
	slog.Info("Promoted on-demand artifact",
		"content_artifact", contentArtifactID,
		"digest", remote.Digest.Short(),
		"size", local.Size)
	return local, nil
}

// stream proxies a remote artifact without storing it. Headers are sent
// before the bytes are verified, so a mismatch can only be logged.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, repoName, path string, remote *content.Artifact) {
	ctx := r.Context()
	if r.Method == http.MethodHead {
		setHeaders(w, path, remote)
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := s.client.Open(ctx, remote.Location)
	if err != nil {
		s.writeFetchError(w, repoName, path, fmt.Errorf("%w: %s: %w", changeset.ErrArtifactUnavailable, remote.Location, err))
		return
	}
	defer func() {
		_ = body.Close()
	}()

	setHeaders(w, path, remote)
	w.WriteHeader(http.StatusOK)

	verifier := content.NewVerifier(remote.Digest, remote.Size)
	n, err := io.Copy(w, io.TeeReader(body, verifier))
	if err != nil {
		slog.Warn("Failed to stream artifact", "repository", repoName, "path", path, "error", err)
		return
	}
	if err := verifier.Verify(); err != nil {
		slog.Error("Streamed artifact failed verification",
			"repository", repoName,
			"path", path,
			"url", remote.Location,
			"error", err)
		return
	}
	s.metrics.RecordServed(ctx, repoName, telemetry.SourceStreamed, n)
}

func setHeaders(w http.ResponseWriter, path string, artifact *content.Artifact) {
	contentType := "application/octet-stream"
	if !isPackage(path) {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", strconv.Quote(artifact.Digest.String()))
	if artifact.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	}
}

func isPackage(path string) bool {
	return strings.HasSuffix(path, ".nupkg")
}

func (*Server) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	slog.Error("Lookup failed", "what", what, "error", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func (*Server) writeFetchError(w http.ResponseWriter, repoName, path string, err error) {
	slog.Error("Failed to fetch remote artifact",
		"repository", repoName,
		"path", path,
		"error", err)
	switch {
	case errors.Is(err, ErrUnservable):
		writeError(w, ErrUnservable.Error(), http.StatusNotFound)
	case errors.Is(err, changeset.ErrArtifactUnavailable), errors.Is(err, content.ErrDigestMismatch):
		writeError(w, "upstream artifact unavailable", http.StatusBadGateway)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}
