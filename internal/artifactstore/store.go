// Package artifactstore is a local content-addressed blob store for artifact
// bytes. Blobs are sharded by digest prefix (ab/cd/<digest>) under a root
// directory and only become visible after their digest has been verified.
package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stacklok/nupkg-mirror/internal/content"
)

// ErrInvalidLocation is returned for locations that were not produced by a Store
var ErrInvalidLocation = errors.New("invalid artifact location")

// staleTempAge is how old a leftover temporary file must be before New
// removes it
const staleTempAge = 24 * time.Hour

// Store writes and reads verified blobs below a root directory
type Store struct {
	root        string
	tmpDir      string
	compression Compression
}

// Option configures a Store
type Option func(*Store)

// WithCompression sets the compression used for new blobs
func WithCompression(c Compression) Option {
	return func(s *Store) {
		s.compression = c
	}
}

// New creates the root directory if needed and returns a Store
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact store root is required")
	}
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}
	removeStale(tmpDir, time.Now().Add(-staleTempAge))

	s := &Store{root: root, tmpDir: tmpDir, compression: CompressionNone}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// removeStale deletes temporary files and job directories left behind by a
// process that died before cleaning up. Entries newer than cutoff may belong
// to another live process and are kept.
func removeStale(tmpDir string, cutoff time.Time) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		slog.Warn("Failed to list artifact store temporary directory", "dir", tmpDir, "error", err)
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(tmpDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove stale temporary artifact", "path", path, "error", err)
			continue
		}
		slog.Debug("Removed stale temporary artifact", "path", path)
	}
}

// TempDir returns the directory temporary writes go to. Job working
// directories for downloads belong below it so blobs can be renamed into
// place.
func (s *Store) TempDir() string {
	return s.tmpDir
}

// Staged returns a view of the store whose temporary files are written to
// dir. dir must be on the same filesystem as the root, normally below TempDir.
func (s *Store) Staged(dir string) *Store {
	staged := *s
	staged.tmpDir = dir
	return &staged
}

// Root returns the root directory
func (s *Store) Root() string {
	return s.root
}

// LocationFor returns the location a blob with digest d is stored at using
// the current compression setting
func (s *Store) LocationFor(d content.Digest) string {
	name := d.String()
	return name[0:2] + "/" + name[2:4] + "/" + name + s.compression.suffix()
}

// Put streams r into the store, verifying it against the expected digest and
// size (a negative size skips the size check). On mismatch nothing is left
// behind and the error wraps content.ErrDigestMismatch. It returns the
// location and the number of uncompressed bytes written.
func (s *Store) Put(ctx context.Context, r io.Reader, expected content.Digest, size int64) (string, int64, error) {
	if _, err := content.ParseDigest(expected.String()); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(s.tmpDir, "put-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	compressor, err := s.compression.compressor(tmp)
	if err != nil {
		return "", 0, err
	}
	verifier := content.NewVerifier(expected, size)
	if _, err := io.Copy(io.MultiWriter(compressor, verifier), &contextReader{ctx: ctx, r: r}); err != nil {
		return "", 0, fmt.Errorf("failed to write artifact %s: %w", expected.Short(), err)
	}
	if err := compressor.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to flush artifact %s: %w", expected.Short(), err)
	}
	if err := verifier.Verify(); err != nil {
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync artifact %s: %w", expected.Short(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close artifact %s: %w", expected.Short(), err)
	}

	location := s.LocationFor(expected)
	target := filepath.Join(s.root, filepath.FromSlash(location))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return "", 0, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if _, err := os.Stat(target); err == nil {
		committed = true
		_ = os.Remove(tmpPath)
		return location, verifier.Written(), nil
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", 0, fmt.Errorf("failed to store artifact %s: %w", expected.Short(), err)
	}
	committed = true

	slog.Debug("Stored artifact", "digest", expected.Short(), "size", verifier.Written(), "location", location)
	return location, verifier.Written(), nil
}

// Open returns the uncompressed bytes stored at location
func (s *Store) Open(location string) (io.ReadCloser, error) {
	path, err := s.path(location)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is validated to be a digest-derived name under root
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", location, err)
	}
	if strings.HasSuffix(location, zstdSuffix) {
		return newZstdReadCloser(f)
	}
	return f, nil
}

// Exists reports whether a blob is present at location
func (s *Store) Exists(location string) (bool, error) {
	path, err := s.path(location)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// path validates location and maps it to a file below root
func (s *Store) path(location string) (string, error) {
	name := strings.TrimSuffix(location, zstdSuffix)
	parts := strings.Split(name, "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	d, err := content.ParseDigest(parts[2])
	if err != nil || d.String() != parts[2] || parts[0] != parts[2][0:2] || parts[1] != parts[2][2:4] {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return filepath.Join(s.root, filepath.FromSlash(location)), nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
