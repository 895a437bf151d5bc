package changeset

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/httpclient"
)

// ErrArtifactUnavailable is returned when the bytes of an artifact cannot be
// fetched from its source URL
var ErrArtifactUnavailable = errors.New("artifact unavailable")

// BlobStore stores verified artifact bytes
type BlobStore interface {
	// Put stores r if it matches expected and returns its location and size
	Put(ctx context.Context, r io.Reader, expected content.Digest, size int64) (string, int64, error)
}

// Download fetches url into blobs, verifying the bytes against digest and
// size (a negative size is not checked). The returned local artifact has no
// id yet. Transport failures wrap ErrArtifactUnavailable and verification
// failures wrap content.ErrDigestMismatch.
func Download(
	ctx context.Context, client httpclient.Client, blobs BlobStore, url string, digest content.Digest, size int64,
) (*content.Artifact, error) {
	body, err := client.Open(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactUnavailable, url, err)
	}
	defer func() {
		_ = body.Close()
	}()

	location, written, err := blobs.Put(ctx, &sourceReader{r: body}, digest, size)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("artifact %s from %s: %w", digest.Short(), url, err)
	}

	return &content.Artifact{
		Kind:     content.ArtifactLocal,
		Digest:   digest,
		Size:     written,
		Location: location,
	}, nil
}

// sourceReader marks read errors as transport failures so they can be told
// apart from local write failures
type sourceReader struct {
	r io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	return n, err
}
