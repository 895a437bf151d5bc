package jobs

import (
	"context"
	"errors"

	"github.com/stacklok/nupkg-mirror/internal/changeset"
	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/feed"
	"github.com/stacklok/nupkg-mirror/internal/manifest"
	"github.com/stacklok/nupkg-mirror/internal/publish"
	pkgsync "github.com/stacklok/nupkg-mirror/internal/sync"
)

// Kind classifies why a job failed
type Kind string

const (
	// KindNone is reported for jobs that did not fail
	KindNone Kind = ""
	// KindFeedUnreachable means the remote index could not be fetched
	KindFeedUnreachable Kind = "FeedUnreachable"
	// KindFeedMalformed means the remote index violates the expected structure
	KindFeedMalformed Kind = "FeedMalformed"
	// KindDigestMismatch means fetched bytes did not match their declared
	// digest or could not be fetched at all
	KindDigestMismatch Kind = "DigestMismatch"
	// KindMalformedManifest means a manifest could not be decoded or encoded
	KindMalformedManifest Kind = "MalformedManifest"
	// KindUnresolvedArtifact means a published path has no byte source
	KindUnresolvedArtifact Kind = "UnresolvedArtifact"
	// KindConfiguration means the job could not start as configured
	KindConfiguration Kind = "ConfigurationError"
	// KindCanceled means the job was canceled before it finished
	KindCanceled Kind = "Canceled"
	// KindInternal covers every other failure
	KindInternal Kind = "Internal"
)

// ErrorKind maps err to its Kind. Cancellation wins over any error it caused.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, pkgsync.ErrConfiguration),
		errors.Is(err, publish.ErrConfiguration),
		errors.Is(err, config.ErrInvalidConfig):
		return KindConfiguration
	case errors.Is(err, feed.ErrFeedUnreachable):
		return KindFeedUnreachable
	case errors.Is(err, feed.ErrFeedMalformed):
		return KindFeedMalformed
	case errors.Is(err, content.ErrDigestMismatch), errors.Is(err, changeset.ErrArtifactUnavailable):
		return KindDigestMismatch
	case errors.Is(err, manifest.ErrMalformedManifest), errors.Is(err, manifest.ErrUnencodableEntry):
		return KindMalformedManifest
	case errors.Is(err, publish.ErrUnresolvedArtifact), errors.Is(err, publish.ErrDuplicatePath):
		return KindUnresolvedArtifact
	default:
		return KindInternal
	}
}
