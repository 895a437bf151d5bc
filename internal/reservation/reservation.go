// Package reservation serializes jobs that touch the same resource.
//
// Every job acquires a token for the repository it works on before it starts
// and releases it when it finishes, however it finishes. Three backends are
// provided: Local for a single process, FileLock for several processes that
// share a lock directory, and Postgres for processes sharing a database.
package reservation

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrReleased is returned when releasing a token twice
var ErrReleased = errors.New("reservation already released")

// Token is a held reservation
type Token interface {
	// Release gives up the reservation. Releasing twice returns ErrReleased.
	Release() error
}

// Reserver grants exclusive tokens per resource name
type Reserver interface {
	// Acquire blocks until the resource is free or ctx is done
	Acquire(ctx context.Context, resource string) (Token, error)
}

// releaseOnce wraps a release function so only the first call runs it
type releaseOnce struct {
	release  func() error
	released atomic.Bool
}

func newReleaseOnce(release func() error) *releaseOnce {
	return &releaseOnce{release: release}
}

func (r *releaseOnce) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	return r.release()
}
