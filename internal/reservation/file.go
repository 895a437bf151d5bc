package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/nupkg-mirror/internal/content"
)

const fileLockRetryDelay = 250 * time.Millisecond

// FileLock grants reservations with advisory file locks in a shared
// directory. Waiters within the process queue on a Local reserver first so
// only one goroutine polls the lock file.
type FileLock struct {
	dir   string
	local *Local
}

var _ Reserver = (*FileLock)(nil)

// NewFileLock creates a reserver that keeps its lock files in dir
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	return &FileLock{dir: dir, local: NewLocal()}, nil
}

// lockPath maps a resource to a file name that is safe for any resource string
func (f *FileLock) lockPath(resource string) string {
	return filepath.Join(f.dir, content.DigestOf([]byte(resource)).Short()+".lock")
}

// Acquire implements Reserver
func (f *FileLock) Acquire(ctx context.Context, resource string) (Token, error) {
	localToken, err := f.local.Acquire(ctx, resource)
	if err != nil {
		return nil, err
	}

	lock := flock.New(f.lockPath(resource))
	locked, err := lock.TryLockContext(ctx, fileLockRetryDelay)
	if err != nil || !locked {
		_ = localToken.Release()
		if err == nil {
			err = fmt.Errorf("lock %s was not acquired", lock.Path())
		}
		return nil, fmt.Errorf("failed to reserve %s: %w", resource, err)
	}
	slog.Debug("Acquired file reservation", "resource", resource, "path", lock.Path())

	return newReleaseOnce(func() error {
		defer func() { _ = localToken.Release() }()
		if err := lock.Unlock(); err != nil {
			return fmt.Errorf("failed to release %s: %w", resource, err)
		}
		return nil
	}), nil
}
