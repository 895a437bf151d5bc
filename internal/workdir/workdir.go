// Package workdir provides per-job scratch directories that are always
// removed when the job ends.
package workdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// With creates a fresh directory below base (the system temp directory when
// base is empty), runs fn in it and removes it afterwards, including when fn
// fails or panics. A context that is already done is reported without
// calling fn.
func With(ctx context.Context, base, prefix string, fn func(dir string) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if base != "" {
		if err := os.MkdirAll(base, 0750); err != nil {
			return fmt.Errorf("failed to create working directory base: %w", err)
		}
	}

	dir, err := os.MkdirTemp(base, prefix+"-*")
	if err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			slog.Warn("Failed to remove working directory", "dir", dir, "error", removeErr)
			err = errors.Join(err, fmt.Errorf("failed to remove working directory: %w", removeErr))
		}
	}()

	return fn(dir)
}
