package workdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWith(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fn      func(dir string) error
		wantErr error
		panics  bool
	}{
		{
			name: "success",
			fn: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, "PULP_MANIFEST"), []byte("x"), 0600)
			},
		},
		{
			name:    "failure",
			fn:      func(string) error { return errBoom },
			wantErr: errBoom,
		},
		{
			name:   "panic",
			fn:     func(string) error { panic("boom") },
			panics: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			base := t.TempDir()

			var seen string
			run := func() error {
				return With(context.Background(), base, "publish", func(dir string) error {
					seen = dir
					assert.DirExists(t, dir)
					return tt.fn(dir)
				})
			}

			if tt.panics {
				assert.Panics(t, func() { _ = run() })
			} else {
				err := run()
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				} else {
					assert.NoError(t, err)
				}
			}

			require.NotEmpty(t, seen)
			assert.NoDirExists(t, seen)
			entries, err := os.ReadDir(base)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestWithCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := With(ctx, t.TempDir(), "sync", func(string) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

var errBoom = errors.New("boom")
