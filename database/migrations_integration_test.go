//go:build integration

package database

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	t.Parallel()

	pool := SetupTestDB(t)

	m, err := NewFromConnectionString(pool.Config().ConnString())
	require.NoError(t, err)
	defer func() { _, _ = m.Close() }()

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)

	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	assert.Equal(t, uint(len(ups)), version)

	// Every migration can be reverted and reapplied
	require.NoError(t, m.Steps(-len(ups)))
	require.NoError(t, m.Steps(len(ups)))
}
