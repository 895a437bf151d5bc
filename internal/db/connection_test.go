package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/config"
)

func passwordFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0600))
	return path
}

func TestPoolConfig(t *testing.T) {
	t.Parallel()

	valid := func(t *testing.T) *config.DatabaseConfig {
		return &config.DatabaseConfig{
			Host:         "db.example.com",
			Port:         5432,
			User:         "mirror",
			PasswordFile: passwordFile(t),
			Database:     "nupkg",
			SSLMode:      "disable",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*config.DatabaseConfig)
		wantErr string
		check   func(*testing.T, *config.DatabaseConfig)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *config.DatabaseConfig) {
				poolCfg, err := PoolConfig(cfg)
				require.NoError(t, err)
				assert.Equal(t, int32(defaultMaxOpenConns), poolCfg.MaxConns)
				assert.Equal(t, int32(defaultMaxIdleConns), poolCfg.MinIdleConns)
				assert.Equal(t, defaultConnMaxLifetime, poolCfg.MaxConnLifetime)
				assert.Equal(t, "db.example.com", poolCfg.ConnConfig.Host)
				assert.Equal(t, uint16(5432), poolCfg.ConnConfig.Port)
				assert.Equal(t, "mirror", poolCfg.ConnConfig.User)
				assert.Equal(t, "s3cret", poolCfg.ConnConfig.Password)
				assert.Equal(t, "nupkg", poolCfg.ConnConfig.Database)
			},
		},
		{
			name: "overrides",
			mutate: func(cfg *config.DatabaseConfig) {
				cfg.MaxOpenConns = 4
				cfg.MaxIdleConns = 10
				cfg.ConnMaxLifetime = "1h"
			},
			check: func(t *testing.T, cfg *config.DatabaseConfig) {
				poolCfg, err := PoolConfig(cfg)
				require.NoError(t, err)
				assert.Equal(t, int32(4), poolCfg.MaxConns)
				assert.Equal(t, int32(4), poolCfg.MinIdleConns)
				assert.Equal(t, time.Hour, poolCfg.MaxConnLifetime)
			},
		},
		{name: "missing host", mutate: func(cfg *config.DatabaseConfig) { cfg.Host = "" }, wantErr: "host is required"},
		{name: "missing port", mutate: func(cfg *config.DatabaseConfig) { cfg.Port = 0 }, wantErr: "port is required"},
		{name: "missing user", mutate: func(cfg *config.DatabaseConfig) { cfg.User = "" }, wantErr: "user is required"},
		{name: "missing database", mutate: func(cfg *config.DatabaseConfig) { cfg.Database = "" }, wantErr: "name is required"},
		{
			name:    "unreadable password file",
			mutate:  func(cfg *config.DatabaseConfig) { cfg.PasswordFile = "/nonexistent/password" },
			wantErr: "failed to get database password",
		},
		{
			name:    "bad lifetime",
			mutate:  func(cfg *config.DatabaseConfig) { cfg.ConnMaxLifetime = "forever" },
			wantErr: "invalid connection max lifetime",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid(t)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			if tt.wantErr != "" {
				_, err := PoolConfig(cfg)
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			tt.check(t, cfg)
		})
	}
}

func TestPoolConfig_Nil(t *testing.T) {
	t.Parallel()
	_, err := PoolConfig(nil)
	require.Error(t, err)
}
