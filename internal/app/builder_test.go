package app

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/config"
)

func TestBaseConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		built, err := baseConfig(WithConfig(&config.Config{}))
		require.NoError(t, err)
		assert.Equal(t, ":8080", built.address)
		assert.Equal(t, defaultRequestTimeout, built.requestTimeout)
		assert.Equal(t, defaultWriteTimeout, built.writeTimeout)
	})

	t.Run("address from config", func(t *testing.T) {
		t.Parallel()
		built, err := baseConfig(WithConfig(&config.Config{Server: config.ServerConfig{Address: ":9000"}}))
		require.NoError(t, err)
		assert.Equal(t, ":9000", built.address)
	})

	t.Run("option overrides config", func(t *testing.T) {
		t.Parallel()
		built, err := baseConfig(
			WithConfig(&config.Config{Server: config.ServerConfig{Address: ":9000"}}),
			WithAddress(":9090"),
		)
		require.NoError(t, err)
		assert.Equal(t, ":9090", built.address)
	})

	t.Run("missing config", func(t *testing.T) {
		t.Parallel()
		built, err := baseConfig(WithAddress(":9090"))
		require.Error(t, err)
		assert.Nil(t, built)
	})
}

func TestWithAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "port only", addr: ":8080"},
		{name: "localhost", addr: "localhost:8080"},
		{name: "ipv4", addr: "127.0.0.1:0"},
		{name: "ipv6", addr: "[::1]:8080"},
		{name: "empty", addr: "", wantErr: true},
		{name: "no port", addr: ":", wantErr: true},
		{name: "missing colon", addr: "8080", wantErr: true},
		{name: "hostname", addr: "example.com:8080", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &mirrorAppConfig{}
			err := WithAddress(tt.addr)(cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, cfg.address)
		})
	}
}

func TestWithMiddlewares(t *testing.T) {
	t.Parallel()

	called := false
	mw := func(next http.Handler) http.Handler {
		called = true
		return next
	}

	cfg := &mirrorAppConfig{}
	require.NoError(t, WithMiddlewares(mw)(cfg))
	require.Len(t, cfg.middlewares, 1)

	cfg.middlewares[0](http.NotFoundHandler())
	assert.True(t, called)
}
