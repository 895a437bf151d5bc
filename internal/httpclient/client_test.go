package httpclient_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/httpclient"
)

// newTestServer creates a new test server with keep-alives disabled.
// This prevents flaky tests when running in parallel, as closing a server
// with keep-alives enabled can affect other tests sharing the HTTP transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func TestDefaultClient_Get(t *testing.T) {
	t.Parallel()

	var receivedUserAgent, receivedAccept string
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUserAgent = r.Header.Get("User-Agent")
		receivedAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"packages":[]}`))
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(30 * time.Second)
	data, err := client.Get(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Equal(t, []byte(`{"packages":[]}`), data)
	assert.Equal(t, "nupkg-mirror/1.0", receivedUserAgent)
	assert.Equal(t, "application/json", receivedAccept)
}

func TestDefaultClient_Get_HTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		statusCode    int
		errorContains string
	}{
		{name: "404 Not Found", statusCode: http.StatusNotFound, errorContains: "HTTP 404"},
		{name: "401 Unauthorized", statusCode: http.StatusUnauthorized, errorContains: "HTTP 401"},
		{name: "500 Internal Server Error", statusCode: http.StatusInternalServerError, errorContains: "HTTP 500"},
		{name: "429 Too Many Requests", statusCode: http.StatusTooManyRequests, errorContains: "HTTP 429"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := httpclient.NewDefaultClient(30 * time.Second)
			_, err := client.Get(context.Background(), server.URL)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
			var httpErr *httpclient.HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.statusCode, httpErr.StatusCode)
		})
	}
}

func TestDefaultClient_Get_NetworkErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		url           string
		errorContains string
	}{
		{
			name:          "invalid URL scheme",
			url:           "://invalid-url",
			errorContains: "failed to create request",
		},
		{
			name:          "unreachable host",
			url:           "http://invalid-host-does-not-exist.local:9999",
			errorContains: "failed to execute request",
		},
		{
			name:          "missing file",
			url:           "file:///does/not/exist/index.json",
			errorContains: "failed to open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := httpclient.NewDefaultClient(30 * time.Second)
			_, err := client.Get(context.Background(), tt.url)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestDefaultClient_Get_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(30*time.Second, httpclient.WithMaxAttempts(5))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Get(ctx, server.URL)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDefaultClient_Get_SizeLimitExceeded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "rejected via Content-Length",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", fmt.Sprintf("%d", 2048))
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "rejected by actual content",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				for i := 0; i < 4; i++ {
					_, _ = w.Write(make([]byte, 512))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(tt.handler)
			defer server.Close()

			client := httpclient.NewDefaultClient(30*time.Second, httpclient.WithMaxResponseSize(1024))
			_, err := client.Get(context.Background(), server.URL)

			require.Error(t, err)
			assert.Contains(t, err.Error(), "exceeds maximum allowed size")
		})
	}
}

func TestDefaultClient_Open(t *testing.T) {
	t.Parallel()

	var receivedAccept string
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte("package bytes"))
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(30 * time.Second)
	rc, err := client.Open(context.Background(), server.URL+"/a/1.0.0/a.1.0.0.nupkg")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "package bytes", string(data))
	assert.Empty(t, receivedAccept)
}

func TestDefaultClient_FileScheme(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"packages":[]}`), 0600))

	client := httpclient.NewDefaultClient(0)

	data, err := client.Get(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, `{"packages":[]}`, string(data))

	rc, err := client.Open(context.Background(), "file://"+path)
	require.NoError(t, err)
	_ = rc.Close()

	_, err = client.Get(context.Background(), "file://"+dir)
	assert.Error(t, err)
}

func TestDefaultClient_Retry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		maxAttempts  int
		failures     int32
		status       int
		wantErr      bool
		wantRequests int32
	}{
		{
			name:         "single attempt by default",
			maxAttempts:  0,
			failures:     1,
			status:       http.StatusServiceUnavailable,
			wantErr:      true,
			wantRequests: 1,
		},
		{
			name:         "transient failure recovered",
			maxAttempts:  3,
			failures:     2,
			status:       http.StatusServiceUnavailable,
			wantRequests: 3,
		},
		{
			name:         "permanent failure not retried",
			maxAttempts:  3,
			failures:     3,
			status:       http.StatusNotFound,
			wantErr:      true,
			wantRequests: 1,
		},
		{
			name:         "attempts exhausted",
			maxAttempts:  2,
			failures:     5,
			status:       http.StatusBadGateway,
			wantErr:      true,
			wantRequests: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var requests atomic.Int32
			server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if requests.Add(1) <= tt.failures {
					w.WriteHeader(tt.status)
					return
				}
				_, _ = w.Write([]byte("ok"))
			}))
			defer server.Close()

			client := httpclient.NewDefaultClient(30*time.Second, httpclient.WithMaxAttempts(tt.maxAttempts))
			data, err := client.Get(context.Background(), server.URL)

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "ok", string(data))
			}
			assert.Equal(t, tt.wantRequests, requests.Load())
		})
	}
}
