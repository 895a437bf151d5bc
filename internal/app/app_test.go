package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/jobs"
	"github.com/stacklok/nupkg-mirror/internal/manifest"
	"github.com/stacklok/nupkg-mirror/internal/publish"
	"github.com/stacklok/nupkg-mirror/internal/status"
	"github.com/stacklok/nupkg-mirror/internal/store"
	pkgsync "github.com/stacklok/nupkg-mirror/internal/sync"
)

var testPackages = map[string]string{
	"serilog":         "serilog bytes",
	"newtonsoft.json": "newtonsoft bytes",
}

// newUpstream serves a JSON feed index with every package of testPackages
func newUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var downloads atomic.Int32
	type entry struct {
		ID      string `json:"id"`
		Version string `json:"version"`
		Digest  string `json:"digest"`
		Size    int    `json:"size"`
		URL     string `json:"url"`
	}
	var entries []entry
	blobs := make(map[string]string)
	for id, data := range testPackages {
		url := "packages/" + id + ".1.0.0.nupkg"
		entries = append(entries, entry{
			ID:      id,
			Version: "1.0.0",
			Digest:  string(content.DigestOf([]byte(data))),
			Size:    len(data),
			URL:     url,
		})
		blobs["/"+url] = data
	}
	index, err := json.Marshal(map[string]any{"packages": entries})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.json" {
			_, _ = w.Write(index)
			return
		}
		data, ok := blobs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		downloads.Add(1)
		_, _ = w.Write([]byte(data))
	}))
	t.Cleanup(server.Close)
	return server, &downloads
}

func createTestConfig(t *testing.T, feedURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Storage: config.StorageConfig{
			Type: config.StorageTypeFile,
			File: &config.FileStorageConfig{Path: filepath.Join(dir, "store.cbor")},
		},
		Artifacts: config.ArtifactsConfig{Path: filepath.Join(dir, "artifacts")},
		StatusDir: filepath.Join(dir, "status"),
		WorkDir:   dir,
		Repositories: []config.RepositoryConfig{
			{Name: "nuget"},
			{Name: "internal"},
		},
		Importers: []config.ImporterConfig{{
			Name:       "nuget-org",
			Repository: "nuget",
			FeedURL:    feedURL,
		}},
		Publishers: []config.PublisherConfig{{
			Name:       "nuget-pub",
			Repository: "nuget",
		}},
	}
}

func newTestApp(t *testing.T) (*MirrorApp, *atomic.Int32) {
	t.Helper()

	upstream, downloads := newUpstream(t)
	cfg := createTestConfig(t, upstream.URL+"/index.json")

	app, err := NewMirrorApp(context.Background(), WithConfig(cfg), WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, app.Stop(5*time.Second))
	})
	return app, downloads
}

func waitJob(t *testing.T, h *jobs.Handle) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, h.State())
	return result
}

func TestMirrorApp_SyncPublishServe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, downloads := newTestApp(t)

	out := waitJob(t, app.Sync(ctx, "nuget-org"))
	syncResult, ok := out.(*pkgsync.Result)
	require.True(t, ok)
	assert.True(t, syncResult.Created)
	assert.Equal(t, len(testPackages), syncResult.Added)
	assert.Equal(t, int64(1), syncResult.RepositoryVersion.Number)
	assert.Equal(t, int32(len(testPackages)), downloads.Load())

	out = waitJob(t, app.Publish(ctx, "nuget-pub", "nuget"))
	pubResult, ok := out.(*publish.Result)
	require.True(t, ok)
	assert.Equal(t, len(testPackages), pubResult.Entries)
	assert.Equal(t, int64(1), pubResult.Publication.VersionNumber)

	server := httptest.NewServer(app.GetHTTPServer().Handler)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/pulp/content/nuget/" + manifest.DefaultFileName)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "serilog/1.0.0/serilog.1.0.0.nupkg")

	resp, err = http.Get(server.URL + "/pulp/content/nuget/serilog/1.0.0/serilog.1.0.0.nupkg")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testPackages["serilog"], string(body))

	versions, err := app.Versions(ctx, "nuget")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(0), versions[0].Number)
	assert.Equal(t, int64(1), versions[1].Number)
}

func TestMirrorApp_SyncTwiceCreatesNoVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, downloads := newTestApp(t)

	waitJob(t, app.Sync(ctx, "nuget-org"))
	out := waitJob(t, app.Sync(ctx, "nuget-org"))

	result, ok := out.(*pkgsync.Result)
	require.True(t, ok)
	assert.False(t, result.Created)
	assert.Equal(t, int64(1), result.RepositoryVersion.Number)
	assert.Equal(t, int32(len(testPackages)), downloads.Load())
}

func TestMirrorApp_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, _ := newTestApp(t)

	tests := []struct {
		name   string
		submit func() *jobs.Handle
	}{
		{name: "unknown importer", submit: func() *jobs.Handle { return app.Sync(ctx, "missing") }},
		{name: "unknown publisher", submit: func() *jobs.Handle { return app.Publish(ctx, "missing", "nuget") }},
		{name: "publisher of another repository", submit: func() *jobs.Handle {
			return app.Publish(ctx, "nuget-pub", "internal")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.submit()
			_, err := h.Wait(ctx)
			require.Error(t, err)
			assert.Equal(t, jobs.StateFailed, h.State())
			assert.Equal(t, jobs.KindConfiguration, h.ErrorKind())

			got, ok := app.Job(h.ID)
			require.True(t, ok)
			assert.Same(t, h, got)
		})
	}
}

func TestMirrorApp_DeleteVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, _ := newTestApp(t)
	waitJob(t, app.Sync(ctx, "nuget-org"))

	h := app.DeleteVersion(ctx, "nuget", 1)
	_, err := h.Wait(ctx)
	require.ErrorIs(t, err, store.ErrVersionInUse)

	waitJob(t, app.DeleteVersion(ctx, "nuget", 0))

	versions, err := app.Versions(ctx, "nuget")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(1), versions[0].Number)
}

func TestMirrorApp_TriggerRecordsStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, _ := newTestApp(t)

	result, err := app.Trigger(ctx, "nuget-org")
	require.NoError(t, err)
	assert.True(t, result.Created)

	st, err := app.GetComponents().StateService.GetSyncStatus(ctx, "nuget-org")
	require.NoError(t, err)
	assert.Equal(t, status.SyncPhaseComplete, st.Phase)
	assert.Equal(t, int64(1), st.RepositoryVersion)
	assert.Equal(t, len(testPackages), st.PackageCount)
	assert.Equal(t, result.IndexHash.String(), st.LastSyncHash)
}

func TestMirrorApp_StartStop(t *testing.T) {
	t.Parallel()

	upstream, _ := newUpstream(t)
	cfg := createTestConfig(t, upstream.URL+"/index.json")

	app, err := NewMirrorApp(context.Background(), WithConfig(cfg), WithAddress("127.0.0.1:0"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	// Give the listener a moment to come up before shutting it down
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, app.Stop(5*time.Second))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestNewMirrorApp_Errors(t *testing.T) {
	t.Parallel()

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()
		_, err := NewMirrorApp(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("bad compression", func(t *testing.T) {
		t.Parallel()
		cfg := createTestConfig(t, "http://127.0.0.1:1/index.json")
		cfg.Artifacts.Compression = "lz4"
		_, err := NewMirrorApp(context.Background(), WithConfig(cfg))
		require.Error(t, err)
	})
}
