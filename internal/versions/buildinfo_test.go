package versions

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildInfo(t *testing.T) {
	t.Parallel()

	vcs := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
	}

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
		settings  []debug.BuildSetting
		want      BuildInfo
	}{
		{
			name:      "release build keeps ldflags values",
			version:   "v1.2.0",
			commit:    "abc",
			buildDate: "2026-02-01T00:00:00Z",
			settings:  vcs,
			want:      BuildInfo{Version: "v1.2.0", Commit: "abc", BuildDate: "2026-02-01 00:00:00 UTC"},
		},
		{
			name:      "development build reads vcs stamp",
			version:   "dev",
			commit:    unknownStr,
			buildDate: unknownStr,
			settings:  vcs,
			want:      BuildInfo{Version: "build-01234567", Commit: "0123456789abcdef", BuildDate: "2026-03-01 10:00:00 UTC"},
		},
		{
			name:      "development build without stamp",
			version:   "dev",
			commit:    unknownStr,
			buildDate: unknownStr,
			want:      BuildInfo{Version: "build-unknown", Commit: unknownStr, BuildDate: unknownStr},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := buildInfo(tt.version, tt.commit, tt.buildDate, tt.settings)
			assert.Equal(t, tt.want.Version, got.Version)
			assert.Equal(t, tt.want.Commit, got.Commit)
			assert.Equal(t, tt.want.BuildDate, got.BuildDate)
			assert.NotEmpty(t, got.GoVersion)
			assert.Contains(t, got.Platform, "/")
		})
	}
}
