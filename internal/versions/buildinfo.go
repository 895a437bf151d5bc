package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknownStr = "unknown"

// Build information set with -ldflags "-X github.com/stacklok/nupkg-mirror/internal/versions.Version=..."
var (
	// Version is the released version of nupkg-mirror
	Version = "dev"
	// Commit is the git commit of the build
	Commit = unknownStr
	// BuildDate is when the binary was built
	BuildDate = unknownStr
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetBuildInfo returns the build information of the running binary
func GetBuildInfo() BuildInfo {
	var settings []debug.BuildSetting
	if info, ok := debug.ReadBuildInfo(); ok {
		settings = info.Settings
	}
	return buildInfo(Version, Commit, BuildDate, settings)
}

// buildInfo fills unset commit and date from the VCS stamp of a development
// build and derives a "build-<commit>" version for it
func buildInfo(version, commit, buildDate string, settings []debug.BuildSetting) BuildInfo {
	if version == "dev" {
		for _, s := range settings {
			switch {
			case s.Key == "vcs.revision" && commit == unknownStr:
				commit = s.Value
			case s.Key == "vcs.time" && buildDate == unknownStr:
				buildDate = s.Value
			}
		}
		version = fmt.Sprintf("build-%.8s", commit)
	}

	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
