package filtering

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/feed"
)

func TestDefaultNameFilter_ShouldInclude(t *testing.T) {
	t.Parallel()

	filter := NewDefaultNameFilter()

	tests := []struct {
		name     string
		id       string
		include  []string
		exclude  []string
		expected bool
	}{
		{name: "no patterns", id: "serilog", expected: true},
		{name: "include match", id: "microsoft.extensions.logging", include: []string{"microsoft.extensions.*"}, expected: true},
		{name: "include miss", id: "serilog", include: []string{"microsoft.*"}, expected: false},
		{name: "include is case-insensitive", id: "newtonsoft.json", include: []string{"Newtonsoft.*"}, expected: true},
		{name: "exclude wins over include", id: "xunit.testing", include: []string{"xunit*"}, exclude: []string{"*.testing"}, expected: false},
		{name: "exclude miss", id: "xunit", exclude: []string{"*.testing"}, expected: true},
		{name: "single character wildcard", id: "nunit3", include: []string{"nunit?"}, expected: true},
		{name: "character class", id: "log4net", include: []string{"log[0-9]net"}, expected: true},
		{name: "invalid pattern excludes", id: "serilog", include: []string{"[a-"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := filter.ShouldInclude(tt.id, tt.include, tt.exclude)
			assert.Equal(t, tt.expected, got, reason)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestDefaultTagFilter_ShouldInclude(t *testing.T) {
	t.Parallel()

	filter := NewDefaultTagFilter()

	tests := []struct {
		name     string
		tags     []string
		include  []string
		exclude  []string
		expected bool
	}{
		{name: "no filters", tags: []string{"json"}, expected: true},
		{name: "no tags and no filters", expected: true},
		{name: "include match", tags: []string{"json", "serializer"}, include: []string{"json"}, expected: true},
		{name: "include ignores case", tags: []string{"JSON"}, include: []string{"json"}, expected: true},
		{name: "include miss", tags: []string{"logging"}, include: []string{"json"}, expected: false},
		{name: "no tags fail include", include: []string{"json"}, expected: false},
		{name: "exclude wins", tags: []string{"json", "deprecated"}, include: []string{"json"}, exclude: []string{"deprecated"}, expected: false},
		{name: "exclude miss", tags: []string{"json"}, exclude: []string{"deprecated"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := filter.ShouldInclude(tt.tags, tt.include, tt.exclude)
			assert.Equal(t, tt.expected, got, reason)
		})
	}
}

func pkg(id, version string, tags ...string) feed.Package {
	return feed.Package{
		Key: content.NaturalKey{
			PackageID: id,
			Version:   version,
			Digest:    content.DigestOf([]byte(id + "@" + version)),
		},
		Tags: tags,
	}
}

func versionsOf(packages []feed.Package) []string {
	out := make([]string, 0, len(packages))
	for _, p := range packages {
		out = append(out, p.Key.PackageID+"@"+p.Key.Version)
	}
	return out
}

func TestApplyFilters(t *testing.T) {
	t.Parallel()

	packages := []feed.Package{
		pkg("serilog", "2.0.0", "logging"),
		pkg("serilog", "3.1.0", "logging"),
		pkg("serilog", "3.0.0", "logging"),
		pkg("serilog", "10.0.0-preview", "logging"),
		pkg("newtonsoft.json", "13.0.1", "json"),
		pkg("newtonsoft.json", "12.0.3", "json", "deprecated"),
		pkg("xunit", "2.4.0", "testing"),
	}

	tests := []struct {
		name   string
		filter *config.FilterConfig
		want   []string
	}{
		{
			name:   "nil filter keeps everything",
			filter: nil,
			want:   versionsOf(packages),
		},
		{
			name:   "name include",
			filter: &config.FilterConfig{Names: &config.NameFilterConfig{Include: []string{"serilog"}}},
			want:   []string{"serilog@2.0.0", "serilog@3.1.0", "serilog@3.0.0", "serilog@10.0.0-preview"},
		},
		{
			name: "tag exclude",
			filter: &config.FilterConfig{
				Names: &config.NameFilterConfig{Exclude: []string{"serilog"}},
				Tags:  &config.TagFilterConfig{Exclude: []string{"deprecated"}},
			},
			want: []string{"newtonsoft.json@13.0.1", "xunit@2.4.0"},
		},
		{
			name:   "retain newest versions",
			filter: &config.FilterConfig{RetainVersions: 2},
			want: []string{
				"serilog@3.1.0", "serilog@10.0.0-preview",
				"newtonsoft.json@13.0.1", "newtonsoft.json@12.0.3",
				"xunit@2.4.0",
			},
		},
		{
			name: "retain applies after tag filter",
			filter: &config.FilterConfig{
				Tags:           &config.TagFilterConfig{Include: []string{"json"}, Exclude: []string{"deprecated"}},
				RetainVersions: 1,
			},
			want: []string{"newtonsoft.json@13.0.1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewDefaultFilterService().ApplyFilters(context.Background(), packages, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, versionsOf(got))
		})
	}
}

func TestApplyFiltersRejectsNegativeRetain(t *testing.T) {
	t.Parallel()

	_, err := NewDefaultFilterService().ApplyFilters(context.Background(),
		[]feed.Package{pkg("a", "1.0.0")}, &config.FilterConfig{RetainVersions: -1})
	assert.Error(t, err)
}

type rejectAll struct{}

func (rejectAll) ShouldInclude(string, []string, []string) (bool, string) {
	return false, "rejected"
}

func TestNewFilterServiceUsesCustomFilters(t *testing.T) {
	t.Parallel()

	svc := NewFilterService(rejectAll{}, NewDefaultTagFilter())
	got, err := svc.ApplyFilters(context.Background(), []feed.Package{pkg("a", "1.0.0")}, &config.FilterConfig{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
