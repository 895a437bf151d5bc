package filtering

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/feed"
	"github.com/stacklok/nupkg-mirror/internal/versions"
)

// FilterService applies an importer's filter to a feed index
type FilterService interface {
	// ApplyFilters returns the packages that pass the filter, in their
	// original order. A nil filter keeps every package.
	ApplyFilters(ctx context.Context, packages []feed.Package, filter *config.FilterConfig) ([]feed.Package, error)
}

type defaultFilterService struct {
	nameFilter NameFilter
	tagFilter  TagFilter
}

// NewDefaultFilterService returns a FilterService with the default name and tag filters
func NewDefaultFilterService() FilterService {
	return &defaultFilterService{
		nameFilter: NewDefaultNameFilter(),
		tagFilter:  NewDefaultTagFilter(),
	}
}

// NewFilterService returns a FilterService with custom name and tag filters
func NewFilterService(nameFilter NameFilter, tagFilter TagFilter) FilterService {
	return &defaultFilterService{
		nameFilter: nameFilter,
		tagFilter:  tagFilter,
	}
}

func (s *defaultFilterService) ApplyFilters(
	ctx context.Context, packages []feed.Package, filter *config.FilterConfig,
) ([]feed.Package, error) {
	if filter == nil {
		return packages, nil
	}
	if filter.RetainVersions < 0 {
		return nil, fmt.Errorf("retainVersions must not be negative, got %d", filter.RetainVersions)
	}

	var nameInclude, nameExclude, tagInclude, tagExclude []string
	if filter.Names != nil {
		nameInclude = filter.Names.Include
		nameExclude = filter.Names.Exclude
	}
	if filter.Tags != nil {
		tagInclude = filter.Tags.Include
		tagExclude = filter.Tags.Exclude
	}

	kept := make([]feed.Package, 0, len(packages))
	for _, p := range packages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok, reason := s.nameFilter.ShouldInclude(p.Key.PackageID, nameInclude, nameExclude); !ok {
			slog.Debug("Excluding package", "package", p.Key.String(), "reason", "name filter: "+reason)
			continue
		}
		if ok, reason := s.tagFilter.ShouldInclude(p.Tags, tagInclude, tagExclude); !ok {
			slog.Debug("Excluding package", "package", p.Key.String(), "reason", "tag filter: "+reason)
			continue
		}
		kept = append(kept, p)
	}

	if filter.RetainVersions > 0 {
		kept = retainNewest(kept, filter.RetainVersions)
	}

	slog.Info("Feed filtering completed",
		"packages", len(packages),
		"included", len(kept),
		"excluded", len(packages)-len(kept))
	return kept, nil
}

// retainNewest keeps the n newest distinct versions of every package id.
// Packages keep their original relative order.
func retainNewest(packages []feed.Package, n int) []feed.Package {
	byID := make(map[string][]string)
	for _, p := range packages {
		if !slices.Contains(byID[p.Key.PackageID], p.Key.Version) {
			byID[p.Key.PackageID] = append(byID[p.Key.PackageID], p.Key.Version)
		}
	}

	retained := make(map[string]map[string]struct{}, len(byID))
	for id, vs := range byID {
		slices.SortStableFunc(vs, func(a, b string) int {
			return versions.Compare(b, a)
		})
		keep := make(map[string]struct{}, n)
		for _, v := range vs[:min(n, len(vs))] {
			keep[v] = struct{}{}
		}
		retained[id] = keep
	}

	kept := packages[:0:0]
	for _, p := range packages {
		if _, ok := retained[p.Key.PackageID][p.Key.Version]; ok {
			kept = append(kept, p)
		}
	}
	return kept
}
