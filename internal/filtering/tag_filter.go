package filtering

import (
	"fmt"
	"strings"
)

// TagFilter decides on packages by their tags
type TagFilter interface {
	// ShouldInclude reports whether a package with tags passes the include
	// and exclude lists, with the reason for the decision
	ShouldInclude(tags []string, include, exclude []string) (bool, string)
}

// DefaultTagFilter matches tags exactly, ignoring case
type DefaultTagFilter struct{}

// NewDefaultTagFilter returns a DefaultTagFilter
func NewDefaultTagFilter() *DefaultTagFilter {
	return &DefaultTagFilter{}
}

func firstMatch(tags, list []string) (string, bool) {
	for _, tag := range tags {
		for _, candidate := range list {
			if strings.EqualFold(tag, candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

// ShouldInclude implements TagFilter. Exclude tags win over include tags; a
// package without tags fails any include list.
func (*DefaultTagFilter) ShouldInclude(tags []string, include, exclude []string) (bool, string) {
	if tag, ok := firstMatch(tags, exclude); ok {
		return false, fmt.Sprintf("excluded by tag '%s'", tag)
	}

	if len(include) == 0 {
		if len(exclude) > 0 {
			return true, fmt.Sprintf("no matching tags in exclude list %v (package tags: %v)", exclude, tags)
		}
		return true, "no tag filters specified"
	}

	if tag, ok := firstMatch(tags, include); ok {
		return true, fmt.Sprintf("included by tag '%s'", tag)
	}
	return false, fmt.Sprintf("no matching tags found in include list %v (package tags: %v)", include, tags)
}
