package filtering

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// NameFilter decides on package ids using glob patterns
type NameFilter interface {
	// ShouldInclude reports whether a package id passes the include and
	// exclude patterns, with the reason for the decision
	ShouldInclude(id string, include, exclude []string) (bool, string)
}

type defaultNameFilter struct{}

var _ NameFilter = (*defaultNameFilter)(nil)

// NewDefaultNameFilter returns a NameFilter matching with gobwas/glob
func NewDefaultNameFilter() NameFilter {
	return &defaultNameFilter{}
}

// matchPattern matches a case-insensitive glob pattern. No separators are
// passed to the compiler, so '*' also matches dots.
func matchPattern(pattern, id string) (bool, error) {
	compiled, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return false, fmt.Errorf("invalid glob pattern: %w", err)
	}
	return compiled.Match(strings.ToLower(id)), nil
}

// ShouldInclude implements NameFilter. Exclude patterns win over include
// patterns; an invalid pattern excludes the package.
func (*defaultNameFilter) ShouldInclude(id string, include, exclude []string) (bool, string) {
	for _, pattern := range exclude {
		matches, err := matchPattern(pattern, id)
		if err != nil {
			return false, fmt.Sprintf("invalid exclude pattern '%s': %v", pattern, err)
		}
		if matches {
			return false, fmt.Sprintf("excluded by pattern '%s'", pattern)
		}
	}

	if len(include) == 0 {
		if len(exclude) > 0 {
			return true, fmt.Sprintf("no match in exclude patterns %v", exclude)
		}
		return true, "no name filters specified"
	}

	for _, pattern := range include {
		matches, err := matchPattern(pattern, id)
		if err != nil {
			return false, fmt.Sprintf("invalid include pattern '%s': %v", pattern, err)
		}
		if matches {
			return true, fmt.Sprintf("included by pattern '%s'", pattern)
		}
	}
	return false, fmt.Sprintf("no match found in include patterns %v", include)
}
