// Package filtering selects which packages of a feed index an importer
// mirrors.
//
// Three rules are applied in order, and a package must pass all of them:
//
//   - Names: glob patterns (github.com/gobwas/glob) matched against the
//     lower-cased package id. Exclude patterns take precedence over include
//     patterns; with no include patterns every id not excluded passes.
//   - Tags: case-insensitive exact matches against the package tags, with the
//     same include/exclude precedence.
//   - Retained versions: when RetainVersions is N > 0 only the N newest
//     versions of each package id are kept, ordered by internal/versions.
//
// Example:
//
//	filter := &config.FilterConfig{
//		Names: &config.NameFilterConfig{
//			Include: []string{"microsoft.extensions.*"},
//			Exclude: []string{"*.testing"},
//		},
//		Tags:           &config.TagFilterConfig{Exclude: []string{"deprecated"}},
//		RetainVersions: 3,
//	}
//	kept, err := NewDefaultFilterService().ApplyFilters(ctx, index.Packages, filter)
package filtering
