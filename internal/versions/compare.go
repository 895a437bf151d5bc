// Package versions orders package version strings and describes the running build.
package versions

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Compare returns -1, 0 or +1 as a is older than, equal to or newer than b.
// Two valid semantic versions compare by semver precedence. A valid semantic
// version is newer than any string that is not one, and two such strings
// compare lexically.
func Compare(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)

	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}
