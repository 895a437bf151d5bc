// Package changeset computes the difference between the content of a
// repository version and the content a remote feed currently offers, and
// applies that difference to a version-in-progress in bounded batches.
package changeset

import (
	"slices"

	"github.com/stacklok/nupkg-mirror/internal/content"
)

// KeySet is a set of natural keys
type KeySet map[content.NaturalKey]struct{}

// NewKeySet returns a set holding keys
func NewKeySet(keys ...content.NaturalKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts k
func (s KeySet) Add(k content.NaturalKey) {
	s[k] = struct{}{}
}

// Has reports whether k is in the set
func (s KeySet) Has(k content.NaturalKey) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the keys in natural key order
func (s KeySet) Sorted() []content.NaturalKey {
	keys := make([]content.NaturalKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, content.NaturalKey.Compare)
	return keys
}

// Apply returns a new set with toRemove taken out and toAdd put in
func (s KeySet) Apply(toAdd, toRemove KeySet) KeySet {
	out := make(KeySet, len(s)+len(toAdd))
	for k := range s {
		if !toRemove.Has(k) {
			out[k] = struct{}{}
		}
	}
	for k := range toAdd {
		out[k] = struct{}{}
	}
	return out
}

// Diff returns desired minus current as toAdd and current minus desired as
// toRemove
func Diff(current, desired KeySet) (toAdd, toRemove KeySet) {
	toAdd = make(KeySet)
	toRemove = make(KeySet)
	for k := range desired {
		if !current.Has(k) {
			toAdd[k] = struct{}{}
		}
	}
	for k := range current {
		if !desired.Has(k) {
			toRemove[k] = struct{}{}
		}
	}
	return toAdd, toRemove
}
