package content

import (
	"cmp"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidMetadata is returned by Identify when metadata lacks a required field.
var ErrInvalidMetadata = errors.New("invalid content metadata")

// NaturalKey uniquely identifies a content unit independent of where its bytes live.
type NaturalKey struct {
	PackageID string
	Version   string
	Digest    Digest
}

// String returns the key as id@version#digest-prefix
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s@%s#%s", k.PackageID, k.Version, k.Digest.Short())
}

// Compare orders keys by package id, then version, then digest.
// This is the iteration order of a repository version's content.
func (k NaturalKey) Compare(other NaturalKey) int {
	if c := cmp.Compare(k.PackageID, other.PackageID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Version, other.Version); c != 0 {
		return c
	}
	return cmp.Compare(k.Digest, other.Digest)
}

// DefaultRelativePath returns the flat-container path for a package,
// <id>/<version>/<id>.<version>.nupkg
func (k NaturalKey) DefaultRelativePath() string {
	return path.Join(k.PackageID, k.Version, k.PackageID+"."+k.Version+".nupkg")
}

// reservedChars may not appear in package ids or versions since both become
// path segments of a manifest line
const reservedChars = "/\\,\r\n"

// Metadata is the feed-provided description of a package from which its
// natural key is derived.
type Metadata struct {
	PackageID string
	Version   string
	Digest    string
	Authors   string
	Tags      []string
}

// Identify derives the natural key for metadata. Package ids and versions are
// case-insensitive and are lower-cased; the digest is validated.
func Identify(m Metadata) (NaturalKey, error) {
	id := strings.ToLower(strings.TrimSpace(m.PackageID))
	if id == "" {
		return NaturalKey{}, fmt.Errorf("%w: package id is required", ErrInvalidMetadata)
	}
	version := strings.ToLower(strings.TrimSpace(m.Version))
	if version == "" {
		return NaturalKey{}, fmt.Errorf("%w: version is required for package %s", ErrInvalidMetadata, id)
	}
	if strings.ContainsAny(id, reservedChars) || strings.ContainsAny(version, reservedChars) {
		return NaturalKey{}, fmt.Errorf("%w: %s@%s contains a reserved character", ErrInvalidMetadata, id, version)
	}
	digest, err := ParseDigest(m.Digest)
	if err != nil {
		return NaturalKey{}, fmt.Errorf("%w: package %s@%s: %w", ErrInvalidMetadata, id, version, err)
	}
	return NaturalKey{PackageID: id, Version: version, Digest: digest}, nil
}
