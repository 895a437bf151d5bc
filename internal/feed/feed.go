// Package feed fetches and parses remote package feed indexes. An index
// lists every package the feed currently offers, with the metadata needed to
// identify it and the URL its bytes can be fetched from.
package feed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stacklok/nupkg-mirror/internal/content"
	"github.com/stacklok/nupkg-mirror/internal/httpclient"
	"github.com/stacklok/nupkg-mirror/internal/manifest"
)

var (
	// ErrFeedUnreachable is returned when the index cannot be fetched
	ErrFeedUnreachable = errors.New("feed unreachable")

	// ErrFeedMalformed is returned when the index cannot be parsed or
	// violates its structural rules
	ErrFeedMalformed = errors.New("feed malformed")

	// ErrSchemeNotAllowed is returned for package URLs whose scheme the
	// index URL does not permit
	ErrSchemeNotAllowed = errors.New("package URL scheme not allowed")
)

// Format is the layout of a feed index
type Format string

const (
	// FormatJSON is a JSON document listing packages
	FormatJSON Format = "json"
	// FormatManifest is a PULP_MANIFEST whose paths are <id>/<version>/<file>
	FormatManifest Format = "manifest"
)

// ParseFormat parses a configured feed format. The empty string means FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatManifest:
		return FormatManifest, nil
	default:
		return "", fmt.Errorf("unknown feed format %q", s)
	}
}

// Package is one entry of a feed index
type Package struct {
	Key     content.NaturalKey
	Authors string
	Tags    []string
	// Size is the declared size in bytes
	Size int64
	// URL is absolute, resolved against the index URL
	URL          string
	RelativePath string
}

// Index is a parsed feed index
type Index struct {
	Packages []Package
	// Hash is the digest of the raw index bytes
	Hash content.Digest
}

// Keys returns the natural keys of every package in the index
func (i *Index) Keys() []content.NaturalKey {
	keys := make([]content.NaturalKey, 0, len(i.Packages))
	for _, p := range i.Packages {
		keys = append(keys, p.Key)
	}
	return keys
}

// Fetch downloads and parses the index at indexURL
func Fetch(ctx context.Context, client httpclient.Client, indexURL string, format Format) (*Index, error) {
	data, err := client.Get(ctx, indexURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrFeedUnreachable, indexURL, err)
	}
	return Parse(data, format, indexURL)
}

// Parse parses raw index bytes. Relative package URLs are resolved against indexURL.
func Parse(data []byte, format Format, indexURL string) (*Index, error) {
	base, err := url.Parse(indexURL)
	if err != nil {
		return nil, fmt.Errorf("invalid index URL %q: %w", indexURL, err)
	}

	var packages []Package
	switch format {
	case FormatJSON, "":
		packages, err = parseJSON(data, base)
	case FormatManifest:
		packages, err = parseManifest(data, base)
	default:
		return nil, fmt.Errorf("unknown feed format %q", format)
	}
	if err != nil {
		return nil, err
	}

	if err := checkUnique(packages); err != nil {
		return nil, err
	}
	return &Index{Packages: packages, Hash: content.DigestOf(data)}, nil
}

//go:embed index.schema.json
var indexSchemaJSON []byte

var (
	indexSchemaOnce sync.Once
	indexSchema     *jsonschema.Schema
	indexSchemaErr  error
)

func compiledIndexSchema() (*jsonschema.Schema, error) {
	indexSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(indexSchemaJSON))
		if err != nil {
			indexSchemaErr = fmt.Errorf("failed to parse feed index schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("feed-index.json", doc); err != nil {
			indexSchemaErr = fmt.Errorf("failed to add feed index schema: %w", err)
			return
		}
		indexSchema, indexSchemaErr = compiler.Compile("feed-index.json")
	})
	return indexSchema, indexSchemaErr
}

type jsonIndex struct {
	Packages []jsonPackage `json:"packages"`
}

type jsonPackage struct {
	ID      string   `json:"id"`
	Version string   `json:"version"`
	Digest  string   `json:"digest"`
	Size    int64    `json:"size"`
	URL     string   `json:"url"`
	Path    string   `json:"path,omitempty"`
	Authors string   `json:"authors,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

func parseJSON(data []byte, base *url.URL) ([]Package, error) {
	schema, err := compiledIndexSchema()
	if err != nil {
		return nil, err
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %w", ErrFeedMalformed, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedMalformed, err)
	}

	var index jsonIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedMalformed, err)
	}

	packages := make([]Package, 0, len(index.Packages))
	for i, p := range index.Packages {
		key, err := content.Identify(content.Metadata{PackageID: p.ID, Version: p.Version, Digest: p.Digest})
		if err != nil {
			return nil, fmt.Errorf("%w: package %d: %w", ErrFeedMalformed, i, err)
		}
		pkgURL, err := resolve(base, p.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: %w", ErrFeedMalformed, key, err)
		}
		relativePath := key.DefaultRelativePath()
		if p.Path != "" {
			relativePath = p.Path
		}
		if err := validatePath(relativePath); err != nil {
			return nil, fmt.Errorf("%w: package %s: %w", ErrFeedMalformed, key, err)
		}
		packages = append(packages, Package{
			Key:          key,
			Authors:      p.Authors,
			Tags:         p.Tags,
			Size:         p.Size,
			URL:          pkgURL,
			RelativePath: relativePath,
		})
	}
	return packages, nil
}

func parseManifest(data []byte, base *url.URL) ([]Package, error) {
	entries, err := manifest.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedMalformed, err)
	}

	packages := make([]Package, 0, len(entries))
	for _, e := range entries {
		if err := validatePath(e.Path); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFeedMalformed, err)
		}
		segments := strings.Split(e.Path, "/")
		if len(segments) != 3 {
			return nil, fmt.Errorf("%w: path %q is not <id>/<version>/<file>", ErrFeedMalformed, e.Path)
		}
		key, err := content.Identify(content.Metadata{PackageID: segments[0], Version: segments[1], Digest: e.Digest})
		if err != nil {
			return nil, fmt.Errorf("%w: path %q: %w", ErrFeedMalformed, e.Path, err)
		}
		pkgURL, err := resolve(base, e.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: path %q: %w", ErrFeedMalformed, e.Path, err)
		}
		packages = append(packages, Package{
			Key:          key,
			Size:         e.Size,
			URL:          pkgURL,
			RelativePath: e.Path,
		})
	}
	return packages, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", ref, err)
	}
	resolved := base.ResolveReference(u)
	if !schemeAllowed(base, resolved) {
		return "", fmt.Errorf("URL %q: %w", ref, ErrSchemeNotAllowed)
	}
	return resolved.String(), nil
}

// CheckPackageURL reports whether packageURL may be fetched for a feed whose
// index lives at indexURL. Packages of remote feeds must be remote too: a
// file URL is only accepted when the index itself is a local file.
func CheckPackageURL(indexURL, packageURL string) error {
	base, err := url.Parse(indexURL)
	if err != nil {
		return fmt.Errorf("invalid index URL %q: %w", indexURL, err)
	}
	u, err := url.Parse(packageURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", packageURL, err)
	}
	if !schemeAllowed(base, u) {
		return fmt.Errorf("URL %q for index %q: %w", packageURL, indexURL, ErrSchemeNotAllowed)
	}
	return nil
}

// schemeAllowed accepts http and https packages for http(s) indexes and file
// packages for file indexes only
func schemeAllowed(base, u *url.URL) bool {
	switch strings.ToLower(base.Scheme) {
	case "http", "https":
		scheme := strings.ToLower(u.Scheme)
		return scheme == "http" || scheme == "https"
	case "file":
		return strings.EqualFold(u.Scheme, "file")
	default:
		return false
	}
}

// validatePath rejects paths that are absolute, escape the publication root
// or cannot be written to a manifest
func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsAny(p, ",\r\n\\") {
		return fmt.Errorf("path %q contains a reserved character", p)
	}
	if strings.HasPrefix(p, "/") || path.Clean(p) != p {
		return fmt.Errorf("path %q is not a clean relative path", p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("path %q escapes the repository root", p)
	}
	return nil
}

// checkUnique rejects indexes that list a natural key or a path twice
func checkUnique(packages []Package) error {
	keys := make(map[content.NaturalKey]struct{}, len(packages))
	paths := make(map[string]content.NaturalKey, len(packages))
	for _, p := range packages {
		if _, dup := keys[p.Key]; dup {
			return fmt.Errorf("%w: package %s is listed more than once", ErrFeedMalformed, p.Key)
		}
		keys[p.Key] = struct{}{}
		if other, dup := paths[p.RelativePath]; dup {
			return fmt.Errorf("%w: path %q is used by both %s and %s", ErrFeedMalformed, p.RelativePath, other, p.Key)
		}
		paths[p.RelativePath] = p.Key
	}
	return nil
}
