// Package manifest implements the publication manifest format: one
// "relative_path,sha256_digest,size_in_bytes" line per published file,
// newline terminated, UTF-8, no header.
//
// Encoding is deterministic and order preserving, so two manifests with the
// same entries in the same order are byte-identical and
// Decode(Encode(entries)) returns the original entries.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultFileName is the well-known name of the manifest at the publication root
const DefaultFileName = "PULP_MANIFEST"

// fieldCount is the number of comma separated fields per line
const fieldCount = 3

// ErrMalformedManifest is returned when a manifest cannot be decoded.
var ErrMalformedManifest = errors.New("malformed manifest")

// ErrUnencodableEntry is returned when an entry cannot be written without
// breaking the line format.
var ErrUnencodableEntry = errors.New("entry cannot be encoded")

// Entry describes one published file.
type Entry struct {
	Path   string
	Digest string
	Size   int64
}

// validate checks that the entry survives an encode/decode round trip.
func (e Entry) validate() error {
	switch {
	case e.Path == "":
		return fmt.Errorf("%w: empty path", ErrUnencodableEntry)
	case strings.ContainsAny(e.Path, ",\r\n"):
		return fmt.Errorf("%w: path %q contains a separator", ErrUnencodableEntry, e.Path)
	case !utf8.ValidString(e.Path):
		return fmt.Errorf("%w: path %q is not valid UTF-8", ErrUnencodableEntry, e.Path)
	case strings.ContainsAny(e.Digest, ",\r\n"):
		return fmt.Errorf("%w: digest %q contains a separator", ErrUnencodableEntry, e.Digest)
	case e.Size < 0:
		return fmt.Errorf("%w: negative size %d for %s", ErrUnencodableEntry, e.Size, e.Path)
	}
	return nil
}

// Writer writes manifest entries to an underlying writer one line at a time.
type Writer struct {
	w     *bufio.Writer
	count int
}

// NewWriter returns a Writer that writes to w. Callers must call Flush.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one entry
func (w *Writer) Write(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	line := e.Path + "," + e.Digest + "," + strconv.FormatInt(e.Size, 10) + "\n"
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of entries written
func (w *Writer) Count() int {
	return w.count
}

// Flush writes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Encode serializes entries in order.
func Encode(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reader reads manifest entries one line at a time.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader returns a Reader over r
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next entry, or io.EOF when the manifest is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() (Entry, error) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSuffix(r.scanner.Text(), "\r")
		if text == "" {
			continue
		}
		return parseLine(text, r.line)
	}
	if err := r.scanner.Err(); err != nil {
		return Entry{}, fmt.Errorf("%w: line %d: %w", ErrMalformedManifest, r.line+1, err)
	}
	return Entry{}, io.EOF
}

// Decode parses a complete manifest.
func Decode(data []byte) ([]Entry, error) {
	r := NewReader(bytes.NewReader(data))
	entries := make([]Entry, 0)
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

func parseLine(text string, line int) (Entry, error) {
	if !utf8.ValidString(text) {
		return Entry{}, fmt.Errorf("%w: line %d: not valid UTF-8", ErrMalformedManifest, line)
	}
	fields := strings.Split(text, ",")
	if len(fields) != fieldCount {
		return Entry{}, fmt.Errorf("%w: line %d: expected %d fields, got %d",
			ErrMalformedManifest, line, fieldCount, len(fields))
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size < 0 {
		return Entry{}, fmt.Errorf("%w: line %d: size %q is not a non-negative integer",
			ErrMalformedManifest, line, fields[2])
	}
	if fields[0] == "" {
		return Entry{}, fmt.Errorf("%w: line %d: empty path", ErrMalformedManifest, line)
	}
	return Entry{Path: fields[0], Digest: fields[1], Size: size}, nil
}
