// Package content defines the content-address model shared by every component:
// natural keys for content units, SHA-256 digests for artifacts, and the
// records that associate the two.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// ErrDigestMismatch is returned when fetched bytes do not hash to the digest
// declared for them.
var ErrDigestMismatch = errors.New("digest mismatch")

// ErrInvalidDigest is returned when a string is not a hex encoded SHA-256 digest.
var ErrInvalidDigest = errors.New("invalid digest")

// digestLength is the length of a hex encoded SHA-256 digest.
const digestLength = sha256.Size * 2

// Digest is a lowercase hex encoded SHA-256 digest.
type Digest string

// String returns the digest as a string
func (d Digest) String() string {
	return string(d)
}

// Short returns the first 12 characters of the digest, for log output.
func (d Digest) Short() string {
	if len(d) > 12 {
		return string(d[:12])
	}
	return string(d)
}

// ParseDigest validates s and returns it as a canonical Digest.
// Uppercase hex is accepted and lower-cased.
func ParseDigest(s string) (Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != digestLength {
		return "", fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidDigest, digestLength, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return Digest(s), nil
}

// DigestOf returns the SHA-256 digest of data.
func DigestOf(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

// DigestReader consumes r and returns its digest and length.
func DigestReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), n, nil
}

// Verifier is an io.Writer that hashes everything written to it and checks
// the result against an expected digest and size.
type Verifier struct {
	expected     Digest
	expectedSize int64
	hash         hash.Hash
	written      int64
}

// NewVerifier returns a Verifier for the expected digest. A negative
// expectedSize disables the size check.
func NewVerifier(expected Digest, expectedSize int64) *Verifier {
	return &Verifier{
		expected:     expected,
		expectedSize: expectedSize,
		hash:         sha256.New(),
	}
}

// Write implements io.Writer
func (v *Verifier) Write(p []byte) (int, error) {
	n, err := v.hash.Write(p)
	v.written += int64(n)
	return n, err
}

// Written returns the number of bytes hashed so far
func (v *Verifier) Written() int64 {
	return v.written
}

// Sum returns the digest of the bytes written so far
func (v *Verifier) Sum() Digest {
	return Digest(hex.EncodeToString(v.hash.Sum(nil)))
}

// Verify checks the written bytes against the expected digest and size.
// The returned error wraps ErrDigestMismatch.
func (v *Verifier) Verify() error {
	if v.expectedSize >= 0 && v.written != v.expectedSize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrDigestMismatch, v.expectedSize, v.written)
	}
	if actual := v.Sum(); actual != v.expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, v.expected, actual)
	}
	return nil
}
