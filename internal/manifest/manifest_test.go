package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	d1 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	d2 = "486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7"
)

func TestEncode_Format(t *testing.T) {
	t.Parallel()

	data, err := Encode([]Entry{
		{Path: "a/1/a.1.nupkg", Digest: d1, Size: 10},
		{Path: "b/1/b.1.nupkg", Digest: d2, Size: 20},
	})
	require.NoError(t, err)

	expected := "a/1/a.1.nupkg," + d1 + ",10\n" +
		"b/1/b.1.nupkg," + d2 + ",20\n"
	assert.Equal(t, expected, string(data))
}

func TestEncode_Empty(t *testing.T) {
	t.Parallel()

	data, err := Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, data)

	entries, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEncode_Deterministic(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Path: "x", Digest: d1, Size: 1},
		{Path: "y", Digest: d2, Size: 2},
	}
	first, err := Encode(entries)
	require.NoError(t, err)
	second, err := Encode(append([]Entry(nil), entries...))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for trial := range 25 {
		n := rng.IntN(50)
		entries := make([]Entry, 0, n)
		for i := range n {
			entries = append(entries, Entry{
				Path:   fmt.Sprintf("pkg-%d/%d.%d/pkg-%d.%d.nupkg", trial, i, rng.IntN(100), trial, i),
				Digest: []string{d1, d2}[rng.IntN(2)],
				Size:   rng.Int64N(1 << 40),
			})
		}

		data, err := Encode(entries)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)

		if diff := cmp.Diff(entries, decoded); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncode_RejectsUnencodableEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry Entry
	}{
		{name: "comma in path", entry: Entry{Path: "a,b", Digest: d1, Size: 1}},
		{name: "newline in path", entry: Entry{Path: "a\nb", Digest: d1, Size: 1}},
		{name: "empty path", entry: Entry{Path: "", Digest: d1, Size: 1}},
		{name: "negative size", entry: Entry{Path: "a", Digest: d1, Size: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Encode([]Entry{tt.entry})
			assert.ErrorIs(t, err, ErrUnencodableEntry)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		wantLine string
	}{
		{name: "too few fields", input: "a," + d1 + "\n", wantLine: "line 1"},
		{name: "too many fields", input: "a," + d1 + ",1,extra\n", wantLine: "line 1"},
		{name: "non numeric size", input: "a," + d1 + ",1\nb," + d2 + ",ten\n", wantLine: "line 2"},
		{name: "negative size", input: "a," + d1 + ",-4\n", wantLine: "line 1"},
		{name: "empty path", input: "," + d1 + ",4\n", wantLine: "line 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.input))
			require.ErrorIs(t, err, ErrMalformedManifest)
			assert.Contains(t, err.Error(), tt.wantLine)
		})
	}
}

func TestDecode_ToleratesCRLFAndBlankLines(t *testing.T) {
	t.Parallel()

	entries, err := Decode([]byte("a," + d1 + ",1\r\n\r\nb," + d2 + ",2"))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Path: "a", Digest: d1, Size: 1},
		{Path: "b", Digest: d2, Size: 2},
	}, entries)
}

func TestReader_Streams(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := range 1000 {
		fmt.Fprintf(&sb, "p%d,%s,%d\n", i, d1, i)
	}

	r := NewReader(strings.NewReader(sb.String()))
	count := 0
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, int64(count), e.Size)
		count++
	}
	assert.Equal(t, 1000, count)
}

func TestWriter_Count(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Entry{Path: "a", Digest: d1, Size: 1}))
	require.NoError(t, w.Write(Entry{Path: "b", Digest: d2, Size: 2}))
	require.NoError(t, w.Flush())
	assert.Equal(t, 2, w.Count())
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}
