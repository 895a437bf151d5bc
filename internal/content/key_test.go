package content

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		metadata Metadata
		want     NaturalKey
		wantErr  bool
	}{
		{
			name:     "canonicalises case",
			metadata: Metadata{PackageID: "Newtonsoft.Json", Version: "13.0.1-Beta", Digest: helloDigest},
			want:     NaturalKey{PackageID: "newtonsoft.json", Version: "13.0.1-beta", Digest: Digest(helloDigest)},
		},
		{
			name:     "missing id",
			metadata: Metadata{Version: "1.0.0", Digest: helloDigest},
			wantErr:  true,
		},
		{
			name:     "missing version",
			metadata: Metadata{PackageID: "a", Digest: helloDigest},
			wantErr:  true,
		},
		{
			name:     "slash in id",
			metadata: Metadata{PackageID: "a/b", Version: "1.0.0", Digest: helloDigest},
			wantErr:  true,
		},
		{
			name:     "comma in version",
			metadata: Metadata{PackageID: "a", Version: "1,0", Digest: helloDigest},
			wantErr:  true,
		},
		{
			name:     "bad digest",
			metadata: Metadata{PackageID: "a", Version: "1.0.0", Digest: "nope"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Identify(tt.metadata)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMetadata)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := Identify(tt.metadata)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestNaturalKey_DefaultRelativePath(t *testing.T) {
	t.Parallel()

	key := NaturalKey{PackageID: "serilog", Version: "3.1.1", Digest: Digest(helloDigest)}
	assert.Equal(t, "serilog/3.1.1/serilog.3.1.1.nupkg", key.DefaultRelativePath())
}

func TestNaturalKey_Compare(t *testing.T) {
	t.Parallel()

	keys := []NaturalKey{
		{PackageID: "b", Version: "1.0.0", Digest: "02"},
		{PackageID: "a", Version: "2.0.0", Digest: "01"},
		{PackageID: "a", Version: "1.0.0", Digest: "02"},
		{PackageID: "a", Version: "1.0.0", Digest: "01"},
	}
	slices.SortFunc(keys, NaturalKey.Compare)

	assert.Equal(t, []NaturalKey{
		{PackageID: "a", Version: "1.0.0", Digest: "01"},
		{PackageID: "a", Version: "1.0.0", Digest: "02"},
		{PackageID: "a", Version: "2.0.0", Digest: "01"},
		{PackageID: "b", Version: "1.0.0", Digest: "02"},
	}, keys)
}
