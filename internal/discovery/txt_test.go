package discovery

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		metadata []byte
	}{
		{"empty", nil},
		{"short", []byte(`{"name":"office-pc"}`)},
		{"multi chunk", bytes.Repeat([]byte("abcdefgh"), 100)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			txt := encodeTXT("node-1", tc.metadata)

			id, got, err := decodeTXT(txt)
			require.NoError(t, err)
			assert.Equal(t, "node-1", id)
			if len(tc.metadata) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tc.metadata, got)
			}
		})
	}
}

func TestDecodeTXTMissingChunk(t *testing.T) {
	txt := encodeTXT("node-1", bytes.Repeat([]byte("x"), 500))
	require.Greater(t, len(txt), 2, "payload must span several chunks")

	// Drop the first payload chunk.
	broken := append([]string{txt[0]}, txt[2:]...)
	_, _, err := decodeTXT(broken)
	assert.Error(t, err)
}

func TestDecodeTXTIgnoresForeignRecords(t *testing.T) {
	id, metadata, err := decodeTXT([]string{"vers=1", "id=node-2", "garbage"})
	require.NoError(t, err)
	assert.Equal(t, "node-2", id)
	assert.Empty(t, metadata)
}

func TestCurrentKindIsValid(t *testing.T) {
	kind := CurrentKind()
	assert.Contains(t, []string{"Windows", "Android", "Apple", "Linux"}, string(kind))
}
