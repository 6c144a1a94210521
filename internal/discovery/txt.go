package discovery

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// The metadata payload is opaque bytes; mDNS TXT records carry it base64
// encoded and split into chunks small enough for one record each.
const txtChunkSize = 200

// encodeTXT renders the node id and metadata payload into TXT records.
func encodeTXT(id string, metadata []byte) []string {
	txt := []string{"id=" + id}
	if len(metadata) == 0 {
		return txt
	}
	enc := base64.StdEncoding.EncodeToString(metadata)
	for i, n := 0, 0; i < len(enc); i, n = i+txtChunkSize, n+1 {
		end := i + txtChunkSize
		if end > len(enc) {
			end = len(enc)
		}
		txt = append(txt, fmt.Sprintf("p%d=%s", n, enc[i:end]))
	}
	return txt
}

// decodeTXT extracts the node id and metadata payload from TXT records.
// Records from other schemas are ignored.
func decodeTXT(txt []string) (id string, metadata []byte, err error) {
	chunks := map[int]string{}
	for _, record := range txt {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		if key == "id" {
			id = value
			continue
		}
		if strings.HasPrefix(key, "p") {
			n, convErr := strconv.Atoi(key[1:])
			if convErr != nil {
				continue
			}
			chunks[n] = value
		}
	}

	if len(chunks) == 0 {
		return id, nil, nil
	}
	indexes := make([]int, 0, len(chunks))
	for n := range chunks {
		indexes = append(indexes, n)
	}
	sort.Ints(indexes)

	var enc strings.Builder
	for want, n := range indexes {
		if n != want {
			return id, nil, fmt.Errorf("metadata chunk %d missing", want)
		}
		enc.WriteString(chunks[n])
	}

	metadata, err = base64.StdEncoding.DecodeString(enc.String())
	if err != nil {
		return id, nil, fmt.Errorf("decode metadata: %w", err)
	}
	return id, metadata, nil
}
