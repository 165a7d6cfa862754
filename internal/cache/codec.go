package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"

	"github.com/klauspost/compress/zstd"
)

func init() {
	// Register http.Header for gob encoding (it's a map[string][]string).
	gob.Register(http.Header{})
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zenc, _ = zstd.NewWriter(nil)
	zdec, _ = zstd.NewReader(nil)
)

// encodeEntry gob-encodes entry, zstd-compressing the result when compress
// is set.
func encodeEntry(entry *Entry, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	if !compress {
		return buf.Bytes(), nil
	}
	return zenc.EncodeAll(buf.Bytes(), nil), nil
}

// decodeEntry accepts both compressed and plain encodings so the compress
// setting can change without invalidating stored snapshots.
func decodeEntry(data []byte) (*Entry, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := zdec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress entry: %w", err)
		}
		data = plain
	}
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}
