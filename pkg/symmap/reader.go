package symmap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DetectCompression checks whether loaded file bytes are compressed and
// decompresses them if needed. Symbol servers commonly serve gzip- or
// zstd-compressed debug files; uncompressed data is returned as-is.
func DetectCompression(data []byte) ([]byte, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()

		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress gzip data: %w", err)
		}
		return decompressed, nil
	}

	// zstd magic bytes: 0x28, 0xb5, 0x2f, 0xfd
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()

		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd data: %w", err)
		}
		return decompressed, nil
	}

	return data, nil
}
