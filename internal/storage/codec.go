package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Values above compressThreshold are stored as an lz4 block behind an
// 8-byte magic and a 4-byte little-endian uncompressed size, the same
// framing Firefox uses for its session files.
const compressThreshold = 4 << 10

var lz4Magic = []byte("tgrLz40\x00")

const headerSize = 12 // 8 magic + 4 size

func encodeValue(v []byte) ([]byte, error) {
	if len(v) < compressThreshold {
		return v, nil
	}
	buf := make([]byte, headerSize+lz4.CompressBlockBound(len(v)))
	copy(buf, lz4Magic)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(v)))

	var c lz4.Compressor
	n, err := c.CompressBlock(v, buf[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("lz4: compress failed: %w", err)
	}
	if n == 0 {
		// Incompressible; store as-is.
		return v, nil
	}
	return buf[:headerSize+n], nil
}

func decodeValue(data []byte) ([]byte, error) {
	if len(data) < headerSize || !bytes.Equal(data[:len(lz4Magic)], lz4Magic) {
		return data, nil
	}
	size := binary.LittleEndian.Uint32(data[8:12])
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data[headerSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4: decompress failed: %w", err)
	}
	return dst[:n], nil
}
