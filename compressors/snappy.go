package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusquery/core"
	"github.com/golang/snappy"
)

// SnappyCompressor encodes frames with the snappy block format. It is the
// default codec for spill files: cheap enough that compressing is almost
// always faster than writing the extra bytes.
type SnappyCompressor struct{}

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	// Encode falls back to allocating when the scratch slice is too small,
	// so hand it the full capacity rather than the length.
	return snappy.Encode(dst[:cap(dst)], src), nil
}

func (c *SnappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	// The block format records the decoded length itself; dst is purely an
	// allocation-avoidance hint.
	decompressed, err := snappy.Decode(dst[:cap(dst)], src)
	if err != nil {
		return nil, fmt.Errorf("snappy: decode %d-byte block: %w", len(src), err)
	}
	return decompressed, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
