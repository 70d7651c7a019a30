package compressors

import (
	"fmt"
	"strings"

	"github.com/INLOpen/nexusquery/core"
)

var (
	_ core.Compressor = (*NoopCompressor)(nil)
	_ core.Compressor = (*SnappyCompressor)(nil)
	_ core.Compressor = (*LZ4Compressor)(nil)
	_ core.Compressor = (*ZstdCompressor)(nil)
)

// New returns a Compressor instance for the given CompressionType. Readers
// use it to decode frames by the type recorded in the file header rather
// than by their own configuration.
func New(compressionType core.CompressionType) (core.Compressor, error) {
	switch compressionType {
	case core.CompressionNone:
		return &NoopCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression type: %d", compressionType)
	}
}

// ParseType maps a configuration string like "snappy" to its
// CompressionType. The empty string means no compression.
func ParseType(s string) (core.CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression type %q", s)
	}
}

// NoopCompressor hands frames through untouched. It backs CompressionNone
// and keeps the write path uniform: callers always go through a Compressor,
// whether or not the file is actually compressed.
type NoopCompressor struct{}

func (c *NoopCompressor) Compress(dst, src []byte) ([]byte, error) {
	// dst is deliberately unused; aliasing src avoids a copy per frame.
	return src, nil
}

func (c *NoopCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return src, nil
}

func (c *NoopCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
