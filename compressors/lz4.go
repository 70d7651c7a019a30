package compressors

import (
	"errors"
	"fmt"

	"github.com/INLOpen/nexusquery/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block
// format.
type LZ4Compressor struct{}

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(dst, src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	} else {
		dst = dst[:bound]
	}
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4: compress %d-byte block: %w", len(src), err)
	}
	if n == 0 && len(src) > 0 {
		// CompressBlock signals incompressible input with a zero length.
		// Hand src back unchanged; the caller stores it raw.
		return src, nil
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	// The LZ4 block format does not record the original size, so cap(dst)
	// normally carries it. When the caller could not size dst, grow until
	// the block fits.
	if cap(dst) == 0 {
		dst = make([]byte, 4*len(src))
	}
	const maxDecompressedSize = 1 << 30
	for {
		n, err := lz4.UncompressBlock(src, dst[:cap(dst)])
		if err == nil {
			return dst[:n], nil
		}
		if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			if cap(dst) >= maxDecompressedSize {
				return nil, fmt.Errorf("lz4: decompressed output exceeds %d bytes", maxDecompressedSize)
			}
			dst = make([]byte, 2*cap(dst))
			continue
		}
		return nil, fmt.Errorf("lz4: decompress %d-byte block: %w", len(src), err)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
