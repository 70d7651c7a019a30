package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusquery/core"
	"github.com/klauspost/compress/zstd"
)

// maxZstdFrameSize bounds how much memory a single decoded frame may claim,
// protecting readers from corrupt or hostile size fields.
const maxZstdFrameSize = 256 * 1024 * 1024

// ZstdCompressor implements the Compressor interface using zstd. A single
// encoder/decoder pair is shared; EncodeAll and DecodeAll are safe for
// concurrent use.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxZstdFrameSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd: new decoder: %w", err)
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, dst[:0]), nil
}

func (c *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	decompressed, err := c.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd: decompress %d-byte frame: %w", len(src), err)
	}
	return decompressed, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
