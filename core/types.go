package core

// CompressionType names the codec a spill frame was written with. Values are
// persisted in file and frame headers, so they are wire format: never
// renumber or reuse one.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression
// algorithms operating on whole blocks. Implementations are stateless and
// safe for concurrent use.
//
// Both methods take a destination slice so callers can reuse scratch
// buffers across frames; the returned slice may alias dst (or, for the
// no-op compressor, src).
type Compressor interface {
	// Compress compresses src into dst. dst may be nil or too small, in
	// which case a new slice is allocated. Output at least as long as src
	// means the input was incompressible; such output is not a decodable
	// block and the caller must store src unchanged instead.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress decompresses src into dst. The caller supplies the exact
	// uncompressed size via cap(dst) when the underlying format does not
	// record it (block formats such as LZ4).
	Decompress(dst, src []byte) ([]byte, error)
	// Type reports which codec this is, for stamping into headers.
	Type() CompressionType
}

// Indexed by CompressionType. Appending here is how a new codec gets a name.
var compressionNames = [...]string{"none", "snappy", "lz4", "zstd"}

// String returns the codec name as it appears in configuration files.
func (ct CompressionType) String() string {
	if int(ct) < len(compressionNames) {
		return compressionNames[ct]
	}
	return "unknown"
}

// Valid reports whether ct is a codec this build can decode.
func (ct CompressionType) Valid() bool {
	return int(ct) < len(compressionNames)
}
