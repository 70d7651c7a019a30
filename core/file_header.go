package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader prefixes every spill file. CompressorType records which codec
// compressed frames in the file use (whether a given frame is actually
// compressed is recorded per frame), and Columns records the width of every
// page in the file so a reader can reject a file wired to the wrong stream.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // nanoseconds since the Unix epoch
	CompressorType CompressionType
	Columns        uint16
}

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(magic uint32, compressorType CompressionType, columns int) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
		Columns:        uint16(columns),
	}
}

// Size returns the encoded length of the header in bytes.
func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// WriteTo encodes the header in little-endian wire order.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return int64(h.Size()), nil
}

// ReadFrom decodes the header from r.
func (h *FileHeader) ReadFrom(r io.Reader) (int64, error) {
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return int64(h.Size()), nil
}

// Validate checks a decoded header against the expected magic number and
// page width, and against the formats this build can read.
func (h *FileHeader) Validate(magic uint32, columns int) error {
	if h.Magic != magic {
		return fmt.Errorf("bad magic number 0x%08X, want 0x%08X", h.Magic, magic)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("unsupported format version %d, want %d", h.Version, FormatVersion)
	}
	if !h.CompressorType.Valid() {
		return fmt.Errorf("unknown compressor type %d", byte(h.CompressorType))
	}
	if int(h.Columns) != columns {
		return fmt.Errorf("file carries %d-column pages, want %d", h.Columns, columns)
	}
	return nil
}
