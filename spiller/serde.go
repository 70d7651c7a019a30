package spiller

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/nexusquery/compressors"
	"github.com/INLOpen/nexusquery/core"
)

// On-disk frame layout, all integers little-endian:
//
//	positionCount    uint32
//	markers          uint8   (core.PageCodecMarker bits)
//	uncompressedSize uint32  (encoded page body size before any transform)
//	payloadSize      uint32
//	payload          [payloadSize]byte
//	checksum         uint32  (CRC32 IEEE over payload as stored)
//
// The payload is the encoded page body, possibly compressed, possibly
// encrypted, in that order. Each transform is recorded in the marker bits
// so the reader works from the file contents alone.
const (
	frameHeaderSize   = 4 + 1 + 4 + 4
	frameChecksumSize = 4

	// maxFramePayloadSize bounds the allocation a single frame may demand,
	// protecting readers from corrupt length fields.
	maxFramePayloadSize = 1 << 30
)

// writeFileHeader writes the spill file header identifying the file, the
// codec its compressed frames use and the width of its pages.
func writeFileHeader(w io.Writer, compressorType core.CompressionType, columns int) (int, error) {
	header := core.NewFileHeader(core.SpillMagicNumber, compressorType, columns)
	n, err := header.WriteTo(w)
	if err != nil {
		return 0, fmt.Errorf("failed to write spill file header: %w", err)
	}
	return int(n), nil
}

// readFileHeader reads the spill file header and validates it against the
// page width the reader expects.
func readFileHeader(r io.Reader, file string, columns int) (core.FileHeader, error) {
	var header core.FileHeader
	if _, err := header.ReadFrom(r); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return header, &core.CorruptionError{File: file, Reason: "truncated file header", Err: err}
		}
		return header, fmt.Errorf("failed to read spill file header: %w", err)
	}
	if err := header.Validate(core.SpillMagicNumber, columns); err != nil {
		return header, &core.CorruptionError{File: file, Reason: err.Error()}
	}
	return header, nil
}

// frameSerde turns pages into on-disk frames and back. A nil codec means
// frames are stored raw; a nil cipher means they are stored in the clear.
// It is not safe for concurrent use: the writer drives one instance under
// the spiller lock, each read iterator builds its own.
type frameSerde struct {
	codec   core.Compressor
	cipher  *frameCipher
	file    string // annotates corruption errors on the read path
	scratch []byte // compression scratch, reused across frames
}

// newWriteSerde builds the serde a spiller writes frames through.
func newWriteSerde(compressorType core.CompressionType, cipher *frameCipher) (*frameSerde, error) {
	s := &frameSerde{cipher: cipher}
	if compressorType != core.CompressionNone {
		codec, err := compressors.New(compressorType)
		if err != nil {
			return nil, err
		}
		s.codec = codec
	}
	return s, nil
}

// newReadSerde builds the serde a read iterator decodes frames through. The
// codec comes from the file header, never from the writer's configuration.
func newReadSerde(compressorType core.CompressionType, cipher *frameCipher, file string) (*frameSerde, error) {
	s, err := newWriteSerde(compressorType, cipher)
	if err != nil {
		return nil, err
	}
	s.file = file
	return s, nil
}

// encodeFrame writes one page as a frame to w. It returns the encoded body
// size before transforms and the payload size as stored on disk; the frame
// occupies frameHeaderSize+payloadLen+frameChecksumSize bytes in total.
func (s *frameSerde) encodeFrame(w io.Writer, page *core.Page, ordinal uint64) (bodyLen, payloadLen int, err error) {
	body := core.BufferPool.Get()
	defer core.BufferPool.Put(body)

	if err := core.EncodePageBody(body, page); err != nil {
		return 0, 0, fmt.Errorf("failed to encode page body: %w", err)
	}
	bodyLen = body.Len()

	payload := body.Bytes()
	var markers core.PageCodecMarker
	if s.codec != nil {
		compressed, err := s.codec.Compress(s.scratch, payload)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to compress spill frame: %w", err)
		}
		// Output at least as long as the input is not a decodable block;
		// store the body raw and leave the marker clear. In that case the
		// codec may have handed src back, so the scratch slice must not be
		// retained from it.
		if len(compressed) < len(payload) {
			payload = compressed
			markers = markers.Set(core.PageCompressed)
			s.scratch = compressed[:0]
		}
	}
	if s.cipher != nil {
		payload = s.cipher.Seal(payload, ordinal)
		markers = markers.Set(core.PageEncrypted)
	}
	if len(payload) > maxFramePayloadSize {
		return 0, 0, fmt.Errorf("spill frame payload of %d bytes exceeds the %d byte frame limit", len(payload), maxFramePayloadSize)
	}

	var head [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(page.PositionCount()))
	head[4] = byte(markers)
	binary.LittleEndian.PutUint32(head[5:9], uint32(bodyLen))
	binary.LittleEndian.PutUint32(head[9:13], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return 0, 0, fmt.Errorf("failed to write frame payload: %w", err)
	}
	var checksum [frameChecksumSize]byte
	binary.LittleEndian.PutUint32(checksum[:], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(checksum[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to write frame checksum: %w", err)
	}
	return bodyLen, len(payload), nil
}

// decodeFrame reads the next frame from r and rebuilds its page. It returns
// io.EOF when r is exhausted at a frame boundary; any other failure mid-frame
// is reported as corruption.
func (s *frameSerde) decodeFrame(r io.Reader, schema core.Schema, ordinal uint64) (*core.Page, error) {
	var head [frameHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("truncated header for frame %d", ordinal), Err: err}
		}
		return nil, fmt.Errorf("failed to read frame %d header: %w", ordinal, err)
	}
	positions := binary.LittleEndian.Uint32(head[0:4])
	markers := core.PageCodecMarker(head[4])
	bodyLen := binary.LittleEndian.Uint32(head[5:9])
	payloadLen := binary.LittleEndian.Uint32(head[9:13])

	if !markers.Known() {
		return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("frame %d carries unknown marker bits 0x%02X", ordinal, byte(markers))}
	}
	if payloadLen > maxFramePayloadSize || bodyLen > maxFramePayloadSize {
		return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("frame %d declares an impossible size (body=%d payload=%d)", ordinal, bodyLen, payloadLen)}
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("truncated payload for frame %d", ordinal), Err: err}
	}
	var checksum [frameChecksumSize]byte
	if _, err := io.ReadFull(r, checksum[:]); err != nil {
		return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("truncated checksum for frame %d", ordinal), Err: err}
	}
	if got, want := crc32.ChecksumIEEE(payload), binary.LittleEndian.Uint32(checksum[:]); got != want {
		return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("checksum mismatch on frame %d: got 0x%08X, want 0x%08X", ordinal, got, want)}
	}

	if markers.IsSet(core.PageEncrypted) {
		if s.cipher == nil {
			return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("frame %d is encrypted but no key is held for this file", ordinal)}
		}
		opened, err := s.cipher.Open(payload, ordinal)
		if err != nil {
			return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("failed to decrypt frame %d", ordinal), Err: err}
		}
		payload = opened
	}
	if markers.IsSet(core.PageCompressed) {
		if s.codec == nil {
			return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("frame %d is compressed but the file header records no codec", ordinal)}
		}
		decompressed, err := s.codec.Decompress(make([]byte, 0, bodyLen), payload)
		if err != nil {
			return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("failed to decompress frame %d", ordinal), Err: err}
		}
		payload = decompressed
	}
	if uint32(len(payload)) != bodyLen {
		return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("frame %d body is %d bytes, header says %d", ordinal, len(payload), bodyLen)}
	}

	page, err := core.DecodePageBody(payload, schema, int(positions))
	if err != nil {
		return nil, &core.CorruptionError{File: s.file, Reason: fmt.Sprintf("failed to decode frame %d body", ordinal), Err: err}
	}
	return page, nil
}
