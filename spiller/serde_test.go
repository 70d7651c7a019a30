package spiller

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/INLOpen/nexusquery/core"
	"github.com/stretchr/testify/require"
)

func TestFileHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	n, err := writeFileHeader(&buf, core.CompressionZSTD, 4)
	require.NoError(t, err)
	require.Equal(t, n, buf.Len())

	header, err := readFileHeader(&buf, "spill-test.bin", 4)
	require.NoError(t, err)
	require.Equal(t, core.SpillMagicNumber, header.Magic)
	require.Equal(t, core.FormatVersion, header.Version)
	require.Equal(t, core.CompressionZSTD, header.CompressorType)
	require.Equal(t, uint16(4), header.Columns)
}

func TestReadFileHeaderRejectsBadHeaders(t *testing.T) {
	var buf bytes.Buffer
	_, err := writeFileHeader(&buf, core.CompressionNone, 2)
	require.NoError(t, err)
	good := buf.Bytes()

	mutate := func(m func([]byte)) []byte {
		clone := append([]byte(nil), good...)
		m(clone)
		return clone
	}

	cases := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "bad magic",
			data: mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[0:4], 0xDEADBEEF) }),
			want: "bad magic number",
		},
		{
			name: "unsupported version",
			data: mutate(func(b []byte) { b[4] = 99 }),
			want: "unsupported format version",
		},
		{
			name: "unknown compressor",
			data: mutate(func(b []byte) { b[13] = 77 }),
			want: "unknown compressor type",
		},
		{
			name: "wrong page width",
			data: mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[14:16], 9) }),
			want: "9-column pages, want 2",
		},
		{
			name: "truncated",
			data: good[:5],
			want: "truncated file header",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := readFileHeader(bytes.NewReader(tc.data), "spill-test.bin", 2)
			require.Error(t, err)
			require.True(t, core.IsCorruption(err))
			require.ErrorContains(t, err, tc.want)
			require.ErrorContains(t, err, "spill-test.bin")
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name        string
		compression core.CompressionType
		encrypt     bool
	}{
		{"raw", core.CompressionNone, false},
		{"snappy", core.CompressionSnappy, false},
		{"lz4", core.CompressionLZ4, false},
		{"zstd", core.CompressionZSTD, false},
		{"raw-encrypted", core.CompressionNone, true},
		{"zstd-encrypted", core.CompressionZSTD, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cipher *frameCipher
			if tc.encrypt {
				var err error
				cipher, err = newFrameCipher()
				require.NoError(t, err)
			}
			writeSerde, err := newWriteSerde(tc.compression, cipher)
			require.NoError(t, err)
			readSerde, err := newReadSerde(tc.compression, cipher, "spill-test.bin")
			require.NoError(t, err)

			pages := []*core.Page{makePage(t, 100), makePage(t, 0), makePage(t, 1)}
			var buf bytes.Buffer
			for i, page := range pages {
				bodyLen, payloadLen, err := writeSerde.encodeFrame(&buf, page, uint64(i))
				require.NoError(t, err)
				require.Positive(t, bodyLen)
				require.Positive(t, payloadLen)
			}

			for i, want := range pages {
				got, err := readSerde.decodeFrame(&buf, want.Schema(), uint64(i))
				require.NoError(t, err)
				require.True(t, want.Equal(got), "page %d did not survive the round trip", i)
			}
			_, err = readSerde.decodeFrame(&buf, pages[0].Schema(), uint64(len(pages)))
			require.Equal(t, io.EOF, err)
		})
	}
}

func TestEncodeFrameCompressesWhenSmaller(t *testing.T) {
	page := compressiblePage(t, 400)
	serde, err := newWriteSerde(core.CompressionSnappy, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	bodyLen, payloadLen, err := serde.encodeFrame(&buf, page, 0)
	require.NoError(t, err)
	require.Less(t, payloadLen, bodyLen)

	frame := buf.Bytes()
	markers := core.PageCodecMarker(frame[4])
	require.True(t, markers.IsSet(core.PageCompressed))
	require.False(t, markers.IsSet(core.PageEncrypted))
}

func TestEncodeFrameStoresIncompressibleRaw(t *testing.T) {
	blob := make([]byte, 4096)
	_, err := rand.Read(blob)
	require.NoError(t, err)
	col, err := core.NewBytesColumn([][]byte{blob}, nil)
	require.NoError(t, err)
	page, err := core.NewPage(col)
	require.NoError(t, err)

	serde, err := newWriteSerde(core.CompressionLZ4, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	bodyLen, payloadLen, err := serde.encodeFrame(&buf, page, 0)
	require.NoError(t, err)
	require.Equal(t, bodyLen, payloadLen)

	markers := core.PageCodecMarker(buf.Bytes()[4])
	require.False(t, markers.IsSet(core.PageCompressed))

	readSerde, err := newReadSerde(core.CompressionLZ4, nil, "")
	require.NoError(t, err)
	got, err := readSerde.decodeFrame(&buf, page.Schema(), 0)
	require.NoError(t, err)
	require.True(t, page.Equal(got))
}

func TestDecodeFrameDetectsCorruption(t *testing.T) {
	page := makePage(t, 10)
	writeSerde, err := newWriteSerde(core.CompressionNone, nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _, err = writeSerde.encodeFrame(&buf, page, 0)
	require.NoError(t, err)
	good := buf.Bytes()

	mutate := func(m func([]byte)) []byte {
		clone := append([]byte(nil), good...)
		m(clone)
		return clone
	}
	decode := func(data []byte) error {
		serde, err := newReadSerde(core.CompressionNone, nil, "spill-test.bin")
		require.NoError(t, err)
		_, err = serde.decodeFrame(bytes.NewReader(data), page.Schema(), 0)
		return err
	}

	cases := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "flipped payload byte",
			data: mutate(func(b []byte) { b[frameHeaderSize+3] ^= 0xFF }),
			want: "checksum mismatch",
		},
		{
			name: "unknown marker bits",
			data: mutate(func(b []byte) { b[4] |= 0x80 }),
			want: "unknown marker bits",
		},
		{
			name: "impossible payload size",
			data: mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[9:13], 1<<31) }),
			want: "impossible size",
		},
		{
			name: "compressed bit without a codec",
			data: mutate(func(b []byte) { b[4] |= byte(core.PageCompressed) }),
			want: "records no codec",
		},
		{
			name: "body length mismatch",
			data: mutate(func(b []byte) {
				bodyLen := binary.LittleEndian.Uint32(b[5:9])
				binary.LittleEndian.PutUint32(b[5:9], bodyLen+1)
			}),
			want: "header says",
		},
		{
			name: "truncated header",
			data: good[:5],
			want: "truncated header",
		},
		{
			name: "truncated payload",
			data: good[:frameHeaderSize+2],
			want: "truncated payload",
		},
		{
			name: "truncated checksum",
			data: good[:len(good)-2],
			want: "truncated checksum",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := decode(tc.data)
			require.Error(t, err)
			require.True(t, core.IsCorruption(err), "expected a corruption error, got %v", err)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestDecodeFrameEncryptionErrors(t *testing.T) {
	page := makePage(t, 10)
	cipher, err := newFrameCipher()
	require.NoError(t, err)
	writeSerde, err := newWriteSerde(core.CompressionNone, cipher)
	require.NoError(t, err)

	encode := func() *bytes.Reader {
		var buf bytes.Buffer
		_, _, err := writeSerde.encodeFrame(&buf, page, 0)
		require.NoError(t, err)
		return bytes.NewReader(buf.Bytes())
	}

	t.Run("no key held", func(t *testing.T) {
		serde, err := newReadSerde(core.CompressionNone, nil, "spill-test.bin")
		require.NoError(t, err)
		_, err = serde.decodeFrame(encode(), page.Schema(), 0)
		require.True(t, core.IsCorruption(err))
		require.ErrorContains(t, err, "no key is held")
	})

	t.Run("wrong key", func(t *testing.T) {
		otherCipher, err := newFrameCipher()
		require.NoError(t, err)
		serde, err := newReadSerde(core.CompressionNone, otherCipher, "spill-test.bin")
		require.NoError(t, err)
		_, err = serde.decodeFrame(encode(), page.Schema(), 0)
		require.True(t, core.IsCorruption(err))
		require.ErrorContains(t, err, "failed to decrypt")
	})

	t.Run("wrong frame ordinal", func(t *testing.T) {
		serde, err := newReadSerde(core.CompressionNone, cipher, "spill-test.bin")
		require.NoError(t, err)
		_, err = serde.decodeFrame(encode(), page.Schema(), 7)
		require.True(t, core.IsCorruption(err))
		require.ErrorContains(t, err, "failed to decrypt")
	})
}
