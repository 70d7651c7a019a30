package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Binary layout of a page body (little-endian). The position count is not
// part of the body; it travels in the frame header.
//
//	per column:
//	  type     byte
//	  hasNulls byte (0 or 1)
//	  nulls    ceil(n/8) bytes, LSB-first, present only when hasNulls == 1
//	  payload:
//	    int64   n*8 bytes
//	    float64 n*8 bytes (IEEE 754 bits)
//	    bool    ceil(n/8) bytes, LSB-first
//	    bytes   (n+1)*4 offset bytes, then the concatenated values

// packBools packs a bool slice into an LSB-first bitmap.
func packBools(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// unpackBools expands an LSB-first bitmap into n bools.
func unpackBools(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out
}

// EncodePageBody appends the binary body of p to buf.
func EncodePageBody(buf *bytes.Buffer, p *Page) error {
	var scratch [8]byte
	for i := 0; i < p.ColumnCount(); i++ {
		col := p.Column(i)
		buf.WriteByte(byte(col.typ))
		if col.nulls != nil {
			buf.WriteByte(1)
			buf.Write(packBools(col.nulls))
		} else {
			buf.WriteByte(0)
		}
		switch col.typ {
		case ColumnInt64:
			for _, v := range col.int64s {
				binary.LittleEndian.PutUint64(scratch[:8], uint64(v))
				buf.Write(scratch[:8])
			}
		case ColumnFloat64:
			for _, v := range col.float64s {
				binary.LittleEndian.PutUint64(scratch[:8], math.Float64bits(v))
				buf.Write(scratch[:8])
			}
		case ColumnBool:
			buf.Write(packBools(col.bools))
		case ColumnBytes:
			var off uint32
			binary.LittleEndian.PutUint32(scratch[:4], 0)
			buf.Write(scratch[:4])
			for _, v := range col.blobs {
				if int64(off)+int64(len(v)) > math.MaxUint32 {
					return fmt.Errorf("bytes column %d exceeds the 4 GiB frame limit", i)
				}
				off += uint32(len(v))
				binary.LittleEndian.PutUint32(scratch[:4], off)
				buf.Write(scratch[:4])
			}
			for _, v := range col.blobs {
				buf.Write(v)
			}
		default:
			return fmt.Errorf("unknown column type %d in column %d", byte(col.typ), i)
		}
	}
	return nil
}

// bodyReader tracks a decode position inside a page body and reports
// truncation as corruption.
type bodyReader struct {
	data []byte
	off  int
}

func (r *bodyReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, &CorruptionError{Reason: fmt.Sprintf("page body truncated: need %d bytes at offset %d of %d", n, r.off, len(r.data))}
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *bodyReader) takeByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// DecodePageBody reconstructs a page from its binary body. The schema and
// position count come from the caller (the frame header and the spiller's
// bound schema); any disagreement with the body is reported as corruption.
func DecodePageBody(data []byte, schema Schema, positions int) (*Page, error) {
	if positions < 0 {
		return nil, &CorruptionError{Reason: fmt.Sprintf("negative position count %d", positions)}
	}
	r := &bodyReader{data: data}
	columns := make([]*Column, 0, len(schema))
	for i, want := range schema {
		typByte, err := r.takeByte()
		if err != nil {
			return nil, err
		}
		typ := ColumnType(typByte)
		if typ != want {
			return nil, &CorruptionError{Reason: fmt.Sprintf("column %d has type %s, schema expects %s", i, typ, want)}
		}
		hasNulls, err := r.takeByte()
		if err != nil {
			return nil, err
		}
		if hasNulls > 1 {
			return nil, &CorruptionError{Reason: fmt.Sprintf("column %d has invalid null flag %d", i, hasNulls)}
		}
		var nulls []bool
		if hasNulls == 1 {
			raw, err := r.take((positions + 7) / 8)
			if err != nil {
				return nil, err
			}
			nulls = unpackBools(raw, positions)
		}
		col := &Column{typ: typ, nulls: nulls}
		switch typ {
		case ColumnInt64:
			raw, err := r.take(positions * 8)
			if err != nil {
				return nil, err
			}
			col.int64s = make([]int64, positions)
			for j := range col.int64s {
				col.int64s[j] = int64(binary.LittleEndian.Uint64(raw[j*8:]))
			}
		case ColumnFloat64:
			raw, err := r.take(positions * 8)
			if err != nil {
				return nil, err
			}
			col.float64s = make([]float64, positions)
			for j := range col.float64s {
				col.float64s[j] = math.Float64frombits(binary.LittleEndian.Uint64(raw[j*8:]))
			}
		case ColumnBool:
			raw, err := r.take((positions + 7) / 8)
			if err != nil {
				return nil, err
			}
			col.bools = unpackBools(raw, positions)
		case ColumnBytes:
			raw, err := r.take((positions + 1) * 4)
			if err != nil {
				return nil, err
			}
			offsets := make([]uint32, positions+1)
			for j := range offsets {
				offsets[j] = binary.LittleEndian.Uint32(raw[j*4:])
			}
			if offsets[0] != 0 {
				return nil, &CorruptionError{Reason: fmt.Sprintf("column %d offsets do not start at zero", i)}
			}
			for j := 0; j < positions; j++ {
				if offsets[j+1] < offsets[j] {
					return nil, &CorruptionError{Reason: fmt.Sprintf("column %d offsets are not monotonic at position %d", i, j)}
				}
			}
			blob, err := r.take(int(offsets[positions]))
			if err != nil {
				return nil, err
			}
			col.blobs = make([][]byte, positions)
			for j := 0; j < positions; j++ {
				start, end := offsets[j], offsets[j+1]
				if end > start {
					col.blobs[j] = append([]byte(nil), blob[start:end]...)
				}
			}
		default:
			return nil, &CorruptionError{Reason: fmt.Sprintf("column %d has unknown type %d", i, typByte)}
		}
		columns = append(columns, col)
	}
	if r.off != len(data) {
		return nil, &CorruptionError{Reason: fmt.Sprintf("page body has %d trailing bytes", len(data)-r.off)}
	}
	return &Page{positions: positions, columns: columns}, nil
}
