package core

import (
	"bytes"
	"fmt"
)

// ColumnType identifies the value type of a single page column.
type ColumnType byte

const (
	ColumnInt64   ColumnType = 1
	ColumnFloat64 ColumnType = 2
	ColumnBool    ColumnType = 3
	ColumnBytes   ColumnType = 4
)

// String returns the string representation of the ColumnType.
func (t ColumnType) String() string {
	switch t {
	case ColumnInt64:
		return "int64"
	case ColumnFloat64:
		return "float64"
	case ColumnBool:
		return "bool"
	case ColumnBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnInt64, ColumnFloat64, ColumnBool, ColumnBytes:
		return true
	}
	return false
}

// Schema is the ordered list of column types a page (and a spiller bound to
// it) must carry.
type Schema []ColumnType

// Validate checks that the schema is non-empty and every type is known.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema must have at least one column")
	}
	for i, t := range s {
		if !t.Valid() {
			return fmt.Errorf("schema column %d has unknown type %d", i, byte(t))
		}
	}
	return nil
}

// Equal reports whether two schemas have the same column types in order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Column is a single typed column of a page. Values are copied at
// construction and slots flagged null are normalized to the zero value, so
// two columns built from equivalent inputs compare equal byte for byte.
type Column struct {
	typ   ColumnType
	nulls []bool // nil when the column has no nulls

	int64s   []int64
	float64s []float64
	bools    []bool
	blobs    [][]byte
}

// normalizeNulls copies the null mask, returning nil when every slot is
// non-null so the no-null case has a single canonical representation.
func normalizeNulls(nulls []bool, n int) ([]bool, error) {
	if nulls == nil {
		return nil, nil
	}
	if len(nulls) != n {
		return nil, fmt.Errorf("null mask length %d does not match value count %d", len(nulls), n)
	}
	any := false
	for _, isNull := range nulls {
		if isNull {
			any = true
			break
		}
	}
	if !any {
		return nil, nil
	}
	out := make([]bool, n)
	copy(out, nulls)
	return out, nil
}

// NewInt64Column builds an int64 column. nulls may be nil.
func NewInt64Column(values []int64, nulls []bool) (*Column, error) {
	mask, err := normalizeNulls(nulls, len(values))
	if err != nil {
		return nil, err
	}
	vals := make([]int64, len(values))
	copy(vals, values)
	for i := range mask {
		if mask[i] {
			vals[i] = 0
		}
	}
	return &Column{typ: ColumnInt64, nulls: mask, int64s: vals}, nil
}

// NewFloat64Column builds a float64 column. nulls may be nil.
func NewFloat64Column(values []float64, nulls []bool) (*Column, error) {
	mask, err := normalizeNulls(nulls, len(values))
	if err != nil {
		return nil, err
	}
	vals := make([]float64, len(values))
	copy(vals, values)
	for i := range mask {
		if mask[i] {
			vals[i] = 0
		}
	}
	return &Column{typ: ColumnFloat64, nulls: mask, float64s: vals}, nil
}

// NewBoolColumn builds a bool column. nulls may be nil.
func NewBoolColumn(values []bool, nulls []bool) (*Column, error) {
	mask, err := normalizeNulls(nulls, len(values))
	if err != nil {
		return nil, err
	}
	vals := make([]bool, len(values))
	copy(vals, values)
	for i := range mask {
		if mask[i] {
			vals[i] = false
		}
	}
	return &Column{typ: ColumnBool, nulls: mask, bools: vals}, nil
}

// NewBytesColumn builds a variable-width bytes column. nulls may be nil.
// Individual values are copied; a null slot is stored as an empty value.
func NewBytesColumn(values [][]byte, nulls []bool) (*Column, error) {
	mask, err := normalizeNulls(nulls, len(values))
	if err != nil {
		return nil, err
	}
	vals := make([][]byte, len(values))
	for i, v := range values {
		if i < len(mask) && mask[i] {
			continue
		}
		vals[i] = append([]byte(nil), v...)
	}
	return &Column{typ: ColumnBytes, nulls: mask, blobs: vals}, nil
}

// Type returns the column's value type.
func (c *Column) Type() ColumnType { return c.typ }

// Len returns the number of positions in the column.
func (c *Column) Len() int {
	switch c.typ {
	case ColumnInt64:
		return len(c.int64s)
	case ColumnFloat64:
		return len(c.float64s)
	case ColumnBool:
		return len(c.bools)
	case ColumnBytes:
		return len(c.blobs)
	}
	return 0
}

// HasNulls reports whether any position is null.
func (c *Column) HasNulls() bool { return c.nulls != nil }

// IsNull reports whether position i is null.
func (c *Column) IsNull(i int) bool {
	return c.nulls != nil && c.nulls[i]
}

// Int64At returns the value at position i of an int64 column.
func (c *Column) Int64At(i int) int64 { return c.int64s[i] }

// Float64At returns the value at position i of a float64 column.
func (c *Column) Float64At(i int) float64 { return c.float64s[i] }

// BoolAt returns the value at position i of a bool column.
func (c *Column) BoolAt(i int) bool { return c.bools[i] }

// BytesAt returns the value at position i of a bytes column. The returned
// slice must not be modified.
func (c *Column) BytesAt(i int) []byte { return c.blobs[i] }

// SizeBytes returns the approximate retained size of the column.
func (c *Column) SizeBytes() int64 {
	var size int64
	switch c.typ {
	case ColumnInt64:
		size = int64(len(c.int64s)) * 8
	case ColumnFloat64:
		size = int64(len(c.float64s)) * 8
	case ColumnBool:
		size = int64(len(c.bools))
	case ColumnBytes:
		size = int64(len(c.blobs)+1) * 4 // offsets
		for _, b := range c.blobs {
			size += int64(len(b))
		}
	}
	if c.nulls != nil {
		size += int64(len(c.nulls))
	}
	return size
}

// Equal reports whether two columns hold the same type, null mask and
// values.
func (c *Column) Equal(other *Column) bool {
	if c.typ != other.typ || c.Len() != other.Len() {
		return false
	}
	n := c.Len()
	for i := 0; i < n; i++ {
		if c.IsNull(i) != other.IsNull(i) {
			return false
		}
	}
	switch c.typ {
	case ColumnInt64:
		for i := range c.int64s {
			if c.int64s[i] != other.int64s[i] {
				return false
			}
		}
	case ColumnFloat64:
		for i := range c.float64s {
			if c.float64s[i] != other.float64s[i] {
				return false
			}
		}
	case ColumnBool:
		for i := range c.bools {
			if c.bools[i] != other.bools[i] {
				return false
			}
		}
	case ColumnBytes:
		for i := range c.blobs {
			if !bytes.Equal(c.blobs[i], other.blobs[i]) {
				return false
			}
		}
	}
	return true
}

// Page is an ordered batch of rows in columnar form; the unit of spill I/O.
// Pages are immutable after construction.
type Page struct {
	positions int
	columns   []*Column
}

// NewPage builds a page from one or more columns of equal length.
func NewPage(columns ...*Column) (*Page, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("page must have at least one column")
	}
	positions := columns[0].Len()
	for i, col := range columns {
		if col.Len() != positions {
			return nil, fmt.Errorf("column %d has %d positions, want %d", i, col.Len(), positions)
		}
	}
	cols := make([]*Column, len(columns))
	copy(cols, columns)
	return &Page{positions: positions, columns: cols}, nil
}

// PositionCount returns the number of rows in the page.
func (p *Page) PositionCount() int { return p.positions }

// ColumnCount returns the number of columns in the page.
func (p *Page) ColumnCount() int { return len(p.columns) }

// Column returns column i.
func (p *Page) Column(i int) *Column { return p.columns[i] }

// Schema returns the ordered column types of the page.
func (p *Page) Schema() Schema {
	s := make(Schema, len(p.columns))
	for i, col := range p.columns {
		s[i] = col.typ
	}
	return s
}

// SizeBytes returns the approximate retained size of the page, used for
// memory accounting.
func (p *Page) SizeBytes() int64 {
	var size int64
	for _, col := range p.columns {
		size += col.SizeBytes()
	}
	return size
}

// Equal reports whether two pages hold identical content in identical
// order.
func (p *Page) Equal(other *Page) bool {
	if other == nil || p.positions != other.positions || len(p.columns) != len(other.columns) {
		return false
	}
	for i := range p.columns {
		if !p.columns[i].Equal(other.columns[i]) {
			return false
		}
	}
	return true
}
