// Package schema describes a database's field layout :
// an ordered list of fields, a marked contiguous key prefix, and the
// per-type comparator used to order composite keys. Schema is
// immutable once a database opens.
package schema

import (
	"encoding/binary"

	"github.com/cuemby/ldb/pkg/errs"
)

// Type is a field's storage type. Reverse variants (U32Rev, U64Rev)
// sort descending and exist only to be used as key fields.
type Type int

const (
	String Type = iota
	U32
	U64
	U32Rev
	U64Rev
	I64
)

func (t Type) fixedSize() (size int, fixed bool) {
	switch t {
	case U32, U32Rev:
		return 4, true
	case U64, U64Rev, I64:
		return 8, true
	default:
		return 0, false
	}
}

// Field is one column of a Schema.
type Field struct {
	Name string
	Type Type
	// KeyPos is this field's 0-based position among key fields, or
	// -1 if the field is value-only. Key fields must form a
	// contiguous 0..K-1 prefix once sorted by KeyPos; declaration
	// order in Schema.Fields is independent of key order.
	KeyPos int
}

// Schema is an ordered, validated list of fields.
type Schema struct {
	Name   string
	Fields []Field

	validated bool
	keyFields []int // indices into Fields, in key-position order
	valFields []int // indices into Fields, in declaration order, KeyPos == -1
}

// New constructs an unvalidated schema; call Validate before use.
func New(name string, fields []Field) *Schema {
	return &Schema{Name: name, Fields: fields}
}

// Validate assigns the key-parts array in key-position order and
// checks that key positions form a contiguous 0..K-1 prefix with no
// gaps or duplicates. It must run once, before the schema is used by
// any database.
func (s *Schema) Validate() error {
	if s.validated {
		return nil
	}
	if len(s.Fields) == 0 {
		return errs.New(errs.Invariant, "schema %q: no fields", s.Name)
	}

	byPos := map[int]int{} // keyPos -> field index
	for i, f := range s.Fields {
		if f.KeyPos < 0 {
			s.valFields = append(s.valFields, i)
			continue
		}
		if _, dup := byPos[f.KeyPos]; dup {
			return errs.New(errs.Invariant, "schema %q: duplicate key position %d", s.Name, f.KeyPos)
		}
		byPos[f.KeyPos] = i
	}
	if len(byPos) == 0 {
		return errs.New(errs.Invariant, "schema %q: no key fields declared", s.Name)
	}
	s.keyFields = make([]int, len(byPos))
	for pos, idx := range byPos {
		if pos < 0 || pos >= len(byPos) {
			return errs.New(errs.Invariant, "schema %q: key position %d is not a contiguous prefix", s.Name, pos)
		}
		s.keyFields[pos] = idx
	}
	s.validated = true
	return nil
}

// KeyFieldCount returns the number of fields that form the key.
func (s *Schema) KeyFieldCount() int { return len(s.keyFields) }

// Row is a full tuple of field values, indexed the same as
// Schema.Fields. String fields take a string, numeric fields take
// uint32/uint64/int64 matching their Type.
type Row []any

func (s *Schema) encodeField(f Field, v any) ([]byte, error) {
	switch f.Type {
	case String:
		sv, ok := v.(string)
		if !ok {
			return nil, errs.New(errs.Invariant, "field %q: want string, got %T", f.Name, v)
		}
		return []byte(sv), nil
	case U32, U32Rev:
		uv, err := asUint(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(uv))
		return b, nil
	case U64, U64Rev:
		uv, err := asUint(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uv)
		return b, nil
	case I64:
		iv, ok := v.(int64)
		if !ok {
			return nil, errs.New(errs.Invariant, "field %q: want int64, got %T", f.Name, v)
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(iv))
		return b, nil
	default:
		return nil, errs.New(errs.Invariant, "field %q: unknown type %d", f.Name, f.Type)
	}
}

func asUint(v any) (uint64, error) {
	switch n := v.(type) {
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, errs.New(errs.Invariant, "want unsigned integer, got %T", v)
	}
}

func (s *Schema) decodeField(f Field, b []byte) (any, error) {
	switch f.Type {
	case String:
		return string(b), nil
	case U32, U32Rev:
		if len(b) != 4 {
			return nil, errs.New(errs.Malfunction, "field %q: short u32 (%d bytes)", f.Name, len(b))
		}
		return binary.BigEndian.Uint32(b), nil
	case U64, U64Rev:
		if len(b) != 8 {
			return nil, errs.New(errs.Malfunction, "field %q: short u64 (%d bytes)", f.Name, len(b))
		}
		return binary.BigEndian.Uint64(b), nil
	case I64:
		if len(b) != 8 {
			return nil, errs.New(errs.Malfunction, "field %q: short i64 (%d bytes)", f.Name, len(b))
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	default:
		return nil, errs.New(errs.Invariant, "field %q: unknown type %d", f.Name, f.Type)
	}
}

// EncodeKey packs the key fields of row, in key-position order, into
// a single comparable blob: each chunk is a 4-byte big-endian length
// prefix followed by the field's encoded bytes. The length prefix
// lets CompareKey and DecodeKey slice the blob without relying on
// fixed-width assumptions, while composite ordering is still decided
// field-by-field (see CompareKey), never by memcmp-ing the whole blob.
func (s *Schema) EncodeKey(row Row) ([]byte, error) {
	if !s.validated {
		return nil, errs.New(errs.Invariant, "schema %q: not validated", s.Name)
	}
	out := make([]byte, 0, 32)
	for _, idx := range s.keyFields {
		f := s.Fields[idx]
		enc, err := s.encodeField(f, row[idx])
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
		out = append(out, lenBuf[:]...)
		out = append(out, enc...)
	}
	return out, nil
}

// EncodeValue packs the non-key fields of row, in declaration order,
// as {fixed region}{offset table}{variable region}.
func (s *Schema) EncodeValue(row Row) ([]byte, error) {
	if !s.validated {
		return nil, errs.New(errs.Invariant, "schema %q: not validated", s.Name)
	}
	var fixed []byte
	var varTable []byte // (offset:u32, size:u32) pairs, offsets relative to start of variable region
	var varPayload []byte

	for _, idx := range s.valFields {
		f := s.Fields[idx]
		enc, err := s.encodeField(f, row[idx])
		if err != nil {
			return nil, err
		}
		if _, fixedWidth := f.Type.fixedSize(); fixedWidth {
			fixed = append(fixed, enc...)
			continue
		}
		var entry [8]byte
		binary.BigEndian.PutUint32(entry[0:4], uint32(len(varPayload)))
		binary.BigEndian.PutUint32(entry[4:8], uint32(len(enc)))
		varTable = append(varTable, entry[:]...)
		varPayload = append(varPayload, enc...)
	}

	out := make([]byte, 0, 8+len(fixed)+len(varTable)+len(varPayload))
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(fixed)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(varTable)/8))
	out = append(out, hdr[:]...)
	out = append(out, fixed...)
	out = append(out, varTable...)
	out = append(out, varPayload...)
	return out, nil
}

// DecodeValue is the inverse of EncodeValue, returning a Row with
// only the value-field slots populated (key slots are left nil —
// callers combine with DecodeKey when they need the full row).
func (s *Schema) DecodeValue(b []byte) (Row, error) {
	if !s.validated {
		return nil, errs.New(errs.Invariant, "schema %q: not validated", s.Name)
	}
	if len(b) < 8 {
		return nil, errs.New(errs.Malfunction, "value blob too short (%d bytes)", len(b))
	}
	fixedLen := binary.BigEndian.Uint32(b[0:4])
	varCount := binary.BigEndian.Uint32(b[4:8])
	off := 8
	if off+int(fixedLen) > len(b) {
		return nil, errs.New(errs.Malfunction, "value blob: fixed region overruns buffer")
	}
	fixed := b[off : off+int(fixedLen)]
	off += int(fixedLen)

	tableLen := int(varCount) * 8
	if off+tableLen > len(b) {
		return nil, errs.New(errs.Malfunction, "value blob: offset table overruns buffer")
	}
	table := b[off : off+tableLen]
	off += tableLen
	varPayload := b[off:]

	row := make(Row, len(s.Fields))
	fixedOff := 0
	varIdx := 0
	for _, idx := range s.valFields {
		f := s.Fields[idx]
		if size, fixedWidth := f.Type.fixedSize(); fixedWidth {
			if fixedOff+size > len(fixed) {
				return nil, errs.New(errs.Malfunction, "value blob: fixed field %q overruns region", f.Name)
			}
			v, err := s.decodeField(f, fixed[fixedOff:fixedOff+size])
			if err != nil {
				return nil, err
			}
			row[idx] = v
			fixedOff += size
			continue
		}
		entry := table[varIdx*8 : varIdx*8+8]
		vOff := binary.BigEndian.Uint32(entry[0:4])
		vSize := binary.BigEndian.Uint32(entry[4:8])
		if int(vOff+vSize) > len(varPayload) {
			return nil, errs.New(errs.Malfunction, "value blob: variable field %q overruns payload", f.Name)
		}
		v, err := s.decodeField(f, varPayload[vOff:vOff+vSize])
		if err != nil {
			return nil, err
		}
		row[idx] = v
		varIdx++
	}
	return row, nil
}

// DecodeKey is the inverse of EncodeKey, returning a Row with only
// the key-field slots populated.
func (s *Schema) DecodeKey(b []byte) (Row, error) {
	if !s.validated {
		return nil, errs.New(errs.Invariant, "schema %q: not validated", s.Name)
	}
	row := make(Row, len(s.Fields))
	off := 0
	for _, idx := range s.keyFields {
		f := s.Fields[idx]
		if off+4 > len(b) {
			return nil, errs.New(errs.Malfunction, "key blob: truncated length prefix for %q", f.Name)
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if off+n > len(b) {
			return nil, errs.New(errs.Malfunction, "key blob: truncated value for %q", f.Name)
		}
		v, err := s.decodeField(f, b[off:off+n])
		if err != nil {
			return nil, err
		}
		row[idx] = v
		off += n
	}
	return row, nil
}
