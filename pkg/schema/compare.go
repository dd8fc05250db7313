package schema

import (
	"bytes"
	"encoding/binary"
)

// CompareKey walks a's and b's key fields in key-position order and
// returns at the first inequality, using each field's
// type-selected comparator. It never falls back to a raw byte
// comparison of the whole blob.
func (s *Schema) CompareKey(a, b []byte) int {
	aOff, bOff := 0, 0
	for _, idx := range s.keyFields {
		f := s.Fields[idx]
		aChunk, aNext := sliceChunk(a, aOff)
		bChunk, bNext := sliceChunk(b, bOff)
		aOff, bOff = aNext, bNext

		if c := compareChunk(f, aChunk, bChunk); c != 0 {
			return c
		}
	}
	return 0
}

// sliceChunk reads one length-prefixed field chunk starting at off
// and returns it plus the offset of the next chunk.
func sliceChunk(blob []byte, off int) ([]byte, int) {
	if off+4 > len(blob) {
		return nil, off
	}
	n := int(binary.BigEndian.Uint32(blob[off : off+4]))
	start := off + 4
	end := start + n
	if end > len(blob) {
		end = len(blob)
	}
	return blob[start:end], end
}

func compareChunk(f Field, a, b []byte) int {
	switch f.Type {
	case String:
		return bytes.Compare(a, b)
	case U32:
		return compareFixed(a, b)
	case U32Rev:
		return -compareFixed(a, b)
	case U64:
		return compareFixed(a, b)
	case U64Rev:
		return -compareFixed(a, b)
	case I64:
		return compareSigned64(a, b)
	default:
		return 0
	}
}

// compareFixed compares two same-width big-endian unsigned integers;
// big-endian byte order already matches numeric order so a plain
// bytes.Compare is correct and avoids decoding to uint64.
func compareFixed(a, b []byte) int {
	return bytes.Compare(a, b)
}

func compareSigned64(a, b []byte) int {
	if len(a) != 8 || len(b) != 8 {
		return bytes.Compare(a, b)
	}
	av := int64(binary.BigEndian.Uint64(a))
	bv := int64(binary.BigEndian.Uint64(b))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// PrefixCompareKey compares only the leading bytes of the first key
// field (prefix scan support): a matches the prefix iff
// the first len(prefix) bytes of its first key field equal prefix.
func (s *Schema) PrefixCompareKey(a []byte, prefix []byte) int {
	if len(s.keyFields) == 0 {
		return 0
	}
	chunk, _ := sliceChunk(a, 0)
	if len(chunk) < len(prefix) {
		return bytes.Compare(chunk, prefix)
	}
	return bytes.Compare(chunk[:len(prefix)], prefix)
}

// ValidateOrPanic is a test/bootstrap convenience that validates a
// schema and surfaces the error immediately rather than threading it
// through every call site that only ever calls this once at startup.
func (s *Schema) ValidateOrPanic() *Schema {
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}
