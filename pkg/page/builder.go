package page

import (
	"encoding/binary"
	"math"

	"github.com/cuemby/ldb/pkg/record"
)

// Record is one version the builder is asked to store. Callers (the
// branch/merge writer) decide Flags — in particular whether
// record.Dup is set — before calling Add; Builder only encodes.
type Record struct {
	Key       []byte
	Value     []byte
	Flags     record.Flag
	LSN       uint64
	Timestamp uint32
}

// Builder accumulates Records in key order (ascending key, then
// descending LSN within a key's version chain) and produces a Page.
//
// In sparse mode, a Dup record's key is never stored a second time:
// the reader recovers it by walking backward to the nearest preceding
// non-Dup descriptor in the same page ("DUP-chain
// backward walk"), so only the value bytes are written for Dup
// entries.
type Builder struct {
	sparse bool
	recs   []Record
	size   int
}

// NewBuilder starts an empty page builder. sparse selects
// dup-suppressed key storage; false stores every record's key inline.
func NewBuilder(sparse bool) *Builder {
	return &Builder{sparse: sparse}
}

// Add appends r to the page under construction.
func (b *Builder) Add(r Record) {
	b.recs = append(b.recs, r)
	b.size += entrySize(b.sparse, r)
}

func entrySize(sparse bool, r Record) int {
	if sparse && r.Flags.Has(record.Dup) {
		return descriptorSize + 4 + len(r.Value)
	}
	return descriptorSize + 4 + len(r.Key) + 4 + len(r.Value)
}

// Len reports the number of records accumulated so far.
func (b *Builder) Len() int { return len(b.recs) }

// Sparse reports whether this builder dup-suppresses key storage.
func (b *Builder) Sparse() bool { return b.sparse }

// EstimatedSize is the approximate post-header byte size the page
// would occupy uncompressed, for the branch builder's page-close
// watermark decision.
func (b *Builder) EstimatedSize() int { return b.size }

// Build freezes the accumulated records into a Page. The Builder may
// be reused afterward (Build does not reset it); callers that want a
// fresh page call NewBuilder again.
func (b *Builder) Build() Page {
	var payload []byte
	descs := make([]Descriptor, 0, len(b.recs))

	var minLSN, minDupLSN uint64 = math.MaxUint64, math.MaxUint64
	var maxLSN uint64
	var minTS uint32 = math.MaxUint32
	dupCount := 0
	keySize := 0

	for _, r := range b.recs {
		isDup := r.Flags.Has(record.Dup)
		offset := uint32(len(payload))

		var encoded []byte
		if b.sparse && isDup {
			encoded = encodeValueOnly(r.Value)
		} else {
			encoded = encodeKeyValue(r.Key, r.Value)
		}
		payload = append(payload, encoded...)

		descs = append(descs, Descriptor{
			Offset:    offset,
			Flags:     r.Flags,
			LSN:       r.LSN,
			Timestamp: r.Timestamp,
			Size:      uint32(len(encoded)),
		})

		if r.LSN < minLSN {
			minLSN = r.LSN
		}
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
		if r.Timestamp < minTS {
			minTS = r.Timestamp
		}
		if isDup {
			dupCount++
			if r.LSN < minDupLSN {
				minDupLSN = r.LSN
			}
			if b.sparse {
				keySize += len(r.Key)
			}
		}
	}

	if len(b.recs) == 0 {
		minLSN, maxLSN, minTS = 0, 0, 0
	}
	if dupCount == 0 {
		minDupLSN = 0
	}

	return Page{
		Header: Header{
			Count:        uint32(len(b.recs)),
			DupCount:     uint32(dupCount),
			KeySize:      uint32(keySize),
			MinLSN:       minLSN,
			MinDupLSN:    minDupLSN,
			MaxLSN:       maxLSN,
			MinTimestamp: minTS,
		},
		Descriptors: descs,
		Payload:     payload,
		Sparse:      b.sparse,
	}
}

func encodeKeyValue(key, value []byte) []byte {
	buf := make([]byte, 4+len(key)+4+len(value))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	off := 4 + len(key)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(value)))
	copy(buf[off+4:], value)
	return buf
}

func decodeKeyValue(b []byte) (key, value []byte) {
	klen := binary.BigEndian.Uint32(b[0:4])
	key = b[4 : 4+klen]
	off := 4 + klen
	vlen := binary.BigEndian.Uint32(b[off : off+4])
	value = b[off+4 : off+4+vlen]
	return key, value
}

func encodeValueOnly(value []byte) []byte {
	buf := make([]byte, 4+len(value))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(value)))
	copy(buf[4:], value)
	return buf
}

func decodeValueOnly(b []byte) []byte {
	vlen := binary.BigEndian.Uint32(b[0:4])
	return b[4 : 4+vlen]
}
