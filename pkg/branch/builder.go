package branch

import (
	"math"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/page"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

// Builder accumulates records into pages and, at Finish, produces the
// encoded branch byte stream: pages followed by the trailer.
// Offsets recorded in the trailer's page descriptors are
// relative to the start of this byte stream — the caller (pkg/node)
// adds its own branch-placement offset within the node file.
type Builder struct {
	id      uint64
	schema  *schema.Schema
	comp    filter.Compressor
	pageCap int // EstimatedSize watermark that closes the current page

	cur       *page.Builder
	curMinKey []byte
	curMaxKey []byte

	blob  []byte
	pages []PageDescriptor

	keyCount            uint32
	dupKeyCount         uint32
	totalPayload        uint64
	uncompressedPayload uint64
	minTimestamp        uint32
	minLSN              uint64
	maxLSN              uint64
	minDupLSN           uint64
	maxRecordSize       uint32

	keyHash func([]byte) uint64
	bloom   bloomAdder
}

// bloomAdder is the subset of *bloomfilter.Filter the builder needs,
// kept as an interface so pkg/branch never imports the bloom library
// directly — pkg/engine wires a concrete filter in when AMQF is
// enabled for a database (AMQF Open Question).
type bloomAdder interface {
	Add(hash uint64)
	MarshalBinary() (data []byte, err error)
}

// NewBuilder starts a branch builder. sparse selects dup-suppressed
// page storage (mirrors pkg/page.NewBuilder). bloom may be nil to
// disable the AMQF extension.
func NewBuilder(id uint64, s *schema.Schema, comp filter.Compressor, pageCap int, sparse bool, keyHash func([]byte) uint64, bloom bloomAdder) *Builder {
	return &Builder{
		id:           id,
		schema:       s,
		comp:         comp,
		pageCap:      pageCap,
		cur:          page.NewBuilder(sparse),
		minTimestamp: math.MaxUint32,
		minLSN:       math.MaxUint64,
		minDupLSN:    math.MaxUint64,
		keyHash:      keyHash,
		bloom:        bloom,
	}
}

// Add appends r to the branch under construction, closing and
// flushing the current page first if it has reached pageCap.
func (b *Builder) Add(r page.Record) {
	if b.cur.EstimatedSize() >= b.pageCap && b.cur.Len() > 0 {
		b.closePage()
	}

	isDup := r.Flags.Has(record.Dup)
	b.cur.Add(r)

	if b.curMinKey == nil || b.schema.CompareKey(r.Key, b.curMinKey) < 0 {
		b.curMinKey = r.Key
	}
	if b.curMaxKey == nil || b.schema.CompareKey(r.Key, b.curMaxKey) > 0 {
		b.curMaxKey = r.Key
	}

	if isDup {
		b.dupKeyCount++
		if r.LSN < b.minDupLSN {
			b.minDupLSN = r.LSN
		}
	} else {
		b.keyCount++
		if b.bloom != nil && b.keyHash != nil {
			b.bloom.Add(b.keyHash(r.Key))
		}
	}
	if r.LSN < b.minLSN {
		b.minLSN = r.LSN
	}
	if r.LSN > b.maxLSN {
		b.maxLSN = r.LSN
	}
	if r.Timestamp < b.minTimestamp {
		b.minTimestamp = r.Timestamp
	}
	if sz := uint32(len(r.Key) + len(r.Value)); sz > b.maxRecordSize {
		b.maxRecordSize = sz
	}
}

// Size reports the bytes emitted plus the in-progress page's estimate,
// for the caller's node-size watermark decision ("close
// the current output when its accumulated size reaches the node-size
// watermark").
func (b *Builder) Size() int {
	return len(b.blob) + b.cur.EstimatedSize()
}

func (b *Builder) closePage() {
	p := b.cur.Build()
	encoded, originalSize := page.Encode(p, b.comp)

	b.pages = append(b.pages, PageDescriptor{
		FileOffset:   uint64(len(b.blob)),
		StoredSize:   uint32(len(encoded)),
		OriginalSize: uint32(originalSize),
		MinKey:       b.curMinKey,
		MaxKey:       b.curMaxKey,
		MinLSN:       p.Header.MinLSN,
		MaxLSN:       p.Header.MaxLSN,
	})
	b.totalPayload += uint64(len(encoded))
	b.uncompressedPayload += uint64(originalSize)

	b.blob = append(b.blob, encoded...)
	b.cur = page.NewBuilder(b.cur.Sparse())
	b.curMinKey, b.curMaxKey = nil, nil
}

// Finish closes any in-progress page and returns the full encoded
// branch byte stream (pages || trailer) plus the decoded Branch
// metadata the caller needs to index it.
func (b *Builder) Finish() ([]byte, Branch, error) {
	if b.cur.Len() > 0 {
		b.closePage()
	}
	if len(b.pages) == 0 {
		return nil, Branch{}, errs.New(errs.Invariant, "branch: Finish called with no pages")
	}

	if b.minLSN == math.MaxUint64 {
		b.minLSN = 0
	}
	if b.minDupLSN == math.MaxUint64 {
		b.minDupLSN = 0
	}
	if b.minTimestamp == math.MaxUint32 {
		b.minTimestamp = 0
	}

	var amqf []byte
	if b.bloom != nil {
		var err error
		amqf, err = b.bloom.MarshalBinary()
		if err != nil {
			return nil, Branch{}, errs.Wrap(errs.Invariant, err, "branch: marshal amqf")
		}
	}

	t := Trailer{
		Version:             1,
		ID:                  b.id,
		FileOffset:          uint64(len(b.blob)),
		MaxRecordSize:       b.maxRecordSize,
		PageCount:           uint32(len(b.pages)),
		KeyCount:            b.keyCount,
		TotalPayload:        b.totalPayload,
		UncompressedPayload: b.uncompressedPayload,
		MinTimestamp:        b.minTimestamp,
		MinLSN:              b.minLSN,
		MaxLSN:              b.maxLSN,
		DupKeyCount:         b.dupKeyCount,
		MinDupLSN:           b.minDupLSN,
	}
	// EncodeTrailer's output length depends only on counts and key-blob
	// content, not on TotalByteSize's own value, so encoding once to
	// learn the length and once more with it filled in yields
	// byte-identical framing both times.
	t.TotalByteSize = uint64(len(b.blob) + len(EncodeTrailer(t, b.pages, amqf)))
	trailerBytes := EncodeTrailer(t, b.pages, amqf)

	out := append(append([]byte(nil), b.blob...), trailerBytes...)
	return out, Branch{Trailer: t, Pages: b.pages, AMQF: amqf}, nil
}
