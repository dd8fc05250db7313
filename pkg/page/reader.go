package page

import (
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

// Reader is a read-only view over a decoded Page, supporting
// binary-search seek by key and DUP-chain walks.
type Reader struct {
	p     Page
	s     *schema.Schema
	heads []int // descriptor indices that start a key's version chain (non-Dup)
}

// NewReader builds a Reader over p, using s to compare keys.
func NewReader(p Page, s *schema.Schema) *Reader {
	heads := make([]int, 0, len(p.Descriptors))
	for i, d := range p.Descriptors {
		if !d.Flags.Has(record.Dup) {
			heads = append(heads, i)
		}
	}
	return &Reader{p: p, s: s, heads: heads}
}

// Len reports the total number of stored versions across every key.
func (r *Reader) Len() int { return len(r.p.Descriptors) }

// HeadCount reports the number of distinct keys in the page.
func (r *Reader) HeadCount() int { return len(r.heads) }

// HeadAt returns the descriptor index of the pos'th distinct key, in
// ascending key order.
func (r *Reader) HeadAt(pos int) int { return r.heads[pos] }

func (r *Reader) rawAt(i int) []byte {
	d := r.p.Descriptors[i]
	return r.p.Payload[d.Offset : d.Offset+d.Size]
}

func (r *Reader) keyAt(headIdx int) []byte {
	key, _ := decodeKeyValue(r.rawAt(headIdx))
	return key
}

// headKeyFor recovers the key of descriptor i by walking backward to
// the nearest non-Dup descriptor ("DUP-chain backward
// walk"), which is where a sparse page's key bytes actually live.
func (r *Reader) headKeyFor(i int) []byte {
	for j := i; j >= 0; j-- {
		if !r.p.Descriptors[j].Flags.Has(record.Dup) {
			return r.keyAt(j)
		}
	}
	return nil
}

// Seek returns the descriptor index of the smallest key >= seekKey
// ("ceiling"), or -1 if every key in the page is smaller.
func (r *Reader) Seek(seekKey []byte) int {
	lo, hi := 0, len(r.heads)
	for lo < hi {
		mid := (lo + hi) / 2
		if r.s.CompareKey(r.keyAt(r.heads[mid]), seekKey) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(r.heads) {
		return -1
	}
	return r.heads[lo]
}

// HeadPos returns the position within the head list of the head at
// descriptor index headIdx.
func (r *Reader) HeadPos(headIdx int) int {
	lo, hi := 0, len(r.heads)
	for lo < hi {
		mid := (lo + hi) / 2
		if r.heads[mid] < headIdx {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Chain returns every descriptor index in the version chain starting
// at headIdx, newest (the head) to oldest.
func (r *Reader) Chain(headIdx int) []int {
	var out []int
	for i := headIdx; i < len(r.p.Descriptors); i++ {
		if i != headIdx && !r.p.Descriptors[i].Flags.Has(record.Dup) {
			break
		}
		out = append(out, i)
	}
	return out
}

// Record decodes the key, value, and descriptor at index i.
func (r *Reader) Record(i int) (key, value []byte, d Descriptor) {
	d = r.p.Descriptors[i]
	raw := r.rawAt(i)
	if d.Flags.Has(record.Dup) && r.p.Sparse {
		return r.headKeyFor(i), decodeValueOnly(raw), d
	}
	key, value = decodeKeyValue(raw)
	return key, value, d
}
