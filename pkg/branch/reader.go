package branch

import "github.com/cuemby/ldb/pkg/schema"

// Reader binary-searches a decoded Branch's page descriptors by key
// ("seek the branch trailer (binary search by max-key) for
// the target page").
type Reader struct {
	b *Branch
	s *schema.Schema
}

func NewReader(b *Branch, s *schema.Schema) *Reader {
	return &Reader{b: b, s: s}
}

// Seek returns the index of the first page whose MaxKey is >= key, or
// -1 if key is past every page's range.
func (r *Reader) Seek(key []byte) int {
	pages := r.b.Pages
	lo, hi := 0, len(pages)
	for lo < hi {
		mid := (lo + hi) / 2
		if r.s.CompareKey(pages[mid].MaxKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(pages) {
		return -1
	}
	return lo
}

// HasFilter reports whether the branch carries an AMQF extension. It
// performs no membership test itself; pkg/engine, which owns the
// concrete bloom filter type, does that.
func (r *Reader) HasFilter() bool { return len(r.b.AMQF) > 0 }

func (r *Reader) PageCount() int { return len(r.b.Pages) }

func (r *Reader) Page(i int) PageDescriptor { return r.b.Pages[i] }

func (r *Reader) Trailer() Trailer { return r.b.Trailer }
