// Package iter implements the read path's k-way merge and visibility
// fold : one Source per contributor (i0, optional i1, and
// every durable branch, newest first), merged in key order, with the
// DELETE/UPSERT visibility policy applied per key exactly as a point
// read applies it.
package iter

import (
	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/memindex"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/page"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

// Source is one cursor in the k-way read merge ("one
// cursor per source (external upsert, i0, optional i1, and every
// branch)"). A freshly constructed Source is already positioned on
// its first entry, if any — callers check Valid before reading.
type Source interface {
	Valid() bool
	Key() []byte
	// Versions returns every version of the current key this source
	// holds, head (highest LSN) first.
	Versions() []*record.Record
	Next() error
	Close() error
}

// memSource adapts a memindex.Cursor (over i0 or i1) to Source.
type memSource struct {
	c     *memindex.Cursor
	valid bool
}

// NewMemSource starts a Source over idx. A nil seekKey starts at the
// beginning (forward) or end (reverse) of the index; otherwise it
// starts at the ceiling (forward) or floor (reverse) of seekKey.
func NewMemSource(idx *memindex.Index, seekKey []byte, reverse bool) Source {
	var c *memindex.Cursor
	if seekKey == nil {
		c = idx.NewCursor(reverse)
	} else {
		c = idx.Seek(seekKey, reverse)
	}
	s := &memSource{c: c}
	s.valid = c.Advance()
	return s
}

func (s *memSource) Valid() bool { return s.valid }
func (s *memSource) Key() []byte { return s.c.Key() }

func (s *memSource) Versions() []*record.Record {
	var out []*record.Record
	for v := s.c.Chain(); v != nil; v = v.Next() {
		out = append(out, v.Record())
	}
	return out
}

func (s *memSource) Next() error {
	s.valid = s.c.Advance()
	return nil
}

func (s *memSource) Close() error { return nil }

// branchSource adapts one durable branch's pages to Source, decoding
// at most one page at a time through its owning node (:
// "lazily loads branch pages only on demand via the per-cursor
// cache").
//
// A reverse seek whose key falls between two pages steps back to the
// previous page and starts at its last key, so it lands on the exact
// floor of seekKey (see locate).
type branchSource struct {
	n       *node.Node
	ref     node.BranchRef
	s       *schema.Schema
	comp    filter.Compressor
	reverse bool

	pageIdx int
	pr      *page.Reader
	headPos int

	valid bool
}

// NewBranchSource starts a Source over one durable branch belonging
// to n. A nil seekKey starts at the branch's first (forward) or last
// (reverse) key.
func NewBranchSource(n *node.Node, ref node.BranchRef, s *schema.Schema, comp filter.Compressor, seekKey []byte, reverse bool) (Source, error) {
	bs := &branchSource{n: n, ref: ref, s: s, comp: comp, reverse: reverse}

	if len(ref.Pages) == 0 {
		return bs, nil
	}

	if seekKey == nil {
		pageIdx := 0
		if reverse {
			pageIdx = len(ref.Pages) - 1
		}
		if err := bs.loadPage(pageIdx); err != nil {
			return nil, err
		}
		bs.headPos = 0
		if reverse {
			bs.headPos = bs.pr.HeadCount() - 1
		}
		bs.valid = true
		return bs, nil
	}

	pageIdx, headPos, ok, err := bs.locate(seekKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return bs, nil
	}
	bs.pageIdx = pageIdx
	bs.headPos = headPos
	bs.valid = true
	return bs, nil
}

// locate finds the starting (pageIdx, headPos) for a non-nil seekKey,
// or ok=false if the branch holds nothing on the requested side of
// seekKey. On success bs.pr is already loaded for the returned page.
func (bs *branchSource) locate(seekKey []byte) (int, int, bool, error) {
	br := branch.NewReader(&bs.ref.Branch, bs.s)
	p := br.Seek(seekKey)

	pageIdx := p
	if bs.reverse {
		switch {
		case p == -1:
			pageIdx = len(bs.ref.Pages) - 1
		case bs.s.CompareKey(bs.ref.Pages[p].MinKey, seekKey) > 0:
			pageIdx = p - 1
			if pageIdx < 0 {
				return 0, 0, false, nil
			}
		default:
			pageIdx = p
		}
	} else if p == -1 {
		return 0, 0, false, nil
	}

	if err := bs.loadPage(pageIdx); err != nil {
		return 0, 0, false, err
	}

	ceil := bs.pr.Seek(seekKey)
	if bs.reverse {
		if ceil == -1 {
			return pageIdx, bs.pr.HeadCount() - 1, true, nil
		}
		hp := bs.pr.HeadPos(ceil)
		if bs.s.CompareKey(bs.headKeyAt(hp), seekKey) == 0 {
			return pageIdx, hp, true, nil
		}
		if hp-1 < 0 {
			return 0, 0, false, nil
		}
		return pageIdx, hp - 1, true, nil
	}
	if ceil == -1 {
		return 0, 0, false, nil
	}
	return pageIdx, bs.pr.HeadPos(ceil), true, nil
}

func (bs *branchSource) headKeyAt(headPos int) []byte {
	key, _, _ := bs.pr.Record(bs.pr.HeadAt(headPos))
	return key
}

func (bs *branchSource) loadPage(pageIdx int) error {
	p, err := bs.n.ReadPage(bs.ref, bs.ref.Pages[pageIdx], bs.comp)
	if err != nil {
		return err
	}
	bs.pr = page.NewReader(p, bs.s)
	bs.pageIdx = pageIdx
	return nil
}

func (bs *branchSource) Valid() bool { return bs.valid }

func (bs *branchSource) Key() []byte {
	return bs.headKeyAt(bs.headPos)
}

func (bs *branchSource) Versions() []*record.Record {
	headIdx := bs.pr.HeadAt(bs.headPos)
	chain := bs.pr.Chain(headIdx)
	out := make([]*record.Record, 0, len(chain))
	for _, i := range chain {
		key, value, d := bs.pr.Record(i)
		r := record.New(key, value, d.Flags&^record.Dup).WithLSN(d.LSN)
		r.Timestamp = d.Timestamp
		out = append(out, r)
	}
	return out
}

// Next advances to the next (forward) or previous (reverse) key,
// crossing into the adjoining page when the current one is
// exhausted.
func (bs *branchSource) Next() error {
	if bs.reverse {
		bs.headPos--
		if bs.headPos < 0 {
			if bs.pageIdx == 0 {
				bs.valid = false
				return nil
			}
			if err := bs.loadPage(bs.pageIdx - 1); err != nil {
				return err
			}
			bs.headPos = bs.pr.HeadCount() - 1
		}
		return nil
	}

	bs.headPos++
	if bs.headPos >= bs.pr.HeadCount() {
		if bs.pageIdx >= len(bs.ref.Pages)-1 {
			bs.valid = false
			return nil
		}
		if err := bs.loadPage(bs.pageIdx + 1); err != nil {
			return err
		}
		bs.headPos = 0
	}
	return nil
}

func (bs *branchSource) Close() error { return nil }
