// Package memindex is the in-memory write buffer of one LSM node
// : a red-black tree keyed by the full composite key,
// with a per-key singly linked version chain ordered by descending
// LSN hanging off each tree node.
//
// The red-black tree itself is github.com/emirpasic/gods's
// trees/redblacktree — there is no generic red-black tree in the
// standard library and none of the pack's example repos hand-roll
// one; gods is the one general-purpose collections library the
// retrieval pack actually depends on (via go-git's module graph).
package memindex

import (
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

// Version is one node of a key's descending-LSN chain. The head of
// the chain (highest LSN) never carries record.Dup; every other
// element does.
type Version struct {
	rec  *record.Record
	next *Version
}

// Record returns this version's record.
func (v *Version) Record() *record.Record { return v.rec }

// Next returns the next-older version in the chain, or nil at the
// tail.
func (v *Version) Next() *Version { return v.next }

// Index is the red-black-tree memory index for one node's active (or
// rotating) write buffer.
type Index struct {
	mu     sync.Mutex
	schema *schema.Schema
	tree   *redblacktree.Tree

	count     int64
	bytes     int64
	minLSN    uint64
	haveMin   bool
	maxLSN    uint64
}

// New creates an empty memory index ordered by s's composite key
// comparator.
func New(s *schema.Schema) *Index {
	cmp := func(a, b any) int { return s.CompareKey(a.([]byte), b.([]byte)) }
	return &Index{schema: s, tree: redblacktree.NewWith(cmp)}
}

// Insert adds r to its key's version chain in descending-LSN order,
// marking every element but the new chain head with record.Dup. r
// must already carry its committed LSN.
func (idx *Index) Insert(r *record.Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if v, found := idx.tree.Get(r.Key); found {
		idx.tree.Put(r.Key, insertVersion(v.(*Version), r))
	} else {
		idx.tree.Put(r.Key, &Version{rec: r.WithFlags(r.Flags &^ record.Dup)})
	}

	idx.count++
	idx.bytes += int64(len(r.Key) + len(r.Value))
	if !idx.haveMin || r.LSN < idx.minLSN {
		idx.minLSN = r.LSN
		idx.haveMin = true
	}
	if r.LSN > idx.maxLSN {
		idx.maxLSN = r.LSN
	}
}

// insertVersion threads r into the chain rooted at head, preserving
// descending-LSN order, and returns the (possibly new) chain head.
func insertVersion(head *Version, r *record.Record) *Version {
	if r.LSN > head.rec.LSN {
		return &Version{rec: r.WithFlags(r.Flags &^ record.Dup), next: markDup(head)}
	}
	cur := head
	for cur.next != nil && cur.next.rec.LSN > r.LSN {
		cur = cur.next
	}
	cur.next = &Version{rec: r.WithFlags(r.Flags | record.Dup), next: cur.next}
	return head
}

func markDup(v *Version) *Version {
	return &Version{rec: v.rec.WithFlags(v.rec.Flags | record.Dup), next: v.next}
}

// Lookup returns the chain head for key, if any.
func (idx *Index) Lookup(key []byte) (*Version, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	v, found := idx.tree.Get(key)
	if !found {
		return nil, false
	}
	return v.(*Version), true
}

// Len returns the number of live records (not keys) in the index.
func (idx *Index) Len() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.count
}

// KeyCount returns the number of distinct keys in the index.
func (idx *Index) KeyCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.tree.Size()
}

// Bytes returns the total key+value byte usage tracked so far.
func (idx *Index) Bytes() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.bytes
}

// MinLSN returns the lowest LSN inserted so far (monotonic-down) and
// whether the index has seen any record at all.
func (idx *Index) MinLSN() (uint64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.minLSN, idx.haveMin
}

// MaxLSN returns the highest LSN inserted so far.
func (idx *Index) MaxLSN() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.maxLSN
}

// Empty reports whether the index holds no keys.
func (idx *Index) Empty() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.tree.Size() == 0
}
