package memindex

import "github.com/emirpasic/gods/trees/redblacktree"

// Cursor walks the index in ascending or descending key order. It is
// a thin wrapper over gods's red-black tree node pointers rather than
// gods's built-in Iterator, because range scans need to seek to an
// arbitrary key first, and gods's Iterator only supports
// positioning at the very beginning or end.
//
// A freshly returned Cursor is positioned before its first entry;
// call Advance to move onto it, in the style of bufio.Scanner:
//
//	c := idx.NewCursor(false)
//	for c.Advance() {
//		use(c.Key(), c.Chain())
//	}
type Cursor struct {
	node    *redblacktree.Node // current entry, nil before the first Advance
	next    *redblacktree.Node // entry Advance will move onto
	reverse bool
}

// NewCursor returns a cursor over the whole index, before its first
// (forward) or last (reverse) entry.
func (idx *Index) NewCursor(reverse bool) *Cursor {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var n *redblacktree.Node
	if reverse {
		n = idx.tree.Right()
	} else {
		n = idx.tree.Left()
	}
	return &Cursor{next: n, reverse: reverse}
}

// Seek returns a cursor positioned before the smallest key >= seekKey
// (forward) or the largest key <= seekKey (reverse), per 
// routing; the first Advance lands on that entry.
func (idx *Index) Seek(seekKey []byte, reverse bool) *Cursor {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var n *redblacktree.Node
	var ok bool
	if reverse {
		n, ok = idx.tree.Floor(seekKey)
	} else {
		n, ok = idx.tree.Ceiling(seekKey)
	}
	if !ok {
		n = nil
	}
	return &Cursor{next: n, reverse: reverse}
}

// Valid reports whether the cursor is positioned on an entry (i.e.
// Advance has been called at least once and has not yet exhausted the
// index).
func (c *Cursor) Valid() bool { return c.node != nil }

// Key returns the current entry's composite key.
func (c *Cursor) Key() []byte { return c.node.Key.([]byte) }

// Chain returns the current entry's version chain head.
func (c *Cursor) Chain() *Version { return c.node.Value.(*Version) }

// Advance moves the cursor onto its next entry, returning false once
// exhausted.
func (c *Cursor) Advance() bool {
	if c.next == nil {
		c.node = nil
		return false
	}
	c.node = c.next
	if c.reverse {
		c.next = predecessor(c.node)
	} else {
		c.next = successor(c.node)
	}
	return true
}

// successor returns the in-order successor of n within its tree.
func successor(n *redblacktree.Node) *redblacktree.Node {
	if n.Right != nil {
		n = n.Right
		for n.Left != nil {
			n = n.Left
		}
		return n
	}
	p := n.Parent
	for p != nil && n == p.Right {
		n = p
		p = p.Parent
	}
	return p
}

// predecessor returns the in-order predecessor of n within its tree.
func predecessor(n *redblacktree.Node) *redblacktree.Node {
	if n.Left != nil {
		n = n.Left
		for n.Right != nil {
			n = n.Right
		}
		return n
	}
	p := n.Parent
	for p != nil && n == p.Left {
		n = p
		p = p.Parent
	}
	return p
}
