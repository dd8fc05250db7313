package engine

import (
	"github.com/cuemby/ldb/pkg/iter"
	"github.com/cuemby/ldb/pkg/metrics"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

// View is a long-lived read snapshot frozen at the commit LSN current
// when it was opened: every
// cursor it hands out resolves against that same fixed vlsn, so a
// long-running scan never observes a write committed after the view
// opened, no matter how many background flushes/compactions run
// underneath it in the meantime.
type View struct {
	db   *Database
	vlsn uint64
	done bool
}

// View opens a read snapshot at db's current commit-LSN horizon and
// registers it so the planner's GC/LRU horizons don't reclaim
// anything this view might still need to read ("open
// view/tx registry floors vlsn_lru").
func (db *Database) View() *View {
	v := &View{db: db, vlsn: db.env.currentLSN()}
	db.registerOpenView(v)
	return v
}

// Close releases the view's pin on the database's GC/LRU horizon.
func (v *View) Close() {
	if v.done {
		return
	}
	v.done = true
	v.db.unregisterOpenView(v)
}

// Cursor scans the view's snapshot in key order (reverse=true for
// descending), starting at seekKey or the beginning/end of the
// keyspace if seekKey is nil, optionally filtered to keys whose first
// key field starts with prefix (pass nil for no filter). When seekKey
// is nil and prefix is given, the scan starts at prefix itself rather
// than the beginning of the keyspace, so a prefix scan doesn't have to
// walk every key before the prefix to reach it. The cursor reports
// itself exhausted (Valid() returns false) as soon as it advances past
// the last key sharing prefix.
func (v *View) Cursor(seekKey []byte, reverse bool, prefix []byte) (*Cursor, error) {
	if seekKey == nil && prefix != nil {
		seekKey = prefix
	}
	c := &Cursor{view: v, seekKey: seekKey, reverse: reverse, prefix: prefix}
	if err := c.enterNode(v.startNode(seekKey, reverse)); err != nil {
		return nil, err
	}
	return c, nil
}

func (v *View) startNode(seekKey []byte, reverse bool) (*node.Node, bool) {
	if seekKey != nil {
		return v.db.tree.Route(seekKey)
	}
	if reverse {
		return v.db.tree.Last()
	}
	return v.db.tree.First()
}

// Cursor walks one View's keyspace, crossing node boundaries
// transparently by rebuilding its underlying iter.MergeIter against
// the next/previous node in the tree once the current one is
// exhausted.
type Cursor struct {
	view    *View
	reverse bool
	seekKey []byte
	prefix  []byte

	n  *node.Node
	mi *iter.MergeIter
}

func (c *Cursor) enterNode(n *node.Node, ok bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReadLatency, "view")
	if c.n != nil {
		c.n.Release()
	}
	c.n = nil
	c.mi = nil
	if !ok {
		return nil
	}
	n.Retain()

	db := c.view.db
	var sources []iter.Source
	sources = append(sources, iter.NewMemSource(n.I0(), c.seekKey, c.reverse))
	if i1 := n.I1(); i1 != nil {
		sources = append(sources, iter.NewMemSource(i1, c.seekKey, c.reverse))
	}
	for i := n.BranchCount() - 1; i >= 0; i-- {
		ref := n.BranchAt(i)
		src, err := iter.NewBranchSource(n, ref, db.schema, db.env.comp, c.seekKey, c.reverse)
		if err != nil {
			n.Release()
			return err
		}
		sources = append(sources, src)
	}

	dir := iter.Forward
	if c.reverse {
		dir = iter.Reverse
	}
	mi, err := iter.NewMergeIter(sources, dir, db.schema, c.view.vlsn, db.cfg.mergeFold())
	if err != nil {
		n.Release()
		return err
	}
	c.n = n
	c.mi = mi
	c.seekKey = nil // only the first node in the scan seeks; later nodes start at their own boundary
	return nil
}

// Valid reports whether the cursor is positioned on a visible entry
// that also still satisfies the cursor's prefix filter, if any.
func (c *Cursor) Valid() bool {
	if c.mi == nil || !c.mi.Valid() {
		return false
	}
	if c.prefix != nil && c.view.db.schema.PrefixCompareKey(c.mi.Key(), c.prefix) != 0 {
		return false
	}
	return true
}

// Key returns the current entry's schema-encoded key.
func (c *Cursor) Key() []byte { return c.mi.Key() }

// Record returns the current entry's resolved record.
func (c *Cursor) Record() *record.Record { return c.mi.Record() }

// Next advances to the next entry, crossing into the next (or
// previous, if reverse) node once the current one is exhausted.
func (c *Cursor) Next() error {
	if c.mi == nil {
		return nil
	}
	if err := c.mi.Next(); err != nil {
		return err
	}
	if c.mi.Valid() {
		return nil
	}

	db := c.view.db
	minKey := c.n.MinKey
	var next *node.Node
	var ok bool
	if c.reverse {
		next, ok = db.tree.Predecessor(minKey)
	} else {
		next, ok = db.tree.Successor(minKey)
	}
	return c.enterNode(next, ok)
}

// Row decodes the cursor's current entry into a full schema.Row,
// combining the key fields DecodeKey recovers from Key() with the
// value fields DecodeValue recovers from the resolved record's
// payload — a cursor walk only ever hands back the raw encoded key
// and record, same as a direct branch read would, so a caller outside
// this package needs this to get a row back rather than reaching into
// Database's own schema field.
func (c *Cursor) Row() (schema.Row, error) {
	key, err := c.view.db.schema.DecodeKey(c.Key())
	if err != nil {
		return nil, err
	}
	value, err := c.view.db.schema.DecodeValue(c.Record().Value)
	if err != nil {
		return nil, err
	}
	for i, v := range value {
		if v != nil {
			key[i] = v
		}
	}
	return key, nil
}

// Close releases the cursor's pin on its current node.
func (c *Cursor) Close() error {
	if c.mi != nil {
		if err := c.mi.Close(); err != nil {
			return err
		}
	}
	if c.n != nil {
		c.n.Release()
	}
	c.n = nil
	c.mi = nil
	return nil
}
