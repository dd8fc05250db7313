package task

import (
	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/memindex"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/planner"
)

// runFlush implements the branch, age, and checkpoint zones: all
// three rotate a node's i0 into i1 and write it out as one new
// durable branch via the same double-buffer rotation and merge writer
// every flush path shares, differing only in what triggered the task,
// not in what it does.
func (d *Dispatcher) runFlush(t planner.Task) error {
	n, err := d.lookup(t.NodeID)
	if err != nil {
		return err
	}
	n.TaskLock.Lock()
	defer n.TaskLock.Unlock()

	idx := n.RotateMemIndex()
	freedBytes := idx.Bytes()
	defer func() {
		n.ClearFlushedMemIndex()
		if d.OnMemoryFreed != nil {
			d.OnMemoryFreed(freedBytes)
		}
	}()
	if idx.Empty() {
		return nil
	}

	policy := branch.MergePolicy{
		VLSN:    d.Horizons.VLSN(),
		VLSNLRU: d.Horizons.VLSNLRU(),
		IsRoot:  n.BranchCount() == 0,
	}
	writer := branch.NewMergeWriter(policy, d.NodeSizeWatermark, d.newBuilder)
	feedIndex(writer, idx)

	blobs, brs, err := writer.Finish()
	if err != nil {
		return err
	}
	if len(blobs) == 0 {
		return nil
	}

	if err := n.AppendBranch(blobs[0], brs[0]); err != nil {
		return err
	}
	d.track(n, 0, oldestTimestamp(n), brs[0].Trailer.MinDupLSN, brs[0].Trailer.DupKeyCount, brs[0].Trailer.KeyCount)

	if len(blobs) > 1 {
		return d.spillOverflow(n, blobs[1:], brs[1:])
	}
	return nil
}

// feedIndex walks idx in ascending key order, feeding each key's full
// descending-LSN version chain into w — already in the (ascending
// key, descending LSN) order branch.MergeWriter.Add requires.
func feedIndex(w *branch.MergeWriter, idx *memindex.Index) {
	c := idx.NewCursor(false)
	for c.Advance() {
		for v := c.Chain(); v != nil; v = v.Next() {
			r := v.Record()
			w.Add(branch.MergeInput{Key: r.Key, Value: r.Value, Flags: r.Flags, LSN: r.LSN, Timestamp: r.Timestamp})
		}
	}
}

// spillOverflow turns every output beyond the first into a brand-new
// sibling node — node split: "the output of a
// compact or branch task that produced multiple output nodes because
// its merge-writer exceeded the configured node-size watermark". The
// first output always stays with the original node (its identity and
// remaining branch chain are unaffected); only overflow becomes new
// nodes, each owning just the one branch built from its share of the
// flushed data.
func (d *Dispatcher) spillOverflow(parent *node.Node, blobs [][]byte, brs []branch.Branch) error {
	for i := range blobs {
		minKey := brs[i].Pages[0].MinKey
		id := d.NextNodeID()
		path := d.NodePath(id)

		child, err := node.Create(d.FS, path, id, minKey, d.Schema)
		if err != nil {
			return err
		}
		if err := child.AppendBranch(blobs[i], brs[i]); err != nil {
			return err
		}

		d.Tree.Insert(child)
		d.Register(child)
		d.track(child, 0, oldestTimestamp(child), brs[i].Trailer.MinDupLSN, brs[i].Trailer.DupKeyCount, brs[i].Trailer.KeyCount)
	}
	return nil
}
