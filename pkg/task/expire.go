package task

import (
	"time"

	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/iter"
	"github.com/cuemby/ldb/pkg/planner"
)

// runExpire implements the expire zone: a key set at t=0 with a TTL
// becomes unreadable once expire runs past its deadline. It
// rebuilds a node's branch chain exactly like compact/gc, except any
// version older than the TTL horizon is dropped outright rather than
// retained — expiry is a stronger discard than the vlsn_lru rule, not
// an additional one, so an expired key disappears even if it would
// otherwise still be visible to an open snapshot.
//
// Scope: only durable branches are rewritten; an expired record still
// sitting in i0/i1 is caught the next time that node's memory index
// flushes through the normal VLSN-retention path once its timestamp
// ages past the horizon there too, rather than by this task reaching
// into live write buffers.
func (d *Dispatcher) runExpire(t planner.Task) error {
	n, err := d.lookup(t.NodeID)
	if err != nil {
		return err
	}
	n.TaskLock.Lock()
	defer n.TaskLock.Unlock()

	count := n.BranchCount()
	if count == 0 || d.ExpireTTL <= 0 {
		return nil
	}
	cutoff := uint32(time.Now().Add(-d.ExpireTTL).Unix())

	sources := make([]iter.Source, 0, count)
	for i := count - 1; i >= 0; i-- {
		src, err := iter.NewBranchSource(n, n.BranchAt(i), d.Schema, d.Compressor, nil, false)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}
	rm := newRawMerge(sources, d.Schema)
	defer rm.close()

	policy := branch.MergePolicy{VLSN: d.Horizons.VLSN(), VLSNLRU: d.Horizons.VLSNLRU(), IsRoot: true}
	writer := branch.NewMergeWriter(policy, d.NodeSizeWatermark, d.newBuilder)
	for {
		key, versions, err := rm.next()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		for _, v := range versions {
			if v.Timestamp < cutoff {
				continue
			}
			writer.Add(branch.MergeInput{Key: v.Key, Value: v.Value, Flags: v.Flags, LSN: v.LSN, Timestamp: v.Timestamp})
		}
	}

	blobs, brs, err := writer.Finish()
	if err != nil {
		return err
	}
	if len(blobs) == 0 {
		return d.replaceWithEmpty(n)
	}
	return d.replaceWithBuilt(n, blobs, brs)
}
