package task

import (
	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/vfs"
)

// runLRU implements the lru zone ("a running LRU virtual-
// LSN horizon has advanced past some node's min LSN"). It releases OS
// page-cache residency for every branch entirely below the vlsn_lru
// horizon — those pages hold no version any present or future
// snapshot can still observe, so there is nothing left to keep warm
// for reads. This only changes cache residency; the branch chain and
// routing are untouched, unlike compact/gc which rewrite data.
func (d *Dispatcher) runLRU(t planner.Task) error {
	n, err := d.lookup(t.NodeID)
	if err != nil {
		return err
	}
	n.TaskLock.Lock()
	defer n.TaskLock.Unlock()

	vlsnLRU := d.Horizons.VLSNLRU()
	for i := 0; i < n.BranchCount(); i++ {
		ref := n.BranchAt(i)
		if ref.Trailer.MaxLSN >= vlsnLRU {
			continue
		}
		offset, length := n.BranchByteRange(ref)
		if err := n.Advise(offset, length, vfs.AdviceDontNeed); err != nil {
			return err
		}
	}
	return nil
}
