package task

import (
	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/vfs"
)

// AnticacheConfig's HotTemperature and ColdTemperature mirror the two
// planner.Config watermarks (AnticacheHotTemperature and
// AnticacheColdTemperature) so a task can tell which direction it was
// picked for without re-querying planner state (the Task.Metric field
// already carries the temperature planner.Step observed).
type AnticacheConfig struct {
	HotTemperature  int
	ColdTemperature int
}

// runAnticache implements the anticache zone ("promote hot
// nodes into RAM or revoke cold nodes"; redesign note: "the
// anticache task flips the variant under the node lock"). This engine
// has no separate in-memory "promoted branch" representation, so
// promote/revoke is expressed as an OS page-cache residency hint
// instead of a storage-mode switch: WillNeed pre-warms a hot node's
// branches, DontNeed releases a cold node's.
func (d *Dispatcher) runAnticache(t planner.Task) error {
	n, err := d.lookup(t.NodeID)
	if err != nil {
		return err
	}
	n.TaskLock.Lock()
	defer n.TaskLock.Unlock()

	advice := vfs.AdviceDontNeed
	if int(t.Metric) >= d.AnticacheConfig.HotTemperature {
		advice = vfs.AdviceWillNeed
	}

	for i := 0; i < n.BranchCount(); i++ {
		ref := n.BranchAt(i)
		offset, length := n.BranchByteRange(ref)
		if err := n.Advise(offset, length, advice); err != nil {
			return err
		}
	}
	return nil
}
