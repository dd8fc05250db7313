package task

import "github.com/cuemby/ldb/pkg/planner"

// runNodeGC implements the nodegc zone (picked once a
// replaced node's refcount has drained to zero). The file a
// split/compaction left behind — recorded by markReplaced at
// replacement time — is deleted, and the superseded node drops out of
// the registry and the planner's queues for good.
func (d *Dispatcher) runNodeGC(t planner.Task) error {
	d.replacedMu.Lock()
	entry, ok := d.replaced[t.NodeID]
	if ok {
		delete(d.replaced, t.NodeID)
	}
	d.replacedMu.Unlock()
	if !ok {
		return nil
	}

	if err := d.FS.Remove(entry.path); err != nil {
		return err
	}
	d.Unregister(t.NodeID)
	d.Planner.Untrack(t.NodeID)
	return nil
}
