package task

import "github.com/cuemby/ldb/pkg/planner"

// Backuper receives one node's raw file bytes during a backup task and
// returns the backup set id those bytes were written under, so the
// dispatcher can stamp NodeStats.LastBackedUp: a backup task reads
// the node's file bytes and writes them to the backup directory, then
// updates last_backed_up. pkg/engine owns the
// actual <bsn>.incomplete/<db>/ directory layout and bsn bookkeeping;
// Dispatcher only knows it has bytes to hand off.
type Backuper interface {
	WriteNode(nodeID uint64, data []byte) (bsn uint64, err error)
}

// runBackup implements the backup zone : copy a node's
// current file bytes verbatim into the active backup set, then record
// that bsn against the node so pickBackup stops selecting it until the
// next backup id bump.
func (d *Dispatcher) runBackup(t planner.Task) error {
	if d.Backup == nil {
		return nil
	}
	n, err := d.lookup(t.NodeID)
	if err != nil {
		return err
	}
	n.TaskLock.Lock()
	defer n.TaskLock.Unlock()

	buf, err := n.ReadAll()
	if err != nil {
		return err
	}
	bsn, err := d.Backup.WriteNode(t.NodeID, buf)
	if err != nil {
		return err
	}

	st, ok := d.Planner.Stats(t.NodeID)
	if !ok {
		st = planner.NodeStats{NodeID: t.NodeID}
	}
	st.LastBackedUp = bsn
	d.Planner.Track(st)
	return nil
}
