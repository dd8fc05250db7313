package task

import (
	"path/filepath"

	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/iter"
	"github.com/cuemby/ldb/pkg/metrics"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/planner"
)

// runRebuild implements the compact and gc zones: both merge every
// durable branch of a node into a fresh, smaller branch chain under
// the same visibility policy as a flush, the difference being only
// which planner threshold triggered the rewrite (branch count vs
// dup-key ratio) — merge writer is the same either way.
func (d *Dispatcher) runRebuild(t planner.Task) error {
	n, err := d.lookup(t.NodeID)
	if err != nil {
		return err
	}
	n.TaskLock.Lock()
	defer n.TaskLock.Unlock()

	count := n.BranchCount()
	if count == 0 {
		return nil
	}

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
			writer.Add(branch.MergeInput{Key: v.Key, Value: v.Value, Flags: v.Flags, LSN: v.LSN, Timestamp: v.Timestamp})
		}
	}

	blobs, brs, err := writer.Finish()
	if err != nil {
		return err
	}
	if t.Zone == planner.ZoneCompact {
		metrics.BranchesMerged.Add(float64(count))
	}
	if len(blobs) == 0 {
		return d.replaceWithEmpty(n)
	}
	return d.replaceWithBuilt(n, blobs, brs)
}

// replaceWithBuilt promotes a freshly built branch chain in place of
// n's entire branch chain, following the seal/gc/promote rename
// protocol node.PlanRecovery expects so a crash mid-compaction leaves
// one unambiguous recovery path: build the new content at
// node.SealName(old.ID, old.ID) (an in-place rebuild is its own
// parent), rename the live file to node.GCName(old.ID), then rename
// the seal file over the live path to promote it. A crash after the
// seal is written but before the first rename leaves the live file and
// the seal both present — PlanRecovery deletes the live file and
// promotes the seal. A crash between the first and second rename
// leaves only the seal and the .gc remnant — PlanRecovery promotes
// the seal (its parent file is already gone) and reaps the .gc
// separately. Overflow beyond the first output becomes brand-new
// sibling nodes, same as a branch-task split.
func (d *Dispatcher) replaceWithBuilt(old *node.Node, blobs [][]byte, brs []branch.Branch) error {
	dir := filepath.Dir(old.Path())
	sealPath := filepath.Join(dir, node.SealName(old.ID, old.ID))
	replacement, err := node.Create(d.FS, sealPath, old.ID, old.MinKey, d.Schema)
	if err != nil {
		return err
	}
	if err := replacement.AppendBranch(blobs[0], brs[0]); err != nil {
		return err
	}

	gcPath := filepath.Join(dir, node.GCName(old.ID))
	if err := d.FS.Rename(old.Path(), gcPath); err != nil {
		return err
	}
	promotedPath := old.Path()
	if err := d.FS.Rename(sealPath, promotedPath); err != nil {
		return err
	}
	replacement.Rename(promotedPath)

	d.Tree.Replace(old.MinKey, replacement)
	d.Register(replacement)
	d.track(replacement, 0, oldestTimestamp(replacement), brs[0].Trailer.MinDupLSN, brs[0].Trailer.DupKeyCount, brs[0].Trailer.KeyCount)

	d.markReplaced(old, gcPath)

	if len(blobs) > 1 {
		return d.spillOverflow(replacement, blobs[1:], brs[1:])
	}
	return nil
}

// replaceWithEmpty handles a rebuild whose merge produced zero
// surviving records (invariant: "a compact task whose merge
// produces zero output records produces zero nodes and frees its
// input"). If old is the tree's only node, a fresh empty placeholder
// takes its MinKey so the tree is never empty (bootstrap
// invariant); otherwise old's range is simply absorbed by its
// predecessor and no replacement node is created.
func (d *Dispatcher) replaceWithEmpty(old *node.Node) error {
	if d.Tree.Size() > 1 {
		d.Tree.Replace(old.MinKey)
		d.markReplaced(old, old.Path())
		return nil
	}

	id := d.NextNodeID()
	path := d.NodePath(id)
	placeholder, err := node.Create(d.FS, path, id, old.MinKey, d.Schema)
	if err != nil {
		return err
	}
	d.Tree.Replace(old.MinKey, placeholder)
	d.Register(placeholder)
	d.track(placeholder, 0, 0, 0, 0, 0)
	d.markReplaced(old, old.Path())
	return nil
}
