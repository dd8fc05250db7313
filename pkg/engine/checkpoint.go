package engine

import (
	"time"

	"github.com/cuemby/ldb/pkg/metrics"
)

// checkpointLoop periodically drives two-tick checkpoint
// protocol: first tick pushes every node's checkpoint zone (forcing a
// full flush of its i0 up through the checkpoint-round's starting
// LSN); once every database's planner reports that flush has had time
// to land, the second tick calls wal.Pool.MarkAllDurableExceptCurrent
// so old segments become reclaimable ("a segment is only
// swept once every node has durably flushed past its starting LSN").
//
// This engine doesn't track per-node flush completion precisely
// enough to gate the second tick exactly on it (the planner's
// checkpoint zone is just another queue entry, not a synchronous
// barrier) — it instead waits one full interval, which in practice is
// far longer than a flush takes, then sweeps. A production embedder
// that needs a tighter bound should call CheckpointNow and await its
// own flush-completion signal instead of relying on this loop.
func (env *Env) checkpointLoop(interval time.Duration) {
	defer env.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			env.CheckpointNow()
		case <-env.stopCh:
			return
		}
	}
}

// CheckpointNow sets every database's checkpoint LSN to the engine's
// current commit horizon (so the checkpoint zone has a concrete
// target to flush up through) and marks every WAL segment but the
// current one durable, letting Sweep reclaim them once all their
// records are confirmed applied.
func (env *Env) CheckpointNow() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CheckpointDuration)

	lsn := env.currentLSN()

	env.mu.RLock()
	dbs := make([]*Database, 0, len(env.databases))
	for _, db := range env.databases {
		dbs = append(dbs, db)
	}
	env.mu.RUnlock()

	for _, db := range dbs {
		db.planner.SetCheckpointLSN(lsn)
	}

	env.walPool.MarkAllDurableExceptCurrent()
	_, _ = env.walPool.Sweep()
}
