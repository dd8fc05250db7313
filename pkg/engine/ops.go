package engine

import (
	"time"

	"github.com/cuemby/ldb/pkg/planner"
)

// runZone drains every task the database's planner currently offers
// for zone, running each one synchronously through the dispatcher —
// the same Begin/Run/End sequence planner.Scheduler's worker loop
// uses, just invoked on demand instead of on a ticker.
func (db *Database) runZone(zone planner.Zone) (int, error) {
	ran := 0
	now := time.Now()
	for {
		task, ok := db.planner.Step(now)
		if !ok || task.Zone != zone {
			return ran, nil
		}
		if !db.planner.Begin(task) {
			return ran, nil
		}
		err := db.dispatcher.Run(task)
		db.planner.End(task)
		if err != nil {
			return ran, err
		}
		ran++
	}
}

// Compact forces the compact zone to run to completion against
// whatever nodes currently qualify (cmd/ldbctl's "compact" subcommand).
func (db *Database) Compact() (int, error) { return db.runZone(planner.ZoneCompact) }

// Flush forces the branch zone to run to completion, rotating every
// qualifying node's i0 into a new durable branch without waiting for
// the planner's size/age thresholds to trip on their own
// (cmd/ldbctl's "flush" subcommand).
func (db *Database) Flush() (int, error) { return db.runZone(planner.ZoneBranch) }

// Expire forces the expire zone to run to completion, dropping any
// version past its schema's TTL from every qualifying node
// (cmd/ldbctl's "expire" subcommand).
func (db *Database) Expire() (int, error) { return db.runZone(planner.ZoneExpire) }

// Checkpoint forces the checkpoint zone to run to completion, flushing
// every node's i0 up through the current commit horizon (cmd/ldbctl's
// "checkpoint" subcommand). It also sets the checkpoint LSN first, so
// pickCheckpoint has a target even if the env's background
// checkpointLoop hasn't ticked yet.
func (db *Database) Checkpoint() (int, error) {
	db.planner.SetCheckpointLSN(db.env.currentLSN())
	return db.runZone(planner.ZoneCheckpoint)
}

// Stats is a point-in-time snapshot of one database's size and shape,
// for cmd/ldbctl's "stats" subcommand.
type Stats struct {
	Name        string
	NodeCount   int
	BranchCount int
	TotalBytes  int64
	I0Bytes     int64
}

func (db *Database) StatsSnapshot() Stats {
	db.mu.RLock()
	nodeCount := len(db.nodes)
	var totalBytes int64
	var branchCount int
	for _, n := range db.nodes {
		totalBytes += n.Size()
		branchCount += n.BranchCount()
	}
	db.mu.RUnlock()

	return Stats{
		Name:        db.name,
		NodeCount:   nodeCount,
		BranchCount: branchCount,
		TotalBytes:  totalBytes,
		I0Bytes:     db.planner.TotalI0Bytes(),
	}
}

// DatabaseCounts reports one database's node/branch counts and i0
// byte total, for pkg/metrics' collector (EnvSource interface) — kept
// primitive-typed so pkg/metrics never has to import pkg/engine's
// Stats type.
func (env *Env) DatabaseCounts(name string) (nodeCount, branchCount int, i0Bytes int64, ok bool) {
	db, ok := env.Database(name)
	if !ok {
		return 0, 0, 0, false
	}
	st := db.StatsSnapshot()
	return st.NodeCount, st.BranchCount, st.I0Bytes, true
}

// DatabaseNames lists every database the env has open, for
// cmd/ldbctl's "stats" subcommand when no single database is named.
func (env *Env) DatabaseNames() []string {
	env.mu.RLock()
	defer env.mu.RUnlock()
	names := make([]string, 0, len(env.databases))
	for name := range env.databases {
		names = append(names, name)
	}
	return names
}
