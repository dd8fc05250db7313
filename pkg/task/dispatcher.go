// Package task implements concrete background-work
// executors — branch, age, compact, checkpoint, expire, gc, lru,
// backup, anticache, nodegc — each a planner.Runner dispatched by
// zone. Dispatcher owns no scheduling policy of its own; it only
// turns a planner.Task into real I/O against pkg/node, pkg/branch,
// and pkg/tree: the runner does the work, planner only decides order.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/metrics"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/tree"
	"github.com/cuemby/ldb/pkg/vfs"
)

// BloomAdder mirrors the subset of *bloomfilter.Filter that
// pkg/branch.Builder needs; kept here too so pkg/task never has to
// import a concrete bloom library either — pkg/engine supplies the
// factory.
type BloomAdder interface {
	Add(hash uint64)
	MarshalBinary() (data []byte, err error)
}

// Horizons reports the two LSN watermarks merge writer
// needs: vlsn (keep exactly one version at or below it per key) and
// vlsn_lru (drop everything below it outright). pkg/engine's mvcc
// manager is the source of truth for both.
type Horizons interface {
	VLSN() uint64
	VLSNLRU() uint64
}

// Deps are the database-wide collaborators every task executor needs.
// One Dispatcher serves one database.
type Deps struct {
	Schema     *schema.Schema
	Compressor filter.Compressor
	FS         vfs.FS
	Tree       *tree.Tree
	Planner    *planner.Planner
	Horizons   Horizons

	// Lookup resolves a node by id; false if the node no longer
	// exists (already garbage-collected).
	Lookup func(nodeID uint64) (*node.Node, bool)

	// NextNodeID/NodePath mint identity and an on-disk path for a
	// brand-new node produced by a split (branch overflow) or a
	// compaction rewrite. Owned by pkg/engine, which allocates ids
	// database-wide.
	NextNodeID func() uint64
	NodePath   func(id uint64) string

	// Register/Unregister add or drop a node from the tree and the
	// node-id -> *node.Node registry the engine keeps; Dispatcher
	// calls these after a split or compaction replaces a node.
	Register   func(n *node.Node)
	Unregister func(nodeID uint64)

	PageCap           int
	NodeSizeWatermark int
	Sparse            bool
	KeyHash           func([]byte) uint64
	NewBloom          func() BloomAdder // nil disables AMQF

	ExpireTTL       time.Duration
	AnticacheConfig AnticacheConfig

	Backup Backuper // nil disables the backup zone

	// OnMemoryFreed reports bytes released back to the engine's global
	// memory quota once a flush has durably rotated them out of i1
	// (memory quota condition). Nil disables quota tracking.
	OnMemoryFreed func(bytes int64)
}

// Dispatcher is Deps plus the bookkeeping a running instance needs:
// branch-id allocation and the set of nodes a compaction/gc/expire
// pass has replaced but not yet reclaimed.
type Dispatcher struct {
	Deps

	branchSeq uint64

	replacedMu sync.Mutex
	replaced   map[uint64]replacedEntry
}

type replacedEntry struct {
	node *node.Node
	path string
}

// New builds a Dispatcher for one database.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{Deps: deps, replaced: make(map[uint64]replacedEntry)}
}

// Run executes one planner.Task to completion — the method that
// makes *Dispatcher a planner.Runner. Every dispatch is timed and
// counted by zone directly in the assignment loop, rather than
// leaving the counting to a poll-based collector.
func (d *Dispatcher) Run(t planner.Task) error {
	timer := metrics.NewTimer()
	zone := t.Zone.String()

	err := d.run(t)

	timer.ObserveDurationVec(metrics.TaskDuration, zone)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ScheduledTasksTotal.WithLabelValues(zone, outcome).Inc()
	if err == nil {
		d.observeZoneMetrics(t)
	}
	return err
}

func (d *Dispatcher) run(t planner.Task) error {
	switch t.Zone {
	case planner.ZoneBranch, planner.ZoneAge, planner.ZoneCheckpoint:
		return d.runFlush(t)
	case planner.ZoneCompact, planner.ZoneGC:
		return d.runRebuild(t)
	case planner.ZoneExpire:
		return d.runExpire(t)
	case planner.ZoneLRU:
		return d.runLRU(t)
	case planner.ZoneAnticache:
		return d.runAnticache(t)
	case planner.ZoneBackup:
		return d.runBackup(t)
	case planner.ZoneNodeGC:
		return d.runNodeGC(t)
	default:
		return fmt.Errorf("task: unknown zone %v", t.Zone)
	}
}

// observeZoneMetrics records the zone-specific counters beyond the
// generic dispatch counters every Run call already gets.
func (d *Dispatcher) observeZoneMetrics(t planner.Task) {
	switch t.Zone {
	case planner.ZoneCompact:
		metrics.CompactionsTotal.Inc()
	case planner.ZoneCheckpoint:
		metrics.CheckpointsTotal.Inc()
	case planner.ZoneGC:
		metrics.GCReclaimedVersionsTotal.Inc()
	case planner.ZoneAnticache:
		metrics.AnticacheEvictionsTotal.Inc()
	}
}

func (d *Dispatcher) lookup(nodeID uint64) (*node.Node, error) {
	n, ok := d.Lookup(nodeID)
	if !ok {
		return nil, fmt.Errorf("task: node %d not found", nodeID)
	}
	return n, nil
}

// nextBranchID allocates a branch id unique within the calling
// process — branch identity only needs to be unique within its node
// file, so a single process-wide counter is sufficient
// and avoids round-tripping through pkg/engine for every flush.
func (d *Dispatcher) nextBranchID() uint64 {
	return atomic.AddUint64(&d.branchSeq, 1)
}

func (d *Dispatcher) newBuilder() *branch.Builder {
	var bloom BloomAdder
	if d.NewBloom != nil {
		bloom = d.NewBloom()
	}
	return branch.NewBuilder(d.nextBranchID(), d.Schema, d.Compressor, d.PageCap, d.Sparse, d.KeyHash, bloom)
}

// oldestTimestamp returns the oldest record timestamp across every
// durable branch n currently holds, 0 if n has no branches. pickExpire
// skips any node whose tracked OldestTimestamp is 0, so a node with
// data is only ever expire-eligible once a flush or rebuild has
// reported a real value here.
func oldestTimestamp(n *node.Node) uint32 {
	var oldest uint32
	for i := 0; i < n.BranchCount(); i++ {
		ts := n.BranchAt(i).Trailer.MinTimestamp
		if oldest == 0 || (ts != 0 && ts < oldest) {
			oldest = ts
		}
	}
	return oldest
}

// track refreshes n's planner stats after a task touches it.
func (d *Dispatcher) track(n *node.Node, temperature int, oldestTimestamp uint32, minDupLSN uint64, dupKeyCount, keyCount uint32) {
	idx := n.I0()
	minLSN, hasMin := idx.MinLSN()
	d.Planner.Track(planner.NodeStats{
		NodeID:          n.ID,
		I0Bytes:         idx.Bytes(),
		I0MinLSN:        minLSN,
		HasI0MinLSN:     hasMin,
		LastTouched:     time.Now(),
		BranchCount:     n.BranchCount(),
		KeyCount:        keyCount,
		DupKeyCount:     dupKeyCount,
		MinDupLSN:       minDupLSN,
		OldestTimestamp: oldestTimestamp,
		Temperature:     temperature,
		RefCount:        n.RefCount(),
	})
}

// markReplaced records that old has been superseded by a
// split/compaction and is now only waiting for its refcount to drain
// to zero before nodegc deletes diskPath (nodegc zone).
// diskPath is passed explicitly rather than read from old.Path()
// because compaction renames the live file out from under old's
// unchanged path field ("...old N.db is renamed to .gc").
func (d *Dispatcher) markReplaced(old *node.Node, diskPath string) {
	d.replacedMu.Lock()
	d.replaced[old.ID] = replacedEntry{node: old, path: diskPath}
	d.replacedMu.Unlock()
	d.Planner.Track(planner.NodeStats{
		NodeID:   old.ID,
		Replaced: true,
		RefCount: old.RefCount(),
	})
}
