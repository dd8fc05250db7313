// Package planner is the per-database background-work scheduler:
// three priority queues over the database's nodes (by memory
// index size, by branch count, by temperature), and a zone-ranked
// Step that picks the single next task due to run, a ticker ->
// schedule() shape generalized from picking a container's placement
// node to picking the next compaction-family task.
package planner

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Zone is one of ten background-work categories. There is no snapshot
// zone; snapshot files are written by the engine's own snapshot loop.
type Zone int

const (
	ZoneBranch Zone = iota
	ZoneAge
	ZoneCompact
	ZoneCheckpoint
	ZoneAnticache
	ZoneExpire
	ZoneGC
	ZoneLRU
	ZoneBackup
	ZoneNodeGC
)

func (z Zone) String() string {
	switch z {
	case ZoneBranch:
		return "branch"
	case ZoneAge:
		return "age"
	case ZoneCompact:
		return "compact"
	case ZoneCheckpoint:
		return "checkpoint"
	case ZoneAnticache:
		return "anticache"
	case ZoneExpire:
		return "expire"
	case ZoneGC:
		return "gc"
	case ZoneLRU:
		return "lru"
	case ZoneBackup:
		return "backup"
	case ZoneNodeGC:
		return "nodegc"
	default:
		return "unknown"
	}
}

// NodeStats is one node's planner-relevant snapshot. The caller
// (pkg/engine) refreshes it via Track after every write-path forward
// of a committed write and after every task completes.
type NodeStats struct {
	NodeID uint64

	I0Bytes     int64
	I0MinLSN    uint64
	HasI0MinLSN bool
	LastTouched time.Time

	BranchCount     int
	KeyCount        uint32
	DupKeyCount     uint32
	MinDupLSN       uint64
	OldestTimestamp uint32 // unix seconds, 0 if unknown

	Temperature int // 0-100 score, colder means safer to evict

	LastBackedUp uint64

	Replaced bool // superseded by a split/compaction's output
	RefCount int  // readers still pinning this node's file
}

// Config carries every zone's threshold (watermarks) plus
// per-zone concurrency quotas ("maximum concurrent branch tasks per
// database", tracked in a per-database counter array).
type Config struct {
	BranchSizeWatermark int64

	AgePeriod        time.Duration
	AgeSizeWatermark int64

	CompactBranchWatermark int
	Mode                   CompactionMode

	TTL time.Duration

	GCDupRatioWatermark float64

	AnticacheHotTemperature  int
	AnticacheColdTemperature int

	MaxConcurrent map[Zone]int
}

// CompactionMode selects which signal pickCompact favors when
// choosing the next compaction target (an open design question,
// resolved per DESIGN.md: branch count is the default trigger, but
// whether a size- or checkpoint-driven database should compact on a
// different signal was left open).
type CompactionMode int

const (
	// CompactByBranchCount picks the node with the most branches past
	// CompactBranchWatermark — literal default.
	CompactByBranchCount CompactionMode = iota
	// CompactBySize picks the largest-I0 node that has also crossed
	// CompactBranchWatermark, for workloads where branch count alone
	// under-counts a few oversized branches.
	CompactBySize
	// CompactCheckpointOnly never proactively picks a compaction
	// target; branches only consolidate as a side effect of the
	// checkpoint zone's flushes, for databases that would rather pay
	// read-amplification than background CPU.
	CompactCheckpointOnly
)

// Task is one unit of background work the scheduler hands to
// pkg/task.
type Task struct {
	ID     string
	Zone   Zone
	NodeID uint64

	// Metric carries the queue value (temperature, for lru/anticache)
	// that made this node win its zone's selection, so the executor
	// doesn't need to re-query planner state mid-task and risk it
	// having moved on. Zero for zones that aren't queue-driven.
	Metric int64
}

// Planner holds one database's three priority queues and zone
// watermarks, and picks the next task to run.
type Planner struct {
	mu  sync.Mutex
	cfg Config

	sizeQueue  *Queue // by I0Bytes, max — branch/age
	countQueue *Queue // by BranchCount, max — compact
	tempQueue  *Queue // by Temperature, min (coldest first) — lru/anticache

	stats map[uint64]NodeStats

	inFlight  map[uint64]bool
	quotaUsed map[Zone]int

	checkpointLSN  uint64
	vlsnLRU        uint64
	backupTargetID uint64
}

// New starts an empty planner for one database.
func New(cfg Config) *Planner {
	if cfg.MaxConcurrent == nil {
		cfg.MaxConcurrent = map[Zone]int{}
	}
	return &Planner{
		cfg:        cfg,
		sizeQueue:  newQueue(func(a, b int64) bool { return a > b }),
		countQueue: newQueue(func(a, b int64) bool { return a > b }),
		tempQueue:  newQueue(func(a, b int64) bool { return a < b }),
		stats:      make(map[uint64]NodeStats),
		inFlight:   make(map[uint64]bool),
		quotaUsed:  make(map[Zone]int),
	}
}

// Track registers or refreshes stats for one node, repositioning it
// in all three queues ("each tree node appears in all
// three; position updates are O(log N)").
func (p *Planner) Track(stats NodeStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[stats.NodeID] = stats
	p.sizeQueue.Upsert(stats.NodeID, stats.I0Bytes)
	p.countQueue.Upsert(stats.NodeID, int64(stats.BranchCount))
	p.tempQueue.Upsert(stats.NodeID, int64(stats.Temperature))
}

// Untrack removes a node from every queue — called once nodegc has
// deleted its file, or the node is otherwise permanently gone.
func (p *Planner) Untrack(nodeID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stats, nodeID)
	delete(p.inFlight, nodeID)
	p.sizeQueue.Remove(nodeID)
	p.countQueue.Remove(nodeID)
	p.tempQueue.Remove(nodeID)
}

// Stats returns the last tracked stats for nodeID, for a caller (the
// backup task) that needs to update a single field without
// reconstructing the rest.
func (p *Planner) Stats(nodeID uint64) (NodeStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[nodeID]
	return st, ok
}

// TotalI0Bytes sums I0Bytes across every tracked node, for the
// engine's memory quota gate: rather than duplicating a byte counter
// at the tree or engine level, the quota check reuses the same
// per-node I0Bytes this planner already tracks for the branch zone's
// watermark.
func (p *Planner) TotalI0Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, st := range p.stats {
		total += st.I0Bytes
	}
	return total
}

// SetCheckpointLSN / SetVLSNLRU / SetBackupTarget update the scalar
// horizons the checkpoint/lru/backup zones compare node stats
// against.
func (p *Planner) SetCheckpointLSN(lsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpointLSN = lsn
}

func (p *Planner) SetVLSNLRU(lsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vlsnLRU = lsn
}

func (p *Planner) SetBackupTarget(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backupTargetID = id
}

// Step picks the single highest-priority task due to run, or
// ok=false if nothing is. Zones are tried in listed
// order; the first that finds an eligible node wins. A node already
// in flight is never picked again — "at most one task at a time per
// node" holds before the caller ever touches node.Node.TaskLock.
func (p *Planner) Step(now time.Time) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pickers := []func(time.Time) (Task, bool){
		p.pickBranch,
		p.pickAge,
		p.pickCompact,
		p.pickCheckpoint,
		p.pickExpire,
		p.pickGC,
		p.pickLRU,
		p.pickBackup,
		p.pickAnticache,
		p.pickNodeGC,
	}
	for _, pick := range pickers {
		if t, ok := pick(now); ok {
			return t, true
		}
	}
	return Task{}, false
}

func (p *Planner) newTask(z Zone, nodeID uint64) Task {
	return Task{ID: uuid.NewString(), Zone: z, NodeID: nodeID}
}

func (p *Planner) newTaskWithMetric(z Zone, nodeID uint64, metric int64) Task {
	t := p.newTask(z, nodeID)
	t.Metric = metric
	return t
}

func (p *Planner) pickBranch(time.Time) (Task, bool) {
	if p.cfg.BranchSizeWatermark <= 0 {
		return Task{}, false
	}
	id, metric, ok := p.sizeQueue.Top(func(id uint64) bool { return p.inFlight[id] })
	if !ok || metric < p.cfg.BranchSizeWatermark {
		return Task{}, false
	}
	return p.newTaskWithMetric(ZoneBranch, id, metric), true
}

func (p *Planner) pickAge(now time.Time) (Task, bool) {
	if p.cfg.AgePeriod <= 0 {
		return Task{}, false
	}
	for id, st := range p.stats {
		if p.inFlight[id] || st.I0Bytes == 0 {
			continue
		}
		if now.Sub(st.LastTouched) >= p.cfg.AgePeriod && st.I0Bytes >= p.cfg.AgeSizeWatermark {
			return p.newTask(ZoneAge, id), true
		}
	}
	return Task{}, false
}

func (p *Planner) pickCompact(time.Time) (Task, bool) {
	if p.cfg.Mode == CompactCheckpointOnly || p.cfg.CompactBranchWatermark <= 0 {
		return Task{}, false
	}

	id, metric, ok := p.countQueue.Top(func(id uint64) bool { return p.inFlight[id] })
	if !ok || metric < int64(p.cfg.CompactBranchWatermark) {
		return Task{}, false
	}
	if p.cfg.Mode == CompactBySize {
		sizeID, sizeMetric, sizeOK := p.sizeQueue.Top(func(id uint64) bool {
			return p.inFlight[id] || p.stats[id].BranchCount < p.cfg.CompactBranchWatermark
		})
		if sizeOK {
			return p.newTaskWithMetric(ZoneCompact, sizeID, sizeMetric), true
		}
		return Task{}, false
	}
	return p.newTaskWithMetric(ZoneCompact, id, metric), true
}

func (p *Planner) pickCheckpoint(time.Time) (Task, bool) {
	if p.checkpointLSN == 0 {
		return Task{}, false
	}
	for id, st := range p.stats {
		if p.inFlight[id] || !st.HasI0MinLSN {
			continue
		}
		if st.I0MinLSN <= p.checkpointLSN {
			return p.newTask(ZoneCheckpoint, id), true
		}
	}
	return Task{}, false
}

func (p *Planner) pickExpire(now time.Time) (Task, bool) {
	if p.cfg.TTL <= 0 {
		return Task{}, false
	}
	cutoff := uint32(now.Add(-p.cfg.TTL).Unix())
	for id, st := range p.stats {
		if p.inFlight[id] || st.OldestTimestamp == 0 {
			continue
		}
		if st.OldestTimestamp < cutoff {
			return p.newTask(ZoneExpire, id), true
		}
	}
	return Task{}, false
}

func (p *Planner) pickGC(time.Time) (Task, bool) {
	if p.cfg.GCDupRatioWatermark <= 0 {
		return Task{}, false
	}
	for id, st := range p.stats {
		if p.inFlight[id] {
			continue
		}
		total := st.KeyCount + st.DupKeyCount
		if total == 0 {
			continue
		}
		ratio := float64(st.DupKeyCount) / float64(total)
		if ratio >= p.cfg.GCDupRatioWatermark && st.MinDupLSN < p.vlsnLRU {
			return p.newTask(ZoneGC, id), true
		}
	}
	return Task{}, false
}

func (p *Planner) pickLRU(time.Time) (Task, bool) {
	if p.vlsnLRU == 0 {
		return Task{}, false
	}
	id, metric, ok := p.tempQueue.Top(func(id uint64) bool {
		if p.inFlight[id] {
			return true
		}
		st, exists := p.stats[id]
		return !exists || !st.HasI0MinLSN || st.I0MinLSN >= p.vlsnLRU
	})
	if !ok {
		return Task{}, false
	}
	return p.newTaskWithMetric(ZoneLRU, id, metric), true
}

func (p *Planner) pickBackup(time.Time) (Task, bool) {
	if p.backupTargetID == 0 {
		return Task{}, false
	}
	for id, st := range p.stats {
		if p.inFlight[id] {
			continue
		}
		if st.LastBackedUp < p.backupTargetID {
			return p.newTask(ZoneBackup, id), true
		}
	}
	return Task{}, false
}

// pickAnticache covers both ends of "promote hot nodes
// into RAM or revoke cold nodes": the coldest eligible node (via the
// temperature queue) if it is at or below the cold watermark, else
// any node at or above the hot watermark.
func (p *Planner) pickAnticache(time.Time) (Task, bool) {
	if p.cfg.AnticacheColdTemperature > 0 {
		if id, metric, ok := p.tempQueue.Top(func(id uint64) bool { return p.inFlight[id] }); ok {
			if int(metric) <= p.cfg.AnticacheColdTemperature {
				return p.newTaskWithMetric(ZoneAnticache, id, metric), true
			}
		}
	}
	if p.cfg.AnticacheHotTemperature <= 0 {
		return Task{}, false
	}
	for id, st := range p.stats {
		if p.inFlight[id] {
			continue
		}
		if st.Temperature >= p.cfg.AnticacheHotTemperature {
			return p.newTaskWithMetric(ZoneAnticache, id, int64(st.Temperature)), true
		}
	}
	return Task{}, false
}

func (p *Planner) pickNodeGC(time.Time) (Task, bool) {
	for id, st := range p.stats {
		if p.inFlight[id] {
			continue
		}
		if st.Replaced && st.RefCount == 0 {
			return p.newTask(ZoneNodeGC, id), true
		}
	}
	return Task{}, false
}

// Begin reserves nodeID/zone against the in-flight and quota
// bookkeeping. ok=false means the caller must not proceed — either
// another task already owns the node, or the zone's quota is
// exhausted; Step already filters in-flight nodes, so this mainly
// guards the race between Step and dispatch.
func (p *Planner) Begin(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[t.NodeID] {
		return false
	}
	if max, ok := p.cfg.MaxConcurrent[t.Zone]; ok && p.quotaUsed[t.Zone] >= max {
		return false
	}
	p.inFlight[t.NodeID] = true
	p.quotaUsed[t.Zone]++
	return true
}

// End releases the bookkeeping Begin reserved, once t has finished
// (successfully or not).
func (p *Planner) End(t Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, t.NodeID)
	if p.quotaUsed[t.Zone] > 0 {
		p.quotaUsed[t.Zone]--
	}
}
