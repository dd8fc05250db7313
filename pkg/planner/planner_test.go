package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlannerStepPicksBranchWhenOverWatermark(t *testing.T) {
	p := New(Config{BranchSizeWatermark: 100})
	p.Track(NodeStats{NodeID: 1, I0Bytes: 50})
	p.Track(NodeStats{NodeID: 2, I0Bytes: 200})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneBranch, task.Zone)
	assert.EqualValues(t, 2, task.NodeID)
}

func TestPlannerStepReturnsFalseWhenNothingEligible(t *testing.T) {
	p := New(Config{BranchSizeWatermark: 1000})
	p.Track(NodeStats{NodeID: 1, I0Bytes: 50})

	_, ok := p.Step(time.Now())
	assert.False(t, ok)
}

func TestPlannerStepSkipsInFlightNodeForSameZone(t *testing.T) {
	p := New(Config{BranchSizeWatermark: 10})
	p.Track(NodeStats{NodeID: 1, I0Bytes: 100})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	require.True(t, p.Begin(task))

	_, ok = p.Step(time.Now())
	assert.False(t, ok)
}

func TestPlannerStepPrefersEarlierZoneOverLaterOnes(t *testing.T) {
	// branch and compact both eligible on the same node; branch is
	// tried first in Step's zone order.
	p := New(Config{BranchSizeWatermark: 10, CompactBranchWatermark: 1})
	p.Track(NodeStats{NodeID: 1, I0Bytes: 100, BranchCount: 5})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneBranch, task.Zone)
}

func TestPlannerPickAgeRequiresBothPeriodAndSize(t *testing.T) {
	p := New(Config{AgePeriod: time.Minute, AgeSizeWatermark: 100})
	old := time.Now().Add(-time.Hour)
	p.Track(NodeStats{NodeID: 1, I0Bytes: 50, LastTouched: old})

	_, ok := p.Step(time.Now())
	assert.False(t, ok, "below size watermark should not fire age")

	p.Track(NodeStats{NodeID: 2, I0Bytes: 200, LastTouched: time.Now()})
	_, ok = p.Step(time.Now())
	assert.False(t, ok, "too recent should not fire age")

	p.Track(NodeStats{NodeID: 3, I0Bytes: 200, LastTouched: old})
	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneAge, task.Zone)
	assert.EqualValues(t, 3, task.NodeID)
}

func TestPlannerPickCheckpointFiresWhenI0MinLSNBelowHorizon(t *testing.T) {
	p := New(Config{})
	p.SetCheckpointLSN(100)
	p.Track(NodeStats{NodeID: 1, I0MinLSN: 50, HasI0MinLSN: true})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneCheckpoint, task.Zone)
}

func TestPlannerPickExpireFiresPastTTL(t *testing.T) {
	p := New(Config{TTL: time.Hour})
	past := uint32(time.Now().Add(-2 * time.Hour).Unix())
	p.Track(NodeStats{NodeID: 1, OldestTimestamp: past})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneExpire, task.Zone)
}

func TestPlannerPickGCFiresOnHighDupRatioBelowVLSNLRU(t *testing.T) {
	p := New(Config{GCDupRatioWatermark: 0.5})
	p.SetVLSNLRU(100)
	p.Track(NodeStats{NodeID: 1, KeyCount: 10, DupKeyCount: 20, MinDupLSN: 50})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneGC, task.Zone)
}

func TestPlannerPickGCDoesNotFireWhenDupsTooFresh(t *testing.T) {
	p := New(Config{GCDupRatioWatermark: 0.5})
	p.SetVLSNLRU(10)
	p.Track(NodeStats{NodeID: 1, KeyCount: 10, DupKeyCount: 20, MinDupLSN: 50})

	_, ok := p.Step(time.Now())
	assert.False(t, ok)
}

func TestPlannerPickLRUFiresOnColdestEligibleNode(t *testing.T) {
	p := New(Config{})
	p.SetVLSNLRU(100)
	p.Track(NodeStats{NodeID: 1, Temperature: 80, I0MinLSN: 10, HasI0MinLSN: true})
	p.Track(NodeStats{NodeID: 2, Temperature: 20, I0MinLSN: 10, HasI0MinLSN: true})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneLRU, task.Zone)
	assert.EqualValues(t, 2, task.NodeID)
}

func TestPlannerPickLRUSkipsNodesAboveVLSNHorizon(t *testing.T) {
	p := New(Config{})
	p.SetVLSNLRU(5)
	p.Track(NodeStats{NodeID: 1, Temperature: 10, I0MinLSN: 10, HasI0MinLSN: true})

	_, ok := p.Step(time.Now())
	assert.False(t, ok)
}

func TestPlannerPickBackupFiresWhenBehindTarget(t *testing.T) {
	p := New(Config{})
	p.SetBackupTarget(5)
	p.Track(NodeStats{NodeID: 1, LastBackedUp: 1})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneBackup, task.Zone)
}

func TestPlannerPickAnticacheRevokesColdestNode(t *testing.T) {
	p := New(Config{AnticacheColdTemperature: 10, AnticacheHotTemperature: 90})
	p.Track(NodeStats{NodeID: 1, Temperature: 5})
	p.Track(NodeStats{NodeID: 2, Temperature: 50})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneAnticache, task.Zone)
	assert.EqualValues(t, 1, task.NodeID)
}

func TestPlannerPickAnticachePromotesHotNodeWhenNoneCold(t *testing.T) {
	p := New(Config{AnticacheColdTemperature: 1, AnticacheHotTemperature: 90})
	p.Track(NodeStats{NodeID: 1, Temperature: 50})
	p.Track(NodeStats{NodeID: 2, Temperature: 95})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneAnticache, task.Zone)
	assert.EqualValues(t, 2, task.NodeID)
}

func TestPlannerPickNodeGCFiresOnReplacedZeroRefNode(t *testing.T) {
	p := New(Config{})
	p.Track(NodeStats{NodeID: 1, Replaced: true, RefCount: 0})
	p.Track(NodeStats{NodeID: 2, Replaced: true, RefCount: 2})

	task, ok := p.Step(time.Now())
	require.True(t, ok)
	assert.Equal(t, ZoneNodeGC, task.Zone)
	assert.EqualValues(t, 1, task.NodeID)
}

func TestPlannerUntrackRemovesNodeFromAllQueues(t *testing.T) {
	p := New(Config{BranchSizeWatermark: 10})
	p.Track(NodeStats{NodeID: 1, I0Bytes: 100})
	p.Untrack(1)

	_, ok := p.Step(time.Now())
	assert.False(t, ok)
}

func TestPlannerBeginEnforcesInFlightExclusivity(t *testing.T) {
	p := New(Config{})
	task := Task{ID: "t1", Zone: ZoneBranch, NodeID: 1}
	assert.True(t, p.Begin(task))
	assert.False(t, p.Begin(task), "node already in flight")

	p.End(task)
	assert.True(t, p.Begin(task), "released after End")
}

func TestPlannerBeginEnforcesZoneQuota(t *testing.T) {
	p := New(Config{MaxConcurrent: map[Zone]int{ZoneBranch: 1}})
	assert.True(t, p.Begin(Task{ID: "t1", Zone: ZoneBranch, NodeID: 1}))
	assert.False(t, p.Begin(Task{ID: "t2", Zone: ZoneBranch, NodeID: 2}), "zone quota exhausted")

	p.End(Task{ID: "t1", Zone: ZoneBranch, NodeID: 1})
	assert.True(t, p.Begin(Task{ID: "t2", Zone: ZoneBranch, NodeID: 2}))
}

func TestZoneStringCoversEveryZone(t *testing.T) {
	zones := []Zone{ZoneBranch, ZoneAge, ZoneCompact, ZoneCheckpoint, ZoneAnticache,
		ZoneExpire, ZoneGC, ZoneLRU, ZoneBackup, ZoneNodeGC}
	for _, z := range zones {
		assert.NotEqual(t, "unknown", z.String())
	}
}
