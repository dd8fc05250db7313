package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/record"
)

func TestRunNodeGCDeletesReplacedFileAndUntracks(t *testing.T) {
	h := newHarness(t, fixedHorizons{vlsn: 100})
	root, _ := h.disp.Lookup(1)
	h.put(root, h.row("a", "1"), 1, 1, record.None)
	flushOnce(t, h, 1)

	require.NoError(t, h.disp.run(planner.Task{Zone: planner.ZoneCompact, NodeID: 1}))
	require.True(t, h.fs.Exists(node.GCName(1)))

	require.NoError(t, h.disp.run(planner.Task{Zone: planner.ZoneNodeGC, NodeID: 1}))
	require.False(t, h.fs.Exists(node.GCName(1)))

	_, ok := h.disp.Planner.Stats(1)
	require.False(t, ok)
	_, ok = h.disp.Lookup(1)
	require.False(t, ok)
}

func TestRunNodeGCWithoutAReplacementIsANoop(t *testing.T) {
	h := newHarness(t, fixedHorizons{vlsn: 100})
	require.NoError(t, h.disp.run(planner.Task{Zone: planner.ZoneNodeGC, NodeID: 999}))
}
