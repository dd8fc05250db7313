package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/record"
)

func TestRunLRUAdvisesDontNeedBelowHorizon(t *testing.T) {
	h := newHarness(t, fixedHorizons{vlsn: 100, vlsnLRU: 50})
	root, _ := h.disp.Lookup(1)
	h.put(root, h.row("a", "1"), 1, 1, record.None)
	flushOnce(t, h, 1)

	require.NoError(t, h.disp.run(planner.Task{Zone: planner.ZoneLRU, NodeID: 1}))
}
