package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/tree"
	"github.com/cuemby/ldb/pkg/vfs"
)

// fixedHorizons is the simplest Horizons: both watermarks pinned at
// construction, so a test controls exactly what a flush/compact/expire
// pass considers still-visible versus safe to drop.
type fixedHorizons struct {
	vlsn    uint64
	vlsnLRU uint64
}

func (h fixedHorizons) VLSN() uint64    { return h.vlsn }
func (h fixedHorizons) VLSNLRU() uint64 { return h.vlsnLRU }

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New("x", []schema.Field{
		{Name: "id", Type: schema.String, KeyPos: 0},
		{Name: "v", Type: schema.String, KeyPos: -1},
	})
	require.NoError(t, s.Validate())
	return s
}

// harness bundles one Dispatcher plus the bare tree/node it serves,
// all over an in-memory filesystem, so each runXxx executor can be
// exercised directly with a hand-built planner.Task without needing a
// whole pkg/engine database around it.
type harness struct {
	t      *testing.T
	fs     vfs.FS
	schema *schema.Schema
	tree   *tree.Tree
	disp   *Dispatcher
	nextID uint64
}

func newHarness(t *testing.T, horizons Horizons) *harness {
	t.Helper()
	s := testSchema(t)
	fs := vfs.NewMem()
	tr := tree.New(s)

	h := &harness{t: t, fs: fs, schema: s, tree: tr, nextID: 1}

	nodes := make(map[uint64]*node.Node)
	h.disp = New(Deps{
		Schema:            s,
		Compressor:        filter.None{},
		FS:                fs,
		Tree:              tr,
		Planner:           planner.New(planner.Config{}),
		Horizons:          horizons,
		Lookup:            func(id uint64) (*node.Node, bool) { n, ok := nodes[id]; return n, ok },
		NextNodeID:        h.allocID,
		NodePath:          func(id uint64) string { return node.FinalName(id) },
		Register:          func(n *node.Node) { nodes[n.ID] = n; tr.Insert(n) },
		Unregister:        func(id uint64) { delete(nodes, id) },
		PageCap:           4096,
		NodeSizeWatermark: 1 << 20,
	})

	root := h.newNode(nil)
	h.disp.Register(root)
	return h
}

func (h *harness) allocID() uint64 {
	id := h.nextID
	h.nextID++
	return id
}

func (h *harness) newNode(minKey []byte) *node.Node {
	h.t.Helper()
	id := h.allocID()
	n, err := node.Create(h.fs, node.FinalName(id), id, minKey, h.schema)
	require.NoError(h.t, err)
	return n
}

func (h *harness) row(id, v string) schema.Row { return schema.Row{id, v} }

// put inserts a record straight into n's live i0, as if it had just
// been committed at lsn, bypassing pkg/engine entirely.
func (h *harness) put(n *node.Node, r schema.Row, lsn uint64, ts uint32, flags record.Flag) {
	h.t.Helper()
	key, err := h.schema.EncodeKey(r)
	require.NoError(h.t, err)
	value, err := h.schema.EncodeValue(r)
	require.NoError(h.t, err)
	rec := record.New(key, value, flags)
	rec.LSN = lsn
	rec.Timestamp = ts
	n.I0().Insert(rec)
}
