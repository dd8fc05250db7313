package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/page"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/vfs"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New("t", []schema.Field{{Name: "id", Type: schema.String, KeyPos: 0}})
	require.NoError(t, s.Validate())
	return s
}

func key(t *testing.T, s *schema.Schema, id string) []byte {
	t.Helper()
	k, err := s.EncodeKey(schema.Row{id})
	require.NoError(t, err)
	return k
}

func buildBranch(t *testing.T, s *schema.Schema, id uint64, keys []string) ([]byte, branch.Branch) {
	t.Helper()
	b := branch.NewBuilder(id, s, filter.None{}, 1<<20, false, nil, nil)
	for i, k := range keys {
		b.Add(page.Record{Key: key(t, s, k), Value: []byte("v-" + k), LSN: uint64(i + 1)})
	}
	blob, br, err := b.Finish()
	require.NoError(t, err)
	return blob, br
}

func TestCreateWritesOpenSealAndEmptyChain(t *testing.T) {
	s := testSchema(t)
	fs := vfs.NewMem()

	n, err := Create(fs, "00001.db", 1, key(t, s, "a"), s)
	require.NoError(t, err)
	assert.Equal(t, 0, n.BranchCount())
	assert.EqualValues(t, sealSize, n.Size())
	assert.NotNil(t, n.I0())
	assert.Nil(t, n.I1())
}

func TestAppendBranchThenOpenRoundTripsChain(t *testing.T) {
	s := testSchema(t)
	fs := vfs.NewMem()

	n, err := Create(fs, "00001.db", 1, key(t, s, "a"), s)
	require.NoError(t, err)

	blob1, br1 := buildBranch(t, s, 1, []string{"a", "b"})
	require.NoError(t, n.AppendBranch(blob1, br1))

	blob2, br2 := buildBranch(t, s, 2, []string{"c", "d"})
	require.NoError(t, n.AppendBranch(blob2, br2))

	require.NoError(t, n.Close())

	reopened, err := Open(fs, "00001.db", 1, key(t, s, "a"), s)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.BranchCount())

	got0 := reopened.BranchAt(0)
	assert.EqualValues(t, 1, got0.Trailer.ID)
	assert.EqualValues(t, 2, got0.Trailer.KeyCount)

	got1 := reopened.BranchAt(1)
	assert.EqualValues(t, 2, got1.Trailer.ID)
}

func TestReadPageRoundTripsRecords(t *testing.T) {
	s := testSchema(t)
	fs := vfs.NewMem()

	n, err := Create(fs, "00001.db", 1, key(t, s, "a"), s)
	require.NoError(t, err)

	blob, br := buildBranch(t, s, 1, []string{"a", "b", "c"})
	require.NoError(t, n.AppendBranch(blob, br))

	ref := n.BranchAt(0)
	require.Len(t, ref.Pages, 1)

	p, err := n.ReadPage(ref, ref.Pages[0], filter.None{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.Header.Count)
}

func TestOpenRejectsMissingOpenSeal(t *testing.T) {
	s := testSchema(t)
	fs := vfs.NewMem()

	f, err := fs.Create("00001.db")
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, sealSize), 0)
	require.NoError(t, err)

	_, err = Open(fs, "00001.db", 1, key(t, s, "a"), s)
	assert.Error(t, err)
}

func TestRotateMemIndexMovesI0ToI1(t *testing.T) {
	s := testSchema(t)
	fs := vfs.NewMem()

	n, err := Create(fs, "00001.db", 1, key(t, s, "a"), s)
	require.NoError(t, err)

	n.I0().Insert(record.New(key(t, s, "a"), []byte("v"), 0).WithLSN(1))
	flushed := n.RotateMemIndex()

	assert.Same(t, flushed, n.I1())
	assert.NotSame(t, flushed, n.I0())
	assert.True(t, n.I0().Empty())
	assert.False(t, n.I1().Empty())

	n.ClearFlushedMemIndex()
	assert.Nil(t, n.I1())
}

func TestRetainReleaseTracksRefCount(t *testing.T) {
	s := testSchema(t)
	fs := vfs.NewMem()
	n, err := Create(fs, "00001.db", 1, key(t, s, "a"), s)
	require.NoError(t, err)

	n.Retain()
	n.Retain()
	assert.Equal(t, 2, n.RefCount())
	n.Release()
	assert.Equal(t, 1, n.RefCount())
}
