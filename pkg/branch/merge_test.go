package branch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

func mergeSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New("t", []schema.Field{{Name: "id", Type: schema.String, KeyPos: 0}})
	require.NoError(t, s.Validate())
	return s
}

func newOutputFactory(s *schema.Schema) func() *Builder {
	id := uint64(0)
	return func() *Builder {
		id++
		return NewBuilder(id, s, filter.None{}, 1<<20, false, nil, nil)
	}
}

func TestMergeWriterKeepsOneVisibleVersionBelowHorizon(t *testing.T) {
	s := mergeSchema(t)
	k := key(t, s, "a")
	w := NewMergeWriter(MergePolicy{VLSN: 5}, 1<<20, newOutputFactory(s))

	w.Add(MergeInput{Key: k, Value: []byte("v3"), LSN: 3})
	w.Add(MergeInput{Key: k, Value: []byte("v2"), LSN: 2})
	w.Add(MergeInput{Key: k, Value: []byte("v1"), LSN: 1})

	_, branches, err := w.Finish()
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.EqualValues(t, 1, branches[0].Trailer.KeyCount)
	assert.EqualValues(t, 0, branches[0].Trailer.DupKeyCount)
}

func TestMergeWriterPassesThroughVersionsAboveHorizonUnfolded(t *testing.T) {
	s := mergeSchema(t)
	k := key(t, s, "a")
	w := NewMergeWriter(MergePolicy{VLSN: 1}, 1<<20, newOutputFactory(s))

	w.Add(MergeInput{Key: k, Value: []byte("new"), LSN: 10})
	w.Add(MergeInput{Key: k, Value: []byte("old"), LSN: 1})

	_, branches, err := w.Finish()
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.EqualValues(t, 2, branches[0].Trailer.KeyCount+branches[0].Trailer.DupKeyCount)
}

func TestMergeWriterDropsPastVLSNLRU(t *testing.T) {
	s := mergeSchema(t)
	k := key(t, s, "a")
	w := NewMergeWriter(MergePolicy{VLSN: 10, VLSNLRU: 5}, 1<<20, newOutputFactory(s))

	w.Add(MergeInput{Key: k, Value: []byte("v"), LSN: 3})

	_, branches, err := w.Finish()
	require.NoError(t, err)
	assert.Len(t, branches, 0)
}

func TestMergeWriterDropsRootDeletePastHorizon(t *testing.T) {
	s := mergeSchema(t)
	k := key(t, s, "a")
	w := NewMergeWriter(MergePolicy{VLSN: 5, IsRoot: true}, 1<<20, newOutputFactory(s))

	w.Add(MergeInput{Key: k, Flags: record.Delete, LSN: 3})

	_, branches, err := w.Finish()
	require.NoError(t, err)
	assert.Len(t, branches, 0)
}

func TestMergeWriterRetainsNonRootDeletePastHorizon(t *testing.T) {
	s := mergeSchema(t)
	k := key(t, s, "a")
	w := NewMergeWriter(MergePolicy{VLSN: 5, IsRoot: false}, 1<<20, newOutputFactory(s))

	w.Add(MergeInput{Key: k, Flags: record.Delete, LSN: 3})

	_, branches, err := w.Finish()
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.EqualValues(t, 1, branches[0].Trailer.KeyCount)
}

func TestMergeWriterFoldsUpsertChainChronologically(t *testing.T) {
	s := mergeSchema(t)
	k := key(t, s, "counter")
	concat := func(base, upsert []byte) []byte { return append(append([]byte(nil), base...), upsert...) }
	w := NewMergeWriter(MergePolicy{VLSN: 10, Fold: concat}, 1<<20, newOutputFactory(s))

	w.Add(MergeInput{Key: k, Value: []byte("c"), Flags: record.Upsert, LSN: 3})
	w.Add(MergeInput{Key: k, Value: []byte("b"), Flags: record.Upsert, LSN: 2})
	w.Add(MergeInput{Key: k, Value: []byte("a"), LSN: 1})

	_, branches, err := w.Finish()
	require.NoError(t, err)
	require.Len(t, branches, 1)
	require.Len(t, branches[0].Pages, 1)
	assert.EqualValues(t, 1, branches[0].Trailer.KeyCount)
}

func TestMergeWriterSaveUpsertTerminatesChainUnresolved(t *testing.T) {
	s := mergeSchema(t)
	k := key(t, s, "a")
	w := NewMergeWriter(MergePolicy{VLSN: 10}, 1<<20, newOutputFactory(s))

	w.Add(MergeInput{Key: k, Value: []byte("v"), Flags: record.Upsert | record.SaveUpsert, LSN: 3})

	_, branches, err := w.Finish()
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.EqualValues(t, 1, branches[0].Trailer.KeyCount)
}

func TestMergeWriterSplitsOutputAtNodeSizeWatermark(t *testing.T) {
	s := mergeSchema(t)
	w := NewMergeWriter(MergePolicy{VLSN: 100}, 30, newOutputFactory(s))

	for i, id := range []string{"a", "b", "c", "d"} {
		w.Add(MergeInput{Key: key(t, s, id), Value: []byte("valuevalue"), LSN: uint64(i + 1)})
	}

	_, branches, err := w.Finish()
	require.NoError(t, err)
	assert.Greater(t, len(branches), 1)
}
