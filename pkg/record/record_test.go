package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagPredicates(t *testing.T) {
	r := New([]byte("k"), []byte("v"), Upsert|Dup)
	assert.True(t, r.IsUpsert())
	assert.True(t, r.IsDup())
	assert.False(t, r.IsDelete())
	assert.False(t, r.IsConflict())
}

func TestWithFlagsSharesBackingBytesAndRefcount(t *testing.T) {
	r := New([]byte("k"), []byte("v"), None)
	r2 := r.WithFlags(Dup)

	assert.True(t, r2.IsDup())
	assert.False(t, r.IsDup(), "WithFlags must not mutate the original")
	assert.Same(t, &r.Key[0], &r2.Key[0])

	r.Ref()
	assert.EqualValues(t, 2, r2.RefCount(), "clones share the same refcount")
}

func TestWithLSNStampsOnce(t *testing.T) {
	r := New([]byte("k"), []byte("v"), None)
	assert.Zero(t, r.LSN)
	committed := r.WithLSN(42)
	assert.EqualValues(t, 42, committed.LSN)
	assert.Zero(t, r.LSN, "the pre-commit record is untouched")
}

func TestDeleteRecordHasEmptyValue(t *testing.T) {
	r := New([]byte("k"), nil, Delete)
	assert.True(t, r.IsDelete())
	assert.Empty(t, r.Value)
}
