package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueTopReturnsMaxForMaxOrdering(t *testing.T) {
	q := newQueue(func(a, b int64) bool { return a > b })
	q.Upsert(1, 10)
	q.Upsert(2, 30)
	q.Upsert(3, 20)

	id, metric, ok := q.Top(func(uint64) bool { return false })
	require.True(t, ok)
	assert.EqualValues(t, 2, id)
	assert.EqualValues(t, 30, metric)
}

func TestQueueTopReturnsMinForMinOrdering(t *testing.T) {
	q := newQueue(func(a, b int64) bool { return a < b })
	q.Upsert(1, 10)
	q.Upsert(2, 30)
	q.Upsert(3, 20)

	id, metric, ok := q.Top(func(uint64) bool { return false })
	require.True(t, ok)
	assert.EqualValues(t, 1, id)
	assert.EqualValues(t, 10, metric)
}

func TestQueueUpsertRepositionsExistingNode(t *testing.T) {
	q := newQueue(func(a, b int64) bool { return a > b })
	q.Upsert(1, 10)
	q.Upsert(2, 5)
	q.Upsert(1, 1) // now the smallest

	id, _, ok := q.Top(func(uint64) bool { return false })
	require.True(t, ok)
	assert.EqualValues(t, 2, id)
	assert.Equal(t, 2, q.Len())
}

func TestQueueRemoveDropsNode(t *testing.T) {
	q := newQueue(func(a, b int64) bool { return a > b })
	q.Upsert(1, 10)
	q.Remove(1)
	assert.Equal(t, 0, q.Len())

	_, _, ok := q.Top(func(uint64) bool { return false })
	assert.False(t, ok)
}

func TestQueueTopSkipsDisqualifiedHeadAndFallsBackToScan(t *testing.T) {
	q := newQueue(func(a, b int64) bool { return a > b })
	q.Upsert(1, 30) // head, will be skipped
	q.Upsert(2, 20)
	q.Upsert(3, 10)

	id, metric, ok := q.Top(func(id uint64) bool { return id == 1 })
	require.True(t, ok)
	assert.EqualValues(t, 2, id)
	assert.EqualValues(t, 20, metric)
}

func TestQueueTopReturnsFalseWhenEverythingSkipped(t *testing.T) {
	q := newQueue(func(a, b int64) bool { return a > b })
	q.Upsert(1, 10)
	q.Upsert(2, 20)

	_, _, ok := q.Top(func(uint64) bool { return true })
	assert.False(t, ok)
}
