package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/record"
)

// mustSet calls Set and fails the test immediately on an unexpected error.
func mustSet(t *testing.T, m *Manager, tx *Tx, key []byte, rec *record.Record) Outcome {
	t.Helper()
	outcome, err := m.Set(tx, key, rec)
	require.NoError(t, err)
	return outcome
}

func TestBeginFreezesVLSNAndConflictEpoch(t *testing.T) {
	m := NewManager()
	tx := m.Begin(ReadWrite, 42, 0)
	assert.EqualValues(t, 42, tx.VLSN)
	assert.EqualValues(t, 0, tx.CSN)
	assert.Equal(t, Ready, tx.State)
}

func TestSetThenCommitAssignsCSNAndUnlinksChain(t *testing.T) {
	m := NewManager()
	tx := m.Begin(ReadWrite, 0, 0)
	key := []byte("k")
	rec := record.New(key, []byte("v1"), record.None)

	require.Equal(t, OK, mustSet(t, m, tx, key, rec))
	require.Equal(t, OK, m.Prepare(tx))
	csn := m.Commit(tx)
	assert.EqualValues(t, 1, csn)

	// chain is empty again: a later Set on the same key doesn't see a lock
	tx2 := m.Begin(ReadWrite, 0, 0)
	assert.Equal(t, OK, mustSet(t, m, tx2, key, record.New(key, []byte("v2"), record.None)))
}

func TestSetAccumulatesConcurrentWritersOnSameKey(t *testing.T) {
	m := NewManager()
	key := []byte("k")
	t1 := m.Begin(ReadWrite, 0, 0)
	require.Equal(t, OK, mustSet(t, m, t1, key, record.New(key, []byte("v1"), record.None)))

	t2 := m.Begin(ReadWrite, 0, 0)
	assert.Equal(t, OK, mustSet(t, m, t2, key, record.New(key, []byte("v2"), record.None)))
}

func TestPrepareLocksOnUncommittedWritePredecessor(t *testing.T) {
	m := NewManager()
	key := []byte("k")
	t1 := m.Begin(ReadWrite, 0, 0)
	require.Equal(t, OK, mustSet(t, m, t1, key, record.New(key, []byte("v1"), record.None)))

	t2 := m.Begin(ReadWrite, 0, 0)
	require.Equal(t, OK, mustSet(t, m, t2, key, record.New(key, []byte("v2"), record.None)))

	assert.Equal(t, Lock, m.Prepare(t2))
	assert.Same(t, t1, t2.waitFor)
}

func TestSecondCommitterLosesWriteWriteRace(t *testing.T) {
	// Mirrors spec §8 scenario 3: T1 and T2 both see an empty db, both
	// set "k"; T1 commits first and its Commit marks T2's cell
	// CONFLICT directly, so T2's own commit resolves to ROLLBACK.
	m := NewManager()
	key := []byte("k")

	t1 := m.Begin(ReadWrite, 0, 0)
	t2 := m.Begin(ReadWrite, 0, 0)
	require.Equal(t, OK, mustSet(t, m, t1, key, record.New(key, []byte("1"), record.None)))
	require.Equal(t, OK, mustSet(t, m, t2, key, record.New(key, []byte("2"), record.None)))

	require.Equal(t, OK, m.Prepare(t1))
	m.Commit(t1)

	assert.Equal(t, Rollback, m.Prepare(t2))
}

func TestGetReusesExistingCellForSameTransaction(t *testing.T) {
	m := NewManager()
	key := []byte("k")
	tx := m.Begin(ReadOnly, 0, 0)

	_, found := m.Get(tx, key)
	assert.False(t, found)

	rec := record.New(key, []byte("v"), record.None)
	c := &cell{tx: tx, key: key, rec: rec}
	tx.log[0] = c
	m.chains[string(key)] = c

	got, found := m.Get(tx, key)
	assert.True(t, found)
	assert.Equal(t, rec, got)
}

func TestCommitAbortsLaterGetCellsAsConflict(t *testing.T) {
	m := NewManager()
	key := []byte("k")

	reader := m.Begin(ReadOnly, 0, 0)
	_, _ = m.Get(reader, key)

	writer := m.Begin(ReadWrite, 0, 0)
	require.Equal(t, OK, mustSet(t, m, writer, key, record.New(key, []byte("v"), record.None)))

	m.Commit(writer)
	assert.Equal(t, RolledBack, reader.State)
}

func TestGCReleasesCommittedGetCellsBelowActiveFloor(t *testing.T) {
	m := NewManager()
	key := []byte("k")

	reader := m.Begin(ReadOnly, 0, 0)
	_, _ = m.Get(reader, key)
	m.Commit(reader)

	writer := m.Begin(ReadWrite, 0, 0)
	require.Equal(t, OK, mustSet(t, m, writer, key, record.New(key, []byte("v"), record.None)))
	m.Commit(writer)

	require.Len(t, m.gcList, 1)
	assert.Equal(t, 1, m.GC()) // no active RW tx with lower CSN
	assert.Empty(t, m.gcList)
}

func TestSetRejectsDoubleUpsertOnSameKeyInSameTransaction(t *testing.T) {
	m := NewManager()
	key := []byte("k")
	tx := m.Begin(ReadWrite, 0, 0)

	require.Equal(t, OK, mustSet(t, m, tx, key, record.New(key, []byte("v1"), record.Upsert)))

	_, err := m.Set(tx, key, record.New(key, []byte("v2"), record.Upsert))
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.Invariant, e.Kind)
}

func TestSetAllowsPlainOverwriteOfOwnPriorStatement(t *testing.T) {
	m := NewManager()
	key := []byte("k")
	tx := m.Begin(ReadWrite, 0, 0)

	require.Equal(t, OK, mustSet(t, m, tx, key, record.New(key, []byte("v1"), record.None)))
	require.Equal(t, OK, mustSet(t, m, tx, key, record.New(key, []byte("v2"), record.None)))
}

func TestDetectDeadlockFindsCycle(t *testing.T) {
	m := NewManager()
	a := m.Begin(ReadWrite, 0, 0)
	b := m.Begin(ReadWrite, 0, 0)
	a.waitFor = b
	b.waitFor = a

	assert.True(t, m.DetectDeadlock(a))
}

func TestDetectDeadlockNoCycle(t *testing.T) {
	m := NewManager()
	a := m.Begin(ReadWrite, 0, 0)
	b := m.Begin(ReadWrite, 0, 0)
	a.waitFor = b

	assert.False(t, m.DetectDeadlock(a))
}

func TestDetectDeadlockIgnoresHalfCommitPredecessor(t *testing.T) {
	m := NewManager()
	a := m.Begin(ReadWrite, 0, 0)
	b := m.Begin(ReadWrite, 0, 0)
	b.HalfCommit = true
	a.waitFor = b
	b.waitFor = a

	assert.False(t, m.DetectDeadlock(a))
}
