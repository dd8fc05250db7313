package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/mvcc"
	"github.com/cuemby/ldb/pkg/planner"
)

// TestDoubleUpsertSameKeySameTxIsRejected exercises the invariant
// end-to-end through Tx.Upsert rather than pkg/mvcc directly: a
// second UPSERT statement on a key a transaction already upserted is
// a caller error, not a silently-folded write.
func TestDoubleUpsertSameKeySameTxIsRejected(t *testing.T) {
	env := testEnv(t, nil)
	db := mustDB(t, env, "x")

	tx := db.Begin(mvcc.ReadWrite)
	outcome, err := tx.Upsert(row("k", "A"))
	require.NoError(t, err)
	require.Equal(t, mvcc.OK, outcome)

	_, err = tx.Upsert(row("k", "B"))
	require.Error(t, err)

	tx.Rollback()
}

// TestUpsertFoldAcrossCommittedTransactions is scenario 2: three
// separate committed upserts on one key, each folded by the
// registered merge function, must read back as their concatenation
// once a branch flush has folded the memory index.
func TestUpsertFoldAcrossCommittedTransactions(t *testing.T) {
	concat := func(base, delta []byte) []byte { return append(append([]byte(nil), base...), delta...) }
	env := testEnv(t, func(cfg *EnvConfig) {
		cfg.Databases[0].MergeFunc = concat
	})
	db := mustDB(t, env, "x")

	for _, v := range []string{"A", "B", "C"} {
		outcome, err := db.Upsert(row("k", v))
		require.NoError(t, err)
		require.Equal(t, mvcc.OK, outcome)
	}

	got, ok, err := db.Get(row("k", ""))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ABC", got[1])

	ran, err := db.runZone(planner.ZoneBranch)
	require.NoError(t, err)
	require.Equal(t, 1, ran)

	got, ok, err = db.Get(row("k", ""))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ABC", got[1])
}

// TestMVCCConflictRollsBackLoserAndRetrySucceeds is scenario 3: two
// writers racing on the same key both begin against an empty
// database; the first to commit wins, the second rolls back with a
// conflict and succeeds on a fresh retry.
func TestMVCCConflictRollsBackLoserAndRetrySucceeds(t *testing.T) {
	env := testEnv(t, nil)
	db := mustDB(t, env, "x")

	t1 := db.Begin(mvcc.ReadWrite)
	t2 := db.Begin(mvcc.ReadWrite)

	outcome, err := t1.Set(row("k", "1"))
	require.NoError(t, err)
	require.Equal(t, mvcc.OK, outcome)

	outcome, err = t2.Set(row("k", "2"))
	require.NoError(t, err)
	require.Equal(t, mvcc.OK, outcome)

	require.Equal(t, mvcc.OK, t1.Commit())
	require.Equal(t, mvcc.Rollback, t2.Commit())

	t2b := db.Begin(mvcc.ReadWrite)
	outcome, err = t2b.Set(row("k", "2"))
	require.NoError(t, err)
	require.Equal(t, mvcc.OK, outcome)
	require.Equal(t, mvcc.OK, t2b.Commit())

	got, ok, err := db.Get(row("k", ""))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", got[1])
}
