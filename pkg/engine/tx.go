package engine

import (
	"bytes"
	"time"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/iter"
	"github.com/cuemby/ldb/pkg/metrics"
	"github.com/cuemby/ldb/pkg/mvcc"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/wal"
)

// pendingWrite is one Set/Upsert/Delete call buffered on a Tx until
// Commit, so a multi-statement transaction stamps every write with
// the same LSN and frames them as one WAL batch.
type pendingWrite struct {
	key   []byte
	value []byte
	flags record.Flag
}

// Tx wraps one mvcc.Tx with the write log and row codec an embedder's
// Set/Get calls need. Tx.Commit
// surfaces mvcc.Outcome directly rather than retrying internally —
// transaction conflicts are not errors; they are first-class return
// values the API may choose to surface or to
// retry — so a caller that gets Lock decides for itself whether and
// when to call Commit again.
type Tx struct {
	db *Database
	tx *mvcc.Tx

	writes []pendingWrite
	done   bool
}

func (tx *Tx) Set(row schema.Row) (mvcc.Outcome, error) {
	return tx.write(row, record.None)
}

func (tx *Tx) Upsert(row schema.Row) (mvcc.Outcome, error) {
	return tx.write(row, record.Upsert)
}

// Delete removes row's key. Only the key fields of row need be
// populated.
func (tx *Tx) Delete(row schema.Row) (mvcc.Outcome, error) {
	return tx.write(row, record.Delete)
}

func (tx *Tx) write(row schema.Row, flags record.Flag) (mvcc.Outcome, error) {
	if st := tx.db.Status(); st != StatusOpen {
		return mvcc.OK, errs.New(errs.Invariant, "engine: database is not open (status %d)", st)
	}
	key, err := tx.db.schema.EncodeKey(row)
	if err != nil {
		return mvcc.OK, err
	}
	var value []byte
	if !flags.Has(record.Delete) {
		value, err = tx.db.schema.EncodeValue(row)
		if err != nil {
			return mvcc.OK, err
		}
	}

	rec := record.New(key, value, flags)
	outcome, err := tx.db.mvcc.Set(tx.tx, key, rec)
	if err != nil {
		return outcome, err
	}
	if outcome != mvcc.OK {
		return outcome, nil
	}
	tx.writes = append(tx.writes, pendingWrite{key: key, value: value, flags: flags})
	return outcome, nil
}

// Get resolves key's current value as of tx's read horizon: tx's own
// uncommitted write wins outright; otherwise the mvcc layer only
// records that tx has now read this key (for conflict detection) and
// the actual value is resolved durably through the same k-way merge a
// View's cursor uses ("Get (transactional read)").
func (tx *Tx) Get(row schema.Row) (schema.Row, bool, error) {
	key, err := tx.db.schema.EncodeKey(row)
	if err != nil {
		return nil, false, err
	}

	if rec, ok := tx.db.mvcc.Get(tx.tx, key); ok && rec != nil {
		if rec.IsDelete() {
			return nil, false, nil
		}
		row, err := tx.db.schema.DecodeValue(rec.Value)
		return row, true, err
	}

	timer := metrics.NewTimer()
	rec, ok, err := tx.db.resolveDurable(key, tx.tx.VLSN)
	timer.ObserveDurationVec(metrics.ReadLatency, "tx")
	if err != nil || !ok {
		return nil, false, err
	}
	row, err := tx.db.schema.DecodeValue(rec.Value)
	return row, true, err
}

// resolveDurable runs the point-read merge across the owning node's
// i0, i1, and branch chain, newest contributor first.
func (db *Database) resolveDurable(key []byte, vlsn uint64) (*record.Record, bool, error) {
	n, ok := db.tree.Route(key)
	if !ok {
		return nil, false, nil
	}
	n.Retain()
	defer n.Release()

	var sources []iter.Source
	sources = append(sources, iter.NewMemSource(n.I0(), key, false))
	if i1 := n.I1(); i1 != nil {
		sources = append(sources, iter.NewMemSource(i1, key, false))
	}
	for i := n.BranchCount() - 1; i >= 0; i-- {
		ref := n.BranchAt(i)
		src, err := iter.NewBranchSource(n, ref, db.schema, db.env.comp, key, false)
		if err != nil {
			return nil, false, err
		}
		sources = append(sources, src)
	}

	mi, err := iter.NewMergeIter(sources, iter.Forward, db.schema, vlsn, db.cfg.mergeFold())
	if err != nil {
		return nil, false, err
	}
	defer mi.Close()

	if !mi.Valid() || !bytes.Equal(mi.Key(), key) {
		return nil, false, nil
	}
	return mi.Record(), true, nil
}

func (cfg DatabaseConfig) mergeFold() func(base, upsert []byte) []byte {
	return cfg.MergeFunc
}

// Commit calls mvcc.Prepare, then stamps every buffered write with one
// shared LSN, appends the WAL record(s), folds the writes into the
// owning nodes' i0, and finally calls mvcc.Commit ("prepare, then a
// single shared-LSN stamping across the whole transaction, then WAL
// append, then memory index insert"). On Lock it checks for a
// deadlock cycle and resolves it to Rollback; otherwise it leaves the
// transaction parked in Lock for the caller to retry.
func (tx *Tx) Commit() mvcc.Outcome {
	if tx.done {
		return mvcc.OK
	}
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.TxCommitDuration) }()

	outcome := tx.db.mvcc.Prepare(tx.tx)
	if outcome == mvcc.Lock {
		if mvcc.DetectDeadlock(tx.tx) {
			tx.db.mvcc.Rollback(tx.tx)
			tx.finish()
			metrics.TxConflictsTotal.Inc()
			metrics.TxCommitsTotal.WithLabelValues("rollback").Inc()
			return mvcc.Rollback
		}
		metrics.TxCommitsTotal.WithLabelValues("lock").Inc()
		return mvcc.Lock
	}
	if outcome == mvcc.Rollback {
		tx.finish()
		metrics.TxCommitsTotal.WithLabelValues("rollback").Inc()
		return mvcc.Rollback
	}

	if len(tx.writes) > 0 {
		blocked := tx.db.env.quota.limit > 0 && tx.db.env.totalI0Bytes()+tx.writtenBytes() > tx.db.env.quota.limit
		if blocked {
			metrics.QuotaBlockedWritersTotal.Inc()
		}
		tx.db.env.quota.Admit(tx.writtenBytes())
		lsn := tx.db.env.stampLSN()
		ts := uint32(time.Now().Unix())
		if err := tx.appendWAL(lsn, ts); err != nil {
			tx.db.mvcc.Rollback(tx.tx)
			tx.finish()
			metrics.TxCommitsTotal.WithLabelValues("rollback").Inc()
			return mvcc.Rollback
		}
		tx.foldIntoIndex(lsn, ts)
	}

	tx.db.mvcc.Commit(tx.tx)
	tx.finish()
	metrics.TxCommitsTotal.WithLabelValues("ok").Inc()
	return mvcc.OK
}

// appendWAL writes tx's buffered writes as one WAL batch: a single
// plain record for one write, or a BEGIN-framing record (flags=BEGIN,
// size=write_count) followed by one per-write record for a
// multi-statement transaction. Every record in the batch carries the
// same commit timestamp, same as they share lsn.
func (tx *Tx) appendWAL(lsn uint64, ts uint32) error {
	pool := tx.db.env.walPool
	dsn := uint64(tx.db.geometry.DSN)

	if len(tx.writes) > 1 {
		begin := wal.Record{DSN: dsn, LSN: lsn, Flags: record.Begin, WriteCount: uint32(len(tx.writes)), Timestamp: ts}
		if err := pool.Append(begin); err != nil {
			return err
		}
	}
	for _, w := range tx.writes {
		r := wal.Record{
			DSN:       dsn,
			LSN:       lsn,
			Flags:     w.flags,
			Payload:   encodeKV(w.key, w.value),
			Timestamp: ts,
		}
		if err := pool.Append(r); err != nil {
			return err
		}
	}
	return nil
}

// foldIntoIndex routes each buffered write to its owning node's i0
// ("memory index insert" step, via pkg/tree.Route) and
// refreshes the planner's per-node stats. Every folded record is
// stamped with the same commit timestamp as its WAL entry, so a
// branch built from this node's i0 reports an accurate
// Trailer.MinTimestamp for the expire zone to act on.
func (tx *Tx) foldIntoIndex(lsn uint64, ts uint32) {
	touched := make(map[uint64]*node.Node)
	for _, w := range tx.writes {
		n, ok := tx.db.tree.Route(w.key)
		if !ok {
			continue
		}
		rec := record.New(w.key, w.value, w.flags).WithLSN(lsn).WithTimestamp(ts)
		n.I0().Insert(rec)
		touched[n.ID] = n
	}
	for _, n := range touched {
		tx.db.trackNode(n)
	}
}

// Rollback discards every buffered write and releases tx's mvcc
// state. Safe to call after Commit (no-op).
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.db.mvcc.Rollback(tx.tx)
	tx.finish()
}

// writtenBytes estimates how much i0 space this transaction's commit
// is about to add, for the memory quota gate.
func (tx *Tx) writtenBytes() int64 {
	var n int64
	for _, w := range tx.writes {
		n += int64(len(w.key) + len(w.value))
	}
	return n
}

func (tx *Tx) finish() {
	tx.done = true
	tx.db.unregisterOpenTx(tx)
}
