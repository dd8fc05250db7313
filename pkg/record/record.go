// Package record defines the engine's single unit of storage: an
// immutable key+value payload carrying an LSN, a timestamp,
// a composable flag byte, and a refcount shared across every owner
// (memory-index chains, MVCC cells, WAL-pending queues, compaction
// buffers), with a refcount shared the same way.
package record

import "sync/atomic"

// Flag is a composable bitmask on a Record.
type Flag uint8

const None Flag = 0

const (
	Delete     Flag = 1 << iota // logical delete; Value is always empty
	Upsert                      // pending user merge function, folded by read/write iterators
	Get                         // a transactional read observed this version
	Dup                         // not the chain head for its key in the current stream
	Begin                       // multi-statement transaction framing marker in the WAL
	Conflict                    // superseded by a committed writer; forces ROLLBACK
	SaveUpsert                  // exempts an UPSERT from the merge writer's eager fold 
)

// Has reports whether all bits in want are set.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Record is the unit of storage: a key, a value, and the metadata the
// MVCC manager, memory index, and on-disk branches need to order and
// resolve versions of the same key.
//
// Key and Value are schema-encoded byte slices (see pkg/schema) and
// must never be mutated after construction — every consumer of a
// Record is allowed to keep the slices without copying.
type Record struct {
	Key       []byte
	Value     []byte
	LSN       uint64 // 0 until committed; monotonic, never mutated afterward
	Timestamp uint32 // unix seconds at write time
	Flags     Flag
	refs      *atomic.Int32
}

// New creates a fresh, uncommitted record with refcount 1.
func New(key, value []byte, flags Flag) *Record {
	r := &Record{Key: key, Value: value, Flags: flags}
	r.refs = new(atomic.Int32)
	r.refs.Store(1)
	return r
}

// Ref increments the refcount and returns the same record for
// chaining, modeling the "cheap clone" of an immutable payload.
func (r *Record) Ref() *Record {
	r.refs.Add(1)
	return r
}

// Unref decrements the refcount. The Go garbage collector reclaims
// the backing arrays once the last owner drops its pointer; Unref
// exists so owners can assert balanced ownership in tests and so a
// future non-GC'd allocator slot could be freed explicitly.
func (r *Record) Unref() int32 {
	return r.refs.Add(-1)
}

// RefCount reports the current refcount; must stay >= 0 while the
// record is reachable from any owner.
func (r *Record) RefCount() int32 {
	return r.refs.Load()
}

// WithFlags returns a shallow copy of r with Flags replaced. Key and
// Value are shared, not copied — this is the "cheap clone" path used
// to stamp Dup/Conflict bits onto a record as it moves between an
// on-disk stream position and a caller-visible copy without mutating
// the original that other readers may be observing concurrently.
func (r *Record) WithFlags(f Flag) *Record {
	return &Record{Key: r.Key, Value: r.Value, LSN: r.LSN, Timestamp: r.Timestamp, Flags: f, refs: r.refs}
}

// WithLSN returns a shallow copy of r stamped with a commit LSN. Used
// exactly once, at commit, per the invariant that LSN never changes
// afterward.
func (r *Record) WithLSN(lsn uint64) *Record {
	return &Record{Key: r.Key, Value: r.Value, LSN: lsn, Timestamp: r.Timestamp, Flags: r.Flags, refs: r.refs}
}

// WithTimestamp returns a shallow copy of r stamped with a commit-time
// wall-clock timestamp. Used exactly once, at commit, alongside
// WithLSN — a write's age for expiry purposes is fixed the moment it
// commits, same as its LSN.
func (r *Record) WithTimestamp(ts uint32) *Record {
	return &Record{Key: r.Key, Value: r.Value, LSN: r.LSN, Timestamp: ts, Flags: r.Flags, refs: r.refs}
}

func (r *Record) IsDelete() bool   { return r.Flags.Has(Delete) }
func (r *Record) IsUpsert() bool   { return r.Flags.Has(Upsert) }
func (r *Record) IsGet() bool      { return r.Flags.Has(Get) }
func (r *Record) IsDup() bool      { return r.Flags.Has(Dup) }
func (r *Record) IsBegin() bool    { return r.Flags.Has(Begin) }
func (r *Record) IsConflict() bool   { return r.Flags.Has(Conflict) }
func (r *Record) IsSaveUpsert() bool { return r.Flags.Has(SaveUpsert) }
