// Package mvcc is the per-database MVCC concurrency manager: per-key
// version chains of in-flight cells, a transaction log,
// commit-sequence numbers, deadlock detection, and garbage collection
// of committed GET cells.
//
// Transaction conflicts (LOCK, ROLLBACK, CONFLICT) are first-class
// Outcome values, never errors — see pkg/errs' package doc for the
// rationale.
package mvcc

import (
	"sync"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/record"
)

// Outcome is a transaction's non-error result.
type Outcome int

const (
	// OK means the operation succeeded with no conflict.
	OK Outcome = iota
	// Lock means the transaction must wait for a conflicting
	// predecessor to finish before proceeding.
	Lock
	// Rollback means the transaction was aborted by a conflict and
	// must be rolled back.
	Rollback
	// Conflict marks a transaction as having lost a write-write or
	// read-write race; its next Prepare/Commit resolves to Rollback.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "OK"
	case Lock:
		return "LOCK"
	case Rollback:
		return "ROLLBACK"
	case Conflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// State is a transaction's lifecycle state.
type State int

const (
	Ready State = iota
	InLock
	Prepare
	Committed
	RolledBack
	Undef
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case InLock:
		return "LOCK"
	case Prepare:
		return "PREPARE"
	case Committed:
		return "COMMIT"
	case RolledBack:
		return "ROLLBACK"
	default:
		return "UNDEF"
	}
}

// Kind distinguishes read-only from read-write transactions.
type Kind int

const (
	ReadWrite Kind = iota
	ReadOnly
)

// cell is one version cell on a key's chain: either an uncommitted
// writer, a committed writer awaiting unlink, or a GET cell retained
// for read-write conflict detection.
type cell struct {
	tx        *Tx
	key       []byte
	rec       *record.Record
	isGet     bool
	committed bool
	csn       uint64
	next      *cell // newer cell on the same key chain
	prev      *cell // older cell on the same key chain
}

// Tx is one transaction's state as tracked by the Manager: its
// identity, isolation horizon, and log of cells it owns across every
// key it has touched.
type Tx struct {
	ID         uint64
	Kind       Kind
	VLSN       uint64 // read horizon, frozen at Begin
	CSN        uint64 // conflict epoch: commit-counter value at Begin
	State      State
	HalfCommit bool // prepared and unlinked, but not yet resolved (open question)

	log     []*cell
	waitFor *Tx    // predecessor this transaction is blocked behind, for deadlock walks
	mark    uint64 // deadlock-walk visitation stamp
}

// PrepareHook lets the embedder veto a prepare when a GET cell's
// predecessor is itself uncommitted — a read-read race on a key whose
// visible meaning may still change ("prepare hook").
type PrepareHook func(tx *Tx, key []byte) bool

// Manager is a single database's MVCC state: the global tsn/csn
// counters, one version chain per key with in-flight activity, and
// the GC list of committed GET cells awaiting quiescence.
type Manager struct {
	mu sync.Mutex

	nextTSN uint64
	nextCSN uint64
	curCSN  uint64 // most recently assigned commit CSN

	chains map[string]*cell // key -> newest cell (chain head)
	active map[uint64]*Tx   // tsn -> open transaction

	gcList []*cell // committed GET cells awaiting collection

	PrepareHook PrepareHook

	walkMark uint64
}

// NewManager creates an empty MVCC manager.
func NewManager() *Manager {
	return &Manager{
		chains: make(map[string]*cell),
		active: make(map[uint64]*Tx),
	}
}

// Begin starts a transaction, freezing vlsn at currentLSN unless
// horizon is non-zero, and records the manager's current CSN as the
// transaction's conflict epoch ("Begin").
func (m *Manager) Begin(kind Kind, currentLSN uint64, horizon uint64) *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTSN++
	vlsn := currentLSN
	if horizon != 0 {
		vlsn = horizon
	}
	tx := &Tx{
		ID:    m.nextTSN,
		Kind:  kind,
		VLSN:  vlsn,
		CSN:   m.curCSN,
		State: Ready,
	}
	m.active[tx.ID] = tx
	return tx
}

func keyOf(b []byte) string { return string(b) }

// Set installs a write cell for (tx, key). If tx already owns the
// chain head for K, its record is replaced in place; otherwise a new
// cell is appended as the new chain head. Concurrent writers may
// accumulate on the same key — conflicts between them are resolved
// later, at Prepare and Commit, not here.
//
// An UPSERT may never overwrite a statement tx already made on this
// key: folding two upserts from the same transaction into one cell
// would silently drop one side of the merge, so it's rejected as a
// caller error rather than resolved here.
func (m *Manager) Set(tx *Tx, key []byte, rec *record.Record) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(key)
	head := m.chains[k]
	if head != nil && head.tx == tx && !head.committed {
		if rec.IsUpsert() {
			return OK, errs.New(errs.Invariant, "double UPSERT on the same key in one transaction")
		}
		old := head.rec
		head.rec = rec.Ref()
		if old != nil {
			old.Unref()
		}
		return OK, nil
	}

	c := &cell{tx: tx, key: key, rec: rec.Ref(), prev: head}
	if head != nil {
		head.next = c
	}
	m.chains[k] = c
	tx.log = append(tx.log, c)
	return OK, nil
}

// Get installs or reuses a GET cell for (tx, key), per 
// "Get (transactional read)": if tx already owns a cell in the
// chain, its record is returned directly; otherwise a GET cell is
// appended so later writers can detect the read-write conflict.
func (m *Manager) Get(tx *Tx, key []byte) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(key)
	for c := m.chains[k]; c != nil; c = c.prev {
		if c.tx == tx {
			return c.rec, true
		}
	}

	head := m.chains[k]
	c := &cell{tx: tx, key: key, isGet: true, prev: head}
	if head != nil {
		head.next = c
	}
	m.chains[k] = c
	tx.log = append(tx.log, c)
	return nil, false
}

// Prepare walks tx's log applying four prepare rules and
// returns OK or Rollback.
func (m *Manager) Prepare(tx *Tx) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A RW transaction whose epoch matches the current commit counter
	// has seen no concurrent commits since Begin, so the write-write
	// CSN check below can never fire; everything else still applies.
	skipCSNCheck := tx.CSN == m.curCSN && tx.Kind == ReadWrite

	for _, c := range tx.log {
		if c.rec != nil && c.rec.IsConflict() {
			tx.State = RolledBack
			return Rollback
		}
		if !skipCSNCheck && c.prev != nil && c.prev.committed && c.prev.csn > tx.CSN {
			tx.State = RolledBack
			return Rollback
		}
		if c.prev != nil && !c.prev.committed && !c.prev.isGet {
			tx.State = InLock
			tx.waitFor = c.prev.tx
			return Lock
		}
		if c.prev != nil && c.prev.isGet && !c.prev.committed {
			if m.PrepareHook != nil && !m.PrepareHook(tx, c.key) {
				tx.State = RolledBack
				return Rollback
			}
		}
	}
	tx.State = Prepare
	return OK
}

// Commit assigns tx a fresh CSN, aborts conflicting concurrent
// readers and later writers, and unlinks or GC-retains every cell in
// tx's log ("Commit").
func (m *Manager) Commit(tx *Tx) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCSN++
	csn := m.nextCSN
	m.curCSN = csn

	for _, c := range tx.log {
		c.committed = true
		c.csn = csn

		// Abort a concurrent uncommitted GET that read the value this
		// write is superseding.
		if c.prev != nil && c.prev.isGet && !c.prev.committed && c.prev.tx != tx {
			conflict(c.prev)
		}

		// Abort every later writer chained on top of this cell.
		for n := c.next; n != nil; n = n.next {
			if n.tx == tx {
				continue
			}
			conflict(n)
		}

		if c.isGet {
			m.gcList = append(m.gcList, c)
		} else {
			m.unlink(c)
		}
	}

	tx.State = Committed
	delete(m.active, tx.ID)
	return csn
}

// conflict marks c's owning transaction as having lost a race: its
// record is flagged record.Conflict so a later Prepare sees it, and
// its state moves straight to RolledBack.
func conflict(c *cell) {
	c.tx.State = RolledBack
	if c.rec != nil {
		c.rec = c.rec.WithFlags(c.rec.Flags | record.Conflict)
	}
}

// Rollback unlinks every cell in tx's log and releases its record
// refs ("Rollback").
func (m *Manager) Rollback(tx *Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range tx.log {
		m.unlink(c)
		if c.rec != nil {
			c.rec.Unref()
		}
	}
	tx.State = RolledBack
	delete(m.active, tx.ID)
}

// unlink splices c out of its key's chain in place, relinking its
// neighbors. Caller holds m.mu.
func (m *Manager) unlink(c *cell) {
	if c.prev != nil {
		c.prev.next = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		// c was the chain head
		k := keyOf(c.key)
		if c.prev != nil {
			m.chains[k] = c.prev
		} else {
			delete(m.chains, k)
		}
	}
}

// GC releases every committed GET cell whose CSN is below the lowest
// CSN among still-active read-write transactions (
// "Garbage collection").
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	floor, any := m.minActiveCSN()
	kept := m.gcList[:0]
	released := 0
	for _, c := range m.gcList {
		if any && c.csn >= floor {
			kept = append(kept, c)
			continue
		}
		m.unlink(c)
		released++
	}
	m.gcList = kept
	return released
}

func (m *Manager) minActiveCSN() (uint64, bool) {
	var min uint64
	found := false
	for _, tx := range m.active {
		if tx.Kind != ReadWrite || tx.HalfCommit {
			continue
		}
		if !found || tx.CSN < min {
			min = tx.CSN
			found = true
		}
	}
	return min, found
}
