package engine

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/memindex"
	"github.com/cuemby/ldb/pkg/mvcc"
	"github.com/cuemby/ldb/pkg/node"
	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/task"
	"github.com/cuemby/ldb/pkg/tree"
	"github.com/cuemby/ldb/pkg/vfs"
	"github.com/cuemby/ldb/pkg/wal"
)

// Status tracks a database's lifecycle: open databases
// accept reads and writes; a SHUTDOWN_PENDING database drains
// in-flight background tasks and rejects new writes.
type Status int

const (
	StatusOpen Status = iota
	StatusShutdownPending
	StatusClosed
	StatusDropPending
)

// dropMarkerName is the file directory layout names under
// every database directory: its presence at open time means the
// database is mid-drop (the caller called Drop but the process died
// before every file was reclaimed) and recovery should finish the
// drop instead of reconstructing a tree from whatever files remain.
const dropMarkerName = "drop"

// Database wires one schema's tree, MVCC manager, planner, and task
// dispatcher together — the
// unit openDatabase/recoverDatabase reconstructs from its own
// directory independent of every other database the Env holds.
type Database struct {
	env  *Env
	name string
	dir  string

	schema   *schema.Schema
	geometry schema.Geometry
	cfg      DatabaseConfig

	tree       *tree.Tree
	mvcc       *mvcc.Manager
	planner    *planner.Planner
	dispatcher *task.Dispatcher

	mu     sync.RWMutex
	nodes  map[uint64]*node.Node
	status Status

	openMu  sync.Mutex
	openSet map[*Tx]struct{}
	viewSet map[*View]struct{}

	logger zerolog.Logger
}

// openDatabase recovers (or bootstraps) one database under
// <env.path>/<name> and registers it with env, but does not yet
// replay the shared WAL — the caller does that once every database is
// ready ("node recovery precedes log replay").
func openDatabase(env *Env, cfg DatabaseConfig) (*Database, error) {
	dir := filepath.Join(env.cfg.Path, cfg.Name)
	if err := env.fs.MkdirAll(dir); err != nil {
		return nil, err
	}

	if env.fs.Exists(filepath.Join(dir, dropMarkerName)) {
		if err := removeDirContents(env.fs, dir); err != nil {
			return nil, err
		}
		return nil, nil
	}

	s := cfg.Schema
	geom := cfg.Geometry
	schemaPath := filepath.Join(dir, "scheme")
	if env.fs.Exists(schemaPath) {
		f, err := env.fs.Open(schemaPath)
		if err != nil {
			return nil, err
		}
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, st.Size)
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, err
		}
		_ = f.Close()
		loaded, loadedGeom, err := schema.DecodeFile(buf)
		if err != nil {
			return nil, err
		}
		s, geom = loaded, loadedGeom
	} else {
		if geom.DSN == 0 {
			geom.DSN = env.allocDSN()
		}
		if err := writeSchemaFile(env, schemaPath, s, geom); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	nodeSizeWatermark := cfg.NodeSizeWatermark
	if nodeSizeWatermark == 0 {
		nodeSizeWatermark = int(geom.NodeSize)
	}
	pageCap := cfg.PageCap
	if pageCap == 0 {
		pageCap = int(geom.PageSize)
	}

	db := &Database{
		env:      env,
		name:     cfg.Name,
		dir:      dir,
		schema:   s,
		geometry: geom,
		cfg:      cfg,
		tree:     tree.New(s),
		mvcc:     mvcc.NewManager(),
		nodes:    make(map[uint64]*node.Node),
		openSet:  make(map[*Tx]struct{}),
		viewSet:  make(map[*View]struct{}),
		logger:   env.logger.With().Str("database", cfg.Name).Logger(),
	}

	db.planner = planner.New(cfg.Planner)

	if err := db.recover(); err != nil {
		return nil, err
	}

	var newBloom func() task.BloomAdder
	if geom.AMQFEnabled && cfg.KeyHash != nil {
		newBloom = func() task.BloomAdder { return newAMQF() }
	}

	db.dispatcher = task.New(task.Deps{
		Schema:            s,
		Compressor:        env.comp,
		FS:                env.fs,
		Tree:              db.tree,
		Planner:           db.planner,
		Horizons:          db,
		Lookup:            db.lookupNode,
		NextNodeID:        env.allocNodeID,
		NodePath:          db.nodePath,
		Register:          db.registerNode,
		Unregister:        db.unregisterNode,
		PageCap:           pageCap,
		NodeSizeWatermark: nodeSizeWatermark,
		Sparse:            cfg.Sparse,
		KeyHash:           cfg.KeyHash,
		NewBloom:          newBloom,
		ExpireTTL:         time.Duration(geom.ExpireSeconds) * time.Second,
		AnticacheConfig:   cfg.Anticache,
		Backup:            env.backuperFor(db),
		OnMemoryFreed:     env.quota.Release,
	})

	return db, nil
}

func writeSchemaFile(env *Env, path string, s *schema.Schema, geom schema.Geometry) error {
	f, err := env.fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := schema.EncodeFile(s, geom)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}

func (db *Database) nodePath(id uint64) string {
	return filepath.Join(db.dir, node.FinalName(id))
}

// recover executes per-directory recovery plan: invalidate
// half-compacted output, promote fully-sealed output, reap GC
// remnants, then open every surviving sealed node and re-derive its
// MinKey, bootstrapping a fresh empty root if the directory is empty.
func (db *Database) recover() error {
	names, err := db.env.fs.ReadDir(db.dir)
	if err != nil {
		return err
	}

	plan := node.PlanRecovery(names)
	for _, name := range plan.Delete {
		if err := db.env.fs.Remove(filepath.Join(db.dir, name)); err != nil {
			return err
		}
	}
	for old, final := range plan.Rename {
		if err := db.env.fs.Rename(filepath.Join(db.dir, old), filepath.Join(db.dir, final)); err != nil {
			return err
		}
	}

	// A node id can appear in both plan.Sealed (it already had a
	// NNNNN.db on disk) and as a promoted seal's own NodeID (a
	// self-parented in-place compaction promotes PPPPP.PPPPP.db.seal
	// over that very same NNNNN.db) when recovery lands in the crash
	// window between the gc-rename and the promote-rename: dedup so
	// the promoted file is opened and registered exactly once.
	seen := map[uint64]bool{}
	var ids []uint64
	addID := func(id uint64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range plan.Sealed {
		addID(id)
	}
	for old := range plan.Rename {
		e, ok := node.ParseFileName(old)
		if ok {
			addID(e.NodeID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 {
		return db.bootstrapRoot()
	}

	snapshot := db.loadSnapshot()
	for _, id := range ids {
		path := db.nodePath(id)
		n, err := db.openNode(path, id, snapshot)
		if err != nil {
			return err
		}
		n.SetMinKey(deriveMinKey(n))
		db.registerNode(n)
		if id >= db.env.nextNodeID.Load() {
			db.env.nextNodeID.Store(id + 1)
		}
		db.trackNode(n)
	}
	return nil
}

// openNode opens one sealed node file, taking the snapshot fastpath
// when snapshot has an entry for id whose recorded file
// size still matches the file on disk — skipping the full
// seal-by-seal tail scan node.Open would otherwise do. Any mismatch
// or read failure on the fastpath falls back to node.Open rather than
// failing recovery outright.
func (db *Database) openNode(path string, id uint64, snapshot map[uint64]snapshotNode) (*node.Node, error) {
	if sn, ok := snapshot[id]; ok {
		if f, err := db.env.fs.Open(path); err == nil {
			st, statErr := f.Stat()
			_ = f.Close()
			if statErr == nil && uint64(st.Size) == sn.FileSize {
				if n, err := node.OpenWithBranches(db.env.fs, path, id, nil, db.schema, st.Size, sn.Branches); err == nil {
					return n, nil
				}
			}
		}
	}
	return node.Open(db.env.fs, path, id, nil, db.schema)
}

// deriveMinKey recovers a node's lower key bound from its own data —
// node files never persist MinKey (pkg/node.SetMinKey's doc comment):
// the oldest branch's first page's MinKey for any node with at least
// one branch, or the empty-key sentinel for the tree's sole bootstrap
// root.
func deriveMinKey(n *node.Node) []byte {
	if n.BranchCount() == 0 {
		return []byte{}
	}
	return n.BranchAt(0).Pages[0].MinKey
}

// bootstrapRoot creates the tree's sole root node, per tree.go's
// bootstrap invariant: one empty root whose MinKey covers the whole
// key space.
func (db *Database) bootstrapRoot() error {
	id := db.env.allocNodeID()
	path := db.nodePath(id)
	n, err := node.Create(db.env.fs, path, id, []byte{}, db.schema)
	if err != nil {
		return err
	}
	db.registerNode(n)
	db.trackNode(n)
	return nil
}

func (db *Database) registerNode(n *node.Node) {
	db.mu.Lock()
	db.nodes[n.ID] = n
	db.mu.Unlock()
	db.tree.Insert(n)
	db.env.adoptNode(n.ID, db)
}

func (db *Database) unregisterNode(nodeID uint64) {
	db.mu.Lock()
	delete(db.nodes, nodeID)
	db.mu.Unlock()
	db.planner.Untrack(nodeID)
	db.env.disownNode(nodeID)
}

func (db *Database) lookupNode(nodeID uint64) (*node.Node, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	n, ok := db.nodes[nodeID]
	return n, ok
}

// trackNode refreshes a node's planner stats after registration or a
// live write. It always recomputes I0Bytes/I0MinLSN from the node's
// current memory index rather than trusting a stale value passed by
// the caller: pickBranch and pickCheckpoint key off exactly these
// fields, so a write that never updated them would leave both zones
// permanently unable to select the node they most need to flush.
func (db *Database) trackNode(n *node.Node) {
	idx := n.I0()
	minLSN, hasMin := idx.MinLSN()
	db.planner.Track(planner.NodeStats{
		NodeID:      n.ID,
		I0Bytes:     idx.Bytes(),
		I0MinLSN:    minLSN,
		HasI0MinLSN: hasMin,
		BranchCount: n.BranchCount(),
		LastTouched: time.Now(),
		RefCount:    n.RefCount(),
	})
}

func (db *Database) setStatus(st Status) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.status = st
}

func (db *Database) Status() Status {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.status
}

// removeDirContents deletes every file under dir, including dir
// itself once empty — fs.Remove on the OS backend also reclaims an
// empty directory, and is a harmless no-op against dir's own path on
// vfs.MemFS, which tracks directories only as synthesized listings.
func removeDirContents(fs vfs.FS, dir string) error {
	names, err := fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := fs.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return fs.Remove(dir)
}

// Drop permanently deletes db: it writes the drop marker first so a
// crash mid-delete leaves openDatabase to finish the job on the next
// open (drop marker, "drops the database" close
// path), then closes every node and reclaims the whole directory.
// Drop does not itself remove db from its Env's registry — callers go
// through Env.DropDatabase, which also unregisters the scheduler and
// node-owner bookkeeping Drop has no access to.
func (db *Database) Drop() error {
	db.setStatus(StatusDropPending)

	marker, err := db.env.fs.Create(filepath.Join(db.dir, dropMarkerName))
	if err != nil {
		return err
	}
	if err := marker.Sync(); err != nil {
		marker.Close()
		return err
	}
	if err := marker.Close(); err != nil {
		return err
	}

	if err := db.closeNodes(); err != nil {
		return err
	}
	return removeDirContents(db.env.fs, db.dir)
}

func (db *Database) closeNodes() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.status = StatusClosed
	for _, n := range db.nodes {
		if err := n.Close(); err != nil {
			return err
		}
	}
	return nil
}

// applyWAL replays one record during recovery: a single-statement
// record applies directly; a BEGIN-framing record (flags=BEGIN,
// WriteCount=n) is itself a no-op and is followed by n per-write
// records sharing its LSN (multi-statement transaction
// framing).
func (db *Database) applyWAL(r wal.Record) error {
	if r.Flags.Has(record.Begin) {
		return nil
	}
	key, value, err := decodeKV(r.Payload)
	if err != nil {
		return err
	}
	rec := record.New(key, value, r.Flags).WithLSN(r.LSN)
	rec.Timestamp = r.Timestamp
	db.i0For(key).Insert(rec)
	return nil
}

func (db *Database) i0For(key []byte) *memindex.Index {
	n, ok := db.tree.Route(key)
	if !ok {
		panic(errs.New(errs.Invariant, "database %s: no node routes key, bootstrap invariant violated", db.name))
	}
	return n.I0()
}

// VLSN implements task.Horizons: the merge writer's "keep one version
// at or below this LSN" horizon is the database's lowest open
// transaction/view VLSN, or the current commit LSN if none are open.
func (db *Database) VLSN() uint64 {
	db.openMu.Lock()
	defer db.openMu.Unlock()
	lowest, found := db.lowestOpenVLSNLocked()
	if !found {
		return db.env.currentLSN()
	}
	return lowest
}

// VLSNLRU implements task.Horizons: "drop everything below
// this outright" horizon is the same open-transaction floor VLSN
// uses — ldb keeps a single floor rather than two, since a retention
// horizon and a visibility horizon coincide once GC'd versions are
// gone for every reader.
func (db *Database) VLSNLRU() uint64 { return db.VLSN() }

func (db *Database) lowestOpenVLSNLocked() (uint64, bool) {
	var (
		lowest uint64
		found  bool
	)
	for tx := range db.openSet {
		if !found || tx.tx.VLSN < lowest {
			lowest = tx.tx.VLSN
			found = true
		}
	}
	for v := range db.viewSet {
		if !found || v.vlsn < lowest {
			lowest = v.vlsn
			found = true
		}
	}
	return lowest, found
}

func (db *Database) registerOpenTx(tx *Tx) {
	db.openMu.Lock()
	db.openSet[tx] = struct{}{}
	db.openMu.Unlock()
}

func (db *Database) unregisterOpenTx(tx *Tx) {
	db.openMu.Lock()
	delete(db.openSet, tx)
	db.openMu.Unlock()
}

func (db *Database) registerOpenView(v *View) {
	db.openMu.Lock()
	db.viewSet[v] = struct{}{}
	db.openMu.Unlock()
}

func (db *Database) unregisterOpenView(v *View) {
	db.openMu.Lock()
	delete(db.viewSet, v)
	db.openMu.Unlock()
}

// Begin starts a new transaction at the database's current commit-LSN
// horizon.
func (db *Database) Begin(kind mvcc.Kind) *Tx {
	horizon := db.VLSN()
	mtx := db.mvcc.Begin(kind, db.env.currentLSN(), horizon)
	tx := &Tx{db: db, tx: mtx}
	db.registerOpenTx(tx)
	return tx
}

// Set/Upsert/Delete/Get are auto-commit single-statement convenience
// wrappers around Begin/.../Commit ("a one-statement
// transaction is just Begin; Set; Commit").
func (db *Database) Set(row schema.Row) (mvcc.Outcome, error) {
	return db.autoCommit(func(tx *Tx) (mvcc.Outcome, error) { return tx.Set(row) })
}

func (db *Database) Upsert(row schema.Row) (mvcc.Outcome, error) {
	return db.autoCommit(func(tx *Tx) (mvcc.Outcome, error) { return tx.Upsert(row) })
}

func (db *Database) Delete(row schema.Row) (mvcc.Outcome, error) {
	return db.autoCommit(func(tx *Tx) (mvcc.Outcome, error) { return tx.Delete(row) })
}

func (db *Database) autoCommit(fn func(tx *Tx) (mvcc.Outcome, error)) (mvcc.Outcome, error) {
	tx := db.Begin(mvcc.ReadWrite)
	outcome, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return outcome, err
	}
	if outcome != mvcc.OK {
		return outcome, nil
	}
	return tx.Commit(), nil
}

// Get is a one-shot read at the current commit-LSN horizon: equivalent
// to Begin(ReadOnly); Get; Rollback, without needing the caller to
// manage a Tx.
func (db *Database) Get(row schema.Row) (schema.Row, bool, error) {
	tx := db.Begin(mvcc.ReadOnly)
	defer tx.Rollback()
	return tx.Get(row)
}
