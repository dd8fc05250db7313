package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/planner"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/task"
	"github.com/cuemby/ldb/pkg/vfs"
	"github.com/cuemby/ldb/pkg/wal"
)

// DatabaseConfig declares one database an Env opens or creates: its
// schema, node/page geometry, and per-zone planner
// watermarks.
type DatabaseConfig struct {
	Name   string
	Schema *schema.Schema

	Geometry schema.Geometry // NodeSize/PageSize/Compression/ExpireSeconds/AMQFEnabled; DSN is minted if zero

	Planner         planner.Config
	Anticache       task.AnticacheConfig
	NodeSizeWatermark int // defaults to Geometry.NodeSize if zero
	PageCap           int // defaults to Geometry.PageSize if zero
	Sparse            bool
	KeyHash           func([]byte) uint64 // required when Geometry.AMQFEnabled

	// MergeFunc resolves an UPSERT chain's pending values; nil means
	// plain overwrite (last write wins).
	MergeFunc func(base, delta []byte) []byte
}

// EnvConfig configures an Env (directory layout).
type EnvConfig struct {
	Path string
	FS   vfs.FS // defaults to vfs.NewOS()
	Logger zerolog.Logger

	Compressor filter.Compressor // defaults to filter.None{}
	Databases  []DatabaseConfig

	Scheduler planner.SchedulerConfig

	// MemoryQuotaBytes caps the sum of every database's I0Bytes
	// across the whole env (memory quota condition); 0
	// disables the gate.
	MemoryQuotaBytes int64

	CheckpointInterval time.Duration // 0 disables the checkpoint coordinator
	SnapshotInterval   time.Duration // 0 disables the periodic index-snapshot writer
	BackupPath         string        // 0-value disables the backup zone entirely

	WALRotateWatermark int
	WALRecoveryMode    wal.RecoveryMode
}

// Env owns the shared directory layout, WAL pool, and background
// scheduler for every database it opens.
type Env struct {
	cfg    EnvConfig
	fs     vfs.FS
	logger zerolog.Logger
	comp   filter.Compressor

	walPool   *wal.Pool
	scheduler *planner.Scheduler
	runner    *envRunner

	nextNodeID atomic.Uint64
	nextLSN    atomic.Uint64
	nextDSN    atomic.Uint32
	nextBSN    atomic.Uint64

	quota *quota

	mu        sync.RWMutex
	databases map[string]*Database
	nodeOwner map[uint64]*Database

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OpenEnv opens (or creates) every declared database under cfg.Path,
// replays the shared WAL pool, and starts the background scheduler
// plus the checkpoint coordinator. Directory scan and node
// reconciliation happen before log replay.
func OpenEnv(cfg EnvConfig) (*Env, error) {
	if cfg.FS == nil {
		cfg.FS = vfs.NewOS()
	}
	if cfg.Compressor == nil {
		cfg.Compressor = filter.None{}
	}
	if err := cfg.FS.MkdirAll(cfg.Path); err != nil {
		return nil, err
	}

	env := &Env{
		cfg:       cfg,
		fs:        cfg.FS,
		logger:    cfg.Logger,
		comp:      cfg.Compressor,
		databases: make(map[string]*Database),
		nodeOwner: make(map[uint64]*Database),
		stopCh:    make(chan struct{}),
	}
	env.quota = newQuota(cfg.MemoryQuotaBytes, env)

	declared := cfg.Databases
	if len(declared) == 0 {
		discovered, err := discoverDatabases(cfg.FS, cfg.Path)
		if err != nil {
			return nil, err
		}
		declared = discovered
	}

	// Every database's node/branch chain is reconciled from its own
	// directory before the shared WAL is even opened, so replay has a
	// tree to route records into (node recovery precedes
	// log replay).
	for _, dbCfg := range declared {
		db, err := openDatabase(env, dbCfg)
		if err != nil {
			return nil, err
		}
		if db == nil {
			// A drop marker was found and the directory has already been
			// reclaimed (see openDatabase) — nothing to register.
			continue
		}
		env.mu.Lock()
		env.databases[db.name] = db
		env.mu.Unlock()
		if db.geometry.DSN >= env.nextDSN.Load() {
			env.nextDSN.Store(db.geometry.DSN + 1)
		}
	}

	walCfg := wal.Config{
		Dir:             filepath.Join(cfg.Path, "log"),
		FS:              cfg.FS,
		RotateWatermark: cfg.WALRotateWatermark,
		Mode:            cfg.WALRecoveryMode,
		Logger:          cfg.Logger,
	}
	pool, err := wal.Open(walCfg, env.applyWALRecord)
	if err != nil {
		return nil, err
	}
	env.walPool = pool

	env.runner = &envRunner{env: env}
	env.scheduler = planner.NewScheduler(cfg.Scheduler, env.runner, cfg.Logger)
	env.mu.RLock()
	for name, db := range env.databases {
		env.scheduler.Register(name, db.planner)
	}
	env.mu.RUnlock()
	env.scheduler.Start()

	if cfg.CheckpointInterval > 0 {
		env.wg.Add(1)
		go env.checkpointLoop(cfg.CheckpointInterval)
	}
	if cfg.SnapshotInterval > 0 {
		env.wg.Add(1)
		go env.snapshotLoop(cfg.SnapshotInterval)
	}

	return env, nil
}

// applyWALRecord routes one replayed WAL record to its owning
// database by DSN ("dsn disambiguates records from
// multiple databases sharing one log pool").
func (env *Env) applyWALRecord(r wal.Record) error {
	env.mu.RLock()
	var owner *Database
	for _, db := range env.databases {
		if uint32(r.DSN) == db.geometry.DSN {
			owner = db
			break
		}
	}
	env.mu.RUnlock()
	if owner == nil {
		return nil // record belongs to a database no longer declared; skip
	}
	if r.LSN >= env.nextLSN.Load() {
		env.nextLSN.Store(r.LSN + 1)
	}
	return owner.applyWAL(r)
}

// Database returns the named database, or ok=false if it was never
// declared in EnvConfig.Databases.
func (env *Env) Database(name string) (*Database, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	db, ok := env.databases[name]
	return db, ok
}

func (env *Env) ownerOf(nodeID uint64) (*Database, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	db, ok := env.nodeOwner[nodeID]
	return db, ok
}

func (env *Env) adoptNode(nodeID uint64, db *Database) {
	env.mu.Lock()
	env.nodeOwner[nodeID] = db
	env.mu.Unlock()
}

func (env *Env) disownNode(nodeID uint64) {
	env.mu.Lock()
	delete(env.nodeOwner, nodeID)
	env.mu.Unlock()
}

// allocNodeID mints a database-wide-unique node id (node identity
// only needs to be unique within its own database's directory, but a
// single env-wide counter is simpler and still satisfies that).
func (env *Env) allocNodeID() uint64 { return env.nextNodeID.Add(1) }

func (env *Env) allocDSN() uint32 { return env.nextDSN.Add(1) - 1 }

// currentLSN returns the engine's global commit-LSN horizon — the
// vlsn a brand-new transaction or view freezes at ("Begin").
func (env *Env) currentLSN() uint64 { return env.nextLSN.Load() }

// stampLSN advances and returns the next commit LSN, shared by every
// write in one transaction's single shared-LSN stamping.
func (env *Env) stampLSN() uint64 { return env.nextLSN.Add(1) }

// WALSegmentCount reports how many WAL segments the shared pool
// currently holds, for pkg/metrics' collector.
func (env *Env) WALSegmentCount() int { return env.walPool.SegmentCount() }

// QuotaUtilization reports the fraction of the configured memory quota
// currently in use (0 if the quota gate is disabled), for pkg/metrics'
// collector.
func (env *Env) QuotaUtilization() float64 {
	limit := env.quota.limit
	if limit <= 0 {
		return 0
	}
	return float64(env.totalI0Bytes()) / float64(limit)
}

// DropDatabase permanently deletes the named database: its directory,
// every node file, and its schema file. The database rejects new
// operations the moment Drop writes its marker; DropDatabase then
// unregisters it from the scheduler and the node-owner map so no
// background task or WAL replay routes to it again (drop
// marker, "drop" task).
func (env *Env) DropDatabase(name string) error {
	env.mu.Lock()
	db, ok := env.databases[name]
	if ok {
		delete(env.databases, name)
	}
	env.mu.Unlock()
	if !ok {
		return fmt.Errorf("database %q not found", name)
	}

	env.scheduler.Unregister(name)

	env.mu.Lock()
	for nodeID, owner := range env.nodeOwner {
		if owner == db {
			delete(env.nodeOwner, nodeID)
		}
	}
	env.mu.Unlock()

	return db.Drop()
}

// Close drains the scheduler and checkpoint coordinator and closes
// the WAL pool. Every open *Database remains readable from its
// already-loaded in-memory state but accepts no further writes once
// Close returns.
func (env *Env) Close() error {
	close(env.stopCh)
	env.wg.Wait()
	env.scheduler.Stop()

	env.mu.RLock()
	dbs := make([]*Database, 0, len(env.databases))
	for _, db := range env.databases {
		dbs = append(dbs, db)
	}
	env.mu.RUnlock()

	for _, db := range dbs {
		db.setStatus(StatusShutdownPending)
		if err := db.closeNodes(); err != nil {
			return err
		}
	}
	return env.walPool.Close()
}

// envRunner adapts Env's node->database routing to planner.Runner: a
// single shared Runner dispatches every registered database's tasks.
type envRunner struct {
	env *Env
}

func (r *envRunner) Run(t planner.Task) error {
	db, ok := r.env.ownerOf(t.NodeID)
	if !ok {
		return nil // node already fully reclaimed by nodegc
	}
	return db.dispatcher.Run(t)
}

// discoverDatabases scans path for subdirectories already carrying a
// "scheme" file and declares one bare DatabaseConfig per hit, letting
// openDatabase load the actual schema and geometry straight off that
// file. Used when OpenEnv is called against an existing env without
// the caller re-declaring every database it already knows about
// (cmd/ldbctl's "open"/"stats"/"compact"/"checkpoint" subcommands,
// which only have an env path on the command line).
func discoverDatabases(fs vfs.FS, path string) ([]DatabaseConfig, error) {
	names, err := fs.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []DatabaseConfig
	for _, name := range names {
		if name == "log" || name == "scheme" || name == "meta" {
			continue
		}
		if fs.Exists(filepath.Join(path, name, "scheme")) {
			out = append(out, DatabaseConfig{Name: name})
		}
	}
	return out, nil
}
