package engine

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/ldb/pkg/metrics"
)

// backupSet implements task.Backuper for one Database, writing into
// <env.backup_path>/<bsn>.incomplete/<db>/<node>.db during an active
// backup round ("<env.backup_path>/<bsn>.incomplete/<db>/
// *.db" while in progress, promoted to "<bsn>/<db>/*.db + log/" once
// every node in the round has been copied).
type backupSet struct {
	env *Env
	db  *Database
}

// backuperFor returns a task.Backuper for db, or nil if the env has no
// BackupPath configured (backup is an optional zone).
func (env *Env) backuperFor(db *Database) *backupSet {
	if env.cfg.BackupPath == "" {
		return nil
	}
	return &backupSet{env: env, db: db}
}

// WriteNode writes data under the current in-progress backup set,
// allocating a fresh bsn the first time any node is written to a new
// round.
func (b *backupSet) WriteNode(nodeID uint64, data []byte) (uint64, error) {
	bsn := b.env.currentBSN()
	dir := filepath.Join(b.env.cfg.BackupPath, fmt.Sprintf("%d.incomplete", bsn), b.db.name)
	if err := b.env.fs.MkdirAll(dir); err != nil {
		return 0, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%05d.db", nodeID))
	f, err := b.env.fs.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, 0); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	metrics.BackupBytesTotal.Add(float64(len(data)))
	return bsn, nil
}

// currentBSN returns the backup set id currently being written to,
// minting the first one lazily.
func (env *Env) currentBSN() uint64 {
	if env.nextBSN.Load() == 0 {
		env.nextBSN.Store(1)
	}
	return env.nextBSN.Load()
}

// PromoteBackup closes out the backup set currently in progress,
// renaming its <bsn>.incomplete directory to its final <bsn> name,
// and advances to a fresh bsn for the next round. Callers
// run this once every database's backup zone has quiesced for the
// round — pkg/planner tracks per-node LastBackedUp but the round
// boundary itself is the embedder's call, since only it knows when
// "every node" has actually been visited.
func (env *Env) PromoteBackup() error {
	bsn := env.currentBSN()
	incomplete := filepath.Join(env.cfg.BackupPath, fmt.Sprintf("%d.incomplete", bsn))
	final := filepath.Join(env.cfg.BackupPath, fmt.Sprintf("%d", bsn))
	if !env.fs.Exists(incomplete) {
		return nil
	}
	if err := env.fs.Rename(incomplete, final); err != nil {
		metrics.BackupsTotal.WithLabelValues("failed").Inc()
		return err
	}
	env.nextBSN.Store(bsn + 1)
	metrics.BackupsTotal.WithLabelValues("promoted").Inc()
	return nil
}
