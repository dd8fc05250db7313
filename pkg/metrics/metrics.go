package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node/tree metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ldb_nodes_total",
			Help: "Total number of nodes by database",
		},
		[]string{"database"},
	)

	NodeBranchesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ldb_node_branches_total",
			Help: "Total branch files across all nodes by database",
		},
		[]string{"database"},
	)

	I0BytesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ldb_i0_bytes_total",
			Help: "Total untracked (i0) memory-index bytes by database",
		},
		[]string{"database"},
	)

	// WAL metrics
	WALSegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ldb_wal_segments_total",
			Help: "Total number of WAL segments currently held by the pool",
		},
	)

	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_wal_appends_total",
			Help: "Total number of records appended to the WAL",
		},
	)

	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ldb_wal_append_duration_seconds",
			Help:    "Time taken to append and fsync one WAL record",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALSweptSegmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_wal_swept_segments_total",
			Help: "Total number of WAL segments reclaimed by Sweep",
		},
	)

	// Transaction metrics
	TxCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldb_tx_commits_total",
			Help: "Total number of transaction commit outcomes by result",
		},
		[]string{"outcome"}, // ok, lock, rollback
	)

	TxCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ldb_tx_commit_duration_seconds",
			Help:    "Time taken for Tx.Commit to return, from Prepare through WAL append and index fold",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_tx_conflicts_total",
			Help: "Total number of deadlocks resolved by rolling back a transaction",
		},
	)

	// Read path metrics
	ReadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ldb_read_duration_seconds",
			Help:    "Time taken to resolve a point read, by source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"}, // tx, view
	)

	// Planner/scheduler metrics
	ScheduledTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldb_scheduled_tasks_total",
			Help: "Total number of tasks dispatched by zone and outcome",
		},
		[]string{"zone", "outcome"}, // outcome: ok, error
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ldb_task_duration_seconds",
			Help:    "Time taken to run one dispatched task, by zone",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"zone"},
	)

	// Compaction metrics
	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_compactions_total",
			Help: "Total number of compaction tasks run",
		},
	)

	BranchesMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_branches_merged_total",
			Help: "Total number of branch files folded away by compaction",
		},
	)

	// GC / anticache metrics
	GCReclaimedVersionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_gc_reclaimed_versions_total",
			Help: "Total number of gc zone tasks run (one per task, not per version dropped)",
		},
	)

	AnticacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_anticache_evictions_total",
			Help: "Total number of anticache zone tasks run, hot and cold nodes alike",
		},
	)

	// Checkpoint / backup metrics
	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_checkpoints_total",
			Help: "Total number of checkpoint rounds run",
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ldb_checkpoint_duration_seconds",
			Help:    "Time taken for one checkpoint round (flush + WAL sweep)",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_snapshots_total",
			Help: "Total number of durable index-snapshot rounds written",
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ldb_snapshot_duration_seconds",
			Help:    "Time taken to write one database's index snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldb_backups_total",
			Help: "Total number of backup rounds by outcome",
		},
		[]string{"outcome"}, // promoted, failed
	)

	BackupBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_backup_bytes_total",
			Help: "Total number of node bytes written to backup sets",
		},
	)

	// Memory quota metrics
	QuotaBlockedWritersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ldb_quota_blocked_writers_total",
			Help: "Total number of commits that had to block in the memory quota gate",
		},
	)

	QuotaUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ldb_quota_utilization_ratio",
			Help: "Fraction of the configured memory quota currently in use (0 if unbounded)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		NodeBranchesTotal,
		I0BytesTotal,
		WALSegmentsTotal,
		WALAppendsTotal,
		WALAppendDuration,
		WALSweptSegmentsTotal,
		TxCommitsTotal,
		TxCommitDuration,
		TxConflictsTotal,
		ReadLatency,
		ScheduledTasksTotal,
		TaskDuration,
		CompactionsTotal,
		BranchesMerged,
		GCReclaimedVersionsTotal,
		AnticacheEvictionsTotal,
		CheckpointsTotal,
		CheckpointDuration,
		SnapshotsTotal,
		SnapshotDuration,
		BackupsTotal,
		BackupBytesTotal,
		QuotaBlockedWritersTotal,
		QuotaUtilization,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording the elapsed
// duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration since NewTimer to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration since NewTimer to a labeled
// histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
