/*
Package metrics provides Prometheus metrics collection and exposition for ldb.

The metrics package defines and registers all of ldb's metrics using the
Prometheus client library, providing observability into storage engine
shape, transaction outcomes, background task activity, and durability
operations. Metrics are exposed via an HTTP endpoint for scraping by
Prometheus servers.

# Architecture

ldb's metrics system follows Prometheus best practices with instrumentation
split across two paths: a poll-based Collector samples point-in-time shape
off the engine on a timer, and push-based counters/histograms are recorded
directly at the call site where an event happens.

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (node count)         │          │
	│  │  Counter: Monotonic increases (commits)     │          │
	│  │  Histogram: Distributions (latency)         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Tree: Node count, branch count, i0 bytes   │          │
	│  │  WAL: Appends, append latency, swept segs   │          │
	│  │  Transactions: Commit outcome, conflicts    │          │
	│  │  Reads: Point read latency by source        │          │
	│  │  Planner: Scheduled tasks, task duration    │          │
	│  │  Compaction/GC: Merges, reclaimed versions  │          │
	│  │  Checkpoint/Backup: Round count, duration   │          │
	│  │  Quota: Blocked writers, utilization        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Collector:
  - Polls an EnvSource (satisfied structurally by *engine.Env) every 15s
  - Publishes node/branch/i0 counts per database, WAL segment count,
    and memory quota utilization as gauges
  - Declared without importing pkg/engine, so pkg/engine is free to
    import pkg/metrics back for push-based instrumentation without a
    cyclic import

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Tree Metrics:

ldb_nodes_total{database}:
  - Type: Gauge
  - Description: Total number of nodes in the tree, by database
  - Example: ldb_nodes_total{database="default"} 42

ldb_node_branches_total{database}:
  - Type: Gauge
  - Description: Total branch files across all nodes, by database

ldb_i0_bytes_total{database}:
  - Type: Gauge
  - Description: Total untracked (i0) memory-index bytes, by database

WAL Metrics:

ldb_wal_segments_total:
  - Type: Gauge
  - Description: Total number of WAL segments currently held by the pool

ldb_wal_appends_total:
  - Type: Counter
  - Description: Total number of records appended to the WAL

ldb_wal_append_duration_seconds:
  - Type: Histogram
  - Description: Time taken to append and fsync one WAL record

ldb_wal_swept_segments_total:
  - Type: Counter
  - Description: Total number of WAL segments reclaimed by Sweep

Transaction Metrics:

ldb_tx_commits_total{outcome}:
  - Type: Counter
  - Description: Total transaction commit outcomes (ok, lock, rollback)
  - Labels: outcome
  - Example: ldb_tx_commits_total{outcome="ok"} 10234

ldb_tx_commit_duration_seconds:
  - Type: Histogram
  - Description: Time for Tx.Commit to return, Prepare through WAL append
    and index fold

ldb_tx_conflicts_total:
  - Type: Counter
  - Description: Total deadlocks resolved by rolling back a transaction

Read Path Metrics:

ldb_read_duration_seconds{source}:
  - Type: Histogram
  - Description: Time to resolve a point read, by source (tx, view)

Planner/Scheduler Metrics:

ldb_scheduled_tasks_total{zone, outcome}:
  - Type: Counter
  - Description: Total tasks dispatched by zone and outcome (ok, error)

ldb_task_duration_seconds{zone}:
  - Type: Histogram
  - Description: Time to run one dispatched task, by zone

Compaction/GC Metrics:

ldb_compactions_total:
  - Type: Counter
  - Description: Total compaction tasks run

ldb_branches_merged_total:
  - Type: Counter
  - Description: Total branch files folded away by compaction

ldb_gc_reclaimed_versions_total:
  - Type: Counter
  - Description: Total gc zone tasks run (one per task, not per version dropped)

ldb_anticache_evictions_total:
  - Type: Counter
  - Description: Total anticache zone tasks run, hot and cold nodes alike

Checkpoint/Backup Metrics:

ldb_checkpoints_total:
  - Type: Counter
  - Description: Total checkpoint rounds run

ldb_checkpoint_duration_seconds:
  - Type: Histogram
  - Description: Time for one checkpoint round (flush + WAL sweep)

ldb_backups_total{outcome}:
  - Type: Counter
  - Description: Total backup rounds by outcome (promoted, failed)

ldb_backup_bytes_total:
  - Type: Counter
  - Description: Total node bytes written to backup sets

Memory Quota Metrics:

ldb_quota_blocked_writers_total:
  - Type: Counter
  - Description: Total commits that had to block in the memory quota gate

ldb_quota_utilization_ratio:
  - Type: Gauge
  - Description: Fraction of the configured memory quota in use (0 if
    unbounded)

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/ldb/pkg/metrics"

	metrics.NodesTotal.WithLabelValues("default").Set(42)

Updating Counter Metrics:

	metrics.TxConflictsTotal.Inc()
	metrics.BackupBytesTotal.Add(float64(len(data)))

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.CheckpointDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.ReadLatency, "tx")

Running the Collector:

	collector := metrics.NewCollector(env) // *engine.Env satisfies EnvSource
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(":9090", nil)

# Integration Points

This package integrates with:

  - pkg/engine: Instruments transaction commits, reads, checkpoints, backups
  - pkg/task: Instruments dispatched task outcomes and durations
  - pkg/wal: Instruments append latency and segment sweeps
  - cmd/ldbctl: Registers component health and exposes /metrics, /health
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (database name,
    zone, outcome)
  - Avoid high-cardinality labels (keys, LSNs, timestamps)

Timer Pattern:
  - Create timer at operation start
  - Defer or explicitly call ObserveDuration
  - Supports both simple and vector histograms

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
