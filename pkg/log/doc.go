/*
Package log provides structured logging for ldb using zerolog.

It wraps zerolog to give every package in the engine JSON-structured
logging with component-specific child loggers, a configurable level,
and a small set of helpers for the common cases (plain messages,
per-database context, per-node context, per-task context).

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│  Global Logger (zerolog.Logger, set by Init)              │
	│        │                                                   │
	│        ├─ WithComponent("planner")                         │
	│        ├─ WithDatabase("orders")                           │
	│        ├─ WithNode(7)                                      │
	│        └─ WithTask(taskID, "compact")                      │
	└────────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	taskLog := log.WithTask(id, "branch").With().Uint32("node_id", nodeID).Logger()
	taskLog.Info().Msg("branch task started")
	taskLog.Error().Err(err).Msg("branch task failed")

Background components (planner, task executors, the WAL pool, node
recovery) take a zerolog.Logger field built from one of the With*
helpers rather than calling the package-level Logger directly, so a
single Env can be given its own sink in tests.
*/
package log
