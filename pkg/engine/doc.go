// Package engine is ldb's embeddable façade:
// Env owns the directory layout, the shared WAL pool, and the
// background scheduler; Database wires one schema's tree, MVCC
// manager, planner, and task dispatcher together; Tx and View are the
// read/write entry points embedders actually call.
//
// This package keeps the API a plain struct rather than a handle pool;
// it is the minimal Go-native equivalent a real module
// needs to be usable and testable end to end — a plain struct API
// an embedder can hold directly, with no separate handle pool.
package engine
