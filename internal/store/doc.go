// Package store provides SQLite-backed persistence for world snapshots and
// recorded traces.
//
// A snapshot holds everything needed to resume a world: the clock
// settings and counters, and for every component its state, the
// step-start value of each continuous variable, constants, links, input
// bindings and queue contents. Loading a snapshot rebuilds the world from
// compiled types and runs the engine's restore hook.
//
// Snapshots and trace events belong to a run. A world restored from a
// snapshot keeps its run ID, so the trace of a resumed run continues where
// the saved one stopped.
//
// # Logical Ordering
//
//   - Snapshots are ordered by a store-wide seq, trace events by a per-run
//     seq. Wall time is never stored.
//   - All list queries order by seq ASC.
//   - Trace reads are queryir queries compiled by internal/querysql, so a
//     filtered read and a full read share one code path.
//
// # Identity
//
//   - Snapshot IDs come from an engine.IDGenerator (UUIDv7 by default).
//   - Snapshot content and trace hashes are computed by internal/ir using
//     canonical JSON and SHA-256 with domain separation. Reading a snapshot
//     verifies its content hash.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
