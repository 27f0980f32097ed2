// Package store records engine synchronization traffic in SQLite.
//
// Three append-only tables:
//   - sessions: one row per recorded run
//   - broadcasts: every BroadcastFragments call with its layout and outcome
//   - deliveries: every buffer the engine handed back, by size
//
// # Ordering
//
// Rows are ordered by their per-session seq (a logical counter), never by
// timestamps. Queries use ORDER BY seq ASC, id COLLATE BINARY ASC where an
// id exists, so reads are identical across runs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Session and broadcast ids are UUIDv7, so they also sort by creation time.
package store
