// Package store provides SQLite-backed durable storage for the event log.
//
// The store holds:
//   - Events: the append-only log, one row per accepted fact
//   - Aggregates: materialized state, one row per aggregate
//   - Access grants: principal to scope mappings, revoked but never deleted
//   - Quarantine: aggregates whose replay disagreed with stored state
//
// # Invariants
//
// Append-only history
//   - Triggers abort every UPDATE and DELETE on events
//   - No Go code path issues either statement
//
// Atomic append
//   - The version check, event insert and state upsert share one transaction
//   - UNIQUE(aggregate_id, aggregate_version) backs the version check
//
// Deterministic reads
//   - Per-aggregate reads ORDER BY aggregate_version
//   - Global reads ORDER BY seq, exports ORDER BY server_timestamp, seq
//   - Iterators page with keyset cursors and hold no connection while yielding
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Schema changes are embedded golang-migrate files under migrations/.
// Event and state hashes are computed in internal/ir using RFC 8785 canonical
// JSON and SHA-256 with domain separation.
package store
