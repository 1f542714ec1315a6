// Package store provides SQLite-backed durable storage for one crdtsync replica.
//
// The database holds:
//   - messages_crdt: the append-only mutation log, keyed by timestamp
//   - messages_clock: the single persisted clock (timestamp + Merkle trie)
//   - fields: materialized last-writer-wins field values
//   - sync_meta: replica id, group/file identity, sync mode and cursor
//
// # Critical Patterns
//
// Idempotent append
//   - The log's primary key is the timestamp text
//   - INSERT ... ON CONFLICT(timestamp) DO NOTHING makes replays harmless
//
// Atomic apply
//   - Transaction runs a callback inside one SQLite transaction
//   - Field writes, log appends and the clock row commit together or not at all
//
// Ordered scans
//   - Timestamp text sorts in clock order, so MessagesSince is a
//     primary-key range scan: WHERE timestamp > ? ORDER BY timestamp
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The connection pool holds a single connection. Store methods must not be
// called from inside a Transaction callback; use the Tx instead.
package store
