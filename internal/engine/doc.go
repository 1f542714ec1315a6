// Package engine implements the crdtsync apply engine.
//
// The engine is the heart of crdtsync - it receives batches of field
// messages (local edits or messages from a peer), resolves conflicts, and
// persists the result together with the replica's clock and Merkle trie.
//
// ARCHITECTURE:
//
// Single-Writer Apply:
// Every batch goes through Engine.Apply, which is serialized by a mutex.
// Submit/Run offer a FIFO queue for callers that prefer not to block.
// This ensures:
// - The clock, trie and log always describe the same message set
// - No partially applied batch is ever observable
// - Replaying any batch, in any order, converges to the same state
//
// Apply Flow:
// 1. Validate; malformed messages are dropped and counted
// 2. Partition into new and already-seen (by timestamp)
// 3. Sort new messages; newest message per field wins
// 4. Read pre-images of touched rows
// 5. Write fields, append the log, write the clock row (one transaction)
// 6. Install the new trie, advance the live clock, notify observers
//
// CRITICAL PATTERNS:
//
// Last-Writer-Wins:
// A field's value is the value of its newest logged message. Arrival order
// never matters.
//
// SyncContext:
// Clock, trie, file identity and mode live in an explicit SyncContext owned
// by the database session, never in package-level state.
package engine
