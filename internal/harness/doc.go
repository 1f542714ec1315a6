// Package harness runs multi-replica convergence scenarios.
//
// Each scenario opens a set of replicas against a fresh in-process relay,
// drives them through local edits, wall clock moves, mode changes and
// syncs, then checks the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: concurrent_edit_same_field
//	description: "What this scenario validates"
//	replicas:
//	  - name: alice
//	    start: 1700000000000
//	  - name: bob
//	    start: 1700000001000
//	    mode: offline
//	steps:
//	  - replica: alice
//	    action: set
//	    dataset: transactions
//	    row: tx1
//	    column: amount
//	    value: 100
//	  - replica: bob
//	    action: advance
//	    millis: 5000
//	  - replica: alice
//	    action: sync
//	assertions:
//	  - type: row
//	    replica: alice
//	    dataset: transactions
//	    row: tx1
//	    expect: { amount: 100 }
//	  - type: converged
//	    replicas: [alice, bob]
//
// # Step Actions
//
//   - set: local edit of one column (column/value) or several (values)
//   - advance: move the replica's wall clock by millis
//   - mode: switch sync mode (enabled, disabled, offline, import)
//   - switch_file: rebind to file_id/group_id
//   - sync: one full sync through the relay; expect names the outcome
//     (converged by default)
//
// # Assertion Types
//
//   - row: a row holds the expected column values (subset match)
//   - converged: replicas hold identical rows and trie hashes
//   - message_count: a replica's log holds exactly count messages
//   - trace_count: an action ran exactly count times
//   - verified: a replica's trie matches a rebuild from its log
//
// # Deterministic Testing
//
// Replica ids come from declaration order, wall clocks only move on
// advance steps and every database lives in memory, so the same scenario
// always produces the same trace and state. RunWithGolden compares that
// output against a golden snapshot kept in a golden directory beside
// the scenario files.
package harness
