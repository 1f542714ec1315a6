// Package crdt provides the foundational types of the crdtsync engine.
//
// This package contains the value layer only: timestamps, the hybrid logical
// clock, scalar field values and field-level messages. All other internal
// packages import crdt; crdt imports nothing internal.
//
// Key design constraints:
//   - Timestamps have a fixed-width text form whose byte order equals their
//     total order (millis, counter, replica id)
//   - A Message sets exactly one field of one row (last-writer-wins register)
//   - Scalar is a closed sum type: String, Number, Bool, Null
//   - A replica's clock never moves backwards, whatever the wall clock does
package crdt
