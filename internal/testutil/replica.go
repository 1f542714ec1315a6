package testutil

import "fmt"

// ReplicaID returns a fixed, valid replica id for test replica i.
//
// Ids are ordered by i, so tests that depend on the replica-id tie-break
// (equal millis and counter) know which replica wins:
//
//	ReplicaID(0) = "00000000000000A0"
//	ReplicaID(1) = "00000000000000A1"
func ReplicaID(i int) string {
	return fmt.Sprintf("%016X", 0xA0+i)
}
