package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/crdtsync/internal/crdt"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMessage creates a message on replica A1 at the given millis.
func createTestMessage(row, column string, millis int64, value crdt.Scalar) crdt.Message {
	return crdt.Message{
		Dataset:   "transactions",
		Row:       row,
		Column:    column,
		Timestamp: crdt.Timestamp{Millis: millis, Node: "00000000000000A1"},
		Value:     value,
	}
}
