package engine

import (
	"sync"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
)

// Identity names the database a sync loop is working on. Epoch changes every
// time the context is rebound or closed, so two identities are equal only if
// nothing happened in between.
type Identity struct {
	FileID  string
	GroupID string
	Epoch   uint64
}

// SyncContext is the per-database sync state: the live clock, the current
// Merkle trie, the file/group identity and the sync mode.
//
// A SyncContext is created when a database is loaded and invalidated when it
// is closed. Thread-safety: all methods are safe for concurrent use.
type SyncContext struct {
	mu       sync.RWMutex
	clock    *crdt.Clock
	trie     *merkle.Trie
	identity Identity
	mode     Mode
	closed   bool
}

// NewSyncContext creates the sync state of a freshly loaded database.
func NewSyncContext(clock *crdt.Clock, trie *merkle.Trie, fileID, groupID string, mode Mode) *SyncContext {
	if trie == nil {
		trie = merkle.New()
	}
	return &SyncContext{
		clock:    clock,
		trie:     trie,
		identity: Identity{FileID: fileID, GroupID: groupID, Epoch: 1},
		mode:     mode,
	}
}

// Clock returns the live clock.
func (sc *SyncContext) Clock() *crdt.Clock {
	return sc.clock
}

// Trie returns the current trie. Tries are immutable, so the caller may keep
// using the returned value while Apply installs a new one.
func (sc *SyncContext) Trie() *merkle.Trie {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.trie
}

// SetTrie installs a new trie.
func (sc *SyncContext) SetTrie(t *merkle.Trie) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.trie = t
}

// Identity returns the current identity.
func (sc *SyncContext) Identity() Identity {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.identity
}

// Mode returns the current sync mode.
func (sc *SyncContext) Mode() Mode {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.mode
}

// SetMode changes the sync mode and returns the previous one.
func (sc *SyncContext) SetMode(m Mode) Mode {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	prev := sc.mode
	sc.mode = m
	return prev
}

// Rebind switches the context to another file/group. In-flight sync loops
// observe the new epoch and stop.
func (sc *SyncContext) Rebind(fileID, groupID string) Identity {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.identity = Identity{FileID: fileID, GroupID: groupID, Epoch: sc.identity.Epoch + 1}
	return sc.identity
}

// Invalidate marks the database as closed.
func (sc *SyncContext) Invalidate() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closed = true
	sc.identity.Epoch++
}

// Closed reports whether Invalidate has been called.
func (sc *SyncContext) Closed() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.closed
}
