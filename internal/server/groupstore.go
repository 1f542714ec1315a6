package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/wire"
)

// ErrGroupMismatch is returned when a file is already bound to another group.
var ErrGroupMismatch = errors.New("file belongs to another group")

// GroupStore persists, per file, the bound group id, every message keyed by
// timestamp, and the trie of those timestamps.
//
// Key layout:
//
//	file/<file_id>/group           group id
//	file/<file_id>/merkle          trie as JSON
//	file/<file_id>/msg/<timestamp> msgpack wire.Message
//
// Timestamps sort byte-wise in clock order, so a prefix scan seeked past
// since yields exactly the newer messages, in order.
type GroupStore struct {
	db *badger.DB
}

type groupStoreConfig struct {
	inMemory bool
}

// GroupStoreOption customizes how Badger is opened.
type GroupStoreOption func(*groupStoreConfig)

// WithInMemory keeps everything in memory. Used by tests and the harness.
func WithInMemory() GroupStoreOption {
	return func(cfg *groupStoreConfig) {
		cfg.inMemory = true
	}
}

// OpenGroupStore opens the Badger database in dir.
func OpenGroupStore(dir string, options ...GroupStoreOption) (*GroupStore, error) {
	var cfg groupStoreConfig
	for _, option := range options {
		option(&cfg)
	}

	opts := badger.DefaultOptions(dir)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open group store: %w", err)
	}
	return &GroupStore{db: db}, nil
}

// Close closes the database.
func (s *GroupStore) Close() error {
	return s.db.Close()
}

// SyncResult is what one exchange produced.
type SyncResult struct {
	Messages  []wire.Message
	Trie      *merkle.Trie
	Inserted  int
	Malformed int
}

// Sync binds fileID to groupID on first contact, stores the unseen messages,
// folds them into the file's trie and returns every message newer than
// since. It all happens in one Badger transaction.
//
// Messages that fail the same validation replicas apply (timestamp, value
// tag, non-empty keys) are counted and not stored, so the relay's trie only
// covers messages a replica can fold into its own.
func (s *GroupStore) Sync(fileID, groupID string, since crdt.Timestamp, msgs []wire.Message) (*SyncResult, error) {
	res := &SyncResult{}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := bindGroup(txn, fileID, groupID); err != nil {
			return err
		}

		trie, err := loadTrie(txn, fileID)
		if err != nil {
			return err
		}

		for _, m := range msgs {
			decoded, err := m.Decode()
			if err != nil {
				res.Malformed++
				continue
			}
			ts := decoded.Timestamp
			key := messageKey(fileID, ts)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("get message: %w", err)
			}

			value, err := wire.Marshal(&m)
			if err != nil {
				return fmt.Errorf("encode message: %w", err)
			}
			if err := txn.Set(key, value); err != nil {
				return fmt.Errorf("put message: %w", err)
			}
			trie = trie.Insert(ts)
			res.Inserted++
		}

		if res.Inserted > 0 {
			data, err := json.Marshal(trie)
			if err != nil {
				return fmt.Errorf("encode merkle: %w", err)
			}
			if err := txn.Set(merkleKey(fileID), data); err != nil {
				return fmt.Errorf("put merkle: %w", err)
			}
		}
		res.Trie = trie

		res.Messages, err = scanSince(txn, fileID, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Count returns the number of messages stored for fileID.
func (s *GroupStore) Count(fileID string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		trie, err := loadTrie(txn, fileID)
		if err != nil {
			return err
		}
		n = trie.Count()
		return nil
	})
	return n, err
}

// Group returns the group fileID is bound to, or "" if none.
func (s *GroupStore) Group(fileID string) (string, error) {
	var group string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(groupKey(fileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		group = string(v)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

func bindGroup(txn *badger.Txn, fileID, groupID string) error {
	item, err := txn.Get(groupKey(fileID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return txn.Set(groupKey(fileID), []byte(groupID))
	}
	if err != nil {
		return fmt.Errorf("get group: %w", err)
	}
	bound, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("get group: %w", err)
	}
	if string(bound) != groupID {
		return fmt.Errorf("%w: file %s is bound to %s", ErrGroupMismatch, fileID, bound)
	}
	return nil
}

func loadTrie(txn *badger.Txn, fileID string) (*merkle.Trie, error) {
	item, err := txn.Get(merkleKey(fileID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return merkle.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get merkle: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("get merkle: %w", err)
	}
	trie := merkle.New()
	if err := json.Unmarshal(data, trie); err != nil {
		return nil, fmt.Errorf("decode merkle: %w", err)
	}
	return trie, nil
}

func scanSince(txn *badger.Txn, fileID string, since crdt.Timestamp) ([]wire.Message, error) {
	prefix := messagePrefix(fileID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	out := []wire.Message{}
	start := messageKey(fileID, since)
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if string(item.Key()) == string(start) {
			continue
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("scan messages: %w", err)
		}
		var m wire.Message
		if err := wire.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("scan messages: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func groupKey(fileID string) []byte {
	return []byte("file/" + fileID + "/group")
}

func merkleKey(fileID string) []byte {
	return []byte("file/" + fileID + "/merkle")
}

func messagePrefix(fileID string) []byte {
	return []byte("file/" + fileID + "/msg/")
}

func messageKey(fileID string, ts crdt.Timestamp) []byte {
	return append(messagePrefix(fileID), ts.String()...)
}
