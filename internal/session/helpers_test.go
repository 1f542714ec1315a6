package session

import (
	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/merkle"
)

func crdtTrie(msgs []crdt.Message) *merkle.Trie {
	t := merkle.New()
	for _, m := range msgs {
		t = t.Insert(m.Timestamp)
	}
	return t
}
