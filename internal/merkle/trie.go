// Package merkle implements the time-bucketed Merkle trie used to detect and
// localize divergence between two replicas' message sets.
//
// Keys are minute buckets (millis / 60000) written as fixed-width base-3
// digit paths. Every node carries the XOR of the 64-bit digests of all
// timestamps beneath it and their count, so the root hash is a pure function
// of the inserted timestamp set. Tries are immutable: Insert and Prune return
// a new trie that shares every untouched subtree with the old one.
package merkle

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/crdtsync/internal/crdt"
)

const (
	// Base is the branching factor of the trie.
	Base = 3

	// Depth is the number of base-3 digits in a bucket key. 3^21 minutes
	// reaches past crdt.MaxMillis.
	Depth = 21

	// BucketMillis is the width of one leaf bucket.
	BucketMillis int64 = 60_000
)

// Trie is an immutable Merkle trie. The zero value and nil are both empty.
type Trie struct {
	root *node
}

type node struct {
	hash  uint64
	count int64

	// collapsed marks a summary node produced by Prune (or decoded without
	// its leaf digests). Its original children are gone; any children present
	// were inserted after the collapse.
	collapsed bool

	children [Base]*node

	// digests is the sorted digest set of a live leaf.
	digests []uint64
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{}
}

// Digest returns the 64-bit digest of a timestamp.
func Digest(ts crdt.Timestamp) uint64 {
	return xxhash.Sum64String(ts.String())
}

// Hash returns the root hash. An empty trie hashes to 0.
func (t *Trie) Hash() uint64 {
	if t == nil || t.root == nil {
		return 0
	}
	return t.root.hash
}

// Count returns the number of timestamps folded into the trie.
func (t *Trie) Count() int64 {
	if t == nil || t.root == nil {
		return 0
	}
	return t.root.count
}

// Equal reports whether two tries summarize the same timestamp set.
func (t *Trie) Equal(o *Trie) bool {
	return t.Hash() == o.Hash() && t.Count() == o.Count()
}

// Insert returns a trie that additionally contains ts. Inserting a timestamp
// that a live leaf already holds returns t itself.
func (t *Trie) Insert(ts crdt.Timestamp) *Trie {
	var root *node
	if t != nil {
		root = t.root
	}
	path := keyPath(bucketOf(ts.Millis))
	next, changed := insert(root, path[:], Digest(ts))
	if !changed {
		return t
	}
	return &Trie{root: next}
}

// InsertAll folds every timestamp in ts into the trie.
func (t *Trie) InsertAll(ts []crdt.Timestamp) *Trie {
	out := t
	for _, s := range ts {
		out = out.Insert(s)
	}
	return out
}

func insert(n *node, path []uint8, digest uint64) (*node, bool) {
	if n == nil {
		n = &node{}
	}

	if len(path) == 0 {
		if n.collapsed {
			// Membership is unknown under a summary; the caller guarantees the
			// timestamp is new.
			cp := *n
			cp.hash ^= digest
			cp.count++
			return &cp, true
		}
		i := sort.Search(len(n.digests), func(i int) bool { return n.digests[i] >= digest })
		if i < len(n.digests) && n.digests[i] == digest {
			return n, false
		}
		digests := make([]uint64, 0, len(n.digests)+1)
		digests = append(digests, n.digests[:i]...)
		digests = append(digests, digest)
		digests = append(digests, n.digests[i:]...)
		return &node{hash: n.hash ^ digest, count: n.count + 1, digests: digests}, true
	}

	child, changed := insert(n.children[path[0]], path[1:], digest)
	if !changed {
		return n, false
	}
	cp := *n
	cp.children[path[0]] = child
	cp.hash ^= digest
	cp.count++
	return &cp, true
}

// Collapsed reports whether the bucket of ts lies under a summary node, in
// which case membership of ts cannot be decided from the trie.
func (t *Trie) Collapsed(ts crdt.Timestamp) bool {
	if t == nil {
		return false
	}
	path := keyPath(bucketOf(ts.Millis))
	n := t.root
	for _, d := range path {
		if n == nil {
			return false
		}
		if n.collapsed {
			return true
		}
		n = n.children[d]
	}
	return n != nil && n.collapsed
}

// Prune collapses every subtree whose whole bucket range lies before the
// bucket of horizon into a summary node. Hashes and counts are unchanged.
func (t *Trie) Prune(horizon crdt.Timestamp) *Trie {
	if t == nil || t.root == nil {
		return t
	}
	next := prune(t.root, 0, 0, bucketOf(horizon.Millis))
	if next == t.root {
		return t
	}
	return &Trie{root: next}
}

func prune(n *node, level int, prefix, horizon int64) *node {
	if n == nil || n.collapsed {
		return n
	}
	span := pow3(Depth - level)
	start := prefix * span
	end := start + span
	if end <= horizon {
		return &node{hash: n.hash, count: n.count, collapsed: true}
	}
	if start >= horizon || level == Depth {
		return n
	}

	var cp *node
	for d := 0; d < Base; d++ {
		child := prune(n.children[d], level+1, prefix*Base+int64(d), horizon)
		if child == n.children[d] {
			continue
		}
		if cp == nil {
			c := *n
			cp = &c
		}
		cp.children[d] = child
	}
	if cp == nil {
		return n
	}
	return cp
}

// Bucket describes one populated leaf.
type Bucket struct {
	Key       string
	Start     int64
	Hash      uint64
	Count     int64
	Collapsed bool
}

// Buckets lists the populated leaves and summary nodes in key order.
func (t *Trie) Buckets() []Bucket {
	out := []Bucket{}
	if t == nil {
		return out
	}
	var walk func(n *node, level int, prefix int64, key []byte)
	walk = func(n *node, level int, prefix int64, key []byte) {
		if n == nil || n.count == 0 {
			return
		}
		if level == Depth || n.collapsed {
			out = append(out, Bucket{
				Key:       string(key),
				Start:     prefix * pow3(Depth-level) * BucketMillis,
				Hash:      n.hash,
				Count:     n.count,
				Collapsed: n.collapsed,
			})
			return
		}
		for d := 0; d < Base; d++ {
			walk(n.children[d], level+1, prefix*Base+int64(d), append(key, byte('0'+d)))
		}
	}
	walk(t.root, 0, 0, nil)
	return out
}

func bucketOf(millis int64) int64 {
	if millis < 0 {
		return 0
	}
	return millis / BucketMillis
}

// keyPath writes bucket as Depth base-3 digits, most significant first.
func keyPath(bucket int64) [Depth]uint8 {
	var path [Depth]uint8
	for i := Depth - 1; i >= 0; i-- {
		path[i] = uint8(bucket % Base)
		bucket /= Base
	}
	return path
}

// Key returns the base-3 text key of the bucket holding ts.
func Key(ts crdt.Timestamp) string {
	path := keyPath(bucketOf(ts.Millis))
	b := make([]byte, Depth)
	for i, d := range path {
		b[i] = '0' + d
	}
	return string(b)
}

func pow3(n int) int64 {
	p := int64(1)
	for i := 0; i < n; i++ {
		p *= Base
	}
	return p
}
