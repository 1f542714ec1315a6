package merkle

import "github.com/roach88/crdtsync/internal/crdt"

// Diff compares two tries. It returns false when both summarize the same
// timestamp set. Otherwise it descends into the earliest bucket whose hashes
// differ and returns the start of that bucket: every message that could
// explain the difference has a timestamp after the returned one.
//
// Descent stops early at a summary node or when no single child explains the
// difference, in which case the start of the current subtree is returned.
func Diff(a, b *Trie) (crdt.Timestamp, bool) {
	if a.Equal(b) {
		return crdt.Timestamp{}, false
	}

	var na, nb *node
	if a != nil {
		na = a.root
	}
	if b != nil {
		nb = b.root
	}

	var prefix int64
	level := 0
	for level < Depth {
		if na.isCollapsed() || nb.isCollapsed() {
			break
		}
		d, ok := firstDifferentChild(na, nb)
		if !ok {
			break
		}
		na, nb = na.child(d), nb.child(d)
		prefix = prefix*Base + int64(d)
		level++
	}

	return bucketStart(prefix, level), true
}

func firstDifferentChild(a, b *node) (int, bool) {
	for d := 0; d < Base; d++ {
		ca, cb := a.child(d), b.child(d)
		if ca.hashOrZero() != cb.hashOrZero() || ca.countOrZero() != cb.countOrZero() {
			return d, true
		}
	}
	return 0, false
}

func bucketStart(prefix int64, level int) crdt.Timestamp {
	return crdt.Timestamp{
		Millis: prefix * pow3(Depth-level) * BucketMillis,
		Node:   crdt.MinNode,
	}
}

func (n *node) child(d int) *node {
	if n == nil {
		return nil
	}
	return n.children[d]
}

func (n *node) isCollapsed() bool {
	return n != nil && n.collapsed
}

func (n *node) hashOrZero() uint64 {
	if n == nil {
		return 0
	}
	return n.hash
}

func (n *node) countOrZero() int64 {
	if n == nil {
		return 0
	}
	return n.count
}
