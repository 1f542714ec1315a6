package merkle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Snapshot is the serializable form of a trie node. It is stored as JSON in
// the clock row and sent as msgpack in sync responses.
type Snapshot struct {
	Hash      uint64               `json:"hash" msgpack:"hash"`
	Count     int64                `json:"count" msgpack:"count"`
	Collapsed bool                 `json:"collapsed,omitempty" msgpack:"collapsed,omitempty"`
	Digests   []uint64             `json:"digests,omitempty" msgpack:"digests,omitempty"`
	Children  map[string]*Snapshot `json:"children,omitempty" msgpack:"children,omitempty"`
}

// Snapshot returns the serializable form of t, or nil for an empty trie.
// Leaf digests are included only when withDigests is set; a trie rebuilt
// from a snapshot without them can be diffed but treats its leaves as
// summaries.
func (t *Trie) Snapshot(withDigests bool) *Snapshot {
	if t == nil || t.root == nil {
		return nil
	}
	return snapshotNode(t.root, withDigests)
}

func snapshotNode(n *node, withDigests bool) *Snapshot {
	s := &Snapshot{Hash: n.hash, Count: n.count, Collapsed: n.collapsed}
	if withDigests && len(n.digests) > 0 {
		s.Digests = append([]uint64(nil), n.digests...)
	}
	for d, c := range n.children {
		if c == nil {
			continue
		}
		if s.Children == nil {
			s.Children = make(map[string]*Snapshot, Base)
		}
		s.Children[strconv.Itoa(d)] = snapshotNode(c, withDigests)
	}
	return s
}

// FromSnapshot rebuilds a trie and checks that it is structurally sound:
// child keys are base-3 digits, the tree is no deeper than Depth, and every
// live node's hash and count agree with its children or digests.
func FromSnapshot(s *Snapshot) (*Trie, error) {
	if s == nil {
		return New(), nil
	}
	root, err := fromSnapshot(s, 0)
	if err != nil {
		return nil, err
	}
	return &Trie{root: root}, nil
}

func fromSnapshot(s *Snapshot, level int) (*node, error) {
	if s.Count < 0 {
		return nil, fmt.Errorf("merkle snapshot: negative count at level %d", level)
	}
	n := &node{hash: s.Hash, count: s.Count, collapsed: s.Collapsed}

	if level == Depth {
		if len(s.Children) > 0 {
			return nil, fmt.Errorf("merkle snapshot: leaf has children")
		}
		if n.collapsed || int64(len(s.Digests)) != s.Count {
			n.collapsed = n.count > 0
			return n, nil
		}
		if !sort.SliceIsSorted(s.Digests, func(i, j int) bool { return s.Digests[i] < s.Digests[j] }) {
			return nil, fmt.Errorf("merkle snapshot: leaf digests not sorted")
		}
		var h uint64
		for i, d := range s.Digests {
			if i > 0 && s.Digests[i-1] == d {
				return nil, fmt.Errorf("merkle snapshot: duplicate leaf digest")
			}
			h ^= d
		}
		if h != s.Hash {
			return nil, fmt.Errorf("merkle snapshot: leaf hash mismatch")
		}
		n.digests = append([]uint64(nil), s.Digests...)
		return n, nil
	}

	if len(s.Digests) > 0 {
		return nil, fmt.Errorf("merkle snapshot: digests above leaf level %d", level)
	}

	var h uint64
	var count int64
	for key, cs := range s.Children {
		d, err := strconv.Atoi(key)
		if err != nil || d < 0 || d >= Base || strconv.Itoa(d) != key {
			return nil, fmt.Errorf("merkle snapshot: bad child key %q", key)
		}
		if cs == nil {
			continue
		}
		child, err := fromSnapshot(cs, level+1)
		if err != nil {
			return nil, err
		}
		n.children[d] = child
		h ^= child.hash
		count += child.count
	}

	if !n.collapsed && (h != n.hash || count != n.count) {
		return nil, fmt.Errorf("merkle snapshot: node at level %d does not match its children", level)
	}
	if n.collapsed && count > n.count {
		return nil, fmt.Errorf("merkle snapshot: summary at level %d smaller than its children", level)
	}
	return n, nil
}

// MarshalJSON encodes the trie with its leaf digests.
func (t *Trie) MarshalJSON() ([]byte, error) {
	s := t.Snapshot(true)
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s)
}

// UnmarshalJSON decodes and validates a trie.
func (t *Trie) UnmarshalJSON(data []byte) error {
	var s *Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal merkle trie: %w", err)
	}
	decoded, err := FromSnapshot(s)
	if err != nil {
		return err
	}
	t.root = decoded.root
	return nil
}
