package tree

import (
	"reflect"

	"github.com/mschirtzinger/livequery/internal/source"
)

// Node is the ordered form of a subtree. It is what the realtime server
// sends over the wire, because a JSON object would lose child order.
//
// A leaf has a Value and no Children. A branch has Children and a nil
// Value.
type Node struct {
	Key      string  `json:"key"`
	Value    any     `json:"value"`
	Children []*Node `json:"children,omitempty"`
}

// Snapshot is an immutable read of one tree location.
type Snapshot struct {
	ref  Ref
	node *Node
}

// FromNode builds a snapshot of ref from its wire form. n may be nil for a
// missing location.
func FromNode(ref Ref, n *Node) *Snapshot {
	return &Snapshot{ref: ref, node: n}
}

// Ref returns the location the snapshot was read from.
func (s *Snapshot) Ref() source.Reference {
	return s.ref
}

// TreeRef returns the location as a tree Ref.
func (s *Snapshot) TreeRef() Ref {
	return s.ref
}

// Key returns the last segment of the location.
func (s *Snapshot) Key() string {
	return s.ref.Key()
}

// Exists reports whether any data is stored at the location.
func (s *Snapshot) Exists() bool {
	return s.node != nil
}

// Value returns the leaf value, or for a branch a map of child keys to
// values. Maps do not keep child order; use Children for that.
func (s *Snapshot) Value() any {
	return nodeValue(s.node)
}

// Node returns the ordered wire form, or nil when the location is empty.
// The returned node must not be modified.
func (s *Snapshot) Node() *Node {
	return s.node
}

// Children returns the direct children in insertion order.
func (s *Snapshot) Children() []source.Child {
	if s.node == nil || len(s.node.Children) == 0 {
		return nil
	}
	out := make([]source.Child, 0, len(s.node.Children))
	for _, c := range s.node.Children {
		out = append(out, source.Child{
			Key:      c.Key,
			Snapshot: &Snapshot{ref: s.ref.Child(c.Key), node: c},
		})
	}
	return out
}

// Child returns a snapshot of the relative path p below this one.
func (s *Snapshot) Child(p string) *Snapshot {
	ref := s.ref.Child(p)
	n := s.node
	for _, seg := range Ref{path: relPath(s.ref, ref)}.segments() {
		n = childNode(n, seg)
	}
	return &Snapshot{ref: ref, node: n}
}

func relPath(parent, child Ref) string {
	if parent.path == "" {
		return child.path
	}
	if len(child.path) <= len(parent.path) {
		return ""
	}
	return child.path[len(parent.path)+1:]
}

func childNode(n *Node, key string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Key == key {
			return c
		}
	}
	return nil
}

func nodeValue(n *Node) any {
	if n == nil {
		return nil
	}
	if len(n.Children) == 0 {
		return n.Value
	}
	m := make(map[string]any, len(n.Children))
	for _, c := range n.Children {
		m[c.Key] = nodeValue(c)
	}
	return m
}

// nodeEqual compares two subtrees including child order.
func nodeEqual(a, b *Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Key != b.Key || len(a.Children) != len(b.Children) {
		return false
	}
	if len(a.Children) == 0 {
		return reflect.DeepEqual(a.Value, b.Value)
	}
	for i := range a.Children {
		if !nodeEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
