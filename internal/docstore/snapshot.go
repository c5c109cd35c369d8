package docstore

import (
	"reflect"
	"strings"

	"github.com/mschirtzinger/livequery/internal/source"
)

// Snapshot is an immutable read of one document.
type Snapshot struct {
	ref    DocRef
	data   map[string]any
	exists bool
	meta   source.Metadata
}

// Ref returns the document reference.
func (s *Snapshot) Ref() source.Reference {
	return s.ref
}

// DocRef returns the document reference.
func (s *Snapshot) DocRef() DocRef {
	return s.ref
}

// Exists reports whether the document exists.
func (s *Snapshot) Exists() bool {
	return s.exists
}

// Value returns the document fields, or nil when the document is missing.
func (s *Snapshot) Value() any {
	if !s.exists {
		return nil
	}
	return s.data
}

// Data returns the document fields. The map must not be modified.
func (s *Snapshot) Data() map[string]any {
	return s.data
}

// Field returns the value at a dotted field path such as "address.city".
func (s *Snapshot) Field(path string) (any, bool) {
	var cur any = s.data
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Metadata describes where the snapshot came from.
func (s *Snapshot) Metadata() source.Metadata {
	return s.meta
}

// sameData reports whether a and b hold the same document state,
// ignoring metadata.
func sameData(a, b *Snapshot) bool {
	return a.exists == b.exists && reflect.DeepEqual(a.data, b.data)
}
