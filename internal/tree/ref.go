package tree

import (
	"fmt"
	"strings"

	"github.com/mschirtzinger/livequery/internal/source"
)

// Ref points at a location in the tree. The zero value is the root.
//
// A Ref built from an invalid path carries the error; it surfaces when the
// Ref is used in a read or write.
type Ref struct {
	path string
	err  error
}

// Root returns a reference to the root of the tree.
func Root() Ref {
	return Ref{}
}

// NewRef returns a reference to path. Leading, trailing and repeated
// slashes are ignored, so "/audit/123/" and "audit/123" are the same
// location.
func NewRef(path string) Ref {
	segs, err := splitPath(path)
	if err != nil {
		return Ref{path: path, err: err}
	}
	return Ref{path: strings.Join(segs, "/")}
}

// ParseRef is like NewRef but returns the validation error directly.
func ParseRef(path string) (Ref, error) {
	r := NewRef(path)
	return r, r.err
}

// Child returns a reference to the relative path p below r.
func (r Ref) Child(p string) Ref {
	if r.err != nil {
		return r
	}
	c := NewRef(p)
	if c.err != nil {
		return c
	}
	if r.path == "" {
		return c
	}
	if c.path == "" {
		return r
	}
	return Ref{path: r.path + "/" + c.path}
}

// Parent returns the parent of r. The root has no parent.
func (r Ref) Parent() (Ref, bool) {
	if r.err != nil || r.path == "" {
		return Ref{}, false
	}
	i := strings.LastIndexByte(r.path, '/')
	if i < 0 {
		return Root(), true
	}
	return Ref{path: r.path[:i]}, true
}

// Key returns the last path segment, or "" for the root.
func (r Ref) Key() string {
	i := strings.LastIndexByte(r.path, '/')
	return r.path[i+1:]
}

// Path returns the slash separated path without a leading slash.
func (r Ref) Path() string {
	return r.path
}

// String returns the path with a leading slash.
func (r Ref) String() string {
	return "/" + r.path
}

// IsRoot reports whether r is the root.
func (r Ref) IsRoot() bool {
	return r.err == nil && r.path == ""
}

// Err returns the path validation error, if any.
func (r Ref) Err() error {
	return r.err
}

// Equal reports whether other points at the same tree location.
func (r Ref) Equal(other source.Reference) bool {
	switch o := other.(type) {
	case Ref:
		return r.path == o.path && r.err == nil && o.err == nil
	case *Ref:
		return o != nil && r.Equal(*o)
	default:
		return false
	}
}

// contains reports whether o is r itself or below r.
func (r Ref) contains(o Ref) bool {
	return r.path == "" || o.path == r.path || strings.HasPrefix(o.path, r.path+"/")
}

func (r Ref) segments() []string {
	if r.path == "" {
		return nil
	}
	return strings.Split(r.path, "/")
}

func splitPath(p string) ([]string, error) {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s == "" {
			continue
		}
		if err := validateKey(s); err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, nil
}

// validateKey rejects keys the store cannot address.
func validateKey(k string) error {
	if k == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(k, ".$#[]/") {
		return fmt.Errorf("invalid key %q: must not contain '.', '$', '#', '[', ']' or '/'", k)
	}
	return nil
}

// ToRef converts a source.Reference to a Ref, returning an
// invalid-reference error for foreign or malformed references.
func ToRef(op string, ref source.Reference) (Ref, error) {
	var r Ref
	switch v := ref.(type) {
	case Ref:
		r = v
	case *Ref:
		if v == nil {
			return Ref{}, source.NewError(op, nil, source.CodeInvalidReference, fmt.Errorf("nil reference"))
		}
		r = *v
	default:
		return Ref{}, source.NewError(op, ref, source.CodeInvalidReference, fmt.Errorf("not a tree reference: %T", ref))
	}
	if r.err != nil {
		return Ref{}, source.NewError(op, r, source.CodeInvalidReference, r.err)
	}
	return r, nil
}
