// Package source defines the contract between the cache bridge and the data
// sources it reads from.
//
// A source exposes a location through an opaque Reference and answers two
// kinds of reads against it:
//
//   - Get performs exactly one read and returns a Snapshot.
//   - Subscribe attaches a live listener that pushes a Snapshot every time
//     the data at the reference changes.
//
// Two flavors of source exist. Tree sources (KindTree) store hierarchical
// data whose snapshots implement Hierarchical and expose ordered children.
// Document sources (KindDocument) store flat documents whose snapshots may
// carry Metadata about where the copy came from.
//
// # Delivery Rules
//
// For a single subscription, onNext deliveries are made in the source's event
// order. Adapters never reorder or coalesce deliveries; if anything is
// coalesced it happens upstream, inside the source itself.
//
// Deliveries are made from a goroutine other than the caller's, possibly
// before Subscribe returns. The first delivery is usually the current
// value.
//
// The CancelFunc returned by Subscribe is idempotent. After it returns no new
// delivery starts; a delivery already running when cancel is called may
// still complete. Cancel never waits for a running delivery, so it may be
// called from inside a callback.
package source

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Kind tells the bridge which shaping modes a source supports.
type Kind int

const (
	// KindDocument is a flat document source.
	KindDocument Kind = iota
	// KindTree is a hierarchical source with ordered children.
	KindTree
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindTree:
		return "tree"
	default:
		return "unknown"
	}
}

// Reference identifies a location in a source. The bridge never constructs
// or parses references; it only compares them.
type Reference interface {
	// Path is the source-defined location, e.g. "audit/123" or "users/ada".
	Path() string
	String() string
}

// SameReference reports whether a and b identify the same location.
//
// A reference type may define its own identity with an Equal method;
// otherwise two references are the same when they have the same concrete
// type and string form.
func SameReference(a, b Reference) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if eq, ok := a.(interface{ Equal(Reference) bool }); ok {
		return eq.Equal(b)
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b) && a.String() == b.String()
}

// Snapshot is a point-in-time read of a reference.
type Snapshot interface {
	Ref() Reference
	Exists() bool
	// Value returns the raw value, or nil when the location is empty.
	Value() any
}

// Child is one entry of a hierarchical snapshot.
type Child struct {
	Key      string
	Snapshot Snapshot
}

// Hierarchical is implemented by tree snapshots.
//
// Children are returned in the source's defined order (insertion order for
// the tree store), never in the iteration order of a Go map.
type Hierarchical interface {
	Snapshot
	Children() []Child
}

// Metadata describes the provenance of a document snapshot.
type Metadata struct {
	// FromCache is true when the data came from the local cache rather
	// than the server copy.
	FromCache bool
	// HasPendingWrites is true when the snapshot contains local writes
	// that the server has not acknowledged yet.
	HasPendingWrites bool
}

// MetadataSnapshot is implemented by snapshots that carry Metadata.
type MetadataSnapshot interface {
	Snapshot
	Metadata() Metadata
}

// ReadMode selects which copy a one-shot read uses.
type ReadMode int

const (
	// ReadDefault reads the server copy and falls back to the local cache
	// when the server cannot be reached.
	ReadDefault ReadMode = iota
	// ReadCache reads only the local cache.
	ReadCache
	// ReadServer reads only the server copy.
	ReadServer
)

// String returns the configuration spelling of the mode.
func (m ReadMode) String() string {
	switch m {
	case ReadDefault:
		return "default"
	case ReadCache:
		return "cache"
	case ReadServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseReadMode parses "default", "cache" or "server". The empty string is
// ReadDefault.
func ParseReadMode(s string) (ReadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ReadDefault, nil
	case "cache":
		return ReadCache, nil
	case "server":
		return ReadServer, nil
	default:
		return ReadDefault, fmt.Errorf("invalid read mode %q (want default, cache or server)", s)
	}
}

// GetOptions configures a one-shot read.
type GetOptions struct {
	Source ReadMode
}

// ListenOptions configures a live subscription.
type ListenOptions struct {
	// IncludeMetadataChanges also delivers snapshots whose data is
	// unchanged but whose Metadata changed.
	IncludeMetadataChanges bool
}

// CancelFunc stops a subscription. It is safe to call more than once.
type CancelFunc func()

// Source is implemented by every data source the bridge can read from.
type Source interface {
	Kind() Kind

	// Get performs exactly one read of ref.
	Get(ctx context.Context, ref Reference, opts GetOptions) (Snapshot, error)

	// Subscribe registers a live listener on ref. Errors delivered to
	// onError do not end the subscription.
	Subscribe(ref Reference, onNext func(Snapshot), onError func(error), opts ListenOptions) (CancelFunc, error)
}
