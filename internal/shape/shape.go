// Package shape converts snapshots into the value form a query asked for.
package shape

import (
	"fmt"

	"github.com/mschirtzinger/livequery/internal/source"
)

// Mode selects the shaped form of a snapshot.
type Mode int

const (
	// ModeSnapshot returns the snapshot unchanged.
	ModeSnapshot Mode = iota
	// ModeValue returns the snapshot's value, or nil when it does not exist.
	ModeValue
	// ModeOrderedArray returns the values of a tree snapshot's children in
	// the source's child order.
	ModeOrderedArray
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSnapshot:
		return "snapshot"
	case ModeValue:
		return "value"
	case ModeOrderedArray:
		return "value-as-ordered-array"
	default:
		return "unknown"
	}
}

// Error reports a shaping request that can never succeed, such as asking for
// an ordered array from a document source. It signals a programming mistake,
// not a runtime fault.
type Error struct {
	Mode Mode
	Kind string

	// Reason replaces the default message when set.
	Reason string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("shape: mode %s: %s", e.Mode, e.Reason)
	}
	return fmt.Sprintf("shape: mode %s is not supported for %s sources", e.Mode, e.Kind)
}

// ModeFor picks the shaping mode for a query against a source of the given
// kind. Requesting toArray from a document source, or together with
// snapshot, fails immediately.
func ModeFor(kind source.Kind, snapshot, toArray bool) (Mode, error) {
	switch {
	case snapshot && toArray:
		return ModeValue, &Error{Mode: ModeSnapshot, Kind: kind.String(), Reason: "cannot be combined with an ordered array"}
	case snapshot:
		return ModeSnapshot, nil
	case !toArray:
		return ModeValue, nil
	case kind != source.KindTree:
		return ModeValue, &Error{Mode: ModeOrderedArray, Kind: kind.String()}
	default:
		return ModeOrderedArray, nil
	}
}

// Shape converts snap according to mode.
//
// In ModeOrderedArray the children are walked through Hierarchical.Children,
// so the result follows the source's order even though Value would return a
// map with unspecified iteration order. A snapshot without children falls
// back to ModeValue.
func Shape(snap source.Snapshot, mode Mode) (any, error) {
	switch mode {
	case ModeSnapshot:
		return snap, nil

	case ModeValue:
		return valueOf(snap), nil

	case ModeOrderedArray:
		h, ok := snap.(source.Hierarchical)
		if !ok {
			return nil, &Error{Mode: mode, Kind: source.KindDocument.String()}
		}
		if !h.Exists() {
			return nil, nil
		}
		children := h.Children()
		if len(children) == 0 {
			return valueOf(snap), nil
		}
		out := make([]any, 0, len(children))
		for _, c := range children {
			out = append(out, valueOf(c.Snapshot))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("shape: unknown mode %d", mode)
	}
}

func valueOf(snap source.Snapshot) any {
	if snap == nil || !snap.Exists() {
		return nil
	}
	return snap.Value()
}
