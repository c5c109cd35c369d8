package source

import (
	"errors"
	"fmt"
)

// Code classifies a source failure.
type Code int

const (
	// CodeInternal is an unexpected failure inside the source.
	CodeInternal Code = iota
	// CodePermissionDenied means the caller may not read or write the location.
	CodePermissionDenied
	// CodeNotFound means the location does not exist where existence is required.
	CodeNotFound
	// CodeUnavailable means the requested copy could not be reached
	// (network failure, closed store, empty local cache).
	CodeUnavailable
	// CodeInvalidReference means the reference is malformed or belongs to
	// another source.
	CodeInvalidReference
)

// String returns a human-readable representation of the code.
func (c Code) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodePermissionDenied:
		return "permission-denied"
	case CodeNotFound:
		return "not-found"
	case CodeUnavailable:
		return "unavailable"
	case CodeInvalidReference:
		return "invalid-reference"
	default:
		return "unknown"
	}
}

// Sentinel errors matching each Code. An *Error matches the sentinel of its
// code with errors.Is:
//
//	if errors.Is(err, source.ErrUnavailable) {
//	    // retry later
//	}
var (
	ErrInternal         = errors.New("internal source error")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrUnavailable      = errors.New("unavailable")
	ErrInvalidReference = errors.New("invalid reference")
)

var codeSentinels = map[Code]error{
	CodeInternal:         ErrInternal,
	CodePermissionDenied: ErrPermissionDenied,
	CodeNotFound:         ErrNotFound,
	CodeUnavailable:      ErrUnavailable,
	CodeInvalidReference: ErrInvalidReference,
}

// Error is returned by sources for transport, permission and lookup
// failures.
type Error struct {
	Op   string // "get", "subscribe", "set", ...
	Ref  string
	Code Code
	Err  error
}

// NewError creates an *Error. err may be nil.
func NewError(op string, ref Reference, code Code, err error) *Error {
	e := &Error{Op: op, Code: code, Err: err}
	if ref != nil {
		e.Ref = ref.String()
	}
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Ref, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's code.
func (e *Error) Is(target error) bool {
	return codeSentinels[e.Code] == target
}

// CodeOf returns the Code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}
