package tree

import "errors"

var (
	// ErrClosed is wrapped in the errors of operations on a closed store.
	ErrClosed = errors.New("tree store is closed")

	// ErrAbortTransaction is returned by a transaction function to leave
	// the data unchanged. Transaction then returns it too.
	ErrAbortTransaction = errors.New("transaction aborted")

	// ErrRootValue is returned when a non-object value is written to the
	// root.
	ErrRootValue = errors.New("root value must be an object")

	// ErrOverlappingPaths is returned by Update when one path contains
	// another.
	ErrOverlappingPaths = errors.New("update paths overlap")
)
