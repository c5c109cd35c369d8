package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("bridge closed")

	// ErrNilSource is returned when Start is called without a source or
	// reference.
	ErrNilSource = errors.New("source and reference are required")
)

// SelectError wraps a failure of a caller-supplied select function. It is
// stored in the cache entry like a source error.
type SelectError struct {
	Err error
}

func (e *SelectError) Error() string {
	return fmt.Sprintf("select: %v", e.Err)
}

func (e *SelectError) Unwrap() error {
	return e.Err
}

// runSelect calls sel and turns both returned errors and panics into
// *SelectError.
func runSelect(sel SelectFunc, v any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SelectError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out, err = sel(v)
	if err != nil {
		return nil, &SelectError{Err: err}
	}
	return out, nil
}
