package docstore

import "errors"

var (
	// ErrClosed is wrapped in the errors of operations on a closed client.
	ErrClosed = errors.New("document store is closed")

	// ErrOffline is wrapped when an operation needs the server copy while
	// the network is disabled.
	ErrOffline = errors.New("network is disabled")

	// ErrNotCached is wrapped when a cache read finds no local copy.
	ErrNotCached = errors.New("document is not in the local cache")

	// ErrReadAfterWrite is returned when a transaction reads after it
	// has written.
	ErrReadAfterWrite = errors.New("transaction reads must come before writes")

	// ErrBatchCommitted is returned when a batch is used after Commit.
	ErrBatchCommitted = errors.New("batch already committed")
)
