package tree

import "github.com/mschirtzinger/livequery/internal/source"

type listener struct {
	id  uint64
	ref Ref
	box *source.Mailbox

	// last is the most recently queued value; only touched under the
	// store's write lock.
	last   *Node
	primed bool
}
