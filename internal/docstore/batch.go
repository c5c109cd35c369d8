package docstore

import (
	"context"
	"sync"

	"github.com/mschirtzinger/livequery/internal/source"
)

// WriteBatch collects writes that are committed atomically.
type WriteBatch struct {
	c *Client

	mu        sync.Mutex
	muts      []mutation
	committed bool
}

// Batch starts a new write batch.
func (c *Client) Batch() *WriteBatch {
	return &WriteBatch{c: c}
}

// Set adds a set of ref to the batch.
func (b *WriteBatch) Set(ref DocRef, data map[string]any) *WriteBatch {
	return b.add(mutation{kind: opSet, ref: ref, data: data})
}

// Update adds a field merge into ref to the batch.
func (b *WriteBatch) Update(ref DocRef, fields map[string]any) *WriteBatch {
	return b.add(mutation{kind: opUpdate, ref: ref, data: fields})
}

// Delete adds a delete of ref to the batch.
func (b *WriteBatch) Delete(ref DocRef) *WriteBatch {
	return b.add(mutation{kind: opDelete, ref: ref})
}

func (b *WriteBatch) add(m mutation) *WriteBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.muts = append(b.muts, m)
	return b
}

// Len returns the number of writes in the batch.
func (b *WriteBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.muts)
}

// Commit applies all writes or none of them.
func (b *WriteBatch) Commit(ctx context.Context) error {
	b.mu.Lock()
	if b.committed {
		b.mu.Unlock()
		return ErrBatchCommitted
	}
	b.committed = true
	muts := b.muts
	b.mu.Unlock()

	return b.c.commit(ctx, "batch", muts)
}

// Tx is the handle passed to a RunTransaction function. All reads must
// happen before the first write.
type Tx struct {
	c    *Client
	ctx  context.Context
	muts []mutation
}

// Get reads the server copy of ref.
func (tx *Tx) Get(ref DocRef) (*Snapshot, error) {
	if len(tx.muts) > 0 {
		return nil, ErrReadAfterWrite
	}
	if err := ref.Validate(); err != nil {
		return nil, source.NewError("get", ref, source.CodeInvalidReference, err)
	}
	data, exists, err := tx.c.readServer(tx.ctx, tx.c.db.RawDB(), ref)
	if err != nil {
		return nil, source.NewError("get", ref, source.CodeInternal, err)
	}
	return &Snapshot{ref: ref, data: data, exists: exists}, nil
}

// Set queues a set of ref.
func (tx *Tx) Set(ref DocRef, data map[string]any) {
	tx.muts = append(tx.muts, mutation{kind: opSet, ref: ref, data: data})
}

// Update queues a field merge into ref.
func (tx *Tx) Update(ref DocRef, fields map[string]any) {
	tx.muts = append(tx.muts, mutation{kind: opUpdate, ref: ref, data: fields})
}

// Delete queues a delete of ref.
func (tx *Tx) Delete(ref DocRef) {
	tx.muts = append(tx.muts, mutation{kind: opDelete, ref: ref})
}

// RunTransaction runs fn with exclusive access to the store and commits
// its writes atomically when it returns nil. Transactions need the
// network. fn must not call other Client methods.
func (c *Client) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return source.NewError("transaction", nil, source.CodeUnavailable, ErrClosed)
	}
	if !c.isOnline() {
		return source.NewError("transaction", nil, source.CodeUnavailable, ErrOffline)
	}

	tx := &Tx{c: c, ctx: ctx}
	if err := fn(tx); err != nil {
		return err
	}
	return c.commitLocked(ctx, "transaction", tx.muts)
}
