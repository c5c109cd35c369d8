// Package bridge feeds data sources into the query cache.
//
// A query is identified by a query.Key and reads one source.Reference. The
// bridge either hands the cache a fetcher that reads the reference once, or
// owns a live subscription whose deliveries are shaped and pushed into the
// cache entry for the key.
//
// # Subscription Lifecycle
//
// At most one live subscription exists per key. Starting a key again with
// the same source and reference keeps the existing subscription. Starting it
// with a different reference or source cancels the old subscription before
// the new one is attached, so deliveries of the two never interleave.
// Stop cancels the subscription of a key; the bridge also stops a key when
// the cache reports that its last observer went away.
//
// Error deliveries put the cache entry into the error state but leave the
// subscription running, so a later delivery can recover it.
//
// # Ordering
//
// Every delivery is stamped with its arrival sequence before it is shaped.
// A delivery is only written when it is newer than the last written one, so
// a slow shape or select of an older snapshot can never overwrite a newer
// value.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/mschirtzinger/livequery/internal/query"
	"github.com/mschirtzinger/livequery/internal/shape"
	"github.com/mschirtzinger/livequery/internal/source"
)

// SelectFunc transforms a shaped value before it is written to the cache.
type SelectFunc func(any) (any, error)

// Config holds configuration for the bridge.
type Config struct {
	// Logger for bridge activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[bridge] ", log.LstdFlags),
	}
}

// subscription is the handle of one live listener, owned by the bridge.
type subscription struct {
	key  query.Key
	src  source.Source
	ref  source.Reference
	opts Options

	cancel  source.CancelFunc
	stopped atomic.Bool

	arrivals atomic.Uint64

	// mu guards the fields below and serializes cache writes for the key.
	mu      sync.Mutex
	mode    shape.Mode
	sel     SelectFunc
	applied uint64
	lastRaw any
	hasRaw  bool
}

// Bridge connects sources to a query.Client.
type Bridge struct {
	cache  *query.Client
	config *Config

	mu     sync.Mutex
	subs   map[string]*subscription
	refs   map[string]source.Reference
	closed bool
}

// New creates a bridge writing into cache. It registers itself to stop a
// key's subscription when the key loses its last observer.
func New(cache *query.Client, config *Config) *Bridge {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)
	}

	b := &Bridge{
		cache:  cache,
		config: config,
		subs:   make(map[string]*subscription),
		refs:   make(map[string]source.Reference),
	}
	cache.OnInactive(b.release)
	return b
}

// release stops key and forgets its reference once nobody observes it.
func (b *Bridge) release(key query.Key) {
	b.Stop(key)

	b.mu.Lock()
	delete(b.refs, key.Hash())
	b.mu.Unlock()
}

// noteRef remembers the reference used for key and warns when the same key
// is reused for another reference. The cache cannot tell the two apart.
func (b *Bridge) noteRef(key query.Key, ref source.Reference) {
	h := key.Hash()

	b.mu.Lock()
	prev, ok := b.refs[h]
	b.refs[h] = ref
	b.mu.Unlock()

	if ok && !source.SameReference(prev, ref) {
		b.config.Logger.Printf("Warning: query key %s moved from %s to %s; use a distinct key per reference", key, prev, ref)
	}
}

// Cache returns the query client the bridge writes to.
func (b *Bridge) Cache() *query.Client {
	return b.cache
}

// Start begins the query for key.
//
// Asking for an ordered array from a document source, or for both an
// ordered array and the raw snapshot, returns a *shape.Error immediately. Otherwise errors of the read itself are not
// returned; they are recorded in the cache entry.
//
// Without opts.Subscribe, Start stops any live subscription for key (the
// cached value stays) and fetches ref once through the cache. With
// opts.Subscribe it attaches, keeps or replaces the key's subscription.
func (b *Bridge) Start(ctx context.Context, key query.Key, src source.Source, ref source.Reference, opts Options, sel SelectFunc) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if src == nil || ref == nil {
		return ErrNilSource
	}

	mode, err := shape.ModeFor(src.Kind(), opts.Snapshot, opts.ToArray)
	if err != nil {
		return err
	}

	b.noteRef(key, ref)

	if !opts.Subscribe {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return ErrClosed
		}

		b.Stop(key)
		_, _ = b.cache.Fetch(ctx, key, b.fetcher(src, ref, opts, mode, sel))
		return nil
	}

	return b.subscribe(ctx, key, src, ref, opts, mode, sel)
}

// Watch registers fn as an observer of key, then starts the query. The
// returned function removes the observer; when it was the last one the
// key's subscription is stopped.
func (b *Bridge) Watch(ctx context.Context, key query.Key, src source.Source, ref source.Reference, opts Options, sel SelectFunc, fn func(query.State)) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if src == nil || ref == nil {
		return nil, ErrNilSource
	}
	if _, err := shape.ModeFor(src.Kind(), opts.Snapshot, opts.ToArray); err != nil {
		return nil, err
	}

	unobserve := b.cache.Observe(key, fn)
	if err := b.Start(ctx, key, src, ref, opts, sel); err != nil {
		unobserve()
		return nil, err
	}
	return unobserve, nil
}

func (b *Bridge) fetcher(src source.Source, ref source.Reference, opts Options, mode shape.Mode, sel SelectFunc) query.FetcherFunc {
	return func(ctx context.Context) (any, error) {
		snap, err := src.Get(ctx, ref, source.GetOptions{Source: opts.Source})
		if err != nil {
			return nil, err
		}
		v, err := transform(snap, mode, sel)
		if err != nil {
			// Retrying cannot fix a shape or select failure.
			return nil, query.Permanent(err)
		}
		return v, nil
	}
}

func transform(snap source.Snapshot, mode shape.Mode, sel SelectFunc) (any, error) {
	v, err := shape.Shape(snap, mode)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return v, nil
	}
	return runSelect(sel, v)
}

func (b *Bridge) subscribe(ctx context.Context, key query.Key, src source.Source, ref source.Reference, opts Options, mode shape.Mode, sel SelectFunc) error {
	h := key.Hash()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if cur, ok := b.subs[h]; ok {
		if cur.src == src && source.SameReference(cur.ref, ref) && cur.opts.listenOptions() == opts.listenOptions() {
			cur.mu.Lock()
			cur.mode = mode
			cur.sel = sel
			cur.opts = opts
			cur.mu.Unlock()
			return nil
		}

		// Cancel before subscribing so the two listeners never overlap.
		delete(b.subs, h)
		cur.stopped.Store(true)
		cur.cancel()
	}

	sub := &subscription{
		key:  append(query.Key(nil), key...),
		src:  src,
		ref:  ref,
		opts: opts,
		mode: mode,
		sel:  sel,
	}

	var seedSeq uint64
	if opts.SeedSubscription {
		seedSeq = sub.arrivals.Add(1)
	}

	cancel, err := src.Subscribe(ref,
		func(snap source.Snapshot) {
			b.deliver(sub, sub.arrivals.Add(1), snap)
		},
		func(err error) {
			b.fail(sub, sub.arrivals.Add(1), err)
		},
		opts.listenOptions(),
	)
	if err != nil {
		b.cache.SetError(key, err)
		return nil
	}
	sub.cancel = cancel
	b.subs[h] = sub

	if opts.SeedSubscription {
		go b.seed(ctx, sub, opts.Source, seedSeq)
	}

	b.config.Logger.Printf("Subscribed %s to %s", key, ref)
	return nil
}

// seed applies a one-shot read under a sequence number taken before the
// listener was attached, so any listener delivery wins over it.
func (b *Bridge) seed(ctx context.Context, sub *subscription, mode source.ReadMode, seq uint64) {
	snap, err := sub.src.Get(ctx, sub.ref, source.GetOptions{Source: mode})
	if err != nil {
		// The listener will provide the value; a missing cache copy is
		// expected here.
		b.config.Logger.Printf("Seed read for %s failed: %v", sub.key, err)
		return
	}
	b.deliver(sub, seq, snap)
}

func (b *Bridge) deliver(sub *subscription, seq uint64, snap source.Snapshot) {
	if sub.stopped.Load() {
		return
	}

	sub.mu.Lock()
	mode, sel := sub.mode, sub.sel
	sub.mu.Unlock()

	raw := rawValue(snap)
	v, err := transform(snap, mode, sel)

	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.stopped.Load() || seq <= sub.applied {
		return
	}
	sub.applied = seq

	if err != nil {
		sub.hasRaw = false
		b.cache.SetError(sub.key, err)
		return
	}
	// hasRaw is only set while the entry holds a successful value, so an
	// unchanged value after an error still clears the error.
	if sub.opts.MetadataUpdates == MetadataSkipUnchanged && sub.hasRaw && reflect.DeepEqual(raw, sub.lastRaw) {
		return
	}
	sub.lastRaw, sub.hasRaw = raw, true
	b.cache.SetData(sub.key, v)
}

func (b *Bridge) fail(sub *subscription, seq uint64, err error) {
	if sub.stopped.Load() {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.stopped.Load() || seq <= sub.applied {
		return
	}
	sub.applied = seq
	sub.hasRaw = false
	b.cache.SetError(sub.key, err)
}

func rawValue(snap source.Snapshot) any {
	if snap == nil || !snap.Exists() {
		return nil
	}
	return snap.Value()
}

// Stop cancels the live subscription for key, if any. The cached value is
// kept.
func (b *Bridge) Stop(key query.Key) {
	b.mu.Lock()
	sub, ok := b.subs[key.Hash()]
	if ok {
		delete(b.subs, key.Hash())
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.stopped.Store(true)
	sub.cancel()
	b.config.Logger.Printf("Unsubscribed %s from %s", key, sub.ref)
}

// Subscribed reports whether key has a live subscription.
func (b *Bridge) Subscribed(key query.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[key.Hash()]
	return ok
}

// ActiveCount returns the number of live subscriptions.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Mutate runs a write and, when it succeeds, invalidates every key prefix
// in invalidate so observed one-shot queries refetch. Refetch failures are
// logged; they are recorded in the cache entries.
func (b *Bridge) Mutate(ctx context.Context, fn func(ctx context.Context) error, invalidate ...query.Key) error {
	if fn == nil {
		return errors.New("mutation function cannot be nil")
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("mutation failed: %w", err)
	}

	for _, prefix := range invalidate {
		if err := b.cache.Invalidate(ctx, prefix); err != nil {
			b.config.Logger.Printf("Warning: refetch after mutation failed for %s: %v", prefix, err)
		}
	}
	return nil
}

// Close stops every subscription. Start fails afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stopped.Store(true)
		sub.cancel()
	}
}
