// Package query provides a key-addressed asynchronous result cache.
//
// Every entry moves through the states pending, success and error. Values
// reach an entry in two ways:
//
//   - Fetch runs a fetcher for the key. Concurrent fetches of one key are
//     deduplicated and failures are retried according to Config.
//   - SetData and SetError push a value or an error imperatively. This is
//     how live subscriptions feed the cache.
//
// Observers registered with Observe receive every state change of a key in
// order. When the last observer of a key goes away, the hooks registered
// with OnInactive are called so that whoever feeds the key can release its
// resources.
//
// An error never discards data: after a failure State.Data still holds the
// last successful value.
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	// StatusPending means no value or error has been recorded yet.
	StatusPending Status = iota
	// StatusSuccess means Data holds the latest value.
	StatusSuccess
	// StatusError means the latest attempt failed; Err holds the cause.
	StatusError
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a point-in-time copy of a cache entry.
type State struct {
	Status         Status
	Data           any
	Err            error
	DataUpdatedAt  time.Time
	ErrorUpdatedAt time.Time
	// IsFetching is true while a fetcher runs for the key.
	IsFetching bool
	// Stale is set by Invalidate and cleared by the next value.
	Stale bool
}

// FetcherFunc produces the value of a key.
type FetcherFunc func(ctx context.Context) (any, error)

// Config holds configuration for the client.
type Config struct {
	// Retry is how many times a failed fetch is retried.
	Retry int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Retry:      3,
		RetryDelay: 500 * time.Millisecond,
		Logger:     log.New(os.Stderr, "[query] ", log.LstdFlags),
	}
}

type entry struct {
	key   Key
	hash  string
	state State

	fetcher   FetcherFunc
	observers map[int]func(State)
	nextObs   int

	// pushes counts SetData/SetError calls; a fetch that started before a
	// push does not overwrite the pushed value.
	pushes uint64

	version  uint64
	nmu      sync.Mutex
	notified uint64
}

type notice struct {
	e         *entry
	version   uint64
	state     State
	observers []func(State)
}

// Client is the cache. The zero value is not usable; call NewClient.
type Client struct {
	config *Config

	mu       sync.Mutex
	entries  map[string]*entry
	inactive []func(Key)

	group singleflight.Group
}

// NewClient creates a new cache client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[query] ", log.LstdFlags)
	}
	return &Client{
		config:  config,
		entries: make(map[string]*entry),
	}
}

// entryLocked returns the entry for key, creating it. c.mu must be held.
func (c *Client) entryLocked(key Key) *entry {
	h := key.Hash()
	e, ok := c.entries[h]
	if !ok {
		e = &entry{
			key:       append(Key(nil), key...),
			hash:      h,
			observers: make(map[int]func(State)),
		}
		c.entries[h] = e
	}
	return e
}

// noticeLocked bumps the entry version and captures what observers must
// see. c.mu must be held.
func (c *Client) noticeLocked(e *entry) notice {
	e.version++
	obs := make([]func(State), 0, len(e.observers))
	ids := make([]int, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		obs = append(obs, e.observers[id])
	}
	return notice{e: e, version: e.version, state: e.state, observers: obs}
}

// notify delivers n unless a newer notice was already delivered. Called
// without c.mu so observers may call back into the client.
func (c *Client) notify(n notice) {
	n.e.nmu.Lock()
	defer n.e.nmu.Unlock()

	if n.version <= n.e.notified {
		return
	}
	n.e.notified = n.version
	for _, fn := range n.observers {
		fn(n.state)
	}
}

// State returns the current state of key. Unknown keys are pending.
func (c *Client) State(key Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key.Hash()]; ok {
		return e.state
	}
	return State{Status: StatusPending}
}

// Fetch runs fetcher for key and records the outcome.
//
// The fetcher is remembered so Invalidate can run it again. Concurrent
// fetches of one key share a single execution. A failed attempt is retried
// Config.Retry times unless the error is marked with Permanent or ctx is
// done.
func (c *Client) Fetch(ctx context.Context, key Key, fetcher FetcherFunc) (State, error) {
	if err := key.Validate(); err != nil {
		return State{}, err
	}
	if fetcher == nil {
		return State{}, fmt.Errorf("fetcher for %s cannot be nil", key)
	}

	c.mu.Lock()
	e := c.entryLocked(key)
	e.fetcher = fetcher
	e.state.IsFetching = true
	startPushes := e.pushes
	n := c.noticeLocked(e)
	c.mu.Unlock()
	c.notify(n)

	v, err, _ := c.group.Do(e.hash, func() (any, error) {
		return c.runWithRetry(ctx, key, fetcher)
	})

	c.mu.Lock()
	e.state.IsFetching = false
	now := time.Now()
	switch {
	case e.pushes != startPushes:
		// A live update landed while fetching; it is newer than our result.
	case err != nil:
		e.state.Status = StatusError
		e.state.Err = unwrapPermanent(err)
		e.state.ErrorUpdatedAt = now
	default:
		e.state.Status = StatusSuccess
		e.state.Data = v
		e.state.Err = nil
		e.state.DataUpdatedAt = now
		e.state.Stale = false
	}
	st := e.state
	n = c.noticeLocked(e)
	c.mu.Unlock()
	c.notify(n)

	if err != nil {
		return st, unwrapPermanent(err)
	}
	return st, nil
}

func (c *Client) runWithRetry(ctx context.Context, key Key, fetcher FetcherFunc) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.Retry; attempt++ {
		if attempt > 0 {
			c.config.Logger.Printf("Retrying %s (attempt %d/%d): %v", key, attempt, c.config.Retry, lastErr)
			timer := time.NewTimer(c.config.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			case <-timer.C:
			}
		}

		v, err := fetcher(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var p *permanentError
		if errors.As(err, &p) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// SetData pushes a successful value for key.
func (c *Client) SetData(key Key, data any) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.pushes++
	e.state.Status = StatusSuccess
	e.state.Data = data
	e.state.Err = nil
	e.state.DataUpdatedAt = time.Now()
	e.state.Stale = false
	n := c.noticeLocked(e)
	c.mu.Unlock()
	c.notify(n)
}

// SetError pushes a failure for key. The last good data is kept.
func (c *Client) SetError(key Key, err error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.pushes++
	e.state.Status = StatusError
	e.state.Err = err
	e.state.ErrorUpdatedAt = time.Now()
	n := c.noticeLocked(e)
	c.mu.Unlock()
	c.notify(n)
}

// Observe registers fn for state changes of key and returns the function
// that removes it. fn receives the current state immediately, serialized
// with later notifications so it never sees an older state after a newer one.
//
// When the returned function removes the last observer of key, every
// OnInactive hook is called with key.
func (c *Client) Observe(key Key, fn func(State)) func() {
	c.mu.Lock()
	e := c.entryLocked(key)
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	st := e.state
	version := e.version
	c.mu.Unlock()

	// Every notice newer than version already includes fn, so the initial
	// state is only due when none of them has been delivered yet.
	e.nmu.Lock()
	if e.notified <= version {
		fn(st)
	}
	e.nmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(e.observers, id)
			last := len(e.observers) == 0
			hooks := append([]func(Key){}, c.inactive...)
			c.mu.Unlock()

			if last {
				for _, h := range hooks {
					h(e.key)
				}
			}
		})
	}
}

// ObserverCount returns the number of observers of key.
func (c *Client) ObserverCount(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key.Hash()]; ok {
		return len(e.observers)
	}
	return 0
}

// OnInactive registers a hook called when a key loses its last observer.
func (c *Client) OnInactive(fn func(Key)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inactive = append(c.inactive, fn)
}

// Invalidate marks every entry under prefix stale and refetches the ones
// that have a fetcher and at least one observer. It returns the first
// refetch error.
func (c *Client) Invalidate(ctx context.Context, prefix Key) error {
	type refetch struct {
		key     Key
		fetcher FetcherFunc
	}

	var todo []refetch
	var notices []notice

	c.mu.Lock()
	for _, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		e.state.Stale = true
		notices = append(notices, c.noticeLocked(e))
		if e.fetcher != nil && len(e.observers) > 0 {
			todo = append(todo, refetch{key: e.key, fetcher: e.fetcher})
		}
	}
	c.mu.Unlock()

	for _, n := range notices {
		c.notify(n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range todo {
		g.Go(func() error {
			_, err := c.Fetch(gctx, r.key, r.fetcher)
			return err
		})
	}
	return g.Wait()
}

// Remove drops the entry for key.
func (c *Client) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.Hash())
}

// Keys returns the keys of all entries, sorted by hash.
func (c *Client) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes := make([]string, 0, len(c.entries))
	for h := range c.entries {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	keys := make([]Key, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, c.entries[h].key)
	}
	return keys
}
