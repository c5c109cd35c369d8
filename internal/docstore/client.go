// Package docstore implements a flat document store with a local cache.
//
// Documents are JSON objects addressed by collection and id. The server
// copy lives in an SQLite database; the client keeps a local cache of
// every document it has read, written or listened to.
//
// # Reads
//
// Get honors source.ReadMode: ReadServer reads the database and refreshes
// the cache, ReadCache answers from the cache only, and ReadDefault reads
// the server and falls back to the cache when the network is disabled.
//
// # Writes
//
// Writes are latency compensated. A write is applied to the cache first
// and listeners see it with HasPendingWrites set. Once the database commit
// succeeds the same data is delivered again with HasPendingWrites cleared,
// a metadata-only change. When the commit fails the cache is reverted to
// the server copy. While the network is disabled writes stay pending and
// are committed in order by EnableNetwork.
//
// # Listeners
//
// Subscribe delivers the cached copy first (FromCache set) when there is
// one, then the server copy. Deliveries that only change metadata reach
// listeners that asked for IncludeMetadataChanges.
//
// The Client implements source.Source, with KindDocument.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/mschirtzinger/livequery/internal/db"
	"github.com/mschirtzinger/livequery/internal/source"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    data TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
    PRIMARY KEY (collection, id)
);
`

// Config holds configuration for the client.
type Config struct {
	// Logger for client activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[docstore] ", log.LstdFlags),
	}
}

type cached struct {
	data    map[string]any
	exists  bool
	pending int
}

type listener struct {
	id   uint64
	ref  DocRef
	opts source.ListenOptions
	box  *source.Mailbox

	// last is the most recently queued snapshot; only touched under
	// writeMu.
	last *Snapshot
}

// Client is a document store client.
type Client struct {
	db     *db.DB
	config *Config

	// writeMu serializes writes, cache refreshes, network changes and
	// the notifications that follow them.
	writeMu sync.Mutex

	mu        sync.Mutex
	cache     map[string]*cached
	online    bool
	queue     [][]mutation
	listeners map[uint64]*listener
	nextID    uint64
	closed    bool
}

// Open opens or creates the document database at path.
func Open(path string) (*Client, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig opens the client with a custom configuration.
func OpenWithConfig(path string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[docstore] ", log.LstdFlags)
	}

	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(context.Background(), schema); err != nil {
		_ = database.Close()
		return nil, err
	}

	return &Client{
		db:        database,
		config:    config,
		cache:     make(map[string]*cached),
		online:    true,
		listeners: make(map[uint64]*listener),
	}, nil
}

// Close stops all listeners and closes the database. Writes still pending
// because the network is disabled are dropped.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ls := c.listeners
	c.listeners = make(map[uint64]*listener)
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.config.Logger.Printf("Warning: dropping %d pending write(s) on close", dropped)
	}
	for _, l := range ls {
		l.box.Cancel()
	}
	return c.db.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Kind implements source.Source.
func (c *Client) Kind() source.Kind {
	return source.KindDocument
}

// Get implements source.Source.
func (c *Client) Get(ctx context.Context, ref source.Reference, opts source.GetOptions) (source.Snapshot, error) {
	r, err := toDocRef("get", ref)
	if err != nil {
		return nil, err
	}
	return c.Read(ctx, r, opts.Source)
}

// Read returns a snapshot of ref from the copy selected by mode.
func (c *Client) Read(ctx context.Context, ref DocRef, mode source.ReadMode) (*Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, source.NewError("get", ref, source.CodeInvalidReference, err)
	}
	if c.isClosed() {
		return nil, source.NewError("get", ref, source.CodeUnavailable, ErrClosed)
	}

	switch mode {
	case source.ReadCache:
		return c.readCache(ref)

	case source.ReadServer:
		return c.readServerAndCache(ctx, ref)

	default:
		snap, err := c.readServerAndCache(ctx, ref)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrOffline) {
			return nil, err
		}
		if cs, cerr := c.readCache(ref); cerr == nil {
			return cs, nil
		}
		return nil, err
	}
}

func (c *Client) readCache(ref DocRef) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[ref.Path()]
	if !ok {
		return nil, source.NewError("get", ref, source.CodeUnavailable, ErrNotCached)
	}
	return &Snapshot{
		ref:    ref,
		data:   cloneMap(e.data),
		exists: e.exists,
		meta:   source.Metadata{FromCache: true, HasPendingWrites: e.pending > 0},
	}, nil
}

func (c *Client) readServerAndCache(ctx context.Context, ref DocRef) (*Snapshot, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.isOnline() {
		return nil, source.NewError("get", ref, source.CodeUnavailable, ErrOffline)
	}

	data, exists, err := c.readServer(ctx, c.db.RawDB(), ref)
	if err != nil {
		return nil, source.NewError("get", ref, source.CodeInternal, err)
	}
	c.refreshLocked(ref, data, exists)

	return &Snapshot{ref: ref, data: cloneMap(data), exists: exists}, nil
}

// refreshLocked stores a server copy in the cache unless local writes are
// pending for the document. Called with writeMu held.
func (c *Client) refreshLocked(ref DocRef, data map[string]any, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[ref.Path()]
	if !ok {
		c.cache[ref.Path()] = &cached{data: data, exists: exists}
		return
	}
	if e.pending == 0 {
		e.data, e.exists = data, exists
	}
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Client) readServer(ctx context.Context, q rowQuerier, ref DocRef) (map[string]any, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		ref.Collection, ref.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read document: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, false, fmt.Errorf("failed to decode document: %w", err)
	}
	return data, true, nil
}

// List returns the server copy of every document in collection, ordered
// by id.
func (c *Client) List(ctx context.Context, collection string) ([]*Snapshot, error) {
	if c.isClosed() {
		return nil, source.NewError("list", Doc(collection, "*"), source.CodeUnavailable, ErrClosed)
	}
	if !c.isOnline() {
		return nil, source.NewError("list", Doc(collection, "*"), source.CodeUnavailable, ErrOffline)
	}

	rows, err := c.db.RawDB().QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
		}
		out = append(out, &Snapshot{ref: Doc(collection, id), data: data, exists: true})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return out, nil
}

// Subscribe implements source.Source.
func (c *Client) Subscribe(ref source.Reference, onNext func(source.Snapshot), onError func(error), opts source.ListenOptions) (source.CancelFunc, error) {
	r, err := toDocRef("subscribe", ref)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, source.NewError("subscribe", r, source.CodeUnavailable, ErrClosed)
	}
	c.nextID++
	l := &listener{id: c.nextID, ref: r, opts: opts}
	c.listeners[l.id] = l
	_, hasCached := c.cache[r.Path()]
	online := c.online
	c.mu.Unlock()

	l.box = source.NewMailbox(onNext, onError, func() {
		c.mu.Lock()
		delete(c.listeners, l.id)
		c.mu.Unlock()
	})

	if hasCached {
		snap := c.snapshotLocked(r)
		snap.meta.FromCache = true
		c.deliverLocked(l, snap)
	}

	if !online {
		if !hasCached {
			c.deliverLocked(l, c.snapshotLocked(r))
		}
		return l.box.Cancel, nil
	}

	data, exists, err := c.readServer(context.Background(), c.db.RawDB(), r)
	if err != nil {
		l.box.Fail(source.NewError("subscribe", r, source.CodeInternal, err))
		return l.box.Cancel, nil
	}
	c.refreshLocked(r, data, exists)
	c.deliverLocked(l, c.snapshotLocked(r))

	return l.box.Cancel, nil
}

// ListenerCount returns the number of active listeners.
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// snapshotLocked builds the listener view of ref from the cache.
func (c *Client) snapshotLocked(ref DocRef) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{ref: ref, meta: source.Metadata{FromCache: !c.online}}
	if e, ok := c.cache[ref.Path()]; ok {
		snap.data = cloneMap(e.data)
		snap.exists = e.exists
		snap.meta.HasPendingWrites = e.pending > 0
	}
	return snap
}

// deliverLocked queues snap for l unless it repeats the last delivery or
// only changes metadata the listener did not ask for.
func (c *Client) deliverLocked(l *listener, snap *Snapshot) {
	if l.last != nil && sameData(l.last, snap) {
		if l.last.meta == snap.meta || !l.opts.IncludeMetadataChanges {
			return
		}
	}
	l.last = snap
	l.box.Next(snap)
}

// notifyLocked queues the current view of each path for its listeners.
func (c *Client) notifyLocked(paths map[string]DocRef) {
	c.mu.Lock()
	ls := make([]*listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		if _, ok := paths[l.ref.Path()]; ok {
			ls = append(ls, l)
		}
	}
	c.mu.Unlock()

	sort.Slice(ls, func(i, j int) bool { return ls[i].id < ls[j].id })
	for _, l := range ls {
		c.deliverLocked(l, c.snapshotLocked(l.ref))
	}
}

// notifyAllLocked queues the current view for every listener.
func (c *Client) notifyAllLocked() {
	c.mu.Lock()
	paths := make(map[string]DocRef, len(c.listeners))
	for _, l := range c.listeners {
		paths[l.ref.Path()] = l.ref
	}
	c.mu.Unlock()
	c.notifyLocked(paths)
}

// DisableNetwork cuts the client off from the server copy. Reads fall back
// to the cache and writes stay pending until EnableNetwork.
func (c *Client) DisableNetwork() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	was := c.online
	c.online = false
	c.mu.Unlock()

	if was {
		c.config.Logger.Printf("Network disabled")
		c.notifyAllLocked()
	}
}

// EnableNetwork reconnects to the server copy, commits pending writes in
// order and refreshes every listener. Writes the server rejects are
// reverted and logged.
func (c *Client) EnableNetwork(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return source.NewError("enable-network", nil, source.CodeUnavailable, ErrClosed)
	}
	if c.online {
		c.mu.Unlock()
		return nil
	}
	c.online = true
	queue := c.queue
	c.queue = nil
	refs := make(map[string]DocRef, len(c.listeners))
	for _, l := range c.listeners {
		refs[l.ref.Path()] = l.ref
	}
	c.mu.Unlock()

	c.config.Logger.Printf("Network enabled, committing %d pending batch(es)", len(queue))
	for _, muts := range queue {
		if err := c.flushLocked(ctx, muts); err != nil {
			c.config.Logger.Printf("Warning: failed to commit pending write: %v", err)
		}
	}

	for _, ref := range refs {
		data, exists, err := c.readServer(ctx, c.db.RawDB(), ref)
		if err != nil {
			c.config.Logger.Printf("Warning: failed to refresh %s: %v", ref, err)
			continue
		}
		c.refreshLocked(ref, data, exists)
	}
	c.notifyAllLocked()
	return nil
}

// Set creates or replaces a document.
func (c *Client) Set(ctx context.Context, ref DocRef, data map[string]any) error {
	return c.commit(ctx, "set", []mutation{{kind: opSet, ref: ref, data: data}})
}

// Update merges fields into an existing document. Keys may be dotted
// field paths ("address.city"). It fails with source.CodeNotFound when
// the document does not exist.
func (c *Client) Update(ctx context.Context, ref DocRef, fields map[string]any) error {
	return c.commit(ctx, "update", []mutation{{kind: opUpdate, ref: ref, data: fields}})
}

// Delete removes a document. Deleting a missing document succeeds.
func (c *Client) Delete(ctx context.Context, ref DocRef) error {
	return c.commit(ctx, "delete", []mutation{{kind: opDelete, ref: ref}})
}

func (c *Client) commit(ctx context.Context, op string, muts []mutation) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.commitLocked(ctx, op, muts)
}

// commitLocked stages muts in the cache, notifies listeners of the
// pending state and commits to the server when online. Called with
// writeMu held.
func (c *Client) commitLocked(ctx context.Context, op string, muts []mutation) error {
	if c.isClosed() {
		return source.NewError(op, nil, source.CodeUnavailable, ErrClosed)
	}
	if len(muts) == 0 {
		return nil
	}

	for i := range muts {
		if err := muts[i].prepare(op); err != nil {
			return err
		}
	}

	online := c.isOnline()

	staged := make(map[string]*docState)
	refs := make(map[string]DocRef)
	for _, m := range muts {
		key := m.ref.Path()
		cur, ok := staged[key]
		if !ok {
			var err error
			cur, err = c.viewLocked(ctx, m.ref, online)
			if err != nil {
				return err
			}
		}
		next, err := m.apply(op, cur)
		if err != nil {
			return err
		}
		staged[key] = next
		refs[key] = m.ref
	}

	c.mu.Lock()
	for key, st := range staged {
		e, ok := c.cache[key]
		if !ok {
			e = &cached{}
			c.cache[key] = e
		}
		e.data, e.exists = st.data, st.exists
		e.pending++
	}
	if !online {
		c.queue = append(c.queue, muts)
	}
	c.mu.Unlock()

	c.notifyLocked(refs)

	if !online {
		c.config.Logger.Printf("Queued %s of %d document(s) until the network is enabled", op, len(refs))
		return nil
	}
	return c.flushLocked(ctx, muts)
}

// viewLocked returns the local view of ref: the cache entry when there is
// one, otherwise the server copy.
func (c *Client) viewLocked(ctx context.Context, ref DocRef, online bool) (*docState, error) {
	c.mu.Lock()
	e, ok := c.cache[ref.Path()]
	var st *docState
	if ok {
		st = &docState{data: cloneMap(e.data), exists: e.exists}
	}
	c.mu.Unlock()
	if ok {
		return st, nil
	}
	if !online {
		return &docState{}, nil
	}

	data, exists, err := c.readServer(ctx, c.db.RawDB(), ref)
	if err != nil {
		return nil, source.NewError("get", ref, source.CodeInternal, err)
	}
	return &docState{data: data, exists: exists}, nil
}

// flushLocked commits muts to the server in one transaction, then settles
// the cache: acknowledged on success, reverted to the server copy on
// failure.
func (c *Client) flushLocked(ctx context.Context, muts []mutation) error {
	refs := make(map[string]DocRef)
	for _, m := range muts {
		refs[m.ref.Path()] = m.ref
	}

	err := c.applyServer(ctx, muts)

	for key, ref := range refs {
		data, exists, rerr := c.readServer(ctx, c.db.RawDB(), ref)
		if rerr != nil {
			c.config.Logger.Printf("Warning: failed to reload %s: %v", ref, rerr)
		}

		c.mu.Lock()
		if e, ok := c.cache[key]; ok {
			if e.pending > 0 {
				e.pending--
			}
			if err != nil {
				// Show the server copy now. Later queued batches for the
				// document are still committed and settle it again.
				e.pending = 0
			}
			if rerr == nil && e.pending == 0 {
				e.data, e.exists = data, exists
			}
		}
		c.mu.Unlock()
	}

	c.notifyLocked(refs)
	return err
}

func (c *Client) applyServer(ctx context.Context, muts []mutation) error {
	tx, err := c.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, m := range muts {
		if err := c.applyOne(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *Client) applyOne(ctx context.Context, tx *sql.Tx, m mutation) error {
	switch m.kind {
	case opDelete:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ?`,
			m.ref.Collection, m.ref.ID); err != nil {
			return source.NewError("delete", m.ref, source.CodeInternal, err)
		}
		return nil

	case opUpdate:
		cur, exists, err := c.readServer(ctx, tx, m.ref)
		if err != nil {
			return source.NewError("update", m.ref, source.CodeInternal, err)
		}
		if !exists {
			return source.NewError("update", m.ref, source.CodeNotFound, nil)
		}
		return upsert(ctx, tx, m.ref, mergeFields(cur, m.data))

	default:
		return upsert(ctx, tx, m.ref, m.data)
	}
}

func upsert(ctx context.Context, tx *sql.Tx, ref DocRef, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return source.NewError("set", ref, source.CodeInternal, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, unixepoch())
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, ref.Collection, ref.ID, string(raw))
	if err != nil {
		return source.NewError("set", ref, source.CodeInternal, err)
	}
	return nil
}
