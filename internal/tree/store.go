// Package tree implements a hierarchical realtime store on SQLite.
//
// Data is a tree of keys. Leaves hold JSON primitives (strings, numbers,
// booleans); branches hold children. Writing nil, an empty object or an
// empty array removes a location, and branches left without children are
// removed with it.
//
// # Storage
//
// Each node is one row of the nodes table, keyed by its full path. A
// branch row has a NULL value. Child order is the ord column, taken from a
// counter when the node is first written, so children keep insertion
// order. Push uses ULID keys, which sort by creation time, so pushed
// children are ordered by push time by key and by ord alike.
//
// # Listeners
//
// Subscribe delivers the current value first and then one snapshot per
// committed write that changes the value at the reference. A write
// notifies listeners on the written location, its ancestors and its
// descendants. Every listener has its own mailbox and goroutine, so
// deliveries for one listener are ordered and never block writers.
//
// The Store implements source.Source, with KindTree.
package tree

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/mschirtzinger/livequery/internal/db"
	"github.com/mschirtzinger/livequery/internal/source"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    path TEXT PRIMARY KEY,
    parent TEXT NOT NULL,
    name TEXT NOT NULL,
    ord INTEGER NOT NULL,
    value TEXT
);

CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent, ord);
`

// Config holds configuration for the store.
type Config struct {
	// Logger for store activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[tree] ", log.LstdFlags),
	}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a tree store backed by an SQLite database file.
type Store struct {
	db     *db.DB
	config *Config

	// writeMu serializes writes and the notifications that follow them.
	writeMu sync.Mutex
	ord     int64

	mu        sync.Mutex
	listeners map[uint64]*listener
	nextID    uint64
	closed    bool
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig opens the store with a custom configuration.
func OpenWithConfig(path string, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[tree] ", log.LstdFlags)
	}

	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := database.InitSchema(ctx, schema); err != nil {
		_ = database.Close()
		return nil, err
	}

	s := &Store{
		db:        database,
		config:    config,
		listeners: make(map[uint64]*listener),
	}

	if err := database.RawDB().QueryRowContext(ctx, `SELECT COALESCE(MAX(ord), 0) FROM nodes`).Scan(&s.ord); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to read node order: %w", err)
	}

	return s, nil
}

// Close stops all listeners and closes the database.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ls := s.listeners
	s.listeners = make(map[uint64]*listener)
	s.mu.Unlock()

	for _, l := range ls {
		l.box.Cancel()
	}

	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Kind implements source.Source.
func (s *Store) Kind() source.Kind {
	return source.KindTree
}

// Get implements source.Source. The store has a single copy, so the read
// mode is ignored.
func (s *Store) Get(ctx context.Context, ref source.Reference, _ source.GetOptions) (source.Snapshot, error) {
	r, err := ToRef("get", ref)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, r)
}

// Read returns a snapshot of ref.
func (s *Store) Read(ctx context.Context, ref Ref) (*Snapshot, error) {
	if ref.err != nil {
		return nil, source.NewError("get", ref, source.CodeInvalidReference, ref.err)
	}
	if s.isClosed() {
		return nil, source.NewError("get", ref, source.CodeUnavailable, ErrClosed)
	}
	n, err := readNode(ctx, s.db.RawDB(), ref)
	if err != nil {
		return nil, source.NewError("get", ref, source.CodeInternal, err)
	}
	return &Snapshot{ref: ref, node: n}, nil
}

// Subscribe implements source.Source.
func (s *Store) Subscribe(ref source.Reference, onNext func(source.Snapshot), onError func(error), _ source.ListenOptions) (source.CancelFunc, error) {
	r, err := ToRef("subscribe", ref)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, source.NewError("subscribe", r, source.CodeUnavailable, ErrClosed)
	}
	s.nextID++
	l := &listener{id: s.nextID, ref: r}
	s.listeners[l.id] = l
	s.mu.Unlock()

	l.box = source.NewMailbox(onNext, onError, func() {
		s.mu.Lock()
		delete(s.listeners, l.id)
		s.mu.Unlock()
	})

	n, err := readNode(context.Background(), s.db.RawDB(), r)
	if err != nil {
		l.box.Fail(source.NewError("subscribe", r, source.CodeInternal, err))
	} else {
		l.last, l.primed = n, true
		l.box.Next(&Snapshot{ref: r, node: n})
	}

	return l.box.Cancel, nil
}

// ListenerCount returns the number of active listeners.
func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Set replaces the value at ref. A nil value removes it.
func (s *Store) Set(ctx context.Context, ref Ref, value any) error {
	return s.write(ctx, "set", ref, func(tx *sql.Tx) ([]Ref, error) {
		return []Ref{ref}, s.setTx(ctx, tx, ref, value)
	})
}

// Remove deletes the value at ref and everything below it.
func (s *Store) Remove(ctx context.Context, ref Ref) error {
	return s.write(ctx, "remove", ref, func(tx *sql.Tx) ([]Ref, error) {
		return []Ref{ref}, s.setTx(ctx, tx, ref, nil)
	})
}

// Update sets several children of ref in one transaction. Keys are paths
// relative to ref and may contain slashes; a nil value removes the child.
func (s *Store) Update(ctx context.Context, ref Ref, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]Ref, 0, len(keys))
	for _, k := range keys {
		c := ref.Child(k)
		if c.err != nil {
			return source.NewError("update", c, source.CodeInvalidReference, c.err)
		}
		if c.path == ref.path {
			return source.NewError("update", ref, source.CodeInvalidReference, fmt.Errorf("empty update path"))
		}
		children = append(children, c)
	}
	for i := range children {
		for j := range children {
			if i != j && children[i].contains(children[j]) {
				return source.NewError("update", ref, source.CodeInvalidReference,
					fmt.Errorf("%w: %s and %s", ErrOverlappingPaths, children[i], children[j]))
			}
		}
	}

	return s.write(ctx, "update", ref, func(tx *sql.Tx) ([]Ref, error) {
		for i, c := range children {
			if err := s.setTx(ctx, tx, c, values[keys[i]]); err != nil {
				return nil, err
			}
		}
		return children, nil
	})
}

// Push appends value under ref with a new time-ordered key and returns the
// reference of the new child.
func (s *Store) Push(ctx context.Context, ref Ref, value any) (Ref, error) {
	child := ref.Child(ulid.Make().String())
	if err := s.Set(ctx, child, value); err != nil {
		return Ref{}, err
	}
	return child, nil
}

// Transaction reads the value at ref, passes it to fn and writes the
// result, all under the write lock. If fn returns ErrAbortTransaction
// nothing is written and Transaction returns ErrAbortTransaction. A nil
// result removes the value.
func (s *Store) Transaction(ctx context.Context, ref Ref, fn func(current any) (any, error)) (*Snapshot, error) {
	err := s.write(ctx, "transaction", ref, func(tx *sql.Tx) ([]Ref, error) {
		n, err := readNode(ctx, tx, ref)
		if err != nil {
			return nil, err
		}
		next, err := fn(nodeValue(n))
		if err != nil {
			return nil, err
		}
		return []Ref{ref}, s.setTx(ctx, tx, ref, next)
	})
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, ref)
}

// write runs fn in a database transaction and notifies listeners of the
// locations fn reports as changed once it commits.
func (s *Store) write(ctx context.Context, op string, ref Ref, fn func(tx *sql.Tx) ([]Ref, error)) error {
	if ref.err != nil {
		return source.NewError(op, ref, source.CodeInvalidReference, ref.err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return source.NewError(op, ref, source.CodeUnavailable, ErrClosed)
	}

	tx, err := s.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	changed, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrAbortTransaction) {
			return err
		}
		var se *source.Error
		if errors.As(err, &se) {
			return err
		}
		return source.NewError(op, ref, source.CodeInternal, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(changed)
	return nil
}

// notify queues a snapshot for every listener whose value may have changed.
// Called with writeMu held.
func (s *Store) notify(changed []Ref) {
	s.mu.Lock()
	ls := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	sort.Slice(ls, func(i, j int) bool { return ls[i].id < ls[j].id })

	ctx := context.Background()
	reads := make(map[string]*Node)

	for _, l := range ls {
		if !affected(l.ref, changed) {
			continue
		}

		n, ok := reads[l.ref.path]
		if !ok {
			var err error
			n, err = readNode(ctx, s.db.RawDB(), l.ref)
			if err != nil {
				s.config.Logger.Printf("Warning: failed to read %s for listener: %v", l.ref, err)
				l.box.Fail(source.NewError("subscribe", l.ref, source.CodeInternal, err))
				continue
			}
			reads[l.ref.path] = n
		}

		if l.primed && nodeEqual(l.last, n) {
			continue
		}
		l.last, l.primed = n, true
		l.box.Next(&Snapshot{ref: l.ref, node: n})
	}
}

func affected(listen Ref, changed []Ref) bool {
	for _, c := range changed {
		if listen.contains(c) || c.contains(listen) {
			return true
		}
	}
	return false
}

// setTx replaces the subtree at ref with value.
func (s *Store) setTx(ctx context.Context, tx *sql.Tx, ref Ref, value any) error {
	v, err := normalize(value)
	if err != nil {
		return source.NewError("set", ref, source.CodeInvalidReference, err)
	}

	if ref.path == "" {
		if v != nil {
			if _, ok := v.(map[string]any); !ok {
				return source.NewError("set", ref, source.CodeInvalidReference, ErrRootValue)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
			return fmt.Errorf("failed to clear tree: %w", err)
		}
		if v == nil {
			return nil
		}
		return s.insertChildren(ctx, tx, ref, v)
	}

	// An overwritten node keeps its position among its siblings.
	var ord int64
	err = tx.QueryRowContext(ctx, `SELECT ord FROM nodes WHERE path = ?`, ref.path).Scan(&ord)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ord = 0
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", ref, err)
	}

	if err := deleteSubtree(ctx, tx, ref); err != nil {
		return err
	}

	if v == nil {
		return pruneAncestors(ctx, tx, ref)
	}

	if err := s.ensureAncestors(ctx, tx, ref); err != nil {
		return err
	}
	if ord == 0 {
		ord = s.nextOrd()
	}
	return s.insertNode(ctx, tx, ref, ord, v)
}

func (s *Store) nextOrd() int64 {
	s.ord++
	return s.ord
}

func (s *Store) ensureAncestors(ctx context.Context, tx *sql.Tx, ref Ref) error {
	segs := ref.segments()
	for i := 1; i < len(segs); i++ {
		a := Ref{path: strings.Join(segs[:i], "/")}

		var leaf bool
		err := tx.QueryRowContext(ctx, `SELECT value IS NOT NULL FROM nodes WHERE path = ?`, a.path).Scan(&leaf)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			parent, _ := a.Parent()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO nodes (path, parent, name, ord, value) VALUES (?, ?, ?, ?, NULL)`,
				a.path, parent.path, a.Key(), s.nextOrd()); err != nil {
				return fmt.Errorf("failed to create %s: %w", a, err)
			}
		case err != nil:
			return fmt.Errorf("failed to read %s: %w", a, err)
		case leaf:
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET value = NULL WHERE path = ?`, a.path); err != nil {
				return fmt.Errorf("failed to convert %s to a branch: %w", a, err)
			}
		}
	}
	return nil
}

func (s *Store) insertNode(ctx context.Context, tx *sql.Tx, ref Ref, ord int64, v any) error {
	parent, _ := ref.Parent()

	switch v.(type) {
	case map[string]any, []any:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (path, parent, name, ord, value) VALUES (?, ?, ?, ?, NULL)`,
			ref.path, parent.path, ref.Key(), ord); err != nil {
			return fmt.Errorf("failed to insert %s: %w", ref, err)
		}
		return s.insertChildren(ctx, tx, ref, v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", ref, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (path, parent, name, ord, value) VALUES (?, ?, ?, ?, ?)`,
			ref.path, parent.path, ref.Key(), ord, string(data)); err != nil {
			return fmt.Errorf("failed to insert %s: %w", ref, err)
		}
		return nil
	}
}

// insertChildren writes the entries of a normalized map (sorted by key) or
// array (by index) below ref.
func (s *Store) insertChildren(ctx context.Context, tx *sql.Tx, ref Ref, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := s.insertNode(ctx, tx, ref.Child(k), s.nextOrd(), t[k]); err != nil {
				return err
			}
		}
	case []any:
		for i, e := range t {
			if e == nil {
				continue
			}
			if err := s.insertNode(ctx, tx, ref.Child(strconv.Itoa(i)), s.nextOrd(), e); err != nil {
				return err
			}
		}
	}
	return nil
}

func deleteSubtree(ctx context.Context, tx *sql.Tx, ref Ref) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`,
		ref.path, ref.path+"/", ref.path+"0")
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}

// pruneAncestors removes branches left without children above ref.
func pruneAncestors(ctx context.Context, tx *sql.Tx, ref Ref) error {
	for a, ok := ref.Parent(); ok && !a.IsRoot(); a, ok = a.Parent() {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE parent = ?`, a.path).Scan(&n); err != nil {
			return fmt.Errorf("failed to count children of %s: %w", a, err)
		}
		if n > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = ?`, a.path); err != nil {
			return fmt.Errorf("failed to prune %s: %w", a, err)
		}
	}
	return nil
}

// readNode loads the subtree at ref with children in insertion order. It
// returns nil when nothing is stored there.
func readNode(ctx context.Context, q querier, ref Ref) (*Node, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if ref.path == "" {
		rows, err = q.QueryContext(ctx, `SELECT path, parent, name, value FROM nodes ORDER BY ord`)
	} else {
		rows, err = q.QueryContext(ctx,
			`SELECT path, parent, name, value FROM nodes
			 WHERE path = ? OR (path >= ? AND path < ?)
			 ORDER BY ord`,
			ref.path, ref.path+"/", ref.path+"0")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", ref, err)
	}
	defer rows.Close()

	type row struct {
		path, parent string
		node         *Node
	}
	var all []row
	byPath := make(map[string]*Node)

	for rows.Next() {
		var (
			r     row
			name  string
			value sql.NullString
		)
		if err := rows.Scan(&r.path, &r.parent, &name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		r.node = &Node{Key: name}
		if value.Valid {
			if err := json.Unmarshal([]byte(value.String), &r.node.Value); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", r.path, err)
			}
		}
		all = append(all, r)
		byPath[r.path] = r.node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nodes: %w", err)
	}

	var top *Node
	if ref.path == "" {
		if len(all) == 0 {
			return nil, nil
		}
		top = &Node{}
		byPath[""] = top
	} else if top = byPath[ref.path]; top == nil {
		return nil, nil
	}

	// Rows arrive in ord order, so appending keeps children ordered.
	for _, r := range all {
		if r.path == ref.path {
			continue
		}
		if p := byPath[r.parent]; p != nil {
			p.Children = append(p.Children, r.node)
		}
	}
	return top, nil
}

// normalize converts value to the JSON data model and drops empty objects,
// empty arrays and nil entries. It returns nil when nothing is left.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return prune(v)
}

func prune(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if err := validateKey(k); err != nil {
				return nil, err
			}
			pe, err := prune(e)
			if err != nil {
				return nil, err
			}
			if pe != nil {
				out[k] = pe
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		var n int
		for i, e := range t {
			pe, err := prune(e)
			if err != nil {
				return nil, err
			}
			if pe != nil {
				n++
			}
			out[i] = pe
		}
		if n == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return t, nil
	}
}
