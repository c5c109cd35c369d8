// Package filesource serves a directory of JSON files as a document source.
//
// The layout is one directory per collection and one file per document:
//
//	<root>/<collection>/<id>.json
//
// Get reads the file. Subscribe watches the collection directory with
// fsnotify and re-reads the file after every change, so documents edited
// by hand or by another program reach the cache like any other source.
// Mirror copies the files into a docstore.Client and keeps it in sync.
package filesource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/mschirtzinger/livequery/internal/docstore"
	"github.com/mschirtzinger/livequery/internal/source"
)

// Config holds configuration for the file source.
type Config struct {
	// DebounceInterval is how long to wait after the last change to a
	// file before reading it. This batches the events of a single save.
	DebounceInterval time.Duration

	// Logger for file source activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[files] ", log.LstdFlags),
	}
}

// Snapshot is a read of one document file.
type Snapshot struct {
	ref    docstore.DocRef
	data   map[string]any
	exists bool
}

// Ref returns the document reference.
func (s *Snapshot) Ref() source.Reference { return s.ref }

// Exists reports whether the file exists.
func (s *Snapshot) Exists() bool { return s.exists }

// Value returns the document fields, or nil when the file is missing.
func (s *Snapshot) Value() any {
	if !s.exists {
		return nil
	}
	return s.data
}

// Data returns the document fields.
func (s *Snapshot) Data() map[string]any { return s.data }

// Metadata implements source.MetadataSnapshot. Files have no cache or
// pending writes.
func (s *Snapshot) Metadata() source.Metadata { return source.Metadata{} }

// Source is a document source backed by a directory tree.
type Source struct {
	root   string
	config *Config
}

// New creates a source rooted at root.
func New(root string) (*Source, error) {
	return NewWithConfig(root, DefaultConfig())
}

// NewWithConfig creates a source with a custom configuration.
func NewWithConfig(root string, config *Config) (*Source, error) {
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[files] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	return &Source{root: abs, config: config}, nil
}

// Root returns the absolute root directory.
func (s *Source) Root() string {
	return s.root
}

// Kind implements source.Source.
func (s *Source) Kind() source.Kind {
	return source.KindDocument
}

// FilePath returns the file that holds ref.
func (s *Source) FilePath(ref docstore.DocRef) string {
	return filepath.Join(s.root, ref.Collection, ref.ID+".json")
}

// Get implements source.Source. Files have a single copy, so the read mode
// is ignored.
func (s *Source) Get(ctx context.Context, ref source.Reference, _ source.GetOptions) (source.Snapshot, error) {
	r, err := toDocRef("get", ref)
	if err != nil {
		return nil, err
	}
	return s.Read(r)
}

// Read reads the file of ref. A missing file is a snapshot that does not
// exist; an unreadable or malformed file is an error.
func (s *Source) Read(ref docstore.DocRef) (*Snapshot, error) {
	path := s.FilePath(ref)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Snapshot{ref: ref}, nil
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, source.NewError("get", ref, source.CodePermissionDenied, err)
		}
		return nil, source.NewError("get", ref, source.CodeInternal, fmt.Errorf("failed to read document file %s: %w", path, err))
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, source.NewError("get", ref, source.CodeInternal, fmt.Errorf("failed to parse document file %s: %w", path, err))
	}
	if data == nil {
		data = map[string]any{}
	}
	return &Snapshot{ref: ref, data: data, exists: true}, nil
}

// Write replaces the file of ref atomically, so watchers never see a
// partly written document.
func (s *Source) Write(ref docstore.DocRef, data map[string]any) error {
	if err := ref.Validate(); err != nil {
		return source.NewError("set", ref, source.CodeInvalidReference, err)
	}

	dir := filepath.Join(s.root, ref.Collection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", ref, err)
	}

	path := s.FilePath(ref)
	if err := atomic.WriteFile(path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to write document file %s: %w", path, err)
	}
	return nil
}

// Remove deletes the file of ref. Removing a missing file succeeds.
func (s *Source) Remove(ref docstore.DocRef) error {
	if err := os.Remove(s.FilePath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove document file: %w", err)
	}
	return nil
}

// Collections lists the collection directories below the root.
func (s *Source) Collections() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read root directory: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Documents lists the document references of a collection, ordered by id.
func (s *Source) Documents(collection string) ([]docstore.DocRef, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, collection))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}

	var out []docstore.DocRef
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if ref, ok := refForFile(collection, e.Name()); ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Subscribe implements source.Source. The current file content is
// delivered first, then the content after each debounced change.
// Consecutive identical contents are delivered once.
func (s *Source) Subscribe(ref source.Reference, onNext func(source.Snapshot), onError func(error), _ source.ListenOptions) (source.CancelFunc, error) {
	r, err := toDocRef("subscribe", ref)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, r.Collection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, source.NewError("subscribe", r, source.CodeInternal, fmt.Errorf("failed to create collection directory: %w", err))
	}

	fw, err := NewFileWatcher()
	if err != nil {
		return nil, source.NewError("subscribe", r, source.CodeInternal, err)
	}
	if err := fw.Start(dir); err != nil {
		return nil, source.NewError("subscribe", r, source.CodeInternal, err)
	}

	stop := make(chan struct{})
	box := source.NewMailbox(onNext, onError, func() {
		close(stop)
	})

	w := &fileWatch{src: s, ref: r, fw: fw, box: box, stop: stop}
	w.emit()
	go w.run()

	return box.Cancel, nil
}

// fileWatch is the state of one file subscription.
type fileWatch struct {
	src  *Source
	ref  docstore.DocRef
	fw   *FileWatcher
	box  *source.Mailbox
	stop chan struct{}

	last    *Snapshot
	lastErr string
}

func (w *fileWatch) run() {
	defer func() {
		if err := w.fw.Stop(); err != nil {
			w.src.config.Logger.Printf("Error stopping watcher for %s: %v", w.ref, err)
		}
	}()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
		target = w.src.FilePath(w.ref)
	)

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fw.Events():
			if !ok {
				return
			}
			if ev.Path != target {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.src.config.DebounceInterval)
			} else {
				timer.Reset(w.src.config.DebounceInterval)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.emit()

		case err, ok := <-w.fw.Errors():
			if !ok {
				return
			}
			w.src.config.Logger.Printf("Watcher error for %s: %v", w.ref, err)
			w.box.Fail(source.NewError("subscribe", w.ref, source.CodeUnavailable, err))
		}
	}
}

// emit reads the file and queues the result unless it repeats the last
// delivery.
func (w *fileWatch) emit() {
	snap, err := w.src.Read(w.ref)
	if err != nil {
		if err.Error() == w.lastErr {
			return
		}
		w.lastErr = err.Error()
		w.box.Fail(err)
		return
	}
	w.lastErr = ""

	if w.last != nil && w.last.exists == snap.exists && reflect.DeepEqual(w.last.data, snap.data) {
		return
	}
	w.last = snap
	w.box.Next(snap)
}

func toDocRef(op string, ref source.Reference) (docstore.DocRef, error) {
	var r docstore.DocRef
	switch v := ref.(type) {
	case docstore.DocRef:
		r = v
	case *docstore.DocRef:
		if v == nil {
			return r, source.NewError(op, nil, source.CodeInvalidReference, fmt.Errorf("nil reference"))
		}
		r = *v
	default:
		return r, source.NewError(op, ref, source.CodeInvalidReference, fmt.Errorf("not a document reference: %T", ref))
	}
	if err := r.Validate(); err != nil {
		return r, source.NewError(op, r, source.CodeInvalidReference, err)
	}
	return r, nil
}
