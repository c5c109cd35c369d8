package filesource

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/livequery/internal/docstore"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new document file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing document file was modified.
	OpModify
	// OpDelete indicates a document file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one document file.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Ref is the document the file holds.
	Ref docstore.DocRef
	// Op is the operation that occurred (create, modify, delete).
	Op EventOp
}

// FileWatcher watches collection directories for document file changes.
// It uses fsnotify for cross-platform file system event monitoring.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// collections maps absolute directory paths to collection names.
	collections map[string]string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:     watcher,
		events:      make(chan FileEvent, 100),
		errors:      make(chan error, 10),
		done:        make(chan struct{}),
		collections: make(map[string]string),
	}, nil
}

// Start begins watching the given collection directories for *.json file
// events. The collection name of each directory is its base name.
func (fw *FileWatcher) Start(dirs ...string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	var added []string
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		if err := fw.watcher.Add(abs); err != nil {
			// Clean up earlier watches if one fails
			for _, a := range added {
				_ = fw.watcher.Remove(a)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		added = append(added, abs)
		fw.collections[abs] = filepath.Base(abs)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	// Signal shutdown
	close(fw.done)

	// Close the underlying watcher (this will unblock the event loop)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent{}, false) if the event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return FileEvent{}, false
	}

	fw.mu.Lock()
	collection, ok := fw.collections[filepath.Dir(abs)]
	fw.mu.Unlock()
	if !ok {
		return FileEvent{}, false
	}

	ref, ok := refForFile(collection, filepath.Base(abs))
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// Treat rename as delete (the new name will trigger a create)
		op = OpDelete
	default:
		// Ignore chmod and other events
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Ref: ref, Op: op}, true
}

// refForFile maps "<id>.json" in collection to a document reference.
// Hidden files, such as editor swap files, are ignored.
func refForFile(collection, name string) (docstore.DocRef, bool) {
	if strings.HasPrefix(name, ".") {
		return docstore.DocRef{}, false
	}
	id := strings.TrimSuffix(name, ".json")
	ref := docstore.Doc(collection, id)
	if id == "" || ref.Validate() != nil {
		return docstore.DocRef{}, false
	}
	return ref, true
}
