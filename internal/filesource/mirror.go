package filesource

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/livequery/internal/docstore"
)

// SyncStats summarizes a full sync.
type SyncStats struct {
	Synced  int
	Deleted int
	Failed  int
}

// Mirror keeps a docstore.Client in sync with a file source.
//
// The mirror:
//  1. Copies every document file into the store (full sync)
//  2. Deletes store documents whose file is gone
//  3. Watches the collection directories and syncs changed files,
//     debounced per file
//
// Individual file failures are logged and skipped.
type Mirror struct {
	src    *Source
	client *docstore.Client
	logger *log.Logger

	changeQueue   map[string]queuedChange
	changeQueueMu sync.Mutex
}

type queuedChange struct {
	ref      docstore.DocRef
	queuedAt time.Time
}

// NewMirror creates a mirror from src into client.
func NewMirror(src *Source, client *docstore.Client) *Mirror {
	return &Mirror{
		src:         src,
		client:      client,
		logger:      src.config.Logger,
		changeQueue: make(map[string]queuedChange),
	}
}

// FullSync copies all document files into the store and deletes store
// documents without a file, one collection at a time in parallel.
func (m *Mirror) FullSync(ctx context.Context) (SyncStats, error) {
	m.logger.Printf("Starting full sync from %s", m.src.Root())

	collections, err := m.src.Collections()
	if err != nil {
		return SyncStats{}, err
	}

	var (
		mu    sync.Mutex
		total SyncStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, collection := range collections {
		g.Go(func() error {
			stats, err := m.syncCollection(gctx, collection)
			if err != nil {
				return fmt.Errorf("failed to sync collection %s: %w", collection, err)
			}
			mu.Lock()
			total.Synced += stats.Synced
			total.Deleted += stats.Deleted
			total.Failed += stats.Failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}

	m.logger.Printf("Full sync complete: collections=%d synced=%d deleted=%d failed=%d",
		len(collections), total.Synced, total.Deleted, total.Failed)
	return total, nil
}

func (m *Mirror) syncCollection(ctx context.Context, collection string) (SyncStats, error) {
	var stats SyncStats

	refs, err := m.src.Documents(collection)
	if err != nil {
		return stats, err
	}

	present := make(map[string]bool, len(refs))
	for _, ref := range refs {
		present[ref.ID] = true
		if err := m.SyncDocument(ctx, ref); err != nil {
			m.logger.Printf("Warning: failed to sync %s: %v", ref, err)
			stats.Failed++
			continue
		}
		stats.Synced++
	}

	stored, err := m.client.List(ctx, collection)
	if err != nil {
		return stats, err
	}
	for _, snap := range stored {
		ref := snap.DocRef()
		if present[ref.ID] {
			continue
		}
		if err := m.client.Delete(ctx, ref); err != nil {
			m.logger.Printf("Warning: failed to delete %s: %v", ref, err)
			stats.Failed++
			continue
		}
		stats.Deleted++
	}

	return stats, nil
}

// SyncDocument copies the current file of ref into the store, deleting
// the document when the file is gone.
func (m *Mirror) SyncDocument(ctx context.Context, ref docstore.DocRef) error {
	snap, err := m.src.Read(ref)
	if err != nil {
		return err
	}
	if !snap.Exists() {
		if err := m.client.Delete(ctx, ref); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		m.logger.Printf("Deleted document: %s", ref)
		return nil
	}
	if err := m.client.Set(ctx, ref, snap.Data()); err != nil {
		return fmt.Errorf("failed to sync document to store: %w", err)
	}
	return nil
}

// Run watches the collection directories, performs a full sync and then
// syncs changes until ctx is cancelled. Collections created after Run
// starts are picked up by the next Run.
func (m *Mirror) Run(ctx context.Context) error {
	m.logger.Println("Starting mirror")

	if err := os.MkdirAll(m.src.Root(), 0755); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	collections, err := m.src.Collections()
	if err != nil {
		return err
	}
	dirs := make([]string, 0, len(collections))
	for _, c := range collections {
		dirs = append(dirs, filepath.Join(m.src.Root(), c))
	}

	// Watch before the full sync so no change between the two is missed.
	fw, err := NewFileWatcher()
	if err != nil {
		return err
	}
	if err := fw.Start(dirs...); err != nil {
		return err
	}
	defer func() {
		if err := fw.Stop(); err != nil {
			m.logger.Printf("Error closing watcher: %v", err)
		}
	}()

	if _, err := m.FullSync(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	m.logger.Printf("Watching %d collection(s) under %s", len(dirs), m.src.Root())

	ticker := time.NewTicker(m.src.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Println("Mirror stopped")
			// Flush what is already queued.
			m.processPendingChanges(context.Background(), true)
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}
			m.logger.Printf("File event: %s %s", ev.Op, ev.Path)
			m.queueChange(ev.Ref)

		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}
			m.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			m.processPendingChanges(ctx, false)
		}
	}
}

// queueChange adds a document to the change queue with debouncing.
func (m *Mirror) queueChange(ref docstore.DocRef) {
	m.changeQueueMu.Lock()
	defer m.changeQueueMu.Unlock()

	m.changeQueue[ref.Path()] = queuedChange{ref: ref, queuedAt: time.Now()}
}

// processPendingChanges syncs documents that have been queued for long
// enough, or all of them when force is set.
func (m *Mirror) processPendingChanges(ctx context.Context, force bool) {
	m.changeQueueMu.Lock()
	var ready []docstore.DocRef
	now := time.Now()
	for key, c := range m.changeQueue {
		if !force && now.Sub(c.queuedAt) < m.src.config.DebounceInterval {
			continue
		}
		ready = append(ready, c.ref)
		delete(m.changeQueue, key)
	}
	m.changeQueueMu.Unlock()

	for _, ref := range ready {
		m.logger.Printf("Processing change: %s", ref)
		if err := m.SyncDocument(ctx, ref); err != nil {
			m.logger.Printf("Error syncing %s: %v", ref, err)
		}
	}
}

// PendingChanges returns the number of queued changes.
func (m *Mirror) PendingChanges() int {
	m.changeQueueMu.Lock()
	defer m.changeQueueMu.Unlock()
	return len(m.changeQueue)
}
