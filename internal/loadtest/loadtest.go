// Package loadtest drives a tree store and the cache bridge with many
// concurrent readers, writers and subscribers.
//
// It measures one-shot query latency through the cache and the delay
// between a committed write and its delivery to subscribers, and checks
// that every subscriber sees a location's values in commit order.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/livequery/internal/bridge"
	"github.com/mschirtzinger/livequery/internal/query"
	"github.com/mschirtzinger/livequery/internal/source"
	"github.com/mschirtzinger/livequery/internal/tree"
)

// Fixture is a populated tree store for load testing.
type Fixture struct {
	Store *tree.Store
	Rooms []tree.Ref

	EventsPerRoom int
	logger        *log.Logger
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Total     int
	Errors    int
	Durations []time.Duration
}

// CreateFixture opens a store at dbPath and pushes eventsPerRoom events
// into each of numRooms rooms under /rooms.
func CreateFixture(dbPath string, numRooms, eventsPerRoom int, logger *log.Logger) (*Fixture, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store, err := tree.OpenWithConfig(dbPath, &tree.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	f := &Fixture{
		Store:         store,
		Rooms:         make([]tree.Ref, 0, numRooms),
		EventsPerRoom: eventsPerRoom,
		logger:        logger,
	}

	ctx := context.Background()
	for i := 0; i < numRooms; i++ {
		room := tree.NewRef(fmt.Sprintf("rooms/room-%04d", i))
		for j := 0; j < eventsPerRoom; j++ {
			if _, err := store.Push(ctx, room, map[string]any{"seq": j, "text": fmt.Sprintf("event %d", j)}); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("failed to populate %s: %w", room, err)
			}
		}
		f.Rooms = append(f.Rooms, room)
	}

	return f, nil
}

// Close closes the store.
func (f *Fixture) Close() error {
	if f.Store != nil {
		return f.Store.Close()
	}
	return nil
}

func (f *Fixture) newBridge() *bridge.Bridge {
	cache := query.NewClient(&query.Config{Retry: 0, Logger: f.logger})
	return bridge.New(cache, &bridge.Config{Logger: f.logger})
}

// RunConcurrentQueries runs numClients clients that each make
// queriesPerClient one-shot array queries of random rooms through one
// shared cache, and returns the query latencies.
func (f *Fixture) RunConcurrentQueries(numClients, queriesPerClient int) (*LatencyStats, error) {
	if len(f.Rooms) == 0 {
		return nil, fmt.Errorf("fixture has no rooms")
	}

	b := f.newBridge()
	defer b.Close()

	var (
		mu     sync.Mutex
		all    []time.Duration
		errors int
	)

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, queriesPerClient)
			failed := 0
			ctx := context.Background()

			for j := 0; j < queriesPerClient; j++ {
				room := f.Rooms[(client*queriesPerClient+j)%len(f.Rooms)]
				// A distinct key per query so every query hits the store.
				key := query.Key{"load", client, j}

				start := time.Now()
				err := b.Start(ctx, key, f.Store, room, bridge.Options{ToArray: true}, nil)
				elapsed := time.Since(start)

				s := b.Cache().State(key)
				if err != nil || s.Status != query.StatusSuccess {
					failed++
					continue
				}
				if arr, ok := s.Data.([]any); !ok || len(arr) != f.EventsPerRoom {
					failed++
					continue
				}
				durations = append(durations, elapsed)
				b.Cache().Remove(key)
			}

			mu.Lock()
			all = append(all, durations...)
			errors += failed
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errors
	return stats, nil
}

// RunDeliveryLatency subscribes numSubscribers listeners to one location,
// performs numWrites sequential writes of an increasing counter and
// returns the delay from each write's commit to its delivery, across all
// subscribers. It fails when a subscriber sees the counter go backwards.
func (f *Fixture) RunDeliveryLatency(ctx context.Context, numSubscribers, numWrites int) (*LatencyStats, error) {
	ref := tree.NewRef("load/counter")
	if err := f.Store.Set(ctx, ref, 0); err != nil {
		return nil, fmt.Errorf("failed to reset counter: %w", err)
	}

	var (
		mu        sync.Mutex
		committed = make(map[int]time.Time, numWrites)
		latencies []time.Duration
		orderErr  error
	)

	done := make(chan struct{}, numSubscribers)
	cancels := make([]source.CancelFunc, 0, numSubscribers)
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for i := 0; i < numSubscribers; i++ {
		last := -1
		sub := i
		cancel, err := f.Store.Subscribe(ref, func(s source.Snapshot) {
			now := time.Now()
			n, ok := counterValue(s.Value())
			if !ok {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if n < last && orderErr == nil {
				orderErr = fmt.Errorf("subscriber %d saw %d after %d", sub, n, last)
			}
			last = n
			if at, ok := committed[n]; ok {
				latencies = append(latencies, now.Sub(at))
			}
			if n == numWrites {
				done <- struct{}{}
			}
		}, func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if orderErr == nil {
				orderErr = fmt.Errorf("subscriber %d: %w", sub, err)
			}
		}, source.ListenOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
		cancels = append(cancels, cancel)
	}

	for n := 1; n <= numWrites; n++ {
		// Record the commit time before the write; the store may deliver
		// before Set returns.
		mu.Lock()
		committed[n] = time.Now()
		mu.Unlock()
		if err := f.Store.Set(ctx, ref, n); err != nil {
			return nil, fmt.Errorf("write %d failed: %w", n, err)
		}
	}

	for i := 0; i < numSubscribers; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for deliveries: %w", ctx.Err())
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if orderErr != nil {
		return nil, orderErr
	}
	if len(latencies) == 0 {
		return nil, fmt.Errorf("no deliveries recorded")
	}
	return computeLatencyStats(latencies), nil
}

// VerifyOrdering runs numWriters concurrent transactions incrementing one
// counter for duration while numSubscribers bridge watches observe it.
// Every watch must see a non-decreasing counter and end on the final
// value.
func (f *Fixture) VerifyOrdering(numWriters, numSubscribers int, duration time.Duration) error {
	ref := tree.NewRef("load/ordered")
	ctx := context.Background()
	if err := f.Store.Set(ctx, ref, 0); err != nil {
		return fmt.Errorf("failed to reset counter: %w", err)
	}

	b := f.newBridge()
	defer b.Close()

	type watchState struct {
		mu   sync.Mutex
		last int
		err  error
	}
	watches := make([]*watchState, numSubscribers)
	for i := range watches {
		w := &watchState{}
		watches[i] = w
		// Distinct keys give every watch its own listener.
		stop, err := b.Watch(ctx, query.Key{"ordered", i}, f.Store, ref, bridge.Options{Subscribe: true}, nil, func(s query.State) {
			if s.Status != query.StatusSuccess {
				return
			}
			n, ok := counterValue(s.Data)
			if !ok {
				return
			}
			w.mu.Lock()
			defer w.mu.Unlock()
			if n < w.last && w.err == nil {
				w.err = fmt.Errorf("watch saw %d after %d", n, w.last)
			}
			w.last = n
		})
		if err != nil {
			return fmt.Errorf("failed to watch: %w", err)
		}
		defer stop()
	}

	wctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g := new(errgroup.Group)
	for i := 0; i < numWriters; i++ {
		g.Go(func() error {
			for wctx.Err() == nil {
				_, err := f.Store.Transaction(ctx, ref, func(cur any) (any, error) {
					n, _ := counterValue(cur)
					return n + 1, nil
				})
				if err != nil {
					return fmt.Errorf("transaction failed: %w", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	final, err := f.Store.Read(ctx, ref)
	if err != nil {
		return err
	}
	want, _ := counterValue(final.Value())

	deadline := time.Now().Add(5 * time.Second)
	for i, w := range watches {
		for {
			w.mu.Lock()
			last, werr := w.last, w.err
			w.mu.Unlock()
			if werr != nil {
				return fmt.Errorf("watch %d: %w", i, werr)
			}
			if last == want {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("watch %d stopped at %d, want %d", i, last, want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return nil
}

func counterValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(durations),
		Durations: sorted,
	}
}

// PrintStats writes the statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total:         %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
