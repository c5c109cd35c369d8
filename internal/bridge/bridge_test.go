package bridge

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mschirtzinger/livequery/internal/query"
	"github.com/mschirtzinger/livequery/internal/shape"
	"github.com/mschirtzinger/livequery/internal/source"
)

type ref string

func (r ref) Path() string   { return string(r) }
func (r ref) String() string { return string(r) }

type docSnap struct {
	ref  ref
	v    any
	meta source.Metadata
}

func (s docSnap) Ref() source.Reference     { return s.ref }
func (s docSnap) Exists() bool              { return s.v != nil }
func (s docSnap) Value() any                { return s.v }
func (s docSnap) Metadata() source.Metadata { return s.meta }

type treeSnap struct {
	ref      ref
	children []source.Child
}

func (s treeSnap) Ref() source.Reference { return s.ref }
func (s treeSnap) Exists() bool          { return len(s.children) > 0 }
func (s treeSnap) Value() any {
	m := map[string]any{}
	for _, c := range s.children {
		m[c.Key] = c.Snapshot.Value()
	}
	return m
}
func (s treeSnap) Children() []source.Child { return s.children }

type fakeSub struct {
	ref       ref
	onNext    func(source.Snapshot)
	onError   func(error)
	cancelled atomic.Bool
}

// fakeSource records calls and lets tests drive deliveries by hand.
type fakeSource struct {
	kind source.Kind

	mu     sync.Mutex
	subs   []*fakeSub
	events []string
	gets   int
	getFn  func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error)
}

func (f *fakeSource) Kind() source.Kind { return f.kind }

func (f *fakeSource) Get(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
	f.mu.Lock()
	f.gets++
	fn := f.getFn
	f.mu.Unlock()

	if fn == nil {
		return docSnap{ref: r.(ref)}, nil
	}
	return fn(ctx, r, opts)
}

func (f *fakeSource) Subscribe(r source.Reference, onNext func(source.Snapshot), onError func(error), opts source.ListenOptions) (source.CancelFunc, error) {
	s := &fakeSub{ref: r.(ref), onNext: onNext, onError: onError}

	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.events = append(f.events, "subscribe:"+r.Path())
	f.mu.Unlock()

	return func() {
		if s.cancelled.CompareAndSwap(false, true) {
			f.mu.Lock()
			f.events = append(f.events, "cancel:"+r.Path())
			f.mu.Unlock()
		}
	}, nil
}

func (f *fakeSource) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeSource) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func setupBridge(t *testing.T) (*Bridge, *query.Client, *syncBuffer) {
	t.Helper()

	logs := &syncBuffer{}
	cache := query.NewClient(&query.Config{
		RetryDelay: time.Millisecond,
		Logger:     log.New(logs, "[query] ", 0),
	})
	b := New(cache, &Config{Logger: log.New(logs, "[bridge] ", 0)})
	t.Cleanup(b.Close)
	return b, cache, logs
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStart_OneShot(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
		return docSnap{ref: r.(ref), v: map[string]any{"name": "Ada"}}, nil
	}
	key := query.Key{"users", "ada"}

	if err := b.Start(context.Background(), key, src, ref("users/ada"), Options{}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := cache.State(key)
	if st.Status != query.StatusSuccess {
		t.Fatalf("status = %v, want success (err=%v)", st.Status, st.Err)
	}
	if diff := cmp.Diff(map[string]any{"name": "Ada"}, st.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if src.subCount() != 0 {
		t.Error("one-shot query must not subscribe")
	}
}

func TestStart_OneShotMissingDocumentIsNil(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "nobody"}

	if err := b.Start(context.Background(), key, src, ref("users/nobody"), Options{}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := cache.State(key)
	if st.Status != query.StatusSuccess || st.Data != nil {
		t.Errorf("state = %+v, want success with nil data", st)
	}
}

func TestStart_OneShotSourceErrorIsRecorded(t *testing.T) {
	b, cache, _ := setupBridge(t)
	denied := source.NewError("get", ref("secret"), source.CodePermissionDenied, nil)
	src := &fakeSource{kind: source.KindDocument}
	src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
		return nil, denied
	}
	key := query.Key{"secret"}

	if err := b.Start(context.Background(), key, src, ref("secret"), Options{}, nil); err != nil {
		t.Fatalf("Start returned read error: %v", err)
	}

	st := cache.State(key)
	if st.Status != query.StatusError || !errors.Is(st.Err, source.ErrPermissionDenied) {
		t.Errorf("state = %+v, want permission denied error", st)
	}
}

func TestStart_ToArrayOnDocumentFailsImmediately(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "ada"}

	for _, subscribe := range []bool{false, true} {
		err := b.Start(context.Background(), key, src, ref("users/ada"), Options{ToArray: true, Subscribe: subscribe}, nil)

		var shapeErr *shape.Error
		if !errors.As(err, &shapeErr) {
			t.Fatalf("subscribe=%v: expected *shape.Error, got %v", subscribe, err)
		}
	}

	if src.gets != 0 || src.subCount() != 0 {
		t.Errorf("source was touched: gets=%d subs=%d", src.gets, src.subCount())
	}
	if len(cache.Keys()) != 0 {
		t.Errorf("cache entries created: %v", cache.Keys())
	}
}

func TestStart_SnapshotModeKeepsMetadata(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
		return docSnap{ref: r.(ref), v: "cached", meta: source.Metadata{FromCache: true}}, nil
	}

	oneShot := query.Key{"users", "ada", "once"}
	if err := b.Start(context.Background(), oneShot, src, ref("users/ada"), Options{Snapshot: true}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap, ok := cache.State(oneShot).Data.(source.MetadataSnapshot)
	if !ok {
		t.Fatalf("data = %#v, want a snapshot", cache.State(oneShot).Data)
	}
	if !snap.Metadata().FromCache || snap.Value() != "cached" {
		t.Errorf("snapshot = %v %+v", snap.Value(), snap.Metadata())
	}

	live := query.Key{"users", "ada", "live"}
	if err := b.Start(context.Background(), live, src, ref("users/ada"), Options{Snapshot: true, Subscribe: true, IncludeMetadataChanges: true}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	src.sub(0).onNext(docSnap{ref: "users/ada", v: "v1", meta: source.Metadata{HasPendingWrites: true}})

	snap, ok = cache.State(live).Data.(source.MetadataSnapshot)
	if !ok {
		t.Fatalf("data = %#v, want a snapshot", cache.State(live).Data)
	}
	if !snap.Metadata().HasPendingWrites || snap.Value() != "v1" {
		t.Errorf("snapshot = %v %+v", snap.Value(), snap.Metadata())
	}
}

func TestStart_SnapshotWithArrayFailsImmediately(t *testing.T) {
	b, _, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindTree}

	err := b.Start(context.Background(), query.Key{"audit"}, src, ref("audit"), Options{Snapshot: true, ToArray: true, Subscribe: true}, nil)
	var shapeErr *shape.Error
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected *shape.Error, got %v", err)
	}
	if src.subCount() != 0 {
		t.Errorf("source was subscribed %d times", src.subCount())
	}
}

func TestSubscribe_AuditScenarioOrderedArray(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindTree}
	key := query.Key{"audit", "123"}

	if err := b.Start(context.Background(), key, src, ref("audit/123"), Options{Subscribe: true, ToArray: true}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Push keys sort in the opposite direction of insertion here on purpose.
	snap := treeSnap{ref: "audit/123", children: []source.Child{
		{Key: "c", Snapshot: docSnap{v: "Event 1"}},
		{Key: "b", Snapshot: docSnap{v: "Event 2"}},
		{Key: "a", Snapshot: docSnap{v: "Event 3"}},
	}}
	src.sub(0).onNext(snap)

	want := []any{"Event 1", "Event 2", "Event 3"}
	if diff := cmp.Diff(want, cache.State(key).Data); diff != "" {
		t.Errorf("shaped value mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_StartTwiceKeepsOneHandle(t *testing.T) {
	b, _, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "ada"}
	opts := Options{Subscribe: true}

	for i := 0; i < 3; i++ {
		if err := b.Start(context.Background(), key, src, ref("users/ada"), opts, nil); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
	}

	if n := src.subCount(); n != 1 {
		t.Errorf("subscribe called %d times, want 1", n)
	}
	if n := b.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d, want 1", n)
	}
}

func TestSubscribe_ReferenceChangeCancelsBeforeSubscribing(t *testing.T) {
	b, cache, logs := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"user"}
	opts := Options{Subscribe: true}

	if err := b.Start(context.Background(), key, src, ref("users/ada"), opts, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Start(context.Background(), key, src, ref("users/bob"), opts, nil); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	want := []string{"subscribe:users/ada", "cancel:users/ada", "subscribe:users/bob"}
	if diff := cmp.Diff(want, src.eventLog()); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(logs.String(), "moved from users/ada to users/bob") {
		t.Errorf("expected a key drift warning, logs:\n%s", logs.String())
	}

	// A late delivery from the old listener is ignored.
	src.sub(0).onNext(docSnap{v: "stale"})
	src.sub(1).onNext(docSnap{v: "bob"})
	src.sub(0).onNext(docSnap{v: "stale"})

	if got := cache.State(key).Data; got != "bob" {
		t.Errorf("data = %v, want bob", got)
	}
}

func TestSubscribe_ErrorThenSuccessRecovers(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "ada"}

	if err := b.Start(context.Background(), key, src, ref("users/ada"), Options{Subscribe: true}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s := src.sub(0)

	s.onError(source.NewError("listen", ref("users/ada"), source.CodeUnavailable, nil))
	if st := cache.State(key); st.Status != query.StatusError {
		t.Fatalf("status = %v, want error", st.Status)
	}
	if s.cancelled.Load() {
		t.Fatal("an error delivery must not cancel the subscription")
	}

	s.onNext(docSnap{v: "back"})
	st := cache.State(key)
	if st.Status != query.StatusSuccess || st.Data != "back" {
		t.Errorf("state = %+v, want success with later value", st)
	}
}

func TestSubscribe_SlowOlderDeliveryNeverOverwritesNewer(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"counter"}

	d1Entered := make(chan struct{})
	releaseD1 := make(chan struct{})
	sel := func(v any) (any, error) {
		if v == "D1" {
			close(d1Entered)
			<-releaseD1
		}
		return v, nil
	}

	if err := b.Start(context.Background(), key, src, ref("counter"), Options{Subscribe: true}, sel); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s := src.sub(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.onNext(docSnap{v: "D1"})
	}()
	<-d1Entered

	s.onNext(docSnap{v: "D2"})
	close(releaseD1)
	<-done

	if got := cache.State(key).Data; got != "D2" {
		t.Errorf("data = %v, want D2", got)
	}
}

func TestSubscribe_ToggleOffKeepsLastValueUntilFetch(t *testing.T) {
	b, cache, _ := setupBridge(t)
	key := query.Key{"users", "ada"}

	fetchStarted := make(chan struct{})
	releaseFetch := make(chan struct{})
	src := &fakeSource{kind: source.KindDocument}
	src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
		close(fetchStarted)
		<-releaseFetch
		return docSnap{v: "fetched"}, nil
	}

	if err := b.Start(context.Background(), key, src, ref("users/ada"), Options{Subscribe: true}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	src.sub(0).onNext(docSnap{v: "live"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Start(context.Background(), key, src, ref("users/ada"), Options{}, nil)
	}()
	<-fetchStarted

	if !src.sub(0).cancelled.Load() {
		t.Error("subscription should be cancelled when subscribe turns off")
	}
	if b.Subscribed(key) {
		t.Error("bridge still reports a subscription")
	}
	if got := cache.State(key).Data; got != "live" {
		t.Errorf("data during refetch = %v, want live", got)
	}

	close(releaseFetch)
	<-done

	if got := cache.State(key).Data; got != "fetched" {
		t.Errorf("data after refetch = %v, want fetched", got)
	}
}

func TestStop_IgnoresLaterDeliveries(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "ada"}

	if err := b.Start(context.Background(), key, src, ref("users/ada"), Options{Subscribe: true}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s := src.sub(0)
	s.onNext(docSnap{v: "before"})

	b.Stop(key)
	b.Stop(key)

	// The fake keeps delivering after cancel; the bridge must drop it.
	s.onNext(docSnap{v: "after"})
	s.onError(errors.New("after"))

	st := cache.State(key)
	if st.Status != query.StatusSuccess || st.Data != "before" {
		t.Errorf("state = %+v, want the value from before Stop", st)
	}
	if !s.cancelled.Load() {
		t.Error("Stop did not cancel the listener")
	}
}

func TestWatch_LastObserverStopsSubscription(t *testing.T) {
	b, _, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "ada"}
	opts := Options{Subscribe: true}

	stop1, err := b.Watch(context.Background(), key, src, ref("users/ada"), opts, nil, func(query.State) {})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	stop2, err := b.Watch(context.Background(), key, src, ref("users/ada"), opts, nil, func(query.State) {})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	stop1()
	if !b.Subscribed(key) {
		t.Fatal("subscription stopped while an observer remains")
	}

	stop2()
	if b.Subscribed(key) {
		t.Error("subscription should stop with the last observer")
	}
	if !src.sub(0).cancelled.Load() {
		t.Error("listener was not cancelled")
	}
}

func TestSelect_ErrorsBecomeErrorState(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
		return docSnap{v: 1}, nil
	}

	bad := errors.New("bad field")
	tests := map[string]SelectFunc{
		"returned error": func(any) (any, error) { return nil, bad },
		"panic":          func(any) (any, error) { panic("boom") },
	}

	for name, sel := range tests {
		t.Run(name, func(t *testing.T) {
			key := query.Key{"select", name}
			if err := b.Start(context.Background(), key, src, ref("x"), Options{}, sel); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			st := cache.State(key)
			var selErr *SelectError
			if st.Status != query.StatusError || !errors.As(st.Err, &selErr) {
				t.Errorf("state = %+v, want *SelectError", st)
			}
		})
	}

	// Select errors are not retried.
	if src.gets != 2 {
		t.Errorf("source read %d times, want 2", src.gets)
	}
}

func TestSelect_AppliedToDeliveries(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "ada", "name"}

	sel := func(v any) (any, error) {
		return v.(map[string]any)["name"], nil
	}
	if err := b.Start(context.Background(), key, src, ref("users/ada"), Options{Subscribe: true}, sel); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	src.sub(0).onNext(docSnap{v: map[string]any{"name": "Ada"}})

	if got := cache.State(key).Data; got != "Ada" {
		t.Errorf("data = %v, want Ada", got)
	}
}

func TestMetadataPolicy(t *testing.T) {
	tests := []struct {
		policy MetadataPolicy
		writes int
	}{
		{MetadataOverwrite, 2},
		{MetadataSkipUnchanged, 1},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			b, cache, _ := setupBridge(t)
			src := &fakeSource{kind: source.KindDocument}
			key := query.Key{"users", "ada"}

			var writes atomic.Int32
			stop := cache.Observe(key, func(st query.State) {
				if st.Status == query.StatusSuccess {
					writes.Add(1)
				}
			})
			defer stop()

			opts := Options{Subscribe: true, IncludeMetadataChanges: true, MetadataUpdates: tt.policy}
			if err := b.Start(context.Background(), key, src, ref("users/ada"), opts, nil); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			s := src.sub(0)

			s.onNext(docSnap{v: map[string]any{"n": 1}, meta: source.Metadata{HasPendingWrites: true}})
			s.onNext(docSnap{v: map[string]any{"n": 1}})

			if got := int(writes.Load()); got != tt.writes {
				t.Errorf("cache writes = %d, want %d", got, tt.writes)
			}
		})
	}
}

func TestMetadataPolicy_UnchangedValueClearsError(t *testing.T) {
	b, cache, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}
	key := query.Key{"users", "ada"}

	opts := Options{Subscribe: true, MetadataUpdates: MetadataSkipUnchanged}
	if err := b.Start(context.Background(), key, src, ref("users/ada"), opts, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s := src.sub(0)

	s.onNext(docSnap{v: "v1"})
	s.onError(source.NewError("listen", ref("users/ada"), source.CodeUnavailable, errors.New("unavailable")))
	if st := cache.State(key); st.Status != query.StatusError {
		t.Fatalf("status after error = %v, want error", st.Status)
	}

	s.onNext(docSnap{v: "v1"})

	st := cache.State(key)
	if st.Status != query.StatusSuccess {
		t.Errorf("status after recovery = %v (err %v), want success", st.Status, st.Err)
	}
	if st.Data != "v1" {
		t.Errorf("data = %v, want v1", st.Data)
	}
}

func TestParseMetadataPolicy(t *testing.T) {
	if p, err := ParseMetadataPolicy("skip-unchanged"); err != nil || p != MetadataSkipUnchanged {
		t.Errorf("ParseMetadataPolicy(skip-unchanged) = %v, %v", p, err)
	}
	if p, err := ParseMetadataPolicy(""); err != nil || p != MetadataOverwrite {
		t.Errorf("ParseMetadataPolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParseMetadataPolicy("sometimes"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

func TestSeedSubscription(t *testing.T) {
	t.Run("seed fills the entry before the first delivery", func(t *testing.T) {
		b, cache, _ := setupBridge(t)
		src := &fakeSource{kind: source.KindDocument}
		var gotMode atomic.Int32
		src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
			gotMode.Store(int32(opts.Source))
			return docSnap{v: "cached", meta: source.Metadata{FromCache: true}}, nil
		}
		key := query.Key{"users", "ada"}

		opts := Options{Subscribe: true, Source: source.ReadCache, SeedSubscription: true}
		if err := b.Start(context.Background(), key, src, ref("users/ada"), opts, nil); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		waitFor(t, "seed value", func() bool { return cache.State(key).Data == "cached" })
		if source.ReadMode(gotMode.Load()) != source.ReadCache {
			t.Errorf("seed read mode = %v, want cache", source.ReadMode(gotMode.Load()))
		}

		src.sub(0).onNext(docSnap{v: "live"})
		if got := cache.State(key).Data; got != "live" {
			t.Errorf("data = %v, want live", got)
		}
	})

	t.Run("late seed loses to a listener delivery", func(t *testing.T) {
		b, cache, _ := setupBridge(t)
		release := make(chan struct{})
		seeded := make(chan struct{})
		src := &fakeSource{kind: source.KindDocument}
		src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
			defer close(seeded)
			<-release
			return docSnap{v: "cached"}, nil
		}
		key := query.Key{"users", "ada"}

		opts := Options{Subscribe: true, Source: source.ReadCache, SeedSubscription: true}
		if err := b.Start(context.Background(), key, src, ref("users/ada"), opts, nil); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		src.sub(0).onNext(docSnap{v: "live"})
		close(release)
		<-seeded
		time.Sleep(20 * time.Millisecond)

		if got := cache.State(key).Data; got != "live" {
			t.Errorf("data = %v, want live", got)
		}
	})

	t.Run("without seeding the read mode is ignored", func(t *testing.T) {
		b, _, _ := setupBridge(t)
		src := &fakeSource{kind: source.KindDocument}

		opts := Options{Subscribe: true, Source: source.ReadCache}
		if err := b.Start(context.Background(), query.Key{"k"}, src, ref("k"), opts, nil); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)

		src.mu.Lock()
		defer src.mu.Unlock()
		if src.gets != 0 {
			t.Errorf("source read %d times, want 0", src.gets)
		}
	})
}

func TestMutate_InvalidatesObservedQueries(t *testing.T) {
	b, cache, _ := setupBridge(t)

	var value atomic.Value
	value.Store("v1")
	src := &fakeSource{kind: source.KindDocument}
	src.getFn = func(ctx context.Context, r source.Reference, opts source.GetOptions) (source.Snapshot, error) {
		return docSnap{v: value.Load()}, nil
	}
	key := query.Key{"users", "ada"}

	stop, err := b.Watch(context.Background(), key, src, ref("users/ada"), Options{}, nil, func(query.State) {})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer stop()

	err = b.Mutate(context.Background(), func(ctx context.Context) error {
		value.Store("v2")
		return nil
	}, query.Key{"users"})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	if got := cache.State(key).Data; got != "v2" {
		t.Errorf("data = %v, want v2", got)
	}

	failed := errors.New("write rejected")
	err = b.Mutate(context.Background(), func(ctx context.Context) error { return failed }, query.Key{"users"})
	if !errors.Is(err, failed) {
		t.Errorf("Mutate error = %v, want %v", err, failed)
	}
}

func TestClose(t *testing.T) {
	b, _, _ := setupBridge(t)
	src := &fakeSource{kind: source.KindDocument}

	if err := b.Start(context.Background(), query.Key{"a"}, src, ref("a"), Options{Subscribe: true}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Close()

	if !src.sub(0).cancelled.Load() {
		t.Error("Close did not cancel the listener")
	}
	if err := b.Start(context.Background(), query.Key{"a"}, src, ref("a"), Options{Subscribe: true}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}
