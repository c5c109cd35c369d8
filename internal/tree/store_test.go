package tree

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/livequery/internal/bridge"
	"github.com/mschirtzinger/livequery/internal/query"
	"github.com/mschirtzinger/livequery/internal/source"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenWithConfig(filepath.Join(t.TempDir(), "tree.db"), &Config{
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder collects listener deliveries.
type recorder struct {
	mu     sync.Mutex
	values []any
	errs   []error
}

func (r *recorder) onNext(s source.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, s.Value())
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

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

func TestRef(t *testing.T) {
	r := NewRef("/audit//123/")
	if r.Path() != "audit/123" || r.String() != "/audit/123" || r.Key() != "123" {
		t.Errorf("NewRef = %q/%q/%q", r.Path(), r.String(), r.Key())
	}

	parent, ok := r.Parent()
	if !ok || parent.Path() != "audit" {
		t.Errorf("Parent() = %v, %v", parent, ok)
	}
	if _, ok := Root().Parent(); ok {
		t.Error("root must not have a parent")
	}
	if got := Root().Child("a/b").Child("c"); got.Path() != "a/b/c" {
		t.Errorf("Child chain = %q", got.Path())
	}
	if !r.Equal(NewRef("audit/123")) || r.Equal(NewRef("audit")) {
		t.Error("Equal mismatch")
	}
	if !source.SameReference(r, NewRef("audit/123")) {
		t.Error("SameReference should use Equal")
	}

	for _, bad := range []string{"a.b", "a/$x", "x#", "a[0]"} {
		if _, err := ParseRef(bad); err == nil {
			t.Errorf("ParseRef(%q) should fail", bad)
		}
	}
}

func TestSetAndRead(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	value := map[string]any{
		"name": "Ada",
		"age":  36,
		"tags": []any{"math", "engines"},
		"meta": map[string]any{"admin": true},
	}
	if err := s.Set(ctx, NewRef("users/ada"), value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	snap, err := s.Read(ctx, NewRef("users/ada"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := map[string]any{
		"name": "Ada",
		"age":  float64(36),
		"tags": map[string]any{"0": "math", "1": "engines"},
		"meta": map[string]any{"admin": true},
	}
	if diff := cmp.Diff(want, snap.Value()); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	leaf, err := s.Read(ctx, NewRef("users/ada/meta/admin"))
	if err != nil {
		t.Fatalf("Read leaf failed: %v", err)
	}
	if leaf.Value() != true {
		t.Errorf("leaf = %v, want true", leaf.Value())
	}

	if got := snap.Child("tags/1").Value(); got != "engines" {
		t.Errorf("Child(tags/1) = %v", got)
	}

	missing, err := s.Read(ctx, NewRef("users/bob"))
	if err != nil {
		t.Fatalf("Read missing failed: %v", err)
	}
	if missing.Exists() || missing.Value() != nil {
		t.Errorf("missing snapshot = %+v", missing.Value())
	}
}

func TestSet_FalseAndZeroAreValues(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, NewRef("flags"), map[string]any{"on": false, "n": 0, "s": ""}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	snap, _ := s.Read(ctx, NewRef("flags"))
	want := map[string]any{"on": false, "n": float64(0), "s": ""}
	if diff := cmp.Diff(want, snap.Value()); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
}

func TestSet_ReplacesSubtreeAndKeepsPosition(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	list := NewRef("list")

	for _, k := range []string{"b", "a", "c"} {
		if err := s.Set(ctx, list.Child(k), map[string]any{"v": k}); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}
	if err := s.Set(ctx, list.Child("a"), "replaced"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	snap, _ := s.Read(ctx, list)
	var keys []string
	for _, c := range snap.Children() {
		keys = append(keys, c.Key)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, keys); diff != "" {
		t.Errorf("child order mismatch (-want +got):\n%s", diff)
	}
	if got := snap.Child("a").Value(); got != "replaced" {
		t.Errorf("a = %v, want replaced", got)
	}
}

func TestSet_LeafBecomesBranch(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, NewRef("x"), "leaf"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(ctx, NewRef("x/y"), 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	snap, _ := s.Read(ctx, NewRef("x"))
	if diff := cmp.Diff(map[string]any{"y": float64(1)}, snap.Value()); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
}

func TestRemove_PrunesEmptyAncestors(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, NewRef("a/b/c"), 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(ctx, NewRef("keep"), 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Remove(ctx, NewRef("a/b/c")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	snap, _ := s.Read(ctx, NewRef("a"))
	if snap.Exists() {
		t.Errorf("a should have been pruned, got %v", snap.Value())
	}
	root, _ := s.Read(ctx, Root())
	if diff := cmp.Diff(map[string]any{"keep": float64(1)}, root.Value()); diff != "" {
		t.Errorf("root mismatch (-want +got):\n%s", diff)
	}
}

func TestSet_EmptyValuesRemove(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for _, v := range []any{nil, map[string]any{}, []any{}, map[string]any{"x": nil}} {
		if err := s.Set(ctx, NewRef("k"), "v"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := s.Set(ctx, NewRef("k"), v); err != nil {
			t.Fatalf("Set(%v) failed: %v", v, err)
		}
		snap, _ := s.Read(ctx, NewRef("k"))
		if snap.Exists() {
			t.Errorf("Set(%v) left %v", v, snap.Value())
		}
	}
}

func TestSet_Root(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, Root(), "scalar"); !errors.Is(err, ErrRootValue) {
		t.Errorf("Set root scalar error = %v, want ErrRootValue", err)
	}
	if err := s.Set(ctx, Root(), map[string]any{"a": 1}); err != nil {
		t.Fatalf("Set root failed: %v", err)
	}
	snap, _ := s.Read(ctx, Root())
	if diff := cmp.Diff(map[string]any{"a": float64(1)}, snap.Value()); diff != "" {
		t.Errorf("root mismatch (-want +got):\n%s", diff)
	}
}

func TestSet_InvalidKey(t *testing.T) {
	s := setupStore(t)

	err := s.Set(context.Background(), NewRef("x"), map[string]any{"bad.key": 1})
	if source.CodeOf(err) != source.CodeInvalidReference {
		t.Errorf("code = %v, want invalid-reference (err=%v)", source.CodeOf(err), err)
	}
	err = s.Set(context.Background(), NewRef("bad$"), 1)
	if !errors.Is(err, source.ErrInvalidReference) {
		t.Errorf("err = %v, want ErrInvalidReference", err)
	}
}

func TestUpdate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := NewRef("users/ada")

	if err := s.Set(ctx, user, map[string]any{"name": "Ada", "age": 36}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	err := s.Update(ctx, user, map[string]any{
		"age":          37,
		"address/city": "London",
		"name":         nil,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	snap, _ := s.Read(ctx, user)
	want := map[string]any{"age": float64(37), "address": map[string]any{"city": "London"}}
	if diff := cmp.Diff(want, snap.Value()); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	err = s.Update(ctx, user, map[string]any{"address": 1, "address/city": 2})
	if !errors.Is(err, ErrOverlappingPaths) {
		t.Errorf("overlap error = %v, want ErrOverlappingPaths", err)
	}
}

func TestPush_OrderedByPushTime(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	audit := NewRef("audit/123")

	var keys []string
	for _, v := range []string{"Event 1", "Event 2", "Event 3"} {
		child, err := s.Push(ctx, audit, v)
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		keys = append(keys, child.Key())
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("push keys not increasing: %v", keys)
		}
	}

	snap, _ := s.Read(ctx, audit)
	var values []any
	for _, c := range snap.Children() {
		values = append(values, c.Snapshot.Value())
	}
	if diff := cmp.Diff([]any{"Event 1", "Event 2", "Event 3"}, values); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
}

func TestTransaction(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	counter := NewRef("counter")

	incr := func(cur any) (any, error) {
		n, _ := cur.(float64)
		return n + 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transaction(ctx, counter, incr); err != nil {
				t.Errorf("Transaction failed: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, _ := s.Read(ctx, counter)
	if snap.Value() != float64(10) {
		t.Errorf("counter = %v, want 10", snap.Value())
	}

	_, err := s.Transaction(ctx, counter, func(any) (any, error) {
		return nil, ErrAbortTransaction
	})
	if !errors.Is(err, ErrAbortTransaction) {
		t.Errorf("abort error = %v, want ErrAbortTransaction", err)
	}
	snap, _ = s.Read(ctx, counter)
	if snap.Value() != float64(10) {
		t.Errorf("aborted transaction changed counter to %v", snap.Value())
	}
}

func TestReopen_KeepsDataAndOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.db")
	ctx := context.Background()
	quiet := &Config{Logger: log.New(io.Discard, "", 0)}

	s, err := OpenWithConfig(path, quiet)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = s.Set(ctx, NewRef("l/z"), 1)
	_ = s.Set(ctx, NewRef("l/a"), 2)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = OpenWithConfig(path, quiet)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	_ = s.Set(ctx, NewRef("l/m"), 3)

	snap, _ := s.Read(ctx, NewRef("l"))
	var keys []string
	for _, c := range snap.Children() {
		keys = append(keys, c.Key)
	}
	if diff := cmp.Diff([]string{"z", "a", "m"}, keys); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_InitialValueThenChanges(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ref := NewRef("rooms/1")

	if err := s.Set(ctx, ref, map[string]any{"title": "a"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	rec := &recorder{}
	cancel, err := s.Subscribe(ref, rec.onNext, rec.onError, source.ListenOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	_ = s.Set(ctx, ref.Child("title"), "b")
	_ = s.Set(ctx, NewRef("rooms/2"), "unrelated")
	_ = s.Set(ctx, ref.Child("title"), "b") // unchanged
	_ = s.Remove(ctx, ref)

	waitFor(t, "three deliveries", func() bool { return len(rec.snapshot()) == 3 })
	time.Sleep(20 * time.Millisecond)

	want := []any{
		map[string]any{"title": "a"},
		map[string]any{"title": "b"},
		nil,
	}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_AncestorWriteNotifiesDescendant(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := &recorder{}
	cancel, err := s.Subscribe(NewRef("a/b"), rec.onNext, rec.onError, source.ListenOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	_ = s.Set(ctx, NewRef("a"), map[string]any{"b": 1, "c": 2})
	_ = s.Set(ctx, NewRef("a/c"), 3) // does not change a/b

	waitFor(t, "two deliveries", func() bool { return len(rec.snapshot()) == 2 })
	time.Sleep(20 * time.Millisecond)

	if diff := cmp.Diff([]any{nil, float64(1)}, rec.snapshot()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_CancelStopsDeliveries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ref := NewRef("x")

	rec := &recorder{}
	cancel, err := s.Subscribe(ref, rec.onNext, rec.onError, source.ListenOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitFor(t, "initial delivery", func() bool { return len(rec.snapshot()) == 1 })

	cancel()
	cancel()
	if n := s.ListenerCount(); n != 0 {
		t.Errorf("ListenerCount = %d, want 0", n)
	}

	_ = s.Set(ctx, ref, 1)
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.snapshot()); n != 1 {
		t.Errorf("got %d deliveries after cancel, want 1", n)
	}
}

func TestSubscribe_CancelFromCallback(t *testing.T) {
	s := setupStore(t)

	var (
		cancel source.CancelFunc
		ready  = make(chan struct{})
		done   = make(chan struct{})
	)
	cancel, err := s.Subscribe(NewRef("x"), func(source.Snapshot) {
		<-ready
		cancel()
		close(done)
	}, nil, source.ListenOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	close(ready)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel from callback blocked")
	}
}

func TestClose(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.Subscribe(NewRef("x"), nil, nil, source.ListenOptions{}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := s.Read(ctx, NewRef("x")); !errors.Is(err, source.ErrUnavailable) {
		t.Errorf("Read after close = %v, want ErrUnavailable", err)
	}
	if err := s.Set(ctx, NewRef("x"), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after close = %v, want ErrClosed", err)
	}
	if _, err := s.Subscribe(NewRef("x"), nil, nil, source.ListenOptions{}); !errors.Is(err, source.ErrUnavailable) {
		t.Errorf("Subscribe after close = %v, want ErrUnavailable", err)
	}
}

func TestGet_RejectsForeignReference(t *testing.T) {
	s := setupStore(t)

	_, err := s.Get(context.Background(), otherRef("x"), source.GetOptions{})
	if source.CodeOf(err) != source.CodeInvalidReference {
		t.Errorf("code = %v, want invalid-reference", source.CodeOf(err))
	}
}

type otherRef string

func (r otherRef) Path() string   { return string(r) }
func (r otherRef) String() string { return string(r) }

func TestNode_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, NewRef("l/b"), 1)
	_ = s.Set(ctx, NewRef("l/a"), map[string]any{"x": true})

	snap, _ := s.Read(ctx, NewRef("l"))
	rebuilt := FromNode(NewRef("l"), snap.Node())

	if diff := cmp.Diff(snap.Value(), rebuilt.Value()); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
	if got := rebuilt.Children()[0].Key; got != "b" {
		t.Errorf("first child = %q, want b", got)
	}
	if FromNode(NewRef("gone"), nil).Exists() {
		t.Error("nil node must not exist")
	}
}

// The audit log scenario: pushed events arrive in the cache as an ordered
// array, in push order.
func TestBridge_PushedEventsAsOrderedArray(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	audit := NewRef("audit/123")

	cache := query.NewClient(&query.Config{
		RetryDelay: time.Millisecond,
		Logger:     log.New(io.Discard, "", 0),
	})
	b := bridge.New(cache, &bridge.Config{Logger: log.New(io.Discard, "", 0)})
	defer b.Close()

	key := query.Key{"audit", "123"}
	opts := bridge.Options{Subscribe: true, ToArray: true}
	if err := b.Start(ctx, key, s, audit, opts, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, v := range []string{"Event 1", "Event 2", "Event 3"} {
		if _, err := s.Push(ctx, audit, v); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	want := []any{"Event 1", "Event 2", "Event 3"}
	waitFor(t, "all events", func() bool {
		return cmp.Equal(want, cache.State(key).Data)
	})

	// A one-shot read shapes the same way.
	oneShot := query.Key{"audit", "123", "once"}
	if err := b.Start(ctx, oneShot, s, audit, bridge.Options{ToArray: true}, nil); err != nil {
		t.Fatalf("Start one-shot failed: %v", err)
	}
	if diff := cmp.Diff(want, cache.State(oneShot).Data); diff != "" {
		t.Errorf("one-shot mismatch (-want +got):\n%s", diff)
	}
}
