package source

import (
	"errors"
	"fmt"
	"testing"
)

type pathRef string

func (p pathRef) Path() string   { return string(p) }
func (p pathRef) String() string { return string(p) }

type otherRef string

func (o otherRef) Path() string   { return string(o) }
func (o otherRef) String() string { return string(o) }

type caseRef string

func (c caseRef) Path() string   { return string(c) }
func (c caseRef) String() string { return string(c) }
func (c caseRef) Equal(o Reference) bool {
	return o != nil && len(o.String()) == len(c) // length-only identity for the test
}

type stubSnapshot struct{ v any }

func (s stubSnapshot) Ref() Reference { return pathRef("x") }
func (s stubSnapshot) Exists() bool   { return s.v != nil }
func (s stubSnapshot) Value() any     { return s.v }

func TestSameReference(t *testing.T) {
	tests := []struct {
		name string
		a, b Reference
		want bool
	}{
		{"same type and path", pathRef("a/b"), pathRef("a/b"), true},
		{"different path", pathRef("a/b"), pathRef("a/c"), false},
		{"different type", pathRef("a/b"), otherRef("a/b"), false},
		{"custom equal", caseRef("abc"), pathRef("xyz"), true},
		{"both nil", nil, nil, true},
		{"one nil", pathRef("a"), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameReference(tt.a, tt.b); got != tt.want {
				t.Errorf("SameReference(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestParseReadMode(t *testing.T) {
	tests := map[string]ReadMode{
		"":        ReadDefault,
		"default": ReadDefault,
		"cache":   ReadCache,
		"SERVER":  ReadServer,
	}
	for in, want := range tests {
		got, err := ParseReadMode(in)
		if err != nil {
			t.Fatalf("ParseReadMode(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseReadMode(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseReadMode("disk"); err == nil {
		t.Error("ParseReadMode(disk) should fail")
	}
}

func TestErrorIs(t *testing.T) {
	cause := errors.New("socket closed")
	err := fmt.Errorf("reading: %w", NewError("get", pathRef("users/ada"), CodeUnavailable, cause))

	if !errors.Is(err, ErrUnavailable) {
		t.Error("expected errors.Is(err, ErrUnavailable)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("did not expect errors.Is(err, ErrNotFound)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be unwrapped")
	}
	if got := CodeOf(err); got != CodeUnavailable {
		t.Errorf("CodeOf = %v, want %v", got, CodeUnavailable)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, CodeInternal)
	}
}

func TestGuard_CancelIsIdempotent(t *testing.T) {
	var delivered, released int
	g := NewGuard(func(Snapshot) { delivered++ }, nil, func() { released++ })

	if !g.Next(stubSnapshot{v: 1}) {
		t.Fatal("Next before cancel should deliver")
	}

	g.Cancel()
	g.Cancel()

	if released != 1 {
		t.Errorf("release called %d times, want 1", released)
	}
	if g.Next(stubSnapshot{v: 2}) {
		t.Error("Next after cancel should not deliver")
	}
	if g.Fail(errors.New("late")) {
		t.Error("Fail after cancel should not deliver")
	}
	if delivered != 1 {
		t.Errorf("delivered %d snapshots, want 1", delivered)
	}
	if !g.Stopped() {
		t.Error("guard should report stopped")
	}
}

func TestGuard_CancelFromCallback(t *testing.T) {
	var g *Guard
	calls := 0
	g = NewGuard(func(Snapshot) {
		calls++
		g.Cancel()
	}, nil, nil)

	g.Next(stubSnapshot{v: 1})
	g.Next(stubSnapshot{v: 2})

	if calls != 1 {
		t.Errorf("onNext called %d times, want 1", calls)
	}
}
