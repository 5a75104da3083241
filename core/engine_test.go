package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestAddressRawRoundTrip(t *testing.T) {
	tests := []Address{
		{},
		{Segment: 0, Offset: 1, Generation: 1},
		{Segment: 65535, Offset: 65535, Generation: 4294967295},
		{Segment: 3, Offset: 77, Generation: 12},
	}
	for _, a := range tests {
		if got := AddrFromRaw(a.Raw()); got != a {
			t.Fatalf("round trip %v -> %v", a, got)
		}
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusOK},
		{ErrNo, StatusNo},
		{ErrInvalidParams, StatusInvalidParams},
		{ErrInvalidType, StatusInvalidType},
		{ErrInvalidState, StatusInvalidState},
		{ErrNotFound, StatusNotFound},
		{errors.New("anything else"), StatusError},
		{fmt.Errorf("wrapped: %w", ErrInvalidType), StatusInvalidType},
	}
	for _, tc := range tests {
		if got := StatusOf(tc.err); got != tc.want {
			t.Fatalf("StatusOf(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}

func TestReadOnlyContext(t *testing.T) {
	eng, _ := newTestEngine(t)
	ro, err := eng.CreateContext(AccessRead, "reader")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if _, err := ro.CreateNode(TypeNodeConst); StatusOf(err) != StatusInvalidState {
		t.Fatalf("read-only create: %v", err)
	}
	if _, err := ro.Begin(55); StatusOf(err) != StatusInvalidState {
		t.Fatalf("read-only begin: %v", err)
	}
}

func TestKeynodesResolved(t *testing.T) {
	eng, ctx := newTestEngine(t)
	kn := eng.Keynodes()
	for name, a := range map[string]Address{
		identFinishedOK:    kn.FinishedOK,
		identFinishedNo:    kn.FinishedNo,
		identFinishedError: kn.FinishedError,
	} {
		if a.IsEmpty() || !ctx.IsElement(a) {
			t.Fatalf("keynode %s unresolved", name)
		}
		if got, err := ctx.FindByIdentifier(name); err != nil || got != a {
			t.Fatalf("keynode %s: %v %v", name, got, err)
		}
	}
}

func TestEngineIsolated(t *testing.T) {
	// two engines share no state: a name bound in one does not resolve
	// in the other
	_, c1 := newTestEngine(t)
	_, c2 := newTestEngine(t)

	if _, err := c1.ResolveIdentifier("isolated_concept", TypeNodeConstClass); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := c2.FindByIdentifier("isolated_concept"); StatusOf(err) != StatusNotFound {
		t.Fatalf("identifier leaked across engines: %v", err)
	}
}
