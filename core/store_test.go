package core

import (
	"testing"
)

// ------------------------------------------------------------
// Shared test engine setup
// ------------------------------------------------------------

func newTestEngine(t *testing.T) (*Engine, *Context) {
	t.Helper()
	eng, err := NewEngine(Config{EventQueueDepth: 256}, nil, nil, nil)
	if err != nil {
		t.Fatalf("engine init: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	ctx, err := eng.CreateContext(AccessWrite, "test")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	return eng, ctx
}

//-------------------------------------------------------------
// Creation and validity
//-------------------------------------------------------------

func TestCreateAndValidity(t *testing.T) {
	_, ctx := newTestEngine(t)

	n, err := ctx.CreateNode(TypeNodeConstClass)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if !ctx.IsElement(n) {
		t.Fatalf("fresh node not valid")
	}
	typ, err := ctx.ElementType(n)
	if err != nil || typ != TypeNodeConstClass {
		t.Fatalf("type=%v err=%v", typ, err)
	}

	l, err := ctx.CreateLink(TypeLinkConst)
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if lt, _ := ctx.ElementType(l); !lt.IsLink() {
		t.Fatalf("link type %v", lt)
	}
}

func TestCreateRejectsWrongKinds(t *testing.T) {
	_, ctx := newTestEngine(t)

	if _, err := ctx.CreateNode(TypeLinkConst); StatusOf(err) != StatusInvalidParams {
		t.Fatalf("node of link type: %v", err)
	}
	if _, err := ctx.CreateLink(TypeNodeConst); StatusOf(err) != StatusInvalidParams {
		t.Fatalf("link of node type: %v", err)
	}
	n1, _ := ctx.CreateNode(TypeNodeConst)
	n2, _ := ctx.CreateNode(TypeNodeConst)
	if _, err := ctx.CreateConnector(TypeArcVarPosPerm, n1, n2); StatusOf(err) != StatusInvalidType {
		t.Fatalf("var connector accepted: %v", err)
	}
	if _, err := ctx.CreateConnector(TypeArcConstPosPerm, n1, Address{Segment: 9, Offset: 9, Generation: 9}); StatusOf(err) != StatusInvalidState {
		t.Fatalf("dead endpoint accepted: %v", err)
	}
}

//-------------------------------------------------------------
// S1: create triple, iterate it back
//-------------------------------------------------------------

func TestCreateTripleIterate(t *testing.T) {
	_, ctx := newTestEngine(t)

	n1, _ := ctx.CreateNode(TypeNodeConstClass)
	n2, _ := ctx.CreateNode(TypeNodeConstClass)
	e, err := ctx.CreateConnector(TypeArcConstPosPerm, n1, n2)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}

	it, err := ctx.Iterator3(Fixed(n1), Filter(TypeArcConstPosPerm), Filter(TypeNodeConstClass))
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	var hits []Address
	for it.Next() {
		hits = append(hits, it.Get(1))
		if got := it.Get(2); got != n2 {
			t.Fatalf("target=%v want %v", got, n2)
		}
	}
	if len(hits) != 1 || hits[0] != e {
		t.Fatalf("hits=%v want {%v}", hits, e)
	}
}

//-------------------------------------------------------------
// S2: erase cascade
//-------------------------------------------------------------

func TestEraseCascade(t *testing.T) {
	_, ctx := newTestEngine(t)

	n1, _ := ctx.CreateNode(TypeNodeConstClass)
	n2, _ := ctx.CreateNode(TypeNodeConstClass)
	e, _ := ctx.CreateConnector(TypeArcConstPosPerm, n1, n2)

	if err := ctx.Erase(n1); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if ctx.IsElement(n1) {
		t.Fatalf("erased node still valid")
	}
	if ctx.IsElement(e) {
		t.Fatalf("incident connector survived erase")
	}
	if !ctx.IsElement(n2) {
		t.Fatalf("far endpoint erased")
	}
	// the survivor's adjacency must not reference the dead arc
	it, _ := ctx.Iterator3(Filter(TypeNode), Filter(TypeArcAccess), Fixed(n2))
	for it.Next() {
		t.Fatalf("dangling arc %v", it.Get(1))
	}
}

func TestEraseCascadeDepth(t *testing.T) {
	_, ctx := newTestEngine(t)

	// arc onto an arc: erasing n1 must clear the whole closure
	n1, _ := ctx.CreateNode(TypeNodeConst)
	n2, _ := ctx.CreateNode(TypeNodeConst)
	rel, _ := ctx.CreateNode(TypeNodeConstNoRole)
	arc, _ := ctx.CreateConnector(TypeArcCommonConst, n1, n2)
	attr, _ := ctx.CreateConnector(TypeArcConstPosPerm, rel, arc)

	if err := ctx.Erase(n1); err != nil {
		t.Fatalf("erase: %v", err)
	}
	for _, a := range []Address{n1, arc, attr} {
		if ctx.IsElement(a) {
			t.Fatalf("%v survived cascade", a)
		}
	}
	for _, a := range []Address{n2, rel} {
		if !ctx.IsElement(a) {
			t.Fatalf("%v erased but should survive", a)
		}
	}
}

func TestEraseDeadFails(t *testing.T) {
	_, ctx := newTestEngine(t)
	n, _ := ctx.CreateNode(TypeNodeConst)
	if err := ctx.Erase(n); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := ctx.Erase(n); StatusOf(err) != StatusInvalidState {
		t.Fatalf("double erase: %v", err)
	}
}

//-------------------------------------------------------------
// Invariant 1: stale addresses never validate after slot reuse
//-------------------------------------------------------------

func TestGenerationInvalidatesReusedSlot(t *testing.T) {
	_, ctx := newTestEngine(t)

	old, _ := ctx.CreateNode(TypeNodeConst)
	if err := ctx.Erase(old); err != nil {
		t.Fatalf("erase: %v", err)
	}
	// reuse slots until the freed one comes back
	var reused Address
	for i := 0; i < segmentSlots; i++ {
		n, err := ctx.CreateNode(TypeNodeConst)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if n.Segment == old.Segment && n.Offset == old.Offset {
			reused = n
			break
		}
	}
	if reused.IsEmpty() {
		t.Fatalf("slot never reused")
	}
	if ctx.IsElement(old) {
		t.Fatalf("stale address valid after reuse")
	}
	if !ctx.IsElement(reused) {
		t.Fatalf("reused address invalid")
	}
}

//-------------------------------------------------------------
// Invariant 2: endpoints list every connector exactly once
//-------------------------------------------------------------

func TestAdjacencyListsConsistent(t *testing.T) {
	eng, ctx := newTestEngine(t)

	src, _ := ctx.CreateNode(TypeNodeConst)
	dst, _ := ctx.CreateNode(TypeNodeConst)
	conns := make(map[Address]bool)
	for i := 0; i < 5; i++ {
		c, err := ctx.CreateConnector(TypeArcConstPosPerm, src, dst)
		if err != nil {
			t.Fatalf("connector %d: %v", i, err)
		}
		conns[c] = true
	}

	count := func(anchor Address, outgoing bool) map[Address]int {
		seen := make(map[Address]int)
		var p1, p3 IterParam
		if outgoing {
			p1, p3 = Fixed(anchor), Filter(TypeUnknown)
		} else {
			p1, p3 = Filter(TypeUnknown), Fixed(anchor)
		}
		it, err := NewIterator3(eng.Store(), p1, Filter(TypeArcAccess), p3)
		if err != nil {
			t.Fatalf("iterator: %v", err)
		}
		for it.Next() {
			seen[it.Get(1)]++
		}
		return seen
	}
	for name, seen := range map[string]map[Address]int{
		"outgoing": count(src, true),
		"incoming": count(dst, false),
	} {
		if len(seen) != len(conns) {
			t.Fatalf("%s: %d arcs, want %d", name, len(seen), len(conns))
		}
		for c, n := range seen {
			if !conns[c] || n != 1 {
				t.Fatalf("%s: arc %v seen %d times", name, c, n)
			}
		}
	}
}

//-------------------------------------------------------------
// Type specialization
//-------------------------------------------------------------

func TestExtendType(t *testing.T) {
	_, ctx := newTestEngine(t)

	n, _ := ctx.CreateNode(TypeNodeConst)
	if err := ctx.ExtendType(n, TypeNodeConstClass); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if typ, _ := ctx.ElementType(n); typ != TypeNodeConstClass {
		t.Fatalf("type=%v", typ)
	}
	// changing an already-set group must fail
	if err := ctx.ExtendType(n, TypeNodeVar); StatusOf(err) != StatusInvalidType {
		t.Fatalf("constancy flip accepted: %v", err)
	}
}

func TestTypePredicates(t *testing.T) {
	tests := []struct {
		name string
		typ  ElemType
		conn bool
		node bool
	}{
		{"node", TypeNodeConst, false, true},
		{"access arc", TypeArcConstPosPerm, true, false},
		{"common edge", TypeEdgeCommonConst, true, false},
		{"link", TypeLinkConst, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.typ.IsConnector() != tc.conn || tc.typ.IsNode() != tc.node {
				t.Fatalf("predicates wrong for %v", tc.typ)
			}
		})
	}
	if !TypeArcConstPosPerm.Matches(TypeArcAccess) {
		t.Fatalf("concrete arc should match bare access constraint")
	}
	if TypeArcConstPosPerm.Matches(TypeArcAccess | TypeNegArc) {
		t.Fatalf("pos arc matched neg constraint")
	}
}
