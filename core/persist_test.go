package core

import (
	"testing"

	"semnet/internal/testutil"
)

func newPersistentEngine(t *testing.T, dir string, snapInterval int) (*Engine, *Context) {
	t.Helper()
	fs := NewFileStore()
	if err := fs.Open(dir); err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng, err := NewEngine(Config{EventQueueDepth: 64, SnapshotInterval: snapInterval}, nil, nil, fs)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, err := eng.CreateContext(AccessWrite, "persist-test")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	return eng, ctx
}

//-------------------------------------------------------------
// Restart restores elements, contents and identifiers
//-------------------------------------------------------------

func TestRestartRestoresGraph(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	dir := sb.Path("engine")

	eng, ctx := newPersistentEngine(t, dir, 0)
	n1, _ := ctx.CreateNode(TypeNodeConstClass)
	n2, _ := ctx.CreateNode(TypeNodeConst)
	arc, _ := ctx.CreateConnector(TypeArcConstPosPerm, n1, n2)
	l, _ := ctx.CreateLink(TypeLinkConst)
	if err := ctx.SetLinkContent(l, StringContent("persisted")); err != nil {
		t.Fatalf("content: %v", err)
	}
	if err := ctx.SetIdentifier("concept_saved", n1); err != nil {
		t.Fatalf("ident: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	eng2, ctx2 := newPersistentEngine(t, dir, 0)
	defer eng2.Close()
	for _, a := range []Address{n1, n2, arc, l} {
		if !ctx2.IsElement(a) {
			t.Fatalf("%v lost across restart", a)
		}
	}
	src, dst, err := ctx2.ConnectorEndpoints(arc)
	if err != nil || src != n1 || dst != n2 {
		t.Fatalf("endpoints=(%v,%v) err=%v", src, dst, err)
	}
	c, err := ctx2.GetLinkContent(l)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if s, _ := c.AsString(); s != "persisted" {
		t.Fatalf("content=%q", s)
	}
	if got, err := ctx2.FindByIdentifier("concept_saved"); err != nil || got != n1 {
		t.Fatalf("ident=%v err=%v", got, err)
	}
	// the content index must be rebuilt too
	links, err := ctx2.FindLinksByContent([]byte("persisted"))
	if err != nil || len(links) != 1 || links[0] != l {
		t.Fatalf("index=%v err=%v", links, err)
	}
}

//-------------------------------------------------------------
// Erased elements stay dead after restart
//-------------------------------------------------------------

func TestReplayHonorsErase(t *testing.T) {
	sb, _ := testutil.NewSandbox()
	defer sb.Cleanup()
	dir := sb.Path("engine")

	eng, ctx := newPersistentEngine(t, dir, 0)
	n1, _ := ctx.CreateNode(TypeNodeConst)
	n2, _ := ctx.CreateNode(TypeNodeConst)
	arc, _ := ctx.CreateConnector(TypeArcConstPosPerm, n1, n2)
	if err := ctx.Erase(n1); err != nil {
		t.Fatalf("erase: %v", err)
	}
	_ = eng.Close()

	eng2, ctx2 := newPersistentEngine(t, dir, 0)
	defer eng2.Close()
	if ctx2.IsElement(n1) || ctx2.IsElement(arc) {
		t.Fatalf("erased elements resurrected")
	}
	if !ctx2.IsElement(n2) {
		t.Fatalf("survivor lost")
	}
}

//-------------------------------------------------------------
// Snapshot rotation truncates the WAL
//-------------------------------------------------------------

func TestSnapshotRotation(t *testing.T) {
	sb, _ := testutil.NewSandbox()
	defer sb.Cleanup()
	dir := sb.Path("engine")

	eng, ctx := newPersistentEngine(t, dir, 2)
	for i := 0; i < 6; i++ {
		if _, err := ctx.CreateNode(TypeNodeConst); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	live := eng.Store().LiveCount()
	_ = eng.Close()

	eng2, _ := newPersistentEngine(t, dir, 2)
	defer eng2.Close()
	// the fresh context adds its own user node on top of the restored state
	if got := eng2.Store().LiveCount(); got != live+1 {
		t.Fatalf("live=%d want %d", got, live+1)
	}
}

//-------------------------------------------------------------
// Elements created by an applied transaction survive restart
//-------------------------------------------------------------

func TestTransactionPersisted(t *testing.T) {
	sb, _ := testutil.NewSandbox()
	defer sb.Cleanup()
	dir := sb.Path("engine")

	eng, ctx := newPersistentEngine(t, dir, 0)
	txn, _ := ctx.Begin(900)
	n, _ := txn.CreateNode(TypeNodeConstClass)
	m, _ := txn.CreateNode(TypeNodeConst)
	arc, _ := txn.CreateConnector(TypeArcConstPosPerm, n, m)
	if err := txn.Apply(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	_ = eng.Close()

	eng2, ctx2 := newPersistentEngine(t, dir, 0)
	defer eng2.Close()
	for _, a := range []Address{n, m, arc} {
		if !ctx2.IsElement(a) {
			t.Fatalf("txn element %v lost", a)
		}
	}
}
