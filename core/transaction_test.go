package core

import (
	"testing"
	"time"
)

//-------------------------------------------------------------
// S5: rollback leaves nothing behind, emits nothing
//-------------------------------------------------------------

func TestTransactionRollback(t *testing.T) {
	eng, ctx := newTestEngine(t)

	seen := make(chan Event, 8)
	watch, _ := ctx.CreateNode(TypeNodeConst)
	sub, _ := ctx.Subscribe(EventAddIncomingArc, watch, func(ev Event) Outcome {
		seen <- ev
		return OutcomeOK
	})
	defer ctx.Unsubscribe(sub)

	txn, err := ctx.Begin(100)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	n, err := txn.CreateNode(TypeNodeConst)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := txn.CreateConnector(TypeArcConstPosPerm, n, watch); err != nil {
		t.Fatalf("connector: %v", err)
	}
	txn.Rollback()

	if eng.Store().IsElement(n) {
		t.Fatalf("pending node survived rollback")
	}
	select {
	case ev := <-seen:
		t.Fatalf("rollback emitted %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

//-------------------------------------------------------------
// Pending creations are invisible outside their transaction
//-------------------------------------------------------------

func TestPendingVisibility(t *testing.T) {
	eng, ctx := newTestEngine(t)

	txn, _ := ctx.Begin(101)
	n, _ := txn.CreateNode(TypeNodeConst)

	if eng.Store().IsElement(n) {
		t.Fatalf("pending node visible to committed view")
	}
	if !txn.IsElement(n) {
		t.Fatalf("pending node invisible to own transaction")
	}
	if err := txn.Apply(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !eng.Store().IsElement(n) {
		t.Fatalf("committed node invisible")
	}
	if !txn.IsCommitted() {
		t.Fatalf("committed flag unset")
	}
}

func TestTxnIDReuseRejected(t *testing.T) {
	_, ctx := newTestEngine(t)
	if _, err := ctx.Begin(7); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ctx.Begin(7); StatusOf(err) != StatusInvalidParams {
		t.Fatalf("id reuse: %v", err)
	}
}

//-------------------------------------------------------------
// Validate detects conflicting commits
//-------------------------------------------------------------

func TestValidateConflict(t *testing.T) {
	_, ctx := newTestEngine(t)

	l, _ := ctx.CreateLink(TypeLinkConst)
	txn, _ := ctx.Begin(102)
	if err := txn.SetContent(l, StringContent("staged")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if !txn.Validate() {
		t.Fatalf("fresh staging invalid")
	}
	// conflicting direct write bumps the element version
	if err := ctx.SetLinkContent(l, StringContent("raced")); err != nil {
		t.Fatalf("race write: %v", err)
	}
	if txn.Validate() {
		t.Fatalf("conflict not detected")
	}
	if err := txn.Apply(); StatusOf(err) != StatusInvalidState {
		t.Fatalf("conflicted apply: %v", err)
	}
	// the racing value must survive the failed apply
	c, _ := ctx.GetLinkContent(l)
	if s, _ := c.AsString(); s != "raced" {
		t.Fatalf("content=%q", s)
	}
}

//-------------------------------------------------------------
// Merge: create+erase cancels, modifies collapse
//-------------------------------------------------------------

func TestMergeCreateEraseCancels(t *testing.T) {
	eng, ctx := newTestEngine(t)

	before := eng.Store().LiveCount()
	txn, _ := ctx.Begin(103)
	n, _ := txn.CreateNode(TypeNodeConst)
	if err := txn.Erase(n); err != nil {
		t.Fatalf("erase pending: %v", err)
	}
	txn.Merge()
	if err := txn.Apply(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := eng.Store().LiveCount(); got != before {
		t.Fatalf("cancelled create leaked: %d vs %d", got, before)
	}
	if eng.Store().IsElement(n) {
		t.Fatalf("cancelled node exists")
	}
}

func TestMergeCollapsesContentWrites(t *testing.T) {
	_, ctx := newTestEngine(t)

	l, _ := ctx.CreateLink(TypeLinkConst)
	txn, _ := ctx.Begin(104)
	for _, s := range []string{"one", "two", "three"} {
		if err := txn.SetContent(l, StringContent(s)); err != nil {
			t.Fatalf("stage %q: %v", s, err)
		}
	}
	txn.Merge()
	if len(txn.contents) != 1 {
		t.Fatalf("content entries=%d want 1", len(txn.contents))
	}
	if err := txn.Apply(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	c, _ := ctx.GetLinkContent(l)
	if s, _ := c.AsString(); s != "three" {
		t.Fatalf("content=%q want last write", s)
	}
}

//-------------------------------------------------------------
// Invariant 6: failed apply restores the pre-commit state
//-------------------------------------------------------------

func TestApplyAtomicity(t *testing.T) {
	eng, ctx := newTestEngine(t)

	keep, _ := ctx.CreateNode(TypeNodeConst)
	victim, _ := ctx.CreateLink(TypeLinkConst)
	if err := ctx.SetLinkContent(victim, StringContent("original")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn, _ := ctx.Begin(105)
	created, _ := txn.CreateNode(TypeNodeConst)
	if err := txn.SetContent(victim, StringContent("doomed")); err != nil {
		t.Fatalf("stage content: %v", err)
	}
	if err := txn.Erase(keep); err != nil {
		t.Fatalf("stage erase: %v", err)
	}
	// concurrent commit invalidates the staged content write's version snapshot
	if err := ctx.SetLinkContent(victim, StringContent("raced")); err != nil {
		t.Fatalf("race: %v", err)
	}

	if err := txn.Apply(); StatusOf(err) != StatusInvalidState {
		t.Fatalf("apply: %v", err)
	}
	if eng.Store().IsElement(created) {
		t.Fatalf("created element visible after failed apply")
	}
	if !eng.Store().IsElement(keep) {
		t.Fatalf("staged erase ran despite failure")
	}
	c, _ := ctx.GetLinkContent(victim)
	if s, _ := c.AsString(); s != "raced" {
		t.Fatalf("content=%q", s)
	}
}

func TestClearKeepsTransactionUsable(t *testing.T) {
	eng, ctx := newTestEngine(t)

	txn, _ := ctx.Begin(106)
	n, _ := txn.CreateNode(TypeNodeConst)
	txn.Clear()
	if eng.Store().IsElement(n) {
		t.Fatalf("cleared creation exists")
	}
	m, err := txn.CreateNode(TypeNodeConst)
	if err != nil {
		t.Fatalf("create after clear: %v", err)
	}
	if err := txn.Apply(); err != nil {
		t.Fatalf("apply after clear: %v", err)
	}
	if !eng.Store().IsElement(m) {
		t.Fatalf("post-clear creation lost")
	}
}
