package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ModifyMask marks which element attributes a staged modification touches.
type ModifyMask uint8

const (
	ModType ModifyMask = 1 << iota
	ModSource
	ModTarget
	ModContent
)

// TxnManager hands out transactions and enforces process-unique ids.
type TxnManager struct {
	mu   sync.Mutex
	used map[uint64]bool
	eng  *Engine
}

func newTxnManager(e *Engine) *TxnManager {
	return &TxnManager{used: make(map[uint64]bool), eng: e}
}

// Begin opens a transaction with a caller-supplied id. Ids may never be
// reused over the process lifetime.
func (m *TxnManager) Begin(id uint64) (*Transaction, error) {
	if id == 0 {
		return nil, fmt.Errorf("begin: zero txn id: %w", ErrInvalidParams)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used[id] {
		return nil, fmt.Errorf("begin: txn id %d reused: %w", id, ErrInvalidParams)
	}
	m.used[id] = true
	return &Transaction{id: id, eng: m.eng, versions: make(map[Address]uint64)}, nil
}

type modEntry struct {
	addr Address
	mask ModifyMask

	preType    ElemType
	preSource  Address
	preTarget  Address
	newType    ElemType
	newSource  Address
	newTarget  Address
}

type contentEntry struct {
	addr   Address
	pre    Content
	hadPre bool
	next   Content
}

// Transaction buffers creations, modifications, deletions and content
// changes until Apply. Creations go through the store immediately but stay
// tagged pending, observable only through this transaction's methods.
type Transaction struct {
	mu        sync.Mutex
	id        uint64
	eng       *Engine
	initiator Address // context user on whose behalf the txn runs
	committed bool
	finished  bool

	created  []Address
	modified []modEntry
	erased   []Address
	contents []contentEntry

	// element versions as of staging time; Validate and Apply compare
	// these against the live store
	versions map[Address]uint64
}

// ID returns the caller-supplied transaction id.
func (t *Transaction) ID() uint64 { return t.id }

// IsCommitted reports whether Apply completed.
func (t *Transaction) IsCommitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Transaction) snapshotVersion(a Address) {
	if _, ok := t.versions[a]; !ok {
		t.versions[a] = t.eng.store.version(a)
	}
}

func (t *Transaction) isPending(a Address) bool {
	for _, c := range t.created {
		if c == a {
			return true
		}
	}
	return false
}

func (t *Transaction) checkOpen(op string) error {
	if t.finished {
		return fmt.Errorf("%s: transaction %d finished: %w", op, t.id, ErrInvalidState)
	}
	return nil
}

// CreateNode stages a node creation.
func (t *Transaction) CreateNode(typ ElemType) (Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("create node"); err != nil {
		return EmptyAddr, err
	}
	a, err := t.eng.store.CreateNode(typ, t.id)
	if err != nil {
		return EmptyAddr, err
	}
	t.created = append(t.created, a)
	return a, nil
}

// CreateLink stages a link creation.
func (t *Transaction) CreateLink(typ ElemType) (Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("create link"); err != nil {
		return EmptyAddr, err
	}
	a, err := t.eng.store.CreateLink(typ, t.id)
	if err != nil {
		return EmptyAddr, err
	}
	t.created = append(t.created, a)
	return a, nil
}

// CreateConnector stages a connector creation. Endpoints may be committed
// elements or this transaction's own pending creations.
func (t *Transaction) CreateConnector(typ ElemType, source, target Address) (Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("create connector"); err != nil {
		return EmptyAddr, err
	}
	if !t.isPending(source) {
		t.snapshotVersion(source)
	}
	if !t.isPending(target) {
		t.snapshotVersion(target)
	}
	a, err := t.eng.store.CreateConnector(typ, source, target, t.id)
	if err != nil {
		return EmptyAddr, err
	}
	t.created = append(t.created, a)
	return a, nil
}

// Modify stages an attribute change. Changes to this transaction's own
// pending creations are folded into the create immediately; changes to
// committed elements are deferred until Apply.
func (t *Transaction) Modify(a Address, mask ModifyMask, newType ElemType, newSource, newTarget Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("modify"); err != nil {
		return err
	}
	if mask == 0 {
		return fmt.Errorf("modify %v: empty mask: %w", a, ErrInvalidParams)
	}
	if t.isPending(a) {
		return t.eng.store.applyModify(a, mask, newType, newSource, newTarget, t.id)
	}
	pt, ps, ptg, err := t.eng.store.preImage(a)
	if err != nil {
		return fmt.Errorf("modify %v: %w", a, err)
	}
	if mask&ModType != 0 && !pt.CanExtendTo(newType) {
		return fmt.Errorf("modify %v: type not extendable: %w", a, ErrInvalidType)
	}
	t.snapshotVersion(a)
	t.modified = append(t.modified, modEntry{
		addr: a, mask: mask,
		preType: pt, preSource: ps, preTarget: ptg,
		newType: newType, newSource: newSource, newTarget: newTarget,
	})
	return nil
}

// Erase stages removal of a committed element. The cascade set is captured
// for version validation but the sweep runs at Apply time. Erasing one of
// this transaction's pending creations cancels the creation in place.
func (t *Transaction) Erase(a Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("erase"); err != nil {
		return err
	}
	if t.isPending(a) {
		if _, err := t.eng.store.Erase(a, t.id); err != nil {
			return err
		}
		t.dropCreated(a)
		return nil
	}
	if !t.eng.store.IsElement(a) {
		return fmt.Errorf("erase %v: %w", a, ErrInvalidState)
	}
	t.snapshotVersion(a)
	for _, v := range t.eng.store.collectCascade(a, 0) {
		t.snapshotVersion(v)
	}
	t.erased = append(t.erased, a)
	return nil
}

func (t *Transaction) dropCreated(a Address) {
	for i, c := range t.created {
		if c == a {
			t.created = append(t.created[:i], t.created[i+1:]...)
			return
		}
	}
}

// SetContent stages a link content override. Pending links are written
// through immediately.
func (t *Transaction) SetContent(a Address, c Content) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("set content"); err != nil {
		return err
	}
	if t.isPending(a) {
		return t.eng.store.SetLinkContent(t.eng.contents, a, c.Bytes, c.Format, t.id)
	}
	pre, err := t.eng.store.GetLinkContent(a, 0)
	hadPre := err == nil
	if err != nil && StatusOf(err) != StatusNo {
		return fmt.Errorf("set content %v: %w", a, err)
	}
	t.snapshotVersion(a)
	t.contents = append(t.contents, contentEntry{addr: a, pre: pre, hadPre: hadPre, next: c})
	return nil
}

// GetContent reads link content through the transaction's override map.
func (t *Transaction) GetContent(a Address) (Content, error) {
	t.mu.Lock()
	for i := len(t.contents) - 1; i >= 0; i-- {
		if t.contents[i].addr == a {
			c := t.contents[i].next
			t.mu.Unlock()
			return c, nil
		}
	}
	t.mu.Unlock()
	return t.eng.store.GetLinkContent(a, t.id)
}

// IsElement reports element liveness as seen by this transaction: committed
// elements plus its own pending creations, minus its staged erases.
func (t *Transaction) IsElement(a Address) bool {
	t.mu.Lock()
	for _, e := range t.erased {
		if e == a {
			t.mu.Unlock()
			return false
		}
	}
	t.mu.Unlock()
	unlock := t.eng.store.monitors.lockAddrs(a)
	defer unlock()
	return t.eng.store.get(a, t.id) != nil
}

// Validate rechecks every captured pre-image version against the live
// store. False means another transaction committed a conflicting change.
func (t *Transaction) Validate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	for a, v := range t.versions {
		if t.eng.store.version(a) != v {
			return false
		}
	}
	return true
}

// Merge condenses the staged lists: modifications of the same field
// collapse to the latest, and an erase annihilates earlier modifications
// and content writes on the same element. Create-folding happens at staging
// time, so created entries are already minimal.
func (t *Transaction) Merge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	erased := make(map[Address]bool, len(t.erased))
	for _, a := range t.erased {
		erased[a] = true
	}
	merged := make([]modEntry, 0, len(t.modified))
	latest := make(map[Address]int)
	for _, m := range t.modified {
		if erased[m.addr] {
			continue
		}
		if i, ok := latest[m.addr]; ok {
			prev := &merged[i]
			if m.mask&ModType != 0 {
				prev.newType = m.newType
			}
			if m.mask&ModSource != 0 {
				prev.newSource = m.newSource
			}
			if m.mask&ModTarget != 0 {
				prev.newTarget = m.newTarget
			}
			prev.mask |= m.mask
			continue
		}
		latest[m.addr] = len(merged)
		merged = append(merged, m)
	}
	t.modified = merged

	contents := make([]contentEntry, 0, len(t.contents))
	lastContent := make(map[Address]int)
	for _, c := range t.contents {
		if erased[c.addr] {
			continue
		}
		if i, ok := lastContent[c.addr]; ok {
			contents[i].next = c.next
			continue
		}
		lastContent[c.addr] = len(contents)
		contents = append(contents, c)
	}
	t.contents = contents
}

// Rollback discards the transaction: pending creations are freed and are
// never observable outside the transaction. No events are emitted.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.discard()
	logrus.Debugf("txn %d rolled back", t.id)
}

// Clear empties the buffer without commit or rollback notifications.
func (t *Transaction) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.discard()
	t.finished = false
}

func (t *Transaction) discard() {
	for i := len(t.created) - 1; i >= 0; i-- {
		_, _ = t.eng.store.Erase(t.created[i], t.id)
	}
	t.created = nil
	t.modified = nil
	t.erased = nil
	t.contents = nil
	t.versions = make(map[Address]uint64)
	t.finished = true
}

// Apply commits the merged buffer: creations become visible, then
// modifications, erases and content writes land, in that order. The whole
// transaction is atomic: any failure reverses already-applied operations
// through the captured pre-images and returns INVALID_STATE. On success the
// matching events are handed to the dispatcher in commit order and a WAL
// record is appended.
func (t *Transaction) Apply() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return fmt.Errorf("apply: transaction %d finished: %w", t.id, ErrInvalidState)
	}

	t.eng.commitMu.Lock()
	defer t.eng.commitMu.Unlock()

	for a, v := range t.versions {
		if t.eng.store.version(a) != v {
			return fmt.Errorf("apply: txn %d conflict on %v: %w", t.id, a, ErrInvalidState)
		}
	}

	var (
		events         []Event
		revealed       []Address
		modApplied     []modEntry
		erasedRecs     [][]eraseRecord
		contentApplied []contentEntry
	)
	revert := func() {
		for i := len(contentApplied) - 1; i >= 0; i-- {
			ce := contentApplied[i]
			if ce.hadPre {
				_ = t.eng.store.SetLinkContent(t.eng.contents, ce.addr, ce.pre.Bytes, ce.pre.Format, 0)
			} else {
				t.eng.store.clearContent(t.eng.contents, ce.addr)
			}
		}
		for i := len(erasedRecs) - 1; i >= 0; i-- {
			// connectors whose endpoints are not back yet are retried
			// until a pass places nothing more
			pending := erasedRecs[i]
			for len(pending) > 0 {
				var rest []eraseRecord
				for _, r := range pending {
					t.eng.store.resurrect(t.eng.contents, r)
					if !t.eng.store.IsElement(r.addr) {
						rest = append(rest, r)
					}
				}
				if len(rest) == len(pending) {
					break
				}
				pending = rest
			}
		}
		for i := len(modApplied) - 1; i >= 0; i-- {
			m := modApplied[i]
			_ = t.eng.store.applyModify(m.addr, m.mask, m.preType, m.preSource, m.preTarget, 0)
		}
		for _, a := range revealed {
			t.eng.store.hidePending(a, t.id)
		}
	}

	fail := func(err error) error {
		revert()
		logrus.WithError(err).Warnf("txn %d apply reverted", t.id)
		return fmt.Errorf("apply txn %d: %w", t.id, ErrInvalidState)
	}

	// creations
	for _, a := range t.created {
		t.eng.store.commitPending(a, t.id)
		t.eng.store.bumpVersion(a)
		revealed = append(revealed, a)
		if typ, err := t.eng.store.ElementType(a); err == nil && typ.IsConnector() {
			src, dst, _ := t.eng.store.ConnectorEndpoints(a)
			t.eng.store.bumpVersion(src)
			t.eng.store.bumpVersion(dst)
			events = append(events,
				Event{Kind: EventAddOutgoingArc, Subject: src, Connector: a, Other: dst},
				Event{Kind: EventAddIncomingArc, Subject: dst, Connector: a, Other: src})
		}
	}
	// modifications
	for _, m := range t.modified {
		if err := t.eng.store.applyModify(m.addr, m.mask, m.newType, m.newSource, m.newTarget, 0); err != nil {
			return fail(err)
		}
		t.eng.store.bumpVersion(m.addr)
		modApplied = append(modApplied, m)
	}
	// erases
	for _, a := range t.erased {
		recs, err := t.eng.store.Erase(a, 0)
		if err != nil {
			return fail(err)
		}
		erasedRecs = append(erasedRecs, recs)
		for _, r := range recs {
			t.eng.contents.dropContent(r.addr, r.payload)
			if r.typ.IsConnector() {
				events = append(events,
					Event{Kind: EventRemoveOutgoingArc, Subject: r.source, Connector: r.addr, Other: r.target},
					Event{Kind: EventRemoveIncomingArc, Subject: r.target, Connector: r.addr, Other: r.source})
			}
			events = append(events, Event{Kind: EventRemoveElement, Subject: r.addr})
		}
	}
	// content writes
	for _, c := range t.contents {
		if err := t.eng.store.SetLinkContent(t.eng.contents, c.addr, c.next.Bytes, c.next.Format, 0); err != nil {
			return fail(err)
		}
		t.eng.store.bumpVersion(c.addr)
		contentApplied = append(contentApplied, c)
		events = append(events, Event{Kind: EventChangeContent, Subject: c.addr})
	}

	for i := range events {
		events[i].Initiator = t.initiator
	}
	t.committed = true
	t.finished = true
	t.eng.onCommit(t, events)
	return nil
}
