package core

import (
	"fmt"
	"sort"
	"sync"
)

// Store is the slotted element arena. Elements live in fixed-size segments;
// freed slots are reused through a per-segment freelist with a generation
// bump so stale addresses fail validity checks.
//
// Locking is hierarchical: mu guards the segment table and freelists, the
// monitor table guards individual element records. Monitors are always
// acquired in ascending slot order.
type Store struct {
	mu       sync.RWMutex
	segs     []*segment
	monitors monitorTable
	live     int
}

const segmentSlots = 4096

type segment struct {
	slots []element
	free  []uint16
}

// element is the in-arena record. firstOut/firstIn head the two intrusive
// adjacency lists; nextOut/nextIn are the list links used when this element
// is itself a connector. Adjacency has no other representation.
type element struct {
	typ     ElemType
	gen     uint32
	live    bool
	pending uint64 // id of the owning uncommitted transaction, 0 when visible
	version uint64

	source, target   Address // connectors only
	firstOut, nextIn Address
	firstIn, nextOut Address

	payload []byte
	format  ContentFormat
}

// eraseRecord describes one element removed by an erase cascade, with enough
// of its pre-image for event emission and transaction revert.
type eraseRecord struct {
	addr           Address
	typ            ElemType
	source, target Address
	payload        []byte
	format         ContentFormat
}

// monitorTable stripes per-element monitors over a fixed set of mutexes.
// Distinct stripes are locked in ascending index order, which preserves the
// ascending-address discipline and rules out deadlock.
type monitorTable struct {
	stripes [512]sync.Mutex
}

func (m *monitorTable) stripeOf(a Address) int { return int(a.slot() % 512) }

// lockAddrs acquires the monitors covering addrs and returns the unlock
// function. Duplicate stripes are collapsed.
func (m *monitorTable) lockAddrs(addrs ...Address) func() {
	idx := make([]int, 0, len(addrs))
	for _, a := range addrs {
		idx = append(idx, m.stripeOf(a))
	}
	sort.Ints(idx)
	locked := idx[:0]
	prev := -1
	for _, i := range idx {
		if i == prev {
			continue
		}
		m.stripes[i].Lock()
		locked = append(locked, i)
		prev = i
	}
	return func() {
		for j := len(locked) - 1; j >= 0; j-- {
			m.stripes[locked[j]].Unlock()
		}
	}
}

// NewStore returns an arena with one segment allocated. Slot (0,0) is
// reserved so the empty address never aliases a live element.
func NewStore() *Store {
	s := &Store{}
	seg := &segment{slots: make([]element, segmentSlots)}
	for i := segmentSlots - 1; i >= 1; i-- {
		seg.free = append(seg.free, uint16(i))
	}
	seg.slots[0].gen = 1 // reserved, never allocated
	s.segs = append(s.segs, seg)
	return s
}

// alloc claims a free slot and returns its address with a fresh generation.
func (s *Store) alloc(t ElemType, txn uint64) Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	for si, seg := range s.segs {
		if len(seg.free) == 0 {
			continue
		}
		off := seg.free[len(seg.free)-1]
		seg.free = seg.free[:len(seg.free)-1]
		el := &seg.slots[off]
		el.gen++
		*el = element{typ: t, gen: el.gen, live: true, pending: txn, version: 1}
		s.live++
		return Address{Segment: uint16(si), Offset: off, Generation: el.gen}
	}
	// all segments full, grow
	seg := &segment{slots: make([]element, segmentSlots)}
	for i := segmentSlots - 1; i >= 2; i-- {
		seg.free = append(seg.free, uint16(i))
	}
	s.segs = append(s.segs, seg)
	el := &seg.slots[1]
	el.gen = 1
	el.typ, el.live, el.pending, el.version = t, true, txn, 1
	s.live++
	return Address{Segment: uint16(len(s.segs) - 1), Offset: 1, Generation: 1}
}

// elem resolves an address to its slot without a generation check. Callers
// hold the appropriate monitor or read lock.
func (s *Store) elem(a Address) *element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(a.Segment) >= len(s.segs) || int(a.Offset) >= segmentSlots {
		return nil
	}
	return &s.segs[a.Segment].slots[a.Offset]
}

// get resolves a to a live element visible to transaction txn (0 means the
// committed view). Returns nil for stale generations and foreign pendings.
func (s *Store) get(a Address, txn uint64) *element {
	el := s.getAny(a)
	if el == nil {
		return nil
	}
	if el.pending != 0 && el.pending != txn {
		return nil
	}
	return el
}

// getAny resolves a to a live slot regardless of pending visibility. List
// traversal uses this: a pending connector threaded onto a committed list
// must not hide the rest of the list from other readers.
func (s *Store) getAny(a Address) *element {
	el := s.elem(a)
	if el == nil || !el.live || el.gen != a.Generation {
		return nil
	}
	return el
}

// IsElement reports whether a names a live, committed element.
func (s *Store) IsElement(a Address) bool {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	return s.get(a, 0) != nil
}

// ElementType returns the element's type.
func (s *Store) ElementType(a Address) (ElemType, error) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, 0)
	if el == nil {
		return TypeUnknown, fmt.Errorf("element type %v: %w", a, ErrInvalidState)
	}
	return el.typ, nil
}

// ConnectorEndpoints returns the ordered (source, target) pair of a
// connector.
func (s *Store) ConnectorEndpoints(a Address) (Address, Address, error) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, 0)
	if el == nil {
		return EmptyAddr, EmptyAddr, fmt.Errorf("endpoints %v: %w", a, ErrInvalidState)
	}
	if !el.typ.IsConnector() {
		return EmptyAddr, EmptyAddr, fmt.Errorf("endpoints %v: %w", a, ErrInvalidType)
	}
	return el.source, el.target, nil
}

// CreateNode allocates a node element.
func (s *Store) CreateNode(t ElemType, txn uint64) (Address, error) {
	if !t.IsNode() || t.IsConnector() || t.IsLink() {
		return EmptyAddr, fmt.Errorf("create node: %w", ErrInvalidParams)
	}
	return s.alloc(t, txn), nil
}

// CreateLink allocates a link element with empty content.
func (s *Store) CreateLink(t ElemType, txn uint64) (Address, error) {
	if !t.IsLink() || t.IsNode() || t.IsConnector() {
		return EmptyAddr, fmt.Errorf("create link: %w", ErrInvalidParams)
	}
	return s.alloc(t, txn), nil
}

// CreateConnector allocates a connector from source to target and threads it
// onto both adjacency lists. Var and unknown connector types are rejected,
// as are dead endpoints.
func (s *Store) CreateConnector(t ElemType, source, target Address, txn uint64) (Address, error) {
	if !t.IsConnector() || !t.IsConst() {
		return EmptyAddr, fmt.Errorf("create connector: %w", ErrInvalidType)
	}
	if source.IsEmpty() || target.IsEmpty() {
		return EmptyAddr, fmt.Errorf("create connector: %w", ErrInvalidParams)
	}
	unlock := s.monitors.lockAddrs(source, target)
	src := s.get(source, txn)
	dst := s.get(target, txn)
	if src == nil || dst == nil {
		unlock()
		return EmptyAddr, fmt.Errorf("create connector: endpoint missing: %w", ErrInvalidState)
	}
	a := s.alloc(t, txn)
	el := s.elem(a)
	el.source, el.target = source, target
	el.nextOut, src.firstOut = src.firstOut, a
	el.nextIn, dst.firstIn = dst.firstIn, a
	unlock()
	return a, nil
}

// ExtendType specializes an element's type; only unset flag groups may be
// filled in.
func (s *Store) ExtendType(a Address, nt ElemType) error {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, 0)
	if el == nil {
		return fmt.Errorf("extend type %v: %w", a, ErrInvalidState)
	}
	if !el.typ.CanExtendTo(nt) {
		return fmt.Errorf("extend type %v: %w", a, ErrInvalidType)
	}
	el.typ = nt
	el.version++
	return nil
}

// collectCascade gathers a and the transitive closure of connectors incident
// to anything in the victim set, in BFS order. Pending connectors of other
// transactions are included: their endpoint dies with the sweep and their
// owning transaction fails validation anyway.
func (s *Store) collectCascade(a Address, txn uint64) []Address {
	seen := map[Address]bool{a: true}
	queue := []Address{a}
	order := []Address{}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		el := s.getAny(v)
		if el == nil {
			continue
		}
		walks := [...]struct {
			head     Address
			outgoing bool
		}{{el.firstOut, true}, {el.firstIn, false}}
		for _, w := range walks {
			for c := w.head; !c.IsEmpty(); {
				ce := s.getAny(c)
				if ce == nil {
					break
				}
				if !seen[c] {
					seen[c] = true
					queue = append(queue, c)
				}
				if w.outgoing {
					c = ce.nextOut
				} else {
					c = ce.nextIn
				}
			}
		}
	}
	return order
}

// Erase removes a and every connector transitively incident to it. The
// sweep is depth-unbounded and never partial; the only failure mode is a
// dead target. Returns the removed elements' pre-images in removal order.
func (s *Store) Erase(a Address, txn uint64) ([]eraseRecord, error) {
	unlock := s.monitors.lockAddrs(a)
	if s.get(a, txn) == nil {
		unlock()
		return nil, fmt.Errorf("erase %v: %w", a, ErrInvalidState)
	}
	unlock()

	victims := s.collectCascade(a, txn)
	lockSet := make([]Address, 0, len(victims)*2)
	lockSet = append(lockSet, victims...)
	for _, v := range victims {
		if el := s.getAny(v); el != nil && el.typ.IsConnector() {
			lockSet = append(lockSet, el.source, el.target)
		}
	}
	unlockAll := s.monitors.lockAddrs(lockSet...)
	defer unlockAll()

	dying := make(map[Address]bool, len(victims))
	for _, v := range victims {
		dying[v] = true
	}
	records := make([]eraseRecord, 0, len(victims))
	for _, v := range victims {
		el := s.getAny(v)
		if el == nil {
			continue
		}
		rec := eraseRecord{addr: v, typ: el.typ, source: el.source, target: el.target,
			payload: el.payload, format: el.format}
		if el.typ.IsConnector() {
			if !dying[el.source] {
				s.unlinkOut(el.source, v, txn)
			}
			if !dying[el.target] {
				s.unlinkIn(el.target, v, txn)
			}
		}
		s.freeSlot(v)
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) unlinkOut(owner, conn Address, txn uint64) {
	oe := s.getAny(owner)
	if oe == nil {
		return
	}
	if oe.firstOut == conn {
		oe.firstOut = s.elem(conn).nextOut
		return
	}
	for c := oe.firstOut; !c.IsEmpty(); {
		ce := s.elem(c)
		if ce.nextOut == conn {
			ce.nextOut = s.elem(conn).nextOut
			return
		}
		c = ce.nextOut
	}
}

func (s *Store) unlinkIn(owner, conn Address, txn uint64) {
	oe := s.getAny(owner)
	if oe == nil {
		return
	}
	if oe.firstIn == conn {
		oe.firstIn = s.elem(conn).nextIn
		return
	}
	for c := oe.firstIn; !c.IsEmpty(); {
		ce := s.elem(c)
		if ce.nextIn == conn {
			ce.nextIn = s.elem(conn).nextIn
			return
		}
		c = ce.nextIn
	}
}

// freeSlot retires a slot: the generation bump invalidates every address
// that referenced the dead occupant.
func (s *Store) freeSlot(a Address) {
	el := s.elem(a)
	if el == nil {
		return
	}
	gen := el.gen + 1
	*el = element{gen: gen}
	s.mu.Lock()
	s.segs[a.Segment].free = append(s.segs[a.Segment].free, a.Offset)
	s.live--
	s.mu.Unlock()
}

// commitPending clears the pending tag on a transaction's creations, making
// them visible to every context.
func (s *Store) commitPending(a Address, txn uint64) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	if el := s.get(a, txn); el != nil && el.pending == txn {
		el.pending = 0
	}
}

// version returns the element's commit version; 0 for dead elements.
func (s *Store) version(a Address) uint64 {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	if el := s.get(a, 0); el != nil {
		return el.version
	}
	return 0
}

func (s *Store) bumpVersion(a Address) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	if el := s.elem(a); el != nil {
		el.version++
	}
}

// adjacencySize counts one adjacency list, bounded by limit; used by the
// iterators to pick the cheaper walk.
func (s *Store) adjacencySize(a Address, outgoing bool, limit int) int {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, 0)
	if el == nil {
		return 0
	}
	n := 0
	c := el.firstOut
	if !outgoing {
		c = el.firstIn
	}
	for !c.IsEmpty() && n < limit {
		ce := s.elem(c)
		if ce == nil {
			break
		}
		n++
		if outgoing {
			c = ce.nextOut
		} else {
			c = ce.nextIn
		}
	}
	return n
}

// LiveCount reports the number of live elements, reserved slot excluded.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}
