package core

import "fmt"

// IterParam is one position constraint of an iterator or template triple:
// either a fixed address or a type filter.
type IterParam struct {
	addr  Address
	typ   ElemType
	fixed bool
}

// Fixed constrains a position to a concrete address.
func Fixed(a Address) IterParam { return IterParam{addr: a, fixed: true} }

// Filter constrains a position to elements matching t.
func Filter(t ElemType) IterParam { return IterParam{typ: t} }

func (p IterParam) matches(s *Store, a Address) bool {
	if p.fixed {
		return p.addr == a
	}
	if p.typ == TypeUnknown {
		return true
	}
	t, err := s.ElementType(a)
	return err == nil && t.Matches(p.typ)
}

// Iterator3 streams connectors matching (P1, P2, P3) where P2 is a connector
// type constraint and P1/P3 constrain the endpoints. It walks the intrusive
// adjacency list of the most constrained fixed endpoint; when both endpoints
// are fixed it picks the smaller list.
//
// The iterator is single pass and holds no locks between advances. Each
// advance revalidates generations; concurrent erasure of the walked element
// ends the stream.
type Iterator3 struct {
	s        *Store
	p        [3]IterParam
	cur      Address // current connector
	started  bool
	done     bool
	outgoing bool    // walking source's outgoing list
	anchor   Address // fixed element whose list is walked
	tuple    [3]Address
}

// NewIterator3 builds a 3-iterator. P2 must be a type constraint over
// connectors; at least one endpoint must be fixed.
func NewIterator3(s *Store, p1, p2, p3 IterParam) (*Iterator3, error) {
	if p2.fixed || (p2.typ != TypeUnknown && !p2.typ.IsConnector()) {
		return nil, fmt.Errorf("iterator3: connector position: %w", ErrInvalidParams)
	}
	if !p1.fixed && !p3.fixed {
		return nil, fmt.Errorf("iterator3: unconstrained: %w", ErrInvalidParams)
	}
	it := &Iterator3{s: s, p: [3]IterParam{p1, p2, p3}}
	switch {
	case p1.fixed && p3.fixed:
		// bound by the smaller of the two adjacency lists
		out := s.adjacencySize(p1.addr, true, 64)
		in := s.adjacencySize(p3.addr, false, 64)
		if out <= in {
			it.outgoing, it.anchor = true, p1.addr
		} else {
			it.outgoing, it.anchor = false, p3.addr
		}
	case p1.fixed:
		it.outgoing, it.anchor = true, p1.addr
	default:
		it.outgoing, it.anchor = false, p3.addr
	}
	if !s.IsElement(it.anchor) {
		it.done = true
	}
	return it, nil
}

// Next advances to the following matching connector.
func (it *Iterator3) Next() bool {
	for {
		c, ok := it.advance()
		if !ok {
			return false
		}
		src, dst, err := it.s.ConnectorEndpoints(c)
		if err != nil {
			continue
		}
		if !it.p[1].matches(it.s, c) {
			continue
		}
		if !it.p[0].matches(it.s, src) || !it.p[2].matches(it.s, dst) {
			continue
		}
		it.tuple = [3]Address{src, c, dst}
		return true
	}
}

// advance steps one position along the anchored list, generation-checked.
func (it *Iterator3) advance() (Address, bool) {
	if it.done {
		return EmptyAddr, false
	}
	unlock := it.s.monitors.lockAddrs(it.anchor, it.cur)
	defer unlock()
	if !it.started {
		it.started = true
		ae := it.s.get(it.anchor, 0)
		if ae == nil {
			it.done = true
			return EmptyAddr, false
		}
		if it.outgoing {
			it.cur = ae.firstOut
		} else {
			it.cur = ae.firstIn
		}
	} else {
		// step through any live slot, pending ones included: the visibility
		// filter happens on the candidate, not on the traversal
		ce := it.s.getAny(it.cur)
		if ce == nil {
			// the element under inspection was mutated away
			it.done = true
			return EmptyAddr, false
		}
		if it.outgoing {
			it.cur = ce.nextOut
		} else {
			it.cur = ce.nextIn
		}
	}
	if it.cur.IsEmpty() {
		it.done = true
		return EmptyAddr, false
	}
	return it.cur, true
}

// Get returns position i of the current tuple: 0=source, 1=connector,
// 2=target.
func (it *Iterator3) Get(i int) Address {
	if i < 0 || i > 2 {
		return EmptyAddr
	}
	return it.tuple[i]
}

// Iterator5 extends a 3-iterator with an attribute arc: P4 is a connector
// from a relation element (P5) to the P2 connector. Positions are
// 0=source, 1=connector, 2=target, 3=attribute arc, 4=relation.
type Iterator5 struct {
	base  *Iterator3
	p4    IterParam
	p5    IterParam
	inner *Iterator3
	tuple [5]Address
}

// NewIterator5 builds a 5-iterator over (P1..P5).
func NewIterator5(s *Store, p1, p2, p3, p4, p5 IterParam) (*Iterator5, error) {
	base, err := NewIterator3(s, p1, p2, p3)
	if err != nil {
		return nil, err
	}
	if p4.fixed || (p4.typ != TypeUnknown && !p4.typ.IsConnector()) {
		return nil, fmt.Errorf("iterator5: attribute position: %w", ErrInvalidParams)
	}
	return &Iterator5{base: base, p4: p4, p5: p5}, nil
}

// Next advances to the next (triple, attribute arc) combination.
func (it *Iterator5) Next() bool {
	for {
		if it.inner != nil && it.inner.Next() {
			it.tuple = [5]Address{
				it.base.Get(0), it.base.Get(1), it.base.Get(2),
				it.inner.Get(1), it.inner.Get(0),
			}
			return true
		}
		it.inner = nil
		if !it.base.Next() {
			return false
		}
		// the attribute arc targets the P2 connector, so the inner walk
		// is always anchored there
		inner, err := NewIterator3(it.base.s, it.p5, it.p4, Fixed(it.base.Get(1)))
		if err != nil {
			return false
		}
		it.inner = inner
	}
}

// Get returns position i of the current quintuple.
func (it *Iterator5) Get(i int) Address {
	if i < 0 || i > 4 {
		return EmptyAddr
	}
	return it.tuple[i]
}
