package core

import "fmt"

// Helpers used by the transaction layer and WAL replay. These bypass the
// public creation checks because they re-apply changes whose validity was
// established when they were staged (or logged).

// preImage captures the mutable attributes of a committed element.
func (s *Store) preImage(a Address) (ElemType, Address, Address, error) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, 0)
	if el == nil {
		return TypeUnknown, EmptyAddr, EmptyAddr, fmt.Errorf("pre-image %v: %w", a, ErrInvalidState)
	}
	return el.typ, el.source, el.target, nil
}

// applyModify lands a masked attribute change. Endpoint changes rethread
// the intrusive lists. No specialization check happens here; staging (and
// the revert path, which restores arbitrary pre-images) both route through
// this.
func (s *Store) applyModify(a Address, mask ModifyMask, typ ElemType, source, target Address, txn uint64) error {
	unlock := s.monitors.lockAddrs(a, source, target)
	el := s.get(a, txn)
	if el == nil {
		unlock()
		return fmt.Errorf("apply modify %v: %w", a, ErrInvalidState)
	}
	if mask&(ModSource|ModTarget) != 0 && !el.typ.IsConnector() {
		unlock()
		return fmt.Errorf("apply modify %v: endpoint on non-connector: %w", a, ErrInvalidType)
	}
	oldSource, oldTarget := el.source, el.target
	unlock()

	if mask&ModType != 0 {
		unlock := s.monitors.lockAddrs(a)
		if el := s.get(a, txn); el != nil {
			el.typ = typ
		}
		unlock()
	}
	if mask&ModSource != 0 && source != oldSource {
		unlock := s.monitors.lockAddrs(a, oldSource, source)
		if s.get(source, txn) == nil {
			unlock()
			return fmt.Errorf("apply modify %v: new source dead: %w", a, ErrInvalidState)
		}
		s.unlinkOut(oldSource, a, txn)
		el := s.elem(a)
		se := s.get(source, txn)
		el.nextOut, se.firstOut = se.firstOut, a
		el.source = source
		unlock()
	}
	if mask&ModTarget != 0 && target != oldTarget {
		unlock := s.monitors.lockAddrs(a, oldTarget, target)
		if s.get(target, txn) == nil {
			unlock()
			return fmt.Errorf("apply modify %v: new target dead: %w", a, ErrInvalidState)
		}
		s.unlinkIn(oldTarget, a, txn)
		el := s.elem(a)
		te := s.get(target, txn)
		el.nextIn, te.firstIn = te.firstIn, a
		el.target = target
		unlock()
	}
	return nil
}

// hidePending re-tags a revealed creation as pending; used only by the
// apply revert path.
func (s *Store) hidePending(a Address, txn uint64) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	if el := s.get(a, txn); el != nil {
		el.pending = txn
	}
}

// clearContent drops a link's payload and its index entry.
func (s *Store) clearContent(ci *ContentIndex, a Address) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, 0)
	if el == nil || el.payload == nil {
		return
	}
	ci.remove(contentHash(el.payload), a)
	el.payload = nil
	el.format = FormatNone
}

// materialize places an element at an exact slot with an exact generation,
// growing the arena as needed. Connectors are rethreaded onto their
// endpoints' lists. Used by erase-revert and WAL replay, where the address
// identity must be preserved.
func (s *Store) materialize(a Address, typ ElemType, source, target Address, payload []byte, format ContentFormat) error {
	s.mu.Lock()
	for int(a.Segment) >= len(s.segs) {
		seg := &segment{slots: make([]element, segmentSlots)}
		for i := segmentSlots - 1; i >= 1; i-- {
			seg.free = append(seg.free, uint16(i))
		}
		s.segs = append(s.segs, seg)
	}
	seg := s.segs[a.Segment]
	for i, off := range seg.free {
		if off == a.Offset {
			seg.free = append(seg.free[:i], seg.free[i+1:]...)
			break
		}
	}
	el := &seg.slots[a.Offset]
	if el.live {
		s.mu.Unlock()
		return fmt.Errorf("materialize %v: slot occupied: %w", a, ErrInvalidState)
	}
	prevGen := el.gen
	*el = element{typ: typ, gen: a.Generation, live: true, version: 1,
		payload: payload, format: format}
	s.live++
	s.mu.Unlock()

	if typ.IsConnector() {
		unlock := s.monitors.lockAddrs(a, source, target)
		defer unlock()
		se := s.get(source, 0)
		te := s.get(target, 0)
		if se == nil || te == nil {
			// release the slot so a later retry can place the connector
			s.mu.Lock()
			*el = element{gen: prevGen}
			seg.free = append(seg.free, a.Offset)
			s.live--
			s.mu.Unlock()
			return fmt.Errorf("materialize %v: endpoint dead: %w", a, ErrInvalidState)
		}
		el.source, el.target = source, target
		el.nextOut, se.firstOut = se.firstOut, a
		el.nextIn, te.firstIn = te.firstIn, a
	}
	return nil
}

// resurrect undoes one erase record, re-indexing any payload. A connector
// whose endpoints are not live is not placed; the apply revert path retries
// such records once the rest of the cascade is back.
func (s *Store) resurrect(ci *ContentIndex, rec eraseRecord) {
	if s.materialize(rec.addr, rec.typ, rec.source, rec.target, rec.payload, rec.format) == nil {
		if rec.payload != nil {
			ci.add(contentHash(rec.payload), rec.addr)
		}
	}
}
