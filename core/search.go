package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// SearchItem is one complete assignment of template positions to addresses.
type SearchItem struct {
	bindings  map[string]Address
	positions []Address
}

// Get returns the address bound to a replacement name.
func (i *SearchItem) Get(name string) (Address, bool) {
	a, ok := i.bindings[name]
	return a, ok
}

// At returns the address at flattened position index.
func (i *SearchItem) At(pos int) Address {
	if pos < 0 || pos >= len(i.positions) {
		return EmptyAddr
	}
	return i.positions[pos]
}

// Bindings returns a copy of the name map.
func (i *SearchItem) Bindings() map[string]Address {
	out := make(map[string]Address, len(i.bindings))
	for k, v := range i.bindings {
		out[k] = v
	}
	return out
}

// SearchResult is the materialized item vector of one search.
type SearchResult struct {
	items []SearchItem
}

func (r *SearchResult) Len() int { return len(r.items) }

func (r *SearchResult) Empty() bool { return len(r.items) == 0 }

// Item returns the i-th assignment.
func (r *SearchResult) Item(i int) *SearchItem { return &r.items[i] }

// searchFilter widens a replacement hint for matching: template variables
// match the graph's constants, so the constancy group becomes a wildcard.
func searchFilter(t ElemType) ElemType {
	if t.IsVar() {
		return t &^ TypeVar
	}
	return t
}

// SearchByTemplate solves the template as a constraint-satisfaction problem
// over the committed graph. Rows are processed most-constrained-first;
// conflicting name bindings backtrack; duplicate assignments are suppressed
// by a hash of the binding map. The context's cancellation is checked
// between backtracks.
func (c *Context) SearchByTemplate(ctx context.Context, tmpl *Template, params GenParams) (*SearchResult, error) {
	if tmpl == nil || len(tmpl.rows) == 0 {
		return nil, fmt.Errorf("search: empty template: %w", ErrInvalidParams)
	}
	bound := make(map[string]Address)
	for name, p := range params {
		switch p.kind {
		case paramAddr:
			if !c.eng.store.IsElement(p.addr) {
				return nil, fmt.Errorf("search: param %q dead: %w", name, ErrInvalidParams)
			}
			bound[name] = p.addr
		case paramIdent:
			a, err := c.eng.dict.Find(c.eng.store, p.ident)
			if err != nil {
				return nil, fmt.Errorf("search: param %q: %w", name, err)
			}
			bound[name] = a
		case paramValue:
			links := c.eng.store.FindLinksByContent(c.eng.contents, p.content.Bytes)
			if len(links) == 0 {
				return nil, fmt.Errorf("search: param %q content: %w", name, ErrNo)
			}
			bound[name] = links[0]
		case paramType:
			return nil, fmt.Errorf("search: param %q: type override is generation-only: %w", name, ErrInvalidParams)
		}
	}

	s := &searcher{
		ctx:      ctx,
		store:    c.eng.store,
		tmpl:     tmpl,
		seen:     make(map[uint64]bool),
		result:   &SearchResult{},
		rowSlots: make([][]Address, len(tmpl.rows)),
	}
	remaining := make([]int, len(tmpl.rows))
	for i := range remaining {
		remaining[i] = i
	}
	if err := s.solve(remaining, bound); err != nil {
		return nil, err
	}
	return s.result, nil
}

type searcher struct {
	ctx      context.Context
	store    *Store
	tmpl     *Template
	seen     map[uint64]bool
	result   *SearchResult
	rowSlots [][]Address // positions matched per row, indexed by row
}

// fanIn scores a row under the current bindings: the number of endpoint
// positions already concrete. A bound connector name pins the whole row.
func (s *searcher) fanIn(row templateRow, bound map[string]Address) int {
	score := 0
	for idx, it := range row.items {
		concrete := it.kind == itemAddr
		if it.kind == itemRepl {
			_, concrete = bound[it.name]
		}
		if !concrete {
			continue
		}
		if idx == 1 || idx == 3 {
			score += 3 // a known connector determines its endpoints
		} else {
			score++
		}
	}
	return score
}

// estimate approximates the candidate count for a row: the smallest
// adjacency list among its concrete endpoints.
func (s *searcher) estimate(row templateRow, bound map[string]Address) int {
	const limit = 64
	best := limit + 1
	check := func(idx int, outgoing bool) {
		it := row.items[idx]
		a := it.addr
		if it.kind == itemRepl {
			a = bound[it.name]
		} else if it.kind != itemAddr {
			return
		}
		if a.IsEmpty() {
			return
		}
		if n := s.store.adjacencySize(a, outgoing, limit); n < best {
			best = n
		}
	}
	check(0, true)
	check(2, false)
	return best
}

func (s *searcher) pickRow(remaining []int, bound map[string]Address) int {
	bestPos, bestScore, bestEst := 0, -1, 1<<30
	for pos, ri := range remaining {
		row := s.tmpl.rows[ri]
		score := s.fanIn(row, bound)
		est := s.estimate(row, bound)
		if score > bestScore || (score == bestScore && est < bestEst) {
			bestPos, bestScore, bestEst = pos, score, est
		}
	}
	return bestPos
}

func (s *searcher) solve(remaining []int, bound map[string]Address) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("search cancelled: %w", err)
	}
	if len(remaining) == 0 {
		s.emit(bound)
		return nil
	}
	pick := s.pickRow(remaining, bound)
	ri := remaining[pick]
	rest := make([]int, 0, len(remaining)-1)
	rest = append(rest, remaining[:pick]...)
	rest = append(rest, remaining[pick+1:]...)
	row := s.tmpl.rows[ri]

	candidates, err := s.candidates(row, bound)
	if err != nil {
		return err
	}
	for _, tuple := range candidates {
		if err := s.ctx.Err(); err != nil {
			return fmt.Errorf("search cancelled: %w", err)
		}
		added, ok := s.bind(row, tuple, bound)
		if !ok {
			continue
		}
		s.rowSlots[ri] = tuple
		if err := s.solve(rest, bound); err != nil {
			return err
		}
		for _, name := range added {
			delete(bound, name)
		}
		s.rowSlots[ri] = nil
	}
	return nil
}

// bind checks a candidate tuple against the row's constraints and extends
// the binding map. Returns the names it added so the caller can backtrack.
func (s *searcher) bind(row templateRow, tuple []Address, bound map[string]Address) ([]string, bool) {
	var added []string
	for idx, it := range row.items {
		a := tuple[idx]
		switch it.kind {
		case itemAddr:
			if it.addr != a {
				return s.unbindAll(added, bound)
			}
		case itemType:
			if !s.matchType(a, it.typ) {
				return s.unbindAll(added, bound)
			}
		case itemRepl:
			if prev, ok := bound[it.name]; ok {
				if prev != a {
					return s.unbindAll(added, bound)
				}
				continue
			}
			if !s.matchType(a, it.typ) {
				return s.unbindAll(added, bound)
			}
			bound[it.name] = a
			added = append(added, it.name)
		}
	}
	return added, true
}

func (s *searcher) unbindAll(added []string, bound map[string]Address) ([]string, bool) {
	for _, name := range added {
		delete(bound, name)
	}
	return nil, false
}

func (s *searcher) matchType(a Address, hint ElemType) bool {
	if hint == TypeUnknown {
		return true
	}
	t, err := s.store.ElementType(a)
	return err == nil && t.Matches(searchFilter(hint))
}

// itemParam converts a template item to an iterator constraint under bound.
func itemParam(it TemplateItem, bound map[string]Address) IterParam {
	switch it.kind {
	case itemAddr:
		return Fixed(it.addr)
	case itemRepl:
		if a, ok := bound[it.name]; ok {
			return Fixed(a)
		}
		return Filter(searchFilter(it.typ))
	default:
		return Filter(searchFilter(it.typ))
	}
}

// candidates materializes the tuple stream for one row. When the connector
// position is already bound the tuple is derived directly from the store;
// otherwise a 3- or 5-iterator walks the graph.
func (s *searcher) candidates(row templateRow, bound map[string]Address) ([][]Address, error) {
	if it := row.items[1]; it.kind == itemRepl {
		if conn, ok := bound[it.name]; ok {
			return s.fromBoundConnector(row, conn, bound)
		}
	}
	p1 := itemParam(row.items[0], bound)
	p2 := itemParam(row.items[1], bound)
	p3 := itemParam(row.items[2], bound)
	if !p1.fixed && !p3.fixed {
		return nil, fmt.Errorf("search: row has no concrete endpoint: %w", ErrInvalidParams)
	}
	var out [][]Address
	if len(row.items) == 3 {
		it, err := NewIterator3(s.store, p1, p2, p3)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			out = append(out, []Address{it.Get(0), it.Get(1), it.Get(2)})
		}
		return out, nil
	}
	p4 := itemParam(row.items[3], bound)
	if p4.fixed {
		// the iterator wants a type constraint here; bind() enforces the
		// equality against the bound address
		p4 = Filter(TypeUnknown)
	}
	p5 := itemParam(row.items[4], bound)
	it, err := NewIterator5(s.store, p1, p2, p3, p4, p5)
	if err != nil {
		return nil, err
	}
	for it.Next() {
		out = append(out, []Address{it.Get(0), it.Get(1), it.Get(2), it.Get(3), it.Get(4)})
	}
	return out, nil
}

// fromBoundConnector reconstructs the row tuple around an already-bound
// connector.
func (s *searcher) fromBoundConnector(row templateRow, conn Address, bound map[string]Address) ([][]Address, error) {
	src, dst, err := s.store.ConnectorEndpoints(conn)
	if err != nil {
		return nil, nil // connector died since binding; no candidates
	}
	if len(row.items) == 3 {
		return [][]Address{{src, conn, dst}}, nil
	}
	var out [][]Address
	p4 := itemParam(row.items[3], bound)
	if p4.fixed {
		p4 = Filter(TypeUnknown)
	}
	inner, err := NewIterator3(s.store, itemParam(row.items[4], bound), p4, Fixed(conn))
	if err != nil {
		return nil, err
	}
	for inner.Next() {
		out = append(out, []Address{src, conn, dst, inner.Get(1), inner.Get(0)})
	}
	return out, nil
}

// emit records a completed assignment unless an identical binding set was
// already produced.
func (s *searcher) emit(bound map[string]Address) {
	names := make([]string, 0, len(bound))
	for name := range bound {
		names = append(names, name)
	}
	sort.Strings(names)
	d := xxhash.New()
	var buf [8]byte
	for _, name := range names {
		_, _ = d.WriteString(name)
		binary.LittleEndian.PutUint64(buf[:], bound[name].Raw())
		_, _ = d.Write(buf[:])
	}
	h := d.Sum64()
	if s.seen[h] {
		return
	}
	s.seen[h] = true

	item := SearchItem{bindings: make(map[string]Address, len(bound))}
	for k, v := range bound {
		item.bindings[k] = v
	}
	for _, slots := range s.rowSlots {
		item.positions = append(item.positions, slots...)
	}
	s.result.items = append(s.result.items, item)
}

// TemplateFromStruct reads the triples contained in a structure node and
// synthesizes the equivalent template. Var-typed members become
// replacements named by their system identifiers, or by a generated
// ordinal name when anonymous; const nodes and links stay fixed addresses,
// and const connectors become type constraints.
func (c *Context) TemplateFromStruct(structure Address) (*Template, error) {
	typ, err := c.eng.store.ElementType(structure)
	if err != nil {
		return nil, err
	}
	if !typ.IsNode() || typ&TypeNodeStruct == 0 {
		return nil, fmt.Errorf("template from struct %v: %w", structure, ErrInvalidType)
	}
	member := make(map[Address]bool)
	it, err := NewIterator3(c.eng.store, Fixed(structure), Filter(TypeArcAccess|TypeConst), Filter(TypeUnknown))
	if err != nil {
		return nil, err
	}
	for it.Next() {
		member[it.Get(2)] = true
	}

	auto := 0
	names := make(map[Address]string)
	itemFor := func(a Address) TemplateItem {
		t, err := c.eng.store.ElementType(a)
		if err != nil || !t.IsVar() {
			return TAddr(a)
		}
		if name, err := c.eng.dict.IdentifierOf(a); err == nil {
			return TRepl(name, t)
		}
		if name, ok := names[a]; ok {
			return TRepl(name, t)
		}
		auto++
		names[a] = fmt.Sprintf("_var_%d", auto)
		return TRepl(names[a], t)
	}

	members := make([]Address, 0, len(member))
	for a := range member {
		members = append(members, a)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Raw() < members[j].Raw() })

	tmpl := NewTemplate()
	for _, a := range members {
		t, err := c.eng.store.ElementType(a)
		if err != nil || !t.IsConnector() {
			continue
		}
		src, dst, err := c.eng.store.ConnectorEndpoints(a)
		if err != nil || !member[src] || !member[dst] {
			continue
		}
		connItem := TType(t)
		if t.IsVar() {
			connItem = itemFor(a)
		}
		tmpl.Triple(itemFor(src), connItem, itemFor(dst))
	}
	if tmpl.Size() == 0 {
		return nil, fmt.Errorf("template from struct %v: no triples: %w", structure, ErrNo)
	}
	return tmpl, nil
}
