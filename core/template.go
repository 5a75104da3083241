package core

import (
	"fmt"
	"sync/atomic"
)

// TemplateItem is one position of a template triple: a concrete address, a
// type constraint, or a named replacement with a type hint.
type TemplateItem struct {
	kind itemKind
	addr Address
	typ  ElemType
	name string
}

type itemKind uint8

const (
	itemAddr itemKind = iota
	itemType
	itemRepl
)

// TAddr fixes a position to an existing element.
func TAddr(a Address) TemplateItem { return TemplateItem{kind: itemAddr, addr: a} }

// TType constrains a position by type; generation creates a fresh anonymous
// element there.
func TType(t ElemType) TemplateItem { return TemplateItem{kind: itemType, typ: t} }

// TRepl names a position. The same name in several positions constrains
// them to one address at search and generation time.
func TRepl(name string, hint ElemType) TemplateItem {
	return TemplateItem{kind: itemRepl, typ: hint, name: name}
}

type templateRow struct {
	items []TemplateItem // 3 or 5 positions
}

// Template is an ordered list of triples and quintuples. Rows are appended
// with Triple and Quintuple; the zero template is empty and valid.
type Template struct {
	rows []templateRow
}

func NewTemplate() *Template { return &Template{} }

// Triple appends a 3-position row. P2 describes the connector.
func (t *Template) Triple(p1, p2, p3 TemplateItem) *Template {
	t.rows = append(t.rows, templateRow{items: []TemplateItem{p1, p2, p3}})
	return t
}

// Quintuple appends a 5-position row: a triple whose connector (P2) is the
// target of an attribute arc (P4) from a relation element (P5).
func (t *Template) Quintuple(p1, p2, p3, p4, p5 TemplateItem) *Template {
	t.rows = append(t.rows, templateRow{items: []TemplateItem{p1, p2, p3, p4, p5}})
	return t
}

// Size returns the number of rows.
func (t *Template) Size() int { return len(t.rows) }

// positionCount is the flattened position total, the index space shared by
// generation and search results.
func (t *Template) positionCount() int {
	n := 0
	for _, r := range t.rows {
		n += len(r.items)
	}
	return n
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

// GenParam binds a replacement name ahead of generation or search. The four
// cases mirror what embedders can hand over: a concrete address, another
// identifier, a content value (which generation materializes as a link), or
// a type override for the created element.
type GenParam struct {
	kind    paramKind
	addr    Address
	ident   string
	typ     ElemType
	content Content
}

type paramKind uint8

const (
	paramAddr paramKind = iota
	paramIdent
	paramValue
	paramType
)

// ParamAddr binds to an existing element.
func ParamAddr(a Address) GenParam { return GenParam{kind: paramAddr, addr: a} }

// ParamIdent binds to the element carrying a system identifier.
func ParamIdent(name string) GenParam { return GenParam{kind: paramIdent, ident: name} }

// ParamValue binds to a link carrying the given content: generation creates
// a fresh link, search binds to an existing link whose content matches.
func ParamValue(c Content) GenParam { return GenParam{kind: paramValue, content: c} }

// ParamType overrides the created element's type.
func ParamType(t ElemType) GenParam { return GenParam{kind: paramType, typ: t} }

// GenParams maps replacement names to their bindings.
type GenParams map[string]GenParam

// GenResult maps replacement names to the addresses a generation produced,
// plus every position of every generated row.
type GenResult struct {
	bindings  map[string]Address
	positions []Address
}

// Get returns the address bound to a replacement name.
func (r *GenResult) Get(name string) (Address, bool) {
	a, ok := r.bindings[name]
	return a, ok
}

// At returns the address at flattened position i.
func (r *GenResult) At(i int) Address {
	if i < 0 || i >= len(r.positions) {
		return EmptyAddr
	}
	return r.positions[i]
}

// Bindings returns a copy of the name map.
func (r *GenResult) Bindings() map[string]Address {
	out := make(map[string]Address, len(r.bindings))
	for k, v := range r.bindings {
		out[k] = v
	}
	return out
}

var autoTxnSeq atomic.Uint64

// autoTxnID hands out ids for engine-internal transactions, from the top of
// the id space so they never collide with caller-supplied ones.
func autoTxnID() uint64 { return 1<<63 + autoTxnSeq.Add(1) }

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

// GenerateByTemplate creates one element per unbound replacement and one
// connector per row (two for a quintuple row, the second being its
// attribute arc), inside a single transaction. Any failure rolls the
// whole generation back.
func (c *Context) GenerateByTemplate(tmpl *Template, params GenParams) (*GenResult, error) {
	if err := c.writable("generate"); err != nil {
		return nil, err
	}
	if tmpl == nil || len(tmpl.rows) == 0 {
		return nil, fmt.Errorf("generate: empty template: %w", ErrInvalidParams)
	}
	txn, err := c.Begin(autoTxnID())
	if err != nil {
		return nil, err
	}
	res, err := c.generateIn(txn, tmpl, params)
	if err != nil {
		txn.Rollback()
		return nil, err
	}
	txn.Merge()
	if err := txn.Apply(); err != nil {
		txn.Rollback()
		return nil, err
	}
	return res, nil
}

func (c *Context) generateIn(txn *Transaction, tmpl *Template, params GenParams) (*GenResult, error) {
	res := &GenResult{bindings: make(map[string]Address)}
	// seed from the parameter map
	for name, p := range params {
		switch p.kind {
		case paramAddr:
			if !txn.IsElement(p.addr) {
				return nil, fmt.Errorf("generate: param %q dead: %w", name, ErrInvalidParams)
			}
			res.bindings[name] = p.addr
		case paramIdent:
			a, err := c.eng.dict.Find(c.eng.store, p.ident)
			if err != nil {
				return nil, fmt.Errorf("generate: param %q: %w", name, err)
			}
			res.bindings[name] = a
		case paramValue:
			a, err := txn.CreateLink(TypeLinkConst)
			if err != nil {
				return nil, err
			}
			if err := txn.SetContent(a, p.content); err != nil {
				return nil, err
			}
			res.bindings[name] = a
		case paramType:
			// handled at creation time below
		}
	}

	endpoint := func(it TemplateItem) (Address, error) {
		switch it.kind {
		case itemAddr:
			if !txn.IsElement(it.addr) {
				return EmptyAddr, fmt.Errorf("generate: fixed element dead: %w", ErrInvalidState)
			}
			return it.addr, nil
		case itemRepl:
			if a, ok := res.bindings[it.name]; ok {
				return a, nil
			}
			typ := it.typ
			if p, ok := params[it.name]; ok && p.kind == paramType {
				typ = p.typ
			}
			a, err := createFor(txn, typ)
			if err != nil {
				return EmptyAddr, err
			}
			res.bindings[it.name] = a
			return a, nil
		default: // itemType: fresh anonymous element
			return createFor(txn, it.typ)
		}
	}

	connect := func(it TemplateItem, src, dst Address) (Address, error) {
		var typ ElemType
		switch it.kind {
		case itemType:
			typ = it.typ
		case itemRepl:
			if _, bound := res.bindings[it.name]; bound {
				return EmptyAddr, fmt.Errorf("generate: connector %q already bound: %w", it.name, ErrInvalidParams)
			}
			typ = it.typ
		default:
			return EmptyAddr, fmt.Errorf("generate: fixed connector position: %w", ErrInvalidParams)
		}
		typ = varToConst(typ)
		a, err := txn.CreateConnector(typ, src, dst)
		if err != nil {
			return EmptyAddr, err
		}
		if it.kind == itemRepl {
			res.bindings[it.name] = a
		}
		return a, nil
	}

	for _, row := range tmpl.rows {
		src, err := endpoint(row.items[0])
		if err != nil {
			return nil, err
		}
		dst, err := endpoint(row.items[2])
		if err != nil {
			return nil, err
		}
		conn, err := connect(row.items[1], src, dst)
		if err != nil {
			return nil, err
		}
		res.positions = append(res.positions, src, conn, dst)
		if len(row.items) == 5 {
			rel, err := endpoint(row.items[4])
			if err != nil {
				return nil, err
			}
			attr, err := connect(row.items[3], rel, conn)
			if err != nil {
				return nil, err
			}
			res.positions = append(res.positions, attr, rel)
		}
	}
	return res, nil
}

// createFor materializes a non-connector element for an unbound position.
// Var types generate their const counterparts; a missing kind defaults to a
// plain const node.
func createFor(txn *Transaction, typ ElemType) (Address, error) {
	typ = varToConst(typ)
	switch {
	case typ.IsLink():
		return txn.CreateLink(typ)
	case typ.IsConnector():
		return EmptyAddr, fmt.Errorf("generate: connector in endpoint position: %w", ErrInvalidType)
	case typ.IsNode():
		return txn.CreateNode(typ)
	default:
		return txn.CreateNode(TypeNodeConst)
	}
}

// varToConst flips the constancy group for generation: templates describe
// variables, the graph stores constants.
func varToConst(t ElemType) ElemType {
	if t.IsVar() {
		return (t &^ TypeVar) | TypeConst
	}
	if t&maskConstancy == 0 {
		return t | TypeConst
	}
	return t
}
