package core

import (
	"fmt"
	"sync"
)

// IdentifierDict maps textual system identifiers to element addresses
// through a 256-branch byte trie, with a reverse map for O(1) lookup by
// address. Resolution is O(len(name)) in both directions.
//
// Bindings are not removed when their element dies; lookups detect stale
// generations and treat the binding as absent.
type IdentifierDict struct {
	mu      sync.Mutex
	root    *trieNode
	reverse map[Address]string
}

type trieNode struct {
	children [256]*trieNode
	addr     Address
	bound    bool
}

func NewIdentifierDict() *IdentifierDict {
	return &IdentifierDict{root: &trieNode{}, reverse: make(map[Address]string)}
}

// validIdentifier enforces the [A-Za-z0-9_] alphabet.
func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

func (d *IdentifierDict) node(name string, create bool) *trieNode {
	n := d.root
	for i := 0; i < len(name); i++ {
		next := n.children[name[i]]
		if next == nil {
			if !create {
				return nil
			}
			next = &trieNode{}
			n.children[name[i]] = next
		}
		n = next
	}
	return n
}

// Find returns the address bound to name. A stale binding (the element was
// erased since it was set) counts as absent.
func (d *IdentifierDict) Find(s *Store, name string) (Address, error) {
	if !validIdentifier(name) {
		return EmptyAddr, fmt.Errorf("identifier %q: %w", name, ErrInvalidParams)
	}
	d.mu.Lock()
	n := d.node(name, false)
	var a Address
	if n != nil && n.bound {
		a = n.addr
	}
	d.mu.Unlock()
	if a.IsEmpty() || !s.IsElement(a) {
		return EmptyAddr, fmt.Errorf("identifier %q: %w", name, ErrNotFound)
	}
	return a, nil
}

// Set binds name to a. It fails when the name is already bound to a
// different live element; a stale binding is silently replaced.
func (d *IdentifierDict) Set(s *Store, name string, a Address) error {
	if !validIdentifier(name) || a.IsEmpty() {
		return fmt.Errorf("set identifier %q: %w", name, ErrInvalidParams)
	}
	if !s.IsElement(a) {
		return fmt.Errorf("set identifier %q: %w", name, ErrInvalidState)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.node(name, true)
	if n.bound && n.addr != a && s.IsElement(n.addr) {
		return fmt.Errorf("set identifier %q: already bound: %w", name, ErrInvalidState)
	}
	if n.bound {
		delete(d.reverse, n.addr)
	}
	if prev, ok := d.reverse[a]; ok && prev != name {
		if pn := d.node(prev, false); pn != nil {
			pn.bound = false
			pn.addr = EmptyAddr
		}
	}
	n.addr = a
	n.bound = true
	d.reverse[a] = name
	return nil
}

// Unset removes the binding for name if present.
func (d *IdentifierDict) Unset(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.node(name, false); n != nil && n.bound {
		delete(d.reverse, n.addr)
		n.bound = false
		n.addr = EmptyAddr
	}
}

// IdentifierOf returns the name bound to a, if any.
func (d *IdentifierDict) IdentifierOf(a Address) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.reverse[a]
	if !ok {
		return "", fmt.Errorf("identifier of %v: %w", a, ErrNotFound)
	}
	return name, nil
}

// Resolve returns the element bound to name, creating a node of hintType and
// binding it when the name is unbound or stale.
func (d *IdentifierDict) Resolve(s *Store, name string, hintType ElemType) (Address, error) {
	if a, err := d.Find(s, name); err == nil {
		return a, nil
	} else if StatusOf(err) != StatusNotFound {
		return EmptyAddr, err
	}
	a, err := s.CreateNode(hintType, 0)
	if err != nil {
		return EmptyAddr, fmt.Errorf("resolve %q: %w", name, err)
	}
	if err := d.Set(s, name, a); err != nil {
		// lost the race to a concurrent Resolve of the same name
		if _, eerr := s.Erase(a, 0); eerr == nil {
			if prev, ferr := d.Find(s, name); ferr == nil {
				return prev, nil
			}
		}
		return EmptyAddr, err
	}
	return a, nil
}

// Walk visits every recorded binding, stale ones included; used by
// snapshotting, which filters out bindings to dead elements.
func (d *IdentifierDict) Walk(fn func(name string, a Address)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for a, name := range d.reverse {
		fn(name, a)
	}
}
