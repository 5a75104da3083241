package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccessLevel gates what a context may do to the graph.
type AccessLevel uint8

const (
	AccessRead AccessLevel = iota
	AccessWrite
)

// Context is the embedding handle: every public engine operation is a
// method on it. Each context owns a user node in the graph, stamped on the
// events its commits produce.
type Context struct {
	eng    *Engine
	id     string
	name   string
	level  AccessLevel
	user   Address
}

// CreateContext derives a context with the given access level. The name is
// informational; the context's user node is created eagerly so agents can
// attribute events.
func (e *Engine) CreateContext(level AccessLevel, name string) (*Context, error) {
	user, err := e.store.CreateNode(TypeNodeConst, 0)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	return &Context{eng: e, id: uuid.NewString(), name: name, level: level, user: user}, nil
}

// Name returns the context's informational name.
func (c *Context) Name() string { return c.name }

// User returns the context's user node address.
func (c *Context) User() Address { return c.user }

func (c *Context) writable(op string) error {
	if c.level < AccessWrite {
		return fmt.Errorf("%s: read-only context: %w", op, ErrInvalidState)
	}
	return nil
}

// CreateNode creates a committed node element.
func (c *Context) CreateNode(typ ElemType) (Address, error) {
	if err := c.writable("create node"); err != nil {
		return EmptyAddr, err
	}
	a, err := c.eng.store.CreateNode(typ, 0)
	if err != nil {
		return EmptyAddr, err
	}
	c.eng.commitDirect(c.user, []walOp{{Op: opCreateNode, Addr: a.Raw(), Type: uint16(typ)}}, nil)
	return a, nil
}

// CreateLink creates a committed link element with empty content.
func (c *Context) CreateLink(typ ElemType) (Address, error) {
	if err := c.writable("create link"); err != nil {
		return EmptyAddr, err
	}
	a, err := c.eng.store.CreateLink(typ, 0)
	if err != nil {
		return EmptyAddr, err
	}
	c.eng.commitDirect(c.user, []walOp{{Op: opCreateLink, Addr: a.Raw(), Type: uint16(typ)}}, nil)
	return a, nil
}

// CreateConnector creates a committed connector and emits the matching
// add-arc events.
func (c *Context) CreateConnector(typ ElemType, source, target Address) (Address, error) {
	if err := c.writable("create connector"); err != nil {
		return EmptyAddr, err
	}
	a, err := c.eng.store.CreateConnector(typ, source, target, 0)
	if err != nil {
		return EmptyAddr, err
	}
	c.eng.store.bumpVersion(source)
	c.eng.store.bumpVersion(target)
	c.eng.commitDirect(c.user,
		[]walOp{{Op: opCreateConn, Addr: a.Raw(), Type: uint16(typ), Src: source.Raw(), Dst: target.Raw()}},
		[]Event{
			{Kind: EventAddOutgoingArc, Subject: source, Connector: a, Other: target},
			{Kind: EventAddIncomingArc, Subject: target, Connector: a, Other: source},
		})
	return a, nil
}

// Erase removes an element and everything transitively incident to it.
func (c *Context) Erase(a Address) error {
	if err := c.writable("erase"); err != nil {
		return err
	}
	recs, err := c.eng.store.Erase(a, 0)
	if err != nil {
		return err
	}
	var events []Event
	for _, r := range recs {
		c.eng.contents.dropContent(r.addr, r.payload)
		if r.typ.IsConnector() {
			if c.eng.store.IsElement(r.source) {
				c.eng.store.bumpVersion(r.source)
			}
			if c.eng.store.IsElement(r.target) {
				c.eng.store.bumpVersion(r.target)
			}
			events = append(events,
				Event{Kind: EventRemoveOutgoingArc, Subject: r.source, Connector: r.addr, Other: r.target},
				Event{Kind: EventRemoveIncomingArc, Subject: r.target, Connector: r.addr, Other: r.source})
		}
		events = append(events, Event{Kind: EventRemoveElement, Subject: r.addr})
	}
	c.eng.commitDirect(c.user, []walOp{{Op: opErase, Addr: a.Raw()}}, events)
	return nil
}

// IsElement reports committed liveness.
func (c *Context) IsElement(a Address) bool { return c.eng.store.IsElement(a) }

// ElementType returns the element's type.
func (c *Context) ElementType(a Address) (ElemType, error) { return c.eng.store.ElementType(a) }

// ConnectorEndpoints returns a connector's ordered endpoints.
func (c *Context) ConnectorEndpoints(a Address) (Address, Address, error) {
	return c.eng.store.ConnectorEndpoints(a)
}

// ExtendType specializes an element's type in place.
func (c *Context) ExtendType(a Address, nt ElemType) error {
	if err := c.writable("extend type"); err != nil {
		return err
	}
	if err := c.eng.store.ExtendType(a, nt); err != nil {
		return err
	}
	c.eng.commitDirect(c.user,
		[]walOp{{Op: opModify, Addr: a.Raw(), Mask: uint8(ModType), Type: uint16(nt)}}, nil)
	return nil
}

// SetLinkContent replaces a link's payload and emits change-content.
func (c *Context) SetLinkContent(a Address, content Content) error {
	if err := c.writable("set content"); err != nil {
		return err
	}
	if err := c.eng.store.SetLinkContent(c.eng.contents, a, content.Bytes, content.Format, 0); err != nil {
		return err
	}
	c.eng.commitDirect(c.user,
		[]walOp{{Op: opContent, Addr: a.Raw(), Bytes: content.Bytes, Format: uint8(content.Format)}},
		[]Event{{Kind: EventChangeContent, Subject: a}})
	return nil
}

// GetLinkContent reads a link's payload.
func (c *Context) GetLinkContent(a Address) (Content, error) {
	return c.eng.store.GetLinkContent(a, 0)
}

// FindLinksByContent returns the links whose payload equals b.
func (c *Context) FindLinksByContent(b []byte) ([]Address, error) {
	links := c.eng.store.FindLinksByContent(c.eng.contents, b)
	if len(links) == 0 {
		return nil, fmt.Errorf("find by content: %w", ErrNo)
	}
	return links, nil
}

// FindByIdentifier resolves a system identifier to its element.
func (c *Context) FindByIdentifier(name string) (Address, error) {
	return c.eng.dict.Find(c.eng.store, name)
}

// SetIdentifier binds a system identifier to an element.
func (c *Context) SetIdentifier(name string, a Address) error {
	if err := c.writable("set identifier"); err != nil {
		return err
	}
	if err := c.eng.dict.Set(c.eng.store, name, a); err != nil {
		return err
	}
	c.eng.commitDirect(c.user, []walOp{{Op: opSetIdent, Addr: a.Raw(), Name: name}}, nil)
	return nil
}

// ResolveIdentifier returns the element bound to name, creating one of
// hintType when absent.
func (c *Context) ResolveIdentifier(name string, hintType ElemType) (Address, error) {
	if err := c.writable("resolve identifier"); err != nil {
		return EmptyAddr, err
	}
	return c.eng.ResolveIdentifier(name, hintType)
}

// IdentifierOf returns the identifier bound to a, if any.
func (c *Context) IdentifierOf(a Address) (string, error) {
	return c.eng.dict.IdentifierOf(a)
}

// Iterator3 builds a 3-position iterator.
func (c *Context) Iterator3(p1, p2, p3 IterParam) (*Iterator3, error) {
	return NewIterator3(c.eng.store, p1, p2, p3)
}

// Iterator5 builds a 5-position iterator.
func (c *Context) Iterator5(p1, p2, p3, p4, p5 IterParam) (*Iterator5, error) {
	return NewIterator5(c.eng.store, p1, p2, p3, p4, p5)
}

// Begin opens a transaction attributed to this context's user.
func (c *Context) Begin(id uint64) (*Transaction, error) {
	if err := c.writable("begin"); err != nil {
		return nil, err
	}
	t, err := c.eng.Begin(id)
	if err != nil {
		return nil, err
	}
	t.initiator = c.user
	return t, nil
}

// Subscribe registers a callback for structural events on subject.
func (c *Context) Subscribe(kind EventKind, subject Address, cb Callback) (*Subscription, error) {
	return c.eng.dispatcher.Subscribe(kind, subject, cb)
}

// Unsubscribe removes a subscription.
func (c *Context) Unsubscribe(s *Subscription) { c.eng.dispatcher.Unsubscribe(s) }

// WaitEvent blocks until the event arrives or the timeout expires.
func (c *Context) WaitEvent(kind EventKind, subject Address, timeout time.Duration) (Event, bool) {
	return c.eng.dispatcher.WaitEvent(kind, subject, timeout)
}
