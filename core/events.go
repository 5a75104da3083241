package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind enumerates the structural changes an element can be subscribed
// to.
type EventKind uint8

const (
	EventAddOutgoingArc EventKind = iota
	EventAddIncomingArc
	EventRemoveOutgoingArc
	EventRemoveIncomingArc
	EventRemoveElement
	EventChangeContent
)

func (k EventKind) String() string {
	switch k {
	case EventAddOutgoingArc:
		return "add-outgoing-arc"
	case EventAddIncomingArc:
		return "add-incoming-arc"
	case EventRemoveOutgoingArc:
		return "remove-outgoing-arc"
	case EventRemoveIncomingArc:
		return "remove-incoming-arc"
	case EventRemoveElement:
		return "remove-element"
	default:
		return "change-content"
	}
}

// Event describes one structural change. Subject is the subscribed element,
// Connector the arc that changed, Other the arc's far endpoint. Initiator
// is the user address of the context whose commit produced the event.
type Event struct {
	Kind      EventKind
	Subject   Address
	Connector Address
	Other     Address
	Initiator Address
}

// Outcome is a callback's result, recorded back into the graph by the
// dispatcher.
type Outcome uint8

const (
	OutcomeOK Outcome = iota
	OutcomeNo
	OutcomeError
)

// Callback handles one event. Callbacks run serially on the dispatcher
// goroutine; mutations they make must go through fresh transactions and
// feed the queue again rather than reentering the committing one.
type Callback func(ev Event) Outcome

// Subscription identifies one registered callback. Agent subscriptions set
// record, which makes the dispatcher write the outcome back into the graph.
type Subscription struct {
	ID      string
	kind    EventKind
	subject Address
	cb      Callback
	record  bool
}

// Dispatcher owns the subscription registry and the per-process event
// queue. A single goroutine drains the queue, so delivery order equals
// enqueue order, which equals commit order.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[Address][]*Subscription

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	log   *zap.Logger

	// recordOutcome is installed by the engine to write finished-* arcs;
	// kept as a hook so the dispatcher itself stays graph-agnostic.
	recordOutcome func(ev Event, out Outcome)
}

func newDispatcher(depth int, log *zap.Logger) *Dispatcher {
	if depth <= 0 {
		depth = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		subs:  make(map[Address][]*Subscription),
		queue: make(chan Event, depth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log,
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			// drain what was enqueued before shutdown
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	d.mu.Lock()
	var targets []*Subscription
	for _, s := range d.subs[ev.Subject] {
		if s.kind == ev.Kind {
			targets = append(targets, s)
		}
	}
	d.mu.Unlock()
	for _, s := range targets {
		out := s.cb(ev)
		d.log.Debug("event delivered",
			zap.String("kind", ev.Kind.String()),
			zap.Uint64("subject", ev.Subject.Raw()),
			zap.Uint8("outcome", uint8(out)))
		if s.record && d.recordOutcome != nil {
			d.recordOutcome(ev, out)
		}
	}
}

// enqueue appends the events of one commit, in order. It blocks when the
// queue is full rather than dropping.
func (d *Dispatcher) enqueue(events []Event) {
	for _, ev := range events {
		d.queue <- ev
	}
}

// Subscribe registers cb for events of the given kind on subject.
func (d *Dispatcher) Subscribe(kind EventKind, subject Address, cb Callback) (*Subscription, error) {
	return d.subscribe(kind, subject, cb, false)
}

func (d *Dispatcher) subscribe(kind EventKind, subject Address, cb Callback, record bool) (*Subscription, error) {
	if subject.IsEmpty() || cb == nil {
		return nil, fmt.Errorf("subscribe: %w", ErrInvalidParams)
	}
	s := &Subscription{ID: uuid.NewString(), kind: kind, subject: subject, cb: cb, record: record}
	d.mu.Lock()
	d.subs[subject] = append(d.subs[subject], s)
	d.mu.Unlock()
	return s, nil
}

// Unsubscribe removes the subscription. An in-flight invocation completes;
// no new ones start.
func (d *Dispatcher) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[s.subject]
	for i, x := range list {
		if x.ID == s.ID {
			d.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.subs[s.subject]) == 0 {
		delete(d.subs, s.subject)
	}
}

// WaitEvent blocks until an event of the given kind arrives on subject or
// the timeout expires. Expiry reports arrived=false and leaves nothing
// registered.
func (d *Dispatcher) WaitEvent(kind EventKind, subject Address, timeout time.Duration) (Event, bool) {
	ch := make(chan Event, 1)
	sub, err := d.Subscribe(kind, subject, func(ev Event) Outcome {
		select {
		case ch <- ev:
		default:
		}
		return OutcomeOK
	})
	if err != nil {
		return Event{}, false
	}
	defer d.Unsubscribe(sub)
	select {
	case ev := <-ch:
		return ev, true
	case <-time.After(timeout):
		return Event{}, false
	}
}

func (d *Dispatcher) shutdown() {
	close(d.stop)
	<-d.done
}
