package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Config carries the engine's tunables, normally filled from pkg/config.
type Config struct {
	// SnapshotInterval is the number of commits between snapshots when a
	// persistent store is attached; 0 disables periodic snapshots.
	SnapshotInterval int
	// EventQueueDepth bounds the dispatcher queue.
	EventQueueDepth int
}

// Engine owns every subsystem: the element arena, content index,
// identifier dictionary, transaction manager, event dispatcher and the
// optional persistent store. There is no package-level state; embedders
// hold an Engine value and derive contexts from it.
type Engine struct {
	cfg        Config
	log        *logrus.Logger
	store      *Store
	contents   *ContentIndex
	dict       *IdentifierDict
	txns       *TxnManager
	dispatcher *Dispatcher
	persist    PersistentStore

	// commitMu serializes commits; commit order defines event order.
	commitMu    sync.Mutex
	commitCount uint64
	lastTxnID   uint64

	keynodes Keynodes

	closeOnce sync.Once
}

// Keynodes are the predefined class nodes the dispatcher records agent
// outcomes against.
type Keynodes struct {
	FinishedOK    Address
	FinishedNo    Address
	FinishedError Address
}

const (
	identFinishedOK    = "action_finished_successfully"
	identFinishedNo    = "action_finished_unsuccessfully"
	identFinishedError = "action_finished_with_error"
)

// NewEngine assembles an engine. A nil logger falls back to the standard
// logrus logger; a nil persistent store keeps everything in memory. When a
// store is attached, the last snapshot is loaded and the WAL replayed
// before the engine accepts work.
func NewEngine(cfg Config, log *logrus.Logger, elog *zap.Logger, persist PersistentStore) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    NewStore(),
		contents: NewContentIndex(),
		dict:     NewIdentifierDict(),
		persist:  persist,
	}
	e.txns = newTxnManager(e)
	e.dispatcher = newDispatcher(cfg.EventQueueDepth, elog)
	e.dispatcher.recordOutcome = e.recordOutcome

	if persist != nil {
		if err := e.restore(); err != nil {
			return nil, fmt.Errorf("engine restore: %w", err)
		}
	}
	if err := e.resolveKeynodes(); err != nil {
		return nil, err
	}
	go e.dispatcher.run()
	log.Infof("engine ready: %d live elements", e.store.LiveCount())
	return e, nil
}

func (e *Engine) resolveKeynodes() error {
	for _, kn := range []struct {
		name string
		dst  *Address
	}{
		{identFinishedOK, &e.keynodes.FinishedOK},
		{identFinishedNo, &e.keynodes.FinishedNo},
		{identFinishedError, &e.keynodes.FinishedError},
	} {
		a, err := e.ResolveIdentifier(kn.name, TypeNodeConstClass)
		if err != nil {
			return fmt.Errorf("keynode %s: %w", kn.name, err)
		}
		*kn.dst = a
	}
	return nil
}

// Store exposes the element arena for read-only inspection and iterators.
func (e *Engine) Store() *Store { return e.store }

// Dict exposes the identifier dictionary.
func (e *Engine) Dict() *IdentifierDict { return e.dict }

// Dispatcher exposes the event fabric.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Keynodes returns the predefined outcome class nodes.
func (e *Engine) Keynodes() Keynodes { return e.keynodes }

// Begin opens a transaction with the caller-supplied unique id.
func (e *Engine) Begin(id uint64) (*Transaction, error) { return e.txns.Begin(id) }

// onCommit runs under commitMu: persists the WAL record, rotates snapshots
// and hands the commit's events to the dispatcher in order.
func (e *Engine) onCommit(t *Transaction, events []Event) {
	if t != nil && t.id > e.lastTxnID {
		e.lastTxnID = t.id
	}
	if e.persist != nil && t != nil {
		if err := e.persist.AppendWAL(t.walRecord()); err != nil {
			e.log.WithError(err).Error("WAL append failed")
		}
	}
	e.commitCount++
	if e.persist != nil && e.cfg.SnapshotInterval > 0 && e.commitCount%uint64(e.cfg.SnapshotInterval) == 0 {
		if err := e.persist.SaveSnapshot(e.snapshot()); err != nil {
			e.log.WithError(err).Error("snapshot failed")
		}
	}
	e.dispatcher.enqueue(events)
}

// commitDirect wraps a single immediate operation in an implicit
// transaction so that direct mutations share the WAL and event path with
// staged ones.
func (e *Engine) commitDirect(initiator Address, ops []walOp, events []Event) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	for i := range events {
		events[i].Initiator = initiator
	}
	if e.persist != nil {
		e.lastTxnID++
		if err := e.persist.AppendWAL(&TxnRecord{ID: e.lastTxnID, Ops: ops}); err != nil {
			e.log.WithError(err).Error("WAL append failed")
		}
	}
	e.commitCount++
	if e.persist != nil && e.cfg.SnapshotInterval > 0 && e.commitCount%uint64(e.cfg.SnapshotInterval) == 0 {
		if err := e.persist.SaveSnapshot(e.snapshot()); err != nil {
			e.log.WithError(err).Error("snapshot failed")
		}
	}
	e.dispatcher.enqueue(events)
}

// ResolveIdentifier returns the element bound to name, creating and binding
// a node of hintType when absent. Creation is committed and WAL-logged.
func (e *Engine) ResolveIdentifier(name string, hintType ElemType) (Address, error) {
	if a, err := e.dict.Find(e.store, name); err == nil {
		return a, nil
	} else if StatusOf(err) != StatusNotFound {
		return EmptyAddr, err
	}
	a, err := e.store.CreateNode(hintType, 0)
	if err != nil {
		return EmptyAddr, err
	}
	if err := e.dict.Set(e.store, name, a); err != nil {
		_, _ = e.store.Erase(a, 0)
		if prev, ferr := e.dict.Find(e.store, name); ferr == nil {
			return prev, nil
		}
		return EmptyAddr, err
	}
	e.commitDirect(EmptyAddr, []walOp{
		{Op: opCreateNode, Addr: a.Raw(), Type: uint16(hintType)},
		{Op: opSetIdent, Addr: a.Raw(), Name: name},
	}, nil)
	return a, nil
}

// recordOutcome writes the agent outcome into the graph: an access arc from
// the matching finished-* class to the action element. The arc creation is
// its own commit and produces further events.
func (e *Engine) recordOutcome(ev Event, out Outcome) {
	action := ev.Other
	if action.IsEmpty() || !e.store.IsElement(action) {
		action = ev.Subject
	}
	var class Address
	switch out {
	case OutcomeOK:
		class = e.keynodes.FinishedOK
	case OutcomeNo:
		class = e.keynodes.FinishedNo
	default:
		class = e.keynodes.FinishedError
	}
	if class.IsEmpty() || !e.store.IsElement(action) {
		return
	}
	arc, err := e.store.CreateConnector(TypeArcConstPosPerm, class, action, 0)
	if err != nil {
		e.log.WithError(err).Warn("outcome arc failed")
		return
	}
	e.store.bumpVersion(class)
	e.store.bumpVersion(action)
	e.commitDirect(ev.Initiator, []walOp{
		{Op: opCreateConn, Addr: arc.Raw(), Type: uint16(TypeArcConstPosPerm), Src: class.Raw(), Dst: action.Raw()},
	}, []Event{
		{Kind: EventAddOutgoingArc, Subject: class, Connector: arc, Other: action},
		{Kind: EventAddIncomingArc, Subject: action, Connector: arc, Other: class},
	})
}

// Close flushes a final snapshot and stops the dispatcher after the queue
// drains.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.dispatcher.shutdown()
		if e.persist != nil {
			e.commitMu.Lock()
			if serr := e.persist.SaveSnapshot(e.snapshot()); serr != nil {
				err = fmt.Errorf("final snapshot: %w", serr)
			}
			if cerr := e.persist.Close(); cerr != nil && err == nil {
				err = cerr
			}
			e.commitMu.Unlock()
		}
		e.log.Info("engine closed")
	})
	return err
}
