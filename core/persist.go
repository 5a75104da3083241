package core

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// WAL operation names.
const (
	opCreateNode = "node"
	opCreateLink = "link"
	opCreateConn = "conn"
	opModify     = "mod"
	opErase      = "erase"
	opContent    = "content"
	opSetIdent   = "ident"
)

// walOp is one replayable mutation inside a transaction record.
type walOp struct {
	Op     string `json:"op"`
	Addr   uint64 `json:"addr,omitempty"`
	Type   uint16 `json:"type,omitempty"`
	Src    uint64 `json:"src,omitempty"`
	Dst    uint64 `json:"dst,omitempty"`
	Mask   uint8  `json:"mask,omitempty"`
	Bytes  []byte `json:"bytes,omitempty"`
	Format uint8  `json:"format,omitempty"`
	Name   string `json:"name,omitempty"`
}

// TxnRecord is the WAL entry for one committed transaction.
type TxnRecord struct {
	ID  uint64  `json:"id"`
	Ops []walOp `json:"ops"`
}

// SnapElement is one live element in a snapshot.
type SnapElement struct {
	Addr   uint64        `json:"addr"`
	Type   uint16        `json:"type"`
	Src    uint64        `json:"src,omitempty"`
	Dst    uint64        `json:"dst,omitempty"`
	Bytes  []byte        `json:"bytes,omitempty"`
	Format ContentFormat `json:"format,omitempty"`
}

// Snapshot is the engine's full persisted state.
type Snapshot struct {
	Elements  []SnapElement     `json:"elements"`
	Idents    map[string]uint64 `json:"idents"`
	LastTxnID uint64            `json:"last_txn_id"`
}

// PersistentStore is the contract the engine consumes from its persistence
// collaborator. The on-disk format is owned by the implementation.
type PersistentStore interface {
	Open(path string) error
	SaveSnapshot(s *Snapshot) error
	LoadSnapshot() (*Snapshot, error)
	AppendWAL(rec *TxnRecord) error
	ReplayWAL(fromID uint64) ([]*TxnRecord, error)
	Close() error
}

// walRecord serializes the transaction's applied operations. Called under
// commitMu immediately after apply, while created elements are still live.
func (t *Transaction) walRecord() *TxnRecord {
	rec := &TxnRecord{ID: t.id}
	for _, a := range t.created {
		typ, err := t.eng.store.ElementType(a)
		if err != nil {
			continue
		}
		op := walOp{Addr: a.Raw(), Type: uint16(typ)}
		switch {
		case typ.IsConnector():
			src, dst, _ := t.eng.store.ConnectorEndpoints(a)
			op.Op, op.Src, op.Dst = opCreateConn, src.Raw(), dst.Raw()
		case typ.IsLink():
			op.Op = opCreateLink
			if c, err := t.eng.store.GetLinkContent(a, 0); err == nil {
				op.Bytes, op.Format = c.Bytes, uint8(c.Format)
			}
		default:
			op.Op = opCreateNode
		}
		rec.Ops = append(rec.Ops, op)
	}
	for _, m := range t.modified {
		rec.Ops = append(rec.Ops, walOp{
			Op: opModify, Addr: m.addr.Raw(), Mask: uint8(m.mask),
			Type: uint16(m.newType), Src: m.newSource.Raw(), Dst: m.newTarget.Raw(),
		})
	}
	for _, a := range t.erased {
		rec.Ops = append(rec.Ops, walOp{Op: opErase, Addr: a.Raw()})
	}
	for _, c := range t.contents {
		rec.Ops = append(rec.Ops, walOp{
			Op: opContent, Addr: c.addr.Raw(), Bytes: c.next.Bytes, Format: uint8(c.next.Format),
		})
	}
	return rec
}

// snapshot captures the committed state. Runs under commitMu.
func (e *Engine) snapshot() *Snapshot {
	snap := &Snapshot{Idents: make(map[string]uint64), LastTxnID: e.lastTxnID}
	e.store.mu.RLock()
	for si, seg := range e.store.segs {
		for off := range seg.slots {
			el := &seg.slots[off]
			if !el.live || el.pending != 0 {
				continue
			}
			a := Address{Segment: uint16(si), Offset: uint16(off), Generation: el.gen}
			snap.Elements = append(snap.Elements, SnapElement{
				Addr: a.Raw(), Type: uint16(el.typ),
				Src: el.source.Raw(), Dst: el.target.Raw(),
				Bytes: el.payload, Format: el.format,
			})
		}
	}
	e.store.mu.RUnlock()
	e.dict.Walk(func(name string, a Address) {
		if e.store.IsElement(a) {
			snap.Idents[name] = a.Raw()
		}
	})
	return snap
}

// restore loads the snapshot and replays the WAL tail. Connector
// materialization is iterated to a fixpoint so connector-to-connector
// edges land after their endpoints.
func (e *Engine) restore() error {
	snap, err := e.persist.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		var conns []SnapElement
		for _, se := range snap.Elements {
			if ElemType(se.Type).IsConnector() {
				conns = append(conns, se)
				continue
			}
			a := AddrFromRaw(se.Addr)
			if err := e.store.materialize(a, ElemType(se.Type), EmptyAddr, EmptyAddr, se.Bytes, se.Format); err != nil {
				return err
			}
			if se.Bytes != nil {
				e.contents.add(contentHash(se.Bytes), a)
			}
		}
		for len(conns) > 0 {
			progress := false
			rest := conns[:0]
			for _, se := range conns {
				err := e.store.materialize(AddrFromRaw(se.Addr), ElemType(se.Type),
					AddrFromRaw(se.Src), AddrFromRaw(se.Dst), nil, FormatNone)
				if err != nil {
					rest = append(rest, se)
					continue
				}
				progress = true
			}
			if !progress {
				return fmt.Errorf("restore: %d dangling connectors: %w", len(rest), ErrInvalidState)
			}
			conns = append([]SnapElement(nil), rest...)
		}
		for name, raw := range snap.Idents {
			if err := e.dict.Set(e.store, name, AddrFromRaw(raw)); err != nil {
				logrus.WithError(err).Warnf("restore identifier %q", name)
			}
		}
		e.lastTxnID = snap.LastTxnID
	}
	// SaveSnapshot truncates the WAL, so whatever remains postdates the
	// snapshot regardless of id ordering between caller and direct txns.
	recs, err := e.persist.ReplayWAL(0)
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}
	for _, rec := range recs {
		for _, op := range rec.Ops {
			if err := e.applyWalOp(op); err != nil {
				return fmt.Errorf("replay txn %d: %w", rec.ID, err)
			}
		}
		if rec.ID > e.lastTxnID {
			e.lastTxnID = rec.ID
		}
	}
	return nil
}

func (e *Engine) applyWalOp(op walOp) error {
	a := AddrFromRaw(op.Addr)
	switch op.Op {
	case opCreateNode, opCreateLink:
		if err := e.store.materialize(a, ElemType(op.Type), EmptyAddr, EmptyAddr, op.Bytes, ContentFormat(op.Format)); err != nil {
			return err
		}
		if op.Bytes != nil {
			e.contents.add(contentHash(op.Bytes), a)
		}
	case opCreateConn:
		return e.store.materialize(a, ElemType(op.Type), AddrFromRaw(op.Src), AddrFromRaw(op.Dst), nil, FormatNone)
	case opModify:
		return e.store.applyModify(a, ModifyMask(op.Mask), ElemType(op.Type),
			AddrFromRaw(op.Src), AddrFromRaw(op.Dst), 0)
	case opErase:
		recs, err := e.store.Erase(a, 0)
		if err != nil {
			return err
		}
		for _, r := range recs {
			e.contents.dropContent(r.addr, r.payload)
		}
	case opContent:
		return e.store.SetLinkContent(e.contents, a, op.Bytes, ContentFormat(op.Format), 0)
	case opSetIdent:
		return e.dict.Set(e.store, op.Name, a)
	}
	return nil
}

// ---------------------------------------------------------------------------
// FileStore — filesystem persistence
// ---------------------------------------------------------------------------

// FileStore persists snapshots and a JSON-lines WAL under one directory.
// On snapshot the WAL is archived to a gzip file and truncated, so replay
// cost stays bounded by the snapshot interval.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	walFile  *os.File
	snapPath string
	walPath  string
	archPath string
}

func NewFileStore() *FileStore { return &FileStore{} }

// Open prepares the directory and opens (or creates) the WAL.
func (fs *FileStore) Open(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("persist dir: %w", err)
	}
	fs.dir = path
	fs.snapPath = filepath.Join(path, "semnet.snap")
	fs.walPath = filepath.Join(path, "semnet.wal")
	fs.archPath = filepath.Join(path, "semnet.wal.gz")
	wal, err := os.OpenFile(fs.walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}
	fs.walFile = wal
	return nil
}

// AppendWAL writes one JSON line per transaction record.
func (fs *FileStore) AppendWAL(rec *TxnRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.walFile == nil {
		return fmt.Errorf("append WAL: store not open: %w", ErrInvalidState)
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := fs.walFile.Write(append(blob, '\n')); err != nil {
		return fmt.Errorf("append WAL: %w", err)
	}
	return nil
}

// ReplayWAL returns the records with id greater than fromID, in file order.
func (fs *FileStore) ReplayWAL(fromID uint64) ([]*TxnRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, err := os.Open(fs.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []*TxnRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec TxnRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("WAL unmarshal: %w", err)
		}
		if rec.ID > fromID {
			out = append(out, &rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("WAL scan: %w", err)
	}
	return out, nil
}

// SaveSnapshot writes the snapshot atomically, archives the WAL and
// truncates it.
func (fs *FileStore) SaveSnapshot(s *Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dir == "" {
		return fmt.Errorf("save snapshot: store not open: %w", ErrInvalidState)
	}
	tmp := fs.snapPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.snapPath); err != nil {
		return err
	}
	if err := fs.archiveWAL(); err != nil {
		logrus.WithError(err).Warn("WAL archive failed")
	}
	return nil
}

func (fs *FileStore) archiveWAL() error {
	if fs.walFile == nil {
		return nil
	}
	src, err := os.Open(fs.walPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(fs.archPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return fs.walFile.Truncate(0)
}

// LoadSnapshot reads the last snapshot; a missing file is not an error.
func (fs *FileStore) LoadSnapshot() (*Snapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, err := os.Open(fs.snapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var s Snapshot
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Close releases the WAL handle.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.walFile != nil {
		err := fs.walFile.Close()
		fs.walFile = nil
		return err
	}
	return nil
}
