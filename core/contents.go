package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ContentFormat tags the typed view stored in a link payload.
type ContentFormat uint8

const (
	FormatNone ContentFormat = iota
	FormatString
	FormatInt8
	FormatInt16
	FormatInt32
	FormatInt64
	FormatUint8
	FormatUint16
	FormatUint32
	FormatUint64
	FormatFloat32
	FormatFloat64
	FormatOpaque
)

// Content is a link payload with its format tag.
type Content struct {
	Bytes  []byte
	Format ContentFormat
}

// ContentIndex maps payload hashes to the links carrying that payload. It is
// rebuilt incrementally on every set and erase, under its own mutex, so
// FindLinksByContent stays O(bucket).
type ContentIndex struct {
	mu      sync.Mutex
	buckets map[uint64][]Address
}

func NewContentIndex() *ContentIndex {
	return &ContentIndex{buckets: make(map[uint64][]Address)}
}

func contentHash(b []byte) uint64 { return xxhash.Sum64(b) }

func (ci *ContentIndex) add(h uint64, a Address) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for _, x := range ci.buckets[h] {
		if x == a {
			return
		}
	}
	ci.buckets[h] = append(ci.buckets[h], a)
}

func (ci *ContentIndex) remove(h uint64, a Address) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	bucket := ci.buckets[h]
	for i, x := range bucket {
		if x == a {
			ci.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(ci.buckets[h]) == 0 {
		delete(ci.buckets, h)
	}
}

func (ci *ContentIndex) lookup(h uint64) []Address {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	out := make([]Address, len(ci.buckets[h]))
	copy(out, ci.buckets[h])
	return out
}

// SetLinkContent replaces the link's payload atomically and reindexes it.
func (s *Store) SetLinkContent(ci *ContentIndex, a Address, b []byte, f ContentFormat, txn uint64) error {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, txn)
	if el == nil {
		return fmt.Errorf("set content %v: %w", a, ErrInvalidState)
	}
	if !el.typ.IsLink() {
		return fmt.Errorf("set content %v: %w", a, ErrInvalidType)
	}
	if el.payload != nil {
		ci.remove(contentHash(el.payload), a)
	}
	el.payload = append([]byte(nil), b...)
	el.format = f
	el.version++
	ci.add(contentHash(el.payload), a)
	return nil
}

// GetLinkContent returns a copy of the link's payload. Absent content is a
// recoverable NO.
func (s *Store) GetLinkContent(a Address, txn uint64) (Content, error) {
	unlock := s.monitors.lockAddrs(a)
	defer unlock()
	el := s.get(a, txn)
	if el == nil {
		return Content{}, fmt.Errorf("get content %v: %w", a, ErrInvalidState)
	}
	if !el.typ.IsLink() {
		return Content{}, fmt.Errorf("get content %v: %w", a, ErrInvalidType)
	}
	if el.payload == nil {
		return Content{}, fmt.Errorf("get content %v: %w", a, ErrNo)
	}
	return Content{Bytes: append([]byte(nil), el.payload...), Format: el.format}, nil
}

// FindLinksByContent returns every live link whose payload equals b. Hash
// collisions are filtered by comparing the actual bytes.
func (s *Store) FindLinksByContent(ci *ContentIndex, b []byte) []Address {
	var out []Address
	for _, a := range ci.lookup(contentHash(b)) {
		c, err := s.GetLinkContent(a, 0)
		if err == nil && string(c.Bytes) == string(b) {
			out = append(out, a)
		}
	}
	return out
}

// dropContent unindexes an erased link's payload.
func (ci *ContentIndex) dropContent(a Address, payload []byte) {
	if payload != nil {
		ci.remove(contentHash(payload), a)
	}
}

// ---------------------------------------------------------------------------
// Typed constructors and views
// ---------------------------------------------------------------------------

// StringContent builds a string payload.
func StringContent(s string) Content { return Content{Bytes: []byte(s), Format: FormatString} }

// Int64Content builds a fixed-width little-endian integer payload.
func Int64Content(v int64) Content {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return Content{Bytes: b, Format: FormatInt64}
}

// Float32Content builds an IEEE-754 single payload.
func Float32Content(v float32) Content {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return Content{Bytes: b, Format: FormatFloat32}
}

// Float64Content builds an IEEE-754 double payload.
func Float64Content(v float64) Content {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return Content{Bytes: b, Format: FormatFloat64}
}

// AsString views the payload as text.
func (c Content) AsString() (string, error) {
	if c.Format != FormatString {
		return "", fmt.Errorf("content as string: %w", ErrInvalidType)
	}
	return string(c.Bytes), nil
}

// AsInt64 views the payload as a 64-bit integer. The stored size must match.
func (c Content) AsInt64() (int64, error) {
	if c.Format != FormatInt64 || len(c.Bytes) != 8 {
		return 0, fmt.Errorf("content as int64: %w", ErrInvalidType)
	}
	return int64(binary.LittleEndian.Uint64(c.Bytes)), nil
}

// AsFloat32 views the payload as a single-precision float.
func (c Content) AsFloat32() (float32, error) {
	if c.Format != FormatFloat32 || len(c.Bytes) != 4 {
		return 0, fmt.Errorf("content as float32: %w", ErrInvalidType)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(c.Bytes)), nil
}

// AsFloat64 views the payload as a double-precision float.
func (c Content) AsFloat64() (float64, error) {
	if c.Format != FormatFloat64 || len(c.Bytes) != 8 {
		return 0, fmt.Errorf("content as float64: %w", ErrInvalidType)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(c.Bytes)), nil
}
