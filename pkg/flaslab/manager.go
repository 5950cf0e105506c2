package flaslab

import (
	"context"
	"encoding/binary"

	"github.com/flexalloc/flexalloc/pkg/flacs"
	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/flageo"
)

var byteOrder binary.ByteOrder = binary.LittleEndian

// ListState is the free-slab list's three trailing control words (free
// count, head, tail) in the last 12 bytes of the slab segment, after the
// slab header array and any padding.
type ListState struct {
	buf []byte
}

// OpenListState wraps the trailing 12 bytes of the slab segment.
func OpenListState(buf []byte) *ListState { return &ListState{buf: buf} }

func (s *ListState) Count() uint32 { return byteOrder.Uint32(s.buf[0:4]) }
func (s *ListState) Head() uint32  { return byteOrder.Uint32(s.buf[4:8]) }
func (s *ListState) Tail() uint32  { return byteOrder.Uint32(s.buf[8:12]) }

func (s *ListState) setCount(v uint32) { byteOrder.PutUint32(s.buf[0:4], v) }
func (s *ListState) setHead(v uint32)  { byteOrder.PutUint32(s.buf[4:8], v) }
func (s *ListState) setTail(v uint32)  { byteOrder.PutUint32(s.buf[8:12], v) }

// Manager is the slab manager (C9): it threads the device-wide free-slab
// list through the slab header array and hands whole slabs to and from
// pools. Both the header array and the list's trailing words live in the
// shared metadata buffer; Manager only ever reads and writes through the
// slices it was given.
type Manager struct {
	headers []byte // nslabs * SlabHeaderSize, contiguous
	list    *ListState
	nslabs  uint32

	geo *flageo.Geo
	cs  flacs.CommandSet
	dev fladev.Device
}

// NewManager wraps the slab header array and list control words of an
// already-open slab segment. cs and dev are used only by Release, to issue
// the best-effort slab-trim hint once a slab's blocks are no longer
// claimed by any pool.
func NewManager(headers []byte, listBuf []byte, nslabs uint32, geo *flageo.Geo, cs flacs.CommandSet, dev fladev.Device) *Manager {
	return &Manager{headers: headers, list: OpenListState(listBuf), nslabs: nslabs, geo: geo, cs: cs, dev: dev}
}

func (m *Manager) header(id uint32) flageo.SlabHeader {
	off := uint64(id) * flageo.SlabHeaderSize
	return flageo.UnmarshalSlabHeader(m.headers[off : off+flageo.SlabHeaderSize])
}

func (m *Manager) setHeader(id uint32, h flageo.SlabHeader) {
	off := uint64(id) * flageo.SlabHeaderSize
	copy(m.headers[off:off+flageo.SlabHeaderSize], h.Marshal())
}

// Header returns slab id's current header.
func (m *Manager) Header(id uint32) flageo.SlabHeader { return m.header(id) }

// SetHeader overwrites slab id's header, for callers (the pool manager)
// that mutate refcount/maxcount/pool-list linkage directly.
func (m *Manager) SetHeader(id uint32, h flageo.SlabHeader) { m.setHeader(id, h) }

// FreeCount reports how many slabs currently sit on the free-slab list.
func (m *Manager) FreeCount() uint32 { return m.list.Count() }

// InitFreeList formats the whole slab header array as a single free list
// 0 -> 1 -> ... -> nslabs-1, used by mkfs.
func (m *Manager) InitFreeList() {
	for i := uint32(0); i < m.nslabs; i++ {
		prev := flageo.LinkedListNull
		if i > 0 {
			prev = i - 1
		}
		next := flageo.LinkedListNull
		if i+1 < m.nslabs {
			next = i + 1
		}
		m.setHeader(i, flageo.SlabHeader{Pool: flageo.LinkedListNull, Prev: prev, Next: next})
	}
	m.list.setCount(m.nslabs)
	if m.nslabs > 0 {
		m.list.setHead(0)
		m.list.setTail(m.nslabs - 1)
	} else {
		m.list.setHead(flageo.LinkedListNull)
		m.list.setTail(flageo.LinkedListNull)
	}
}

// Acquire pops the head of the free-slab list and hands it to poolID,
// zeroing its refcount. maxcount is left for the caller to set once it
// knows the pool's object layout.
func (m *Manager) Acquire(poolID uint32) (uint32, error) {
	if m.list.Count() == 0 {
		return 0, flaerr.New(flaerr.OutOfSpace, "no free slabs remain")
	}
	id := m.list.Head()
	h := m.header(id)
	newHead := h.Next

	m.list.setHead(newHead)
	m.list.setCount(m.list.Count() - 1)
	if newHead == flageo.LinkedListNull {
		m.list.setTail(flageo.LinkedListNull)
	} else {
		nh := m.header(newHead)
		nh.Prev = flageo.LinkedListNull
		m.setHeader(newHead, nh)
	}

	h.Pool = poolID
	h.Prev = flageo.LinkedListNull
	h.Next = flageo.LinkedListNull
	h.Refcount = 0
	m.setHeader(id, h)
	return id, nil
}

// Release pushes slabID back onto the tail of the free-slab list. The
// slab must have no live object references. Trim on release is delegated
// to the command-set adapter (`slab_trim`) and is best-effort: a trim
// failure does not stop the slab from being returned to the free list.
func (m *Manager) Release(ctx context.Context, slabID uint32) error {
	h := m.header(slabID)
	if h.Refcount != 0 {
		return flaerr.Newf(flaerr.InvalidState, "slab %d still has %d live object references", slabID, h.Refcount)
	}

	m.trimSlab(ctx, slabID)

	h.Pool = flageo.LinkedListNull
	h.Next = flageo.LinkedListNull
	h.Maxcount = 0
	tail := m.list.Tail()
	h.Prev = tail
	m.setHeader(slabID, h)

	if tail == flageo.LinkedListNull {
		m.list.setHead(slabID)
	} else {
		th := m.header(tail)
		th.Next = slabID
		m.setHeader(tail, th)
	}
	m.list.setTail(slabID)
	m.list.setCount(m.list.Count() + 1)
	return nil
}

// trimSlab hints to the device that slabID's whole body is free. Errors
// are swallowed: trim is advisory, and a device that can't or won't trim
// must not block a slab's return to the free list.
func (m *Manager) trimSlab(ctx context.Context, slabID uint32) {
	if m.cs == nil || m.dev == nil || m.geo == nil {
		return
	}
	r := fladev.Range{Slba: m.cs.SlabOffset(m.geo, slabID), Nlb: uint64(m.geo.SlabNlb)}
	_ = m.cs.SlabTrim(ctx, m.dev, r)
}
