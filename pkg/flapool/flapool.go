// Package flapool is the pool manager (C8): it maps pool names to pool
// entries through a hash table, tracks which slabs belong to which pool
// in three refcount-based buckets (empty/partial/full), and owns each
// pool's root-object handle.
package flapool

import (
	"context"

	"github.com/flexalloc/flexalloc/pkg/flacs"
	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/flabits"
	"github.com/flexalloc/flexalloc/pkg/flageo"
	"github.com/flexalloc/flexalloc/pkg/flahash"
	"github.com/flexalloc/flexalloc/pkg/flaslab"
)

// Bucket is one of a pool's three slab lists.
type Bucket int

const (
	BucketEmpty Bucket = iota
	BucketPartial
	BucketFull
)

// classifyBucket buckets a slab by occupancy. numFlaObjs is the pool's
// per-object slot width (striped pools reserve more than one slot per
// object); a slab is "full" once it can no longer fit one more object,
// not only once every slot is individually taken.
func classifyBucket(refcount, maxcount, numFlaObjs uint32) Bucket {
	switch {
	case refcount == 0:
		return BucketEmpty
	case refcount+numFlaObjs > maxcount:
		return BucketFull
	default:
		return BucketPartial
	}
}

func bucketHead(e flageo.PoolEntry, b Bucket) uint32 {
	switch b {
	case BucketEmpty:
		return e.EmptySlabs
	case BucketFull:
		return e.FullSlabs
	default:
		return e.PartialSlabs
	}
}

func setBucketHead(e *flageo.PoolEntry, b Bucket, v uint32) {
	switch b {
	case BucketEmpty:
		e.EmptySlabs = v
	case BucketFull:
		e.FullSlabs = v
	default:
		e.PartialSlabs = v
	}
}

// Handle identifies an open pool to a client: the pool's entry index plus
// the identity hash of the name it was resolved under. The hash lets the
// manager detect a handle whose pool has since been destroyed and its slot
// reused under another name.
type Handle struct {
	Ndx uint32
	H2  uint64
}

// RootObjFlag modifies SetRootObject's behavior.
type RootObjFlag uint32

const (
	// RootObjForce overwrites an already-set root object.
	RootObjForce RootObjFlag = 1 << 0
	// RootObjClear clears the root object handle instead of setting it.
	RootObjClear RootObjFlag = 1 << 1
)

// Manager is the pool manager. entries is the pool-entry array and
// freelist/table its companion bitmap and name index, all slices of the
// shared metadata buffer; slabs is the slab manager the pool's buckets
// thread through.
type Manager struct {
	freelist *flabits.Freelist
	table    *flahash.Table
	entries  []byte
	geo      *flageo.Geo
	slabs    *flaslab.Manager
	flists   *flaslab.Cache
	cs       flacs.CommandSet
	mdtsNbytes uint64
}

// NewManager wraps an already-open pool segment. cs validates whether a
// proposed object size is legal for the underlying device kind; mdtsNbytes
// (0 = unbounded) caps a pool's stripe-chunk size.
func NewManager(freelist *flabits.Freelist, table *flahash.Table, entries []byte, geo *flageo.Geo, slabs *flaslab.Manager, flists *flaslab.Cache, cs flacs.CommandSet, mdtsNbytes uint64) *Manager {
	return &Manager{freelist: freelist, table: table, entries: entries, geo: geo, slabs: slabs, flists: flists, cs: cs, mdtsNbytes: mdtsNbytes}
}

func (m *Manager) entry(id uint32) flageo.PoolEntry {
	off := uint64(id) * flageo.PoolEntrySize
	return flageo.UnmarshalPoolEntry(m.entries[off : off+flageo.PoolEntrySize])
}

func (m *Manager) setEntry(id uint32, e flageo.PoolEntry) {
	off := uint64(id) * flageo.PoolEntrySize
	copy(m.entries[off:off+flageo.PoolEntrySize], e.Marshal())
}

// Entry exposes a pool's current on-disk entry, for inspect-style tooling.
func (m *Manager) Entry(id uint32) flageo.PoolEntry { return m.entry(id) }

// Verify checks that h still refers to the pool it was opened against: the
// slot must be live and the name stored there must hash to the handle's
// identity hash. A destroyed pool, or a slot since reused for a different
// name, fails both ways.
func (m *Manager) Verify(h Handle) error {
	if h.Ndx >= m.geo.Npools || m.freelist.IsFree(h.Ndx) {
		return flaerr.Newf(flaerr.StaleHandle, "pool slot %d is not allocated", h.Ndx)
	}
	if flahash.SDBM(m.entry(h.Ndx).NameString()) != h.H2 {
		return flaerr.Newf(flaerr.StaleHandle, "pool slot %d was reassigned since this handle was opened", h.Ndx)
	}
	return nil
}

// Create allocates a new pool entry, names it in the hash table, and
// returns a handle to it. objNlb is the fixed object size for every object
// the pool will hold. Creating a name that already exists with the same
// object size returns the existing pool's handle; a mismatched size is an
// error.
func (m *Manager) Create(name string, objNlb uint32, striped bool, strpNobjs, strpNbytes uint32) (Handle, error) {
	if len(name) >= flageo.NameSizePool {
		return Handle{}, flaerr.Newf(flaerr.InvalidArgument, "pool name %q exceeds %d bytes", name, flageo.NameSizePool-1)
	}
	if objNlb < 1 {
		return Handle{}, flaerr.New(flaerr.InvalidArgument, "object size must be at least one logical block")
	}
	if m.geo.ObjectsPerSlab(objNlb) == 0 {
		return Handle{}, flaerr.New(flaerr.InvalidArgument, "object size is too large: no slab can hold even one")
	}
	if m.cs != nil {
		if err := m.cs.PoolCheck(m.geo, objNlb); err != nil {
			return Handle{}, err
		}
	}
	if striped && m.mdtsNbytes != 0 && uint64(strpNbytes) > m.mdtsNbytes {
		return Handle{}, flaerr.Newf(flaerr.InvalidArgument, "stripe chunk %d exceeds device max transfer size %d", strpNbytes, m.mdtsNbytes)
	}

	if h, ok := m.table.Lookup(name); ok {
		existing := m.entry(h.Val)
		if existing.ObjNlb == objNlb {
			return Handle{Ndx: h.Val, H2: h.H2}, nil
		}
		return Handle{}, flaerr.Newf(flaerr.AlreadyExists, "pool %q already exists with obj_nlb=%d, requested %d", name, existing.ObjNlb, objNlb)
	}

	id, err := m.freelist.Alloc(1)
	if err != nil {
		return Handle{}, flaerr.Wrap(flaerr.OutOfSpace, err, "no free pool slots")
	}

	var flags uint32
	if striped {
		flags |= flageo.PoolFlagStriped
	}
	e := flageo.PoolEntry{
		EmptySlabs:   flageo.LinkedListNull,
		FullSlabs:    flageo.LinkedListNull,
		PartialSlabs: flageo.LinkedListNull,
		ObjNlb:       objNlb,
		SlabNobj:     m.geo.ObjectsPerSlab(objNlb),
		RootObjHndl:  flageo.RootObjNone,
		Flags:        flags,
		StrpNobjs:    strpNobjs,
		StrpNbytes:   strpNbytes,
	}
	copy(e.Name[:], name)
	m.setEntry(id, e)

	if err := m.table.Insert(name, id); err != nil {
		m.freelist.Free(id)
		return Handle{}, err
	}
	return Handle{Ndx: id, H2: flahash.SDBM(name)}, nil
}

// Open resolves a pool name to a handle.
func (m *Manager) Open(name string) (Handle, error) {
	e, ok := m.table.Lookup(name)
	if !ok {
		return Handle{}, flaerr.Newf(flaerr.NotFound, "pool %q does not exist", name)
	}
	return Handle{Ndx: e.Val, H2: e.H2}, nil
}

// Destroy releases every slab the pool owns back to the slab manager,
// removes its hash-table entry, and frees its entry slot. A stale handle
// mutates nothing.
func (m *Manager) Destroy(ctx context.Context, h Handle) error {
	if err := m.Verify(h); err != nil {
		return err
	}
	poolID := h.Ndx
	e := m.entry(poolID)
	for _, b := range []Bucket{BucketEmpty, BucketPartial, BucketFull} {
		for {
			head := bucketHead(e, b)
			if head == flageo.LinkedListNull {
				break
			}
			h := m.slabs.Header(head)
			next := h.Next
			h.Refcount = 0
			m.slabs.SetHeader(head, h)
			m.flists.Drop(head)
			if err := m.slabs.Release(ctx, head); err != nil {
				return err
			}
			setBucketHead(&e, b, next)
			if next != flageo.LinkedListNull {
				nh := m.slabs.Header(next)
				nh.Prev = flageo.LinkedListNull
				m.slabs.SetHeader(next, nh)
			}
		}
	}
	m.table.Remove(e.NameString())
	return m.freelist.Free(poolID)
}

// SetRootObject sets or clears the pool's root object handle.
func (m *Manager) SetRootObject(h Handle, handle uint64, flags RootObjFlag) error {
	if err := m.Verify(h); err != nil {
		return err
	}
	poolID := h.Ndx
	e := m.entry(poolID)
	if flags&RootObjClear != 0 {
		e.RootObjHndl = flageo.RootObjNone
		m.setEntry(poolID, e)
		return nil
	}
	if e.RootObjHndl != flageo.RootObjNone && flags&RootObjForce == 0 {
		return flaerr.New(flaerr.AlreadyExists, "pool already has a root object; use RootObjForce to overwrite")
	}
	e.RootObjHndl = handle
	m.setEntry(poolID, e)
	return nil
}

// SetStrp reconfigures a pool's striping parameters. strpNbytes must not
// exceed the device's maximum data transfer size.
func (m *Manager) SetStrp(h Handle, strpNobjs, strpNbytes uint32) error {
	if err := m.Verify(h); err != nil {
		return err
	}
	if m.mdtsNbytes != 0 && uint64(strpNbytes) > m.mdtsNbytes {
		return flaerr.Newf(flaerr.InvalidArgument, "stripe chunk %d exceeds device max transfer size %d", strpNbytes, m.mdtsNbytes)
	}
	poolID := h.Ndx
	e := m.entry(poolID)
	e.StrpNobjs = strpNobjs
	e.StrpNbytes = strpNbytes
	if strpNobjs > 1 {
		e.Flags |= flageo.PoolFlagStriped
	} else {
		e.Flags &^= flageo.PoolFlagStriped
	}
	m.setEntry(poolID, e)
	return nil
}

// RootObject returns the pool's root object handle, if any is set.
func (m *Manager) RootObject(h Handle) (uint64, bool) {
	if m.Verify(h) != nil {
		return 0, false
	}
	e := m.entry(h.Ndx)
	if e.RootObjHndl == flageo.RootObjNone {
		return 0, false
	}
	return e.RootObjHndl, true
}

// moveSlabBucket unlinks slabID from its current bucket (inferred from its
// header's refcount before the caller's mutation) and relinks it into to.
func (m *Manager) moveSlabBucket(poolID, slabID uint32, from, to Bucket) {
	if from == to {
		return
	}
	e := m.entry(poolID)
	h := m.slabs.Header(slabID)

	if h.Prev == flageo.LinkedListNull {
		setBucketHead(&e, from, h.Next)
	} else {
		ph := m.slabs.Header(h.Prev)
		ph.Next = h.Next
		m.slabs.SetHeader(h.Prev, ph)
	}
	if h.Next != flageo.LinkedListNull {
		nh := m.slabs.Header(h.Next)
		nh.Prev = h.Prev
		m.slabs.SetHeader(h.Next, nh)
	}

	toHead := bucketHead(e, to)
	h.Prev = flageo.LinkedListNull
	h.Next = toHead
	m.slabs.SetHeader(slabID, h)
	if toHead != flageo.LinkedListNull {
		th := m.slabs.Header(toHead)
		th.Prev = slabID
		m.slabs.SetHeader(toHead, th)
	}
	setBucketHead(&e, to, slabID)
	m.setEntry(poolID, e)
}

// acquireNewSlab takes a fresh slab from the slab manager, formats its
// object freelist, and links it into the pool's empty bucket.
func (m *Manager) acquireNewSlab(ctx context.Context, poolID uint32) (uint32, error) {
	e := m.entry(poolID)
	slabID, err := m.slabs.Acquire(poolID)
	if err != nil {
		return 0, err
	}
	h := m.slabs.Header(slabID)
	h.Maxcount = e.SlabNobj
	m.slabs.SetHeader(slabID, h)

	if err := m.flists.Init(ctx, slabID, e.ObjNlb, e.SlabNobj); err != nil {
		return 0, err
	}

	head := e.EmptySlabs
	h = m.slabs.Header(slabID)
	h.Next = head
	h.Prev = flageo.LinkedListNull
	m.slabs.SetHeader(slabID, h)
	if head != flageo.LinkedListNull {
		hh := m.slabs.Header(head)
		hh.Prev = slabID
		m.slabs.SetHeader(head, hh)
	}
	e.EmptySlabs = slabID
	m.setEntry(poolID, e)
	return slabID, nil
}

// NextAvailableSlab returns a slab of poolID with at least one free
// object slot, preferring an already-partial slab over an empty one, and
// acquiring a brand new slab only if neither bucket has one.
func (m *Manager) NextAvailableSlab(ctx context.Context, poolID uint32) (uint32, error) {
	e := m.entry(poolID)
	if e.PartialSlabs != flageo.LinkedListNull {
		return e.PartialSlabs, nil
	}
	if e.EmptySlabs != flageo.LinkedListNull {
		return e.EmptySlabs, nil
	}
	return m.acquireNewSlab(ctx, poolID)
}

// NoteObjAlloc records that slabID (belonging to poolID) just had an
// object allocated out of it, moving it between buckets if its occupancy
// crossed a threshold.
func (m *Manager) NoteObjAlloc(poolID, slabID uint32) {
	numFlaObjs := m.entry(poolID).NumFlaObjs()
	h := m.slabs.Header(slabID)
	before := classifyBucket(h.Refcount, h.Maxcount, numFlaObjs)
	h.Refcount += numFlaObjs
	m.slabs.SetHeader(slabID, h)
	after := classifyBucket(h.Refcount, h.Maxcount, numFlaObjs)
	m.moveSlabBucket(poolID, slabID, before, after)
}

// NoteObjFree records that slabID just had an object freed, moving it
// between buckets if its occupancy crossed a threshold. If the slab
// becomes empty it is NOT automatically released back to the slab
// manager; callers that want that reclaim it explicitly.
func (m *Manager) NoteObjFree(poolID, slabID uint32) {
	numFlaObjs := m.entry(poolID).NumFlaObjs()
	h := m.slabs.Header(slabID)
	before := classifyBucket(h.Refcount, h.Maxcount, numFlaObjs)
	h.Refcount -= numFlaObjs
	m.slabs.SetHeader(slabID, h)
	after := classifyBucket(h.Refcount, h.Maxcount, numFlaObjs)
	m.moveSlabBucket(poolID, slabID, before, after)
}
