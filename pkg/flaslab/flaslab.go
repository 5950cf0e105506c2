// Package flaslab combines the slab freelist cache (a per-slab object
// freelist, loaded and flushed independently of the main metadata buffer)
// with the slab manager (the device-wide doubly-linked list of free
// slabs, threaded through the slab header array).
package flaslab

import (
	"context"
	"sync"

	"github.com/flexalloc/flexalloc/pkg/flabits"
	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/fladp"
	"github.com/flexalloc/flexalloc/pkg/flageo"
)

// State is a cache element's lifecycle stage.
type State int

const (
	// Stale: not resident. Touching the slab again requires Init or Load.
	Stale State = iota
	// Clean: resident and identical to what's on disk.
	Clean
	// Dirty: resident with allocations/frees not yet flushed.
	Dirty
)

// Elem is one slab's cached freelist plus enough context to find and size
// it on disk again.
type Elem struct {
	SlabID uint32
	ObjNlb uint32
	Nobj   uint32
	State  State
	Flist  *flabits.Freelist
}

// Cache is the slab freelist cache (C7). Freelists are loaded lazily and
// evicted explicitly; nothing here touches the slab header array, which
// lives in the shared metadata buffer and is owned by the pool manager.
type Cache struct {
	dev fladev.Device
	md  fladev.Device
	geo *flageo.Geo

	mu    sync.Mutex
	elems map[uint32]*Elem
}

// NewCache builds an empty slab freelist cache. md is the metadata device
// holding a zoned volume's off-slab freelists; pass the data device
// itself when metadata and slab bodies are co-located.
func NewCache(dev, md fladev.Device, geo *flageo.Geo) *Cache {
	if md == nil {
		md = dev
	}
	return &Cache{dev: dev, md: md, geo: geo, elems: make(map[uint32]*Elem)}
}

// flistRange places slabID's freelist: zoned volumes keep it in the
// metadata device's off-slab freelist area, conventional ones in the tail
// blocks of the slab body itself, after the last object.
func (c *Cache) flistRange(slabID, objNlb, nobj uint32) (fladev.Device, fladev.Range, error) {
	flistNlb := c.geo.FlistNlb(nobj)
	if c.geo.Zoned {
		if flistNlb > 1 {
			return nil, fladev.Range{}, flaerr.Newf(flaerr.InvalidArgument,
				"slab %d freelist needs %d blocks; a zoned volume's off-slab freelists are one block each", slabID, flistNlb)
		}
		return c.md, fladev.Range{Slba: c.geo.SlabFlistLbOff(slabID), Nlb: uint64(flistNlb)}, nil
	}
	slabBody := c.geo.SlabLbOff(slabID)
	trailOff := slabBody + uint64(nobj)*uint64(objNlb)
	return c.dev, fladev.Range{Slba: trailOff, Nlb: uint64(flistNlb)}, nil
}

// Init formats a fresh (all-free) freelist for slabID and writes it to
// disk immediately, leaving the cache entry Clean. Used when a slab is
// newly acquired by a pool with a given object layout.
func (c *Cache) Init(ctx context.Context, slabID, objNlb, nobj uint32) error {
	dev, r, err := c.flistRange(slabID, objNlb, nobj)
	if err != nil {
		return err
	}
	// Buffers are whole logical blocks; the bitmap occupies the head and
	// the padding flushes along with it.
	buf := dev.AllocDMA(int(r.Nbytes(c.geo.LbNbytes)))
	fl := flabits.Init(buf, nobj)
	if err := dev.WriteAt(ctx, r, buf, fladp.MetadataPlacementID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.elems[slabID] = &Elem{SlabID: slabID, ObjNlb: objNlb, Nobj: nobj, State: Clean, Flist: fl}
	return nil
}

// Load reads slabID's freelist off disk into the cache as Clean. The
// stored length must agree with nobj; a disagreement means the slab was
// last formatted for a different object layout than the caller believes.
func (c *Cache) Load(ctx context.Context, slabID, objNlb, nobj uint32) error {
	dev, r, err := c.flistRange(slabID, objNlb, nobj)
	if err != nil {
		return err
	}
	buf := dev.AllocDMA(int(r.Nlb) * int(c.geo.LbNbytes))
	if err := dev.ReadAt(ctx, r, buf); err != nil {
		return err
	}
	fl := flabits.Open(buf)
	if fl.Len() != nobj {
		return flaerr.Newf(flaerr.Corruption,
			"slab %d freelist holds %d entries on disk, expected %d", slabID, fl.Len(), nobj)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.elems[slabID] = &Elem{SlabID: slabID, ObjNlb: objNlb, Nobj: nobj, State: Clean, Flist: fl}
	return nil
}

func (c *Cache) get(slabID uint32) (*Elem, error) {
	e, ok := c.elems[slabID]
	if !ok || e.State == Stale {
		return nil, flaerr.Newf(flaerr.InvalidState, "slab %d freelist is not resident in the cache", slabID)
	}
	return e, nil
}

// ObjAlloc reserves one object slot in slabID's freelist, marking the
// entry Dirty. The slab must already be Clean or Dirty in the cache.
func (c *Cache) ObjAlloc(slabID uint32) (uint32, error) {
	return c.ObjAllocN(slabID, 1)
}

// ObjAllocN reserves n consecutive object slots (a striped object's
// num_fla_objs) in slabID's freelist, returning the first slot's index.
// Reservation is transactional: a short allocation leaves the freelist
// unchanged.
func (c *Cache) ObjAllocN(slabID uint32, n uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.get(slabID)
	if err != nil {
		return 0, err
	}
	idx, err := e.Flist.Alloc(n)
	if err != nil {
		return 0, err
	}
	e.State = Dirty
	return idx, nil
}

// ObjFree releases object slot idx in slabID's freelist, marking the
// entry Dirty.
func (c *Cache) ObjFree(slabID uint32, idx uint32) error {
	return c.ObjFreeN(slabID, idx, 1)
}

// ObjFreeN releases n consecutive object slots starting at idx in
// slabID's freelist, marking the entry Dirty.
func (c *Cache) ObjFreeN(slabID uint32, idx uint32, n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.get(slabID)
	if err != nil {
		return err
	}
	if err := e.Flist.FreeRun(idx, n); err != nil {
		return err
	}
	e.State = Dirty
	return nil
}

// Flush writes slabID's cached freelist to disk if Dirty, then marks it
// Clean. A Clean or Stale entry is a no-op.
func (c *Cache) Flush(ctx context.Context, slabID uint32) error {
	c.mu.Lock()
	e, ok := c.elems[slabID]
	c.mu.Unlock()
	if !ok || e.State != Dirty {
		return nil
	}

	dev, r, err := c.flistRange(slabID, e.ObjNlb, e.Nobj)
	if err != nil {
		return err
	}
	if err := dev.WriteAt(ctx, r, e.Flist.Bytes(), fladp.MetadataPlacementID); err != nil {
		return err
	}

	c.mu.Lock()
	e.State = Clean
	c.mu.Unlock()
	return nil
}

// FlushAll flushes every Dirty entry currently cached. Each dirty entry
// is attempted even when an earlier one fails; the returned error reports
// how many flushes failed, wrapping the first failure's cause. Entries
// that failed stay Dirty for the next attempt.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.elems))
	for id, e := range c.elems {
		if e.State == Dirty {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var failed int
	var first error
	for _, id := range ids {
		if err := c.Flush(ctx, id); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed > 0 {
		return flaerr.Wrapf(flaerr.IoError, first, "%d of %d dirty slab freelists failed to flush", failed, len(ids))
	}
	return nil
}

// Drop evicts slabID from the cache, discarding any unflushed changes.
// Call Flush first if those changes need to survive.
func (c *Cache) Drop(slabID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.elems, slabID)
}

// Resident reports whether slabID's freelist is currently loaded.
func (c *Cache) Resident(slabID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.elems[slabID]
	return ok && e.State != Stale
}

// ObjReserved reports whether object slot idx is currently allocated in
// slabID's freelist. The freelist must be resident.
func (c *Cache) ObjReserved(slabID, idx uint32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.get(slabID)
	if err != nil {
		return false, err
	}
	if idx >= e.Flist.Len() {
		return false, flaerr.Newf(flaerr.InvalidArgument, "slab %d has no object slot %d", slabID, idx)
	}
	return !e.Flist.IsFree(idx), nil
}

// NumFree reports how many object slots remain free in slabID's cached
// freelist.
func (c *Cache) NumFree(slabID uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.get(slabID)
	if err != nil {
		return 0, err
	}
	return e.Flist.Len() - e.Flist.NumReserved(), nil
}
