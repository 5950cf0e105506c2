// Package flaobj is the object engine (C10): it turns a pool's object
// slots into addressable byte ranges on the device, handles unaligned
// reads and writes with read-modify-write, fans a striped pool's I/O out
// across its sub-objects per the stripe-interleaving formula, and tracks
// open zones on a zoned device.
package flaobj

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flexalloc/flexalloc/pkg/flacs"
	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/fladp"
	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/flageo"
	"github.com/flexalloc/flexalloc/pkg/flapool"
	"github.com/flexalloc/flexalloc/pkg/flaslab"
)

// Handle addresses one object: the slab it lives in and its slot within
// that slab's freelist.
type Handle struct {
	SlabID   uint32
	EntryNdx uint32
}

// IsNull reports whether h is the "no object" handle, whose SlabID is
// flageo.LinkedListNull. The zero-value Handle is not null: it names slot
// 0 of slab 0.
func (h Handle) IsNull() bool { return h.SlabID == flageo.LinkedListNull }

// Engine is the object engine. Besides its collaborators, it holds the
// open-zone tracker a zoned device's write path needs (nil for a
// conventional device).
type Engine struct {
	dev    fladev.Device
	geo    *flageo.Geo
	cs     flacs.CommandSet
	dp     fladp.DataPlacer
	pools  *flapool.Manager
	flists *flaslab.Cache

	zones *openZoneTracker
}

// NewEngine wires together the collaborators an object lifecycle needs.
func NewEngine(dev fladev.Device, geo *flageo.Geo, cs flacs.CommandSet, dp fladp.DataPlacer, pools *flapool.Manager, flists *flaslab.Cache) *Engine {
	e := &Engine{dev: dev, geo: geo, cs: cs, dp: dp, pools: pools, flists: flists}
	if geo.Zoned {
		e.zones = newOpenZoneTracker(dev.MaxOpenZones())
	}
	return e
}

// subObjRange is the device LBA range of one stripe member (sub-object)
// within h's object. subIdx must be < entry.NumFlaObjs(); for an
// unstriped object (NumFlaObjs() == 1) subIdx 0 is the whole object.
func (e *Engine) subObjRange(h Handle, entry flageo.PoolEntry, subIdx uint32) fladev.Range {
	slabOff := e.cs.SlabOffset(e.geo, h.SlabID)
	base := entry.ObjSLBA(slabOff, h.EntryNdx) + uint64(subIdx)*uint64(entry.ObjNlb)
	return fladev.Range{Slba: base, Nlb: uint64(entry.ObjNlb)}
}

// objNbytes is the total logical byte size of a pool's object: every
// stripe member's obj_nlb blocks, end to end.
func (e *Engine) objNbytes(entry flageo.PoolEntry) uint64 {
	return uint64(entry.NumFlaObjs()) * uint64(entry.ObjNlb) * uint64(e.geo.LbNbytes)
}

// Create allocates a new object in the pool and returns its handle. A
// striped pool's object reserves NumFlaObjs consecutive freelist slots,
// not just one.
func (e *Engine) Create(ctx context.Context, pool flapool.Handle) (Handle, error) {
	if err := e.pools.Verify(pool); err != nil {
		return Handle{}, err
	}
	poolID := pool.Ndx
	entry := e.pools.Entry(poolID)
	slabID, err := e.pools.NextAvailableSlab(ctx, poolID)
	if err != nil {
		return Handle{}, err
	}
	idx, err := e.flists.ObjAllocN(slabID, entry.NumFlaObjs())
	if err != nil {
		return Handle{}, err
	}
	e.pools.NoteObjAlloc(poolID, slabID)
	return Handle{SlabID: slabID, EntryNdx: idx}, nil
}

// Open readies a previously-created object for I/O: the owning slab's
// freelist is loaded if it isn't resident, and the handle's slot is
// checked to actually be allocated. Nothing is mutated.
func (e *Engine) Open(ctx context.Context, pool flapool.Handle, h Handle) error {
	if err := e.pools.Verify(pool); err != nil {
		return err
	}
	entry := e.pools.Entry(pool.Ndx)
	if h.SlabID >= e.geo.Nslabs {
		return flaerr.Newf(flaerr.InvalidArgument, "object handle references slab %d of %d", h.SlabID, e.geo.Nslabs)
	}
	if !e.flists.Resident(h.SlabID) {
		if err := e.flists.Load(ctx, h.SlabID, entry.ObjNlb, entry.SlabNobj); err != nil {
			return err
		}
	}
	reserved, err := e.flists.ObjReserved(h.SlabID, h.EntryNdx)
	if err != nil {
		return err
	}
	if !reserved {
		return flaerr.Newf(flaerr.NotFound, "object slot %d of slab %d is not allocated", h.EntryNdx, h.SlabID)
	}
	return nil
}

// Destroy releases h's object-level device state, one sub-range per
// striped sub-object, and returns its slots to the owning slab's freelist.
func (e *Engine) Destroy(ctx context.Context, pool flapool.Handle, h Handle) error {
	if err := e.pools.Verify(pool); err != nil {
		return err
	}
	poolID := pool.Ndx
	entry := e.pools.Entry(poolID)
	for sub := uint32(0); sub < entry.NumFlaObjs(); sub++ {
		r := e.subObjRange(h, entry, sub)
		if err := e.cs.ObjectDestroy(ctx, e.dev, r); err != nil {
			return err
		}
		if e.zones != nil {
			e.zones.forget(r.Slba)
		}
	}
	if err := e.flists.ObjFreeN(h.SlabID, h.EntryNdx, entry.NumFlaObjs()); err != nil {
		return err
	}
	e.pools.NoteObjFree(poolID, h.SlabID)
	return nil
}

// Seal finalizes h after its last write: on a zoned device this issues a
// zone-finish on every zone that backs the object, one per striped
// sub-object.
func (e *Engine) Seal(ctx context.Context, pool flapool.Handle, h Handle) error {
	if err := e.pools.Verify(pool); err != nil {
		return err
	}
	entry := e.pools.Entry(pool.Ndx)
	for sub := uint32(0); sub < entry.NumFlaObjs(); sub++ {
		r := e.subObjRange(h, entry, sub)
		if err := e.cs.ObjectSeal(ctx, e.dev, r); err != nil {
			return err
		}
		if e.zones != nil {
			e.zones.forget(r.Slba)
		}
	}
	return nil
}

// Write writes buf to h starting at offsetBytes within the object. A
// non-striped object issues one write (falling back to read-modify-write
// if unaligned, on conventional devices only). A striped object is
// decomposed into per-sub-object segments along stripe-chunk boundaries
// and the sub-writes are issued concurrently, or one after another when the
// stripe chunk is not a whole number of logical blocks.
func (e *Engine) Write(ctx context.Context, pool flapool.Handle, h Handle, offsetBytes uint64, buf []byte) error {
	if err := e.pools.Verify(pool); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	poolID := pool.Ndx
	entry := e.pools.Entry(poolID)
	if offsetBytes+uint64(len(buf)) > e.objNbytes(entry) {
		return flaerr.New(flaerr.InvalidArgument, "write extends past the end of the object")
	}

	key := fladp.Key{PoolID: poolID, SlabID: h.SlabID, ObjNdx: h.EntryNdx}
	placementID, err := e.dp.PlacementID(ctx, key)
	if err != nil {
		return err
	}

	nsub := entry.NumFlaObjs()
	chunkBytes := uint64(entry.StrpNbytes)
	if nsub <= 1 || chunkBytes == 0 {
		r := e.subObjRange(h, entry, 0)
		return e.writeSub(ctx, r, offsetBytes, buf, placementID)
	}

	segs := splitStripe(offsetBytes, uint64(len(buf)), chunkBytes, nsub)
	if chunkBytes%uint64(e.geo.LbNbytes) != 0 {
		// Segments of one sub-object then share logical blocks, and their
		// read-modify-writes would overwrite each other if run concurrently.
		for _, seg := range segs {
			r := e.subObjRange(h, entry, seg.subIdx)
			if err := e.writeSub(ctx, r, seg.intraOff, buf[seg.bufOff:seg.bufOff+seg.length], placementID); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range segs {
		seg := seg
		r := e.subObjRange(h, entry, seg.subIdx)
		segBuf := buf[seg.bufOff : seg.bufOff+seg.length]
		g.Go(func() error {
			return e.writeSub(gctx, r, seg.intraOff, segBuf, placementID)
		})
	}
	return g.Wait()
}

// writeSub writes buf at intraOffsetBytes within sub-object range r,
// falling back to read-modify-write if the request isn't block-aligned.
// On a zoned device it opens r's zone first (finishing the oldest tracked
// zone if the device is already at its open-zone limit) and finishes the
// zone once the write reaches its end.
func (e *Engine) writeSub(ctx context.Context, r fladev.Range, intraOffsetBytes uint64, buf []byte, placementID uint32) error {
	lbaNbytes := uint64(e.geo.LbNbytes)

	if e.zones != nil {
		if err := e.zones.ensureOpen(ctx, e.dev, r.Slba); err != nil {
			return err
		}
	}

	var err error
	if intraOffsetBytes%lbaNbytes != 0 || uint64(len(buf))%lbaNbytes != 0 {
		if e.geo.Zoned {
			return flaerr.New(flaerr.InvalidArgument, "a zoned device cannot service an unaligned write: read-modify-write would overwrite sequential-only blocks")
		}
		err = e.unalignedWrite(ctx, r, intraOffsetBytes, buf, placementID)
	} else {
		sub := fladev.Range{
			Slba: r.Slba + intraOffsetBytes/lbaNbytes,
			Nlb:  uint64(len(buf)) / lbaNbytes,
		}
		if sub.Slba+sub.Nlb > r.Slba+r.Nlb {
			err = flaerr.New(flaerr.InvalidArgument, "write extends past the end of the object")
		} else {
			err = e.dev.WriteAt(ctx, sub, buf, placementID)
		}
	}
	if err != nil {
		return err
	}

	if e.zones != nil && intraOffsetBytes+uint64(len(buf)) >= r.Nbytes(e.geo.LbNbytes) {
		return e.zones.closeZone(ctx, e.dev, r.Slba)
	}
	return nil
}

// UnalignedWrite writes buf at a byte offset with no alignment
// requirement, read-modify-writing the logical blocks bracketing the
// range. Conventional devices only: a zoned device cannot rewrite blocks
// in place.
func (e *Engine) UnalignedWrite(ctx context.Context, pool flapool.Handle, h Handle, offsetBytes uint64, buf []byte) error {
	if e.geo.Zoned {
		return flaerr.New(flaerr.InvalidArgument, "unaligned writes are not supported on a zoned device")
	}
	return e.Write(ctx, pool, h, offsetBytes, buf)
}

// unalignedWrite performs a read-modify-write covering the full logical
// blocks an unaligned write touches, within sub-object range r.
func (e *Engine) unalignedWrite(ctx context.Context, r fladev.Range, offsetBytes uint64, buf []byte, placementID uint32) error {
	lbaNbytes := uint64(e.geo.LbNbytes)
	startBlk := offsetBytes / lbaNbytes
	endBlk := flageo.CeilDiv(offsetBytes+uint64(len(buf)), lbaNbytes)
	nblk := endBlk - startBlk
	if startBlk+nblk > r.Nlb {
		return flaerr.New(flaerr.InvalidArgument, "write extends past the end of the object")
	}

	sub := fladev.Range{Slba: r.Slba + startBlk, Nlb: nblk}
	scratch := e.dev.AllocDMA(int(nblk * lbaNbytes))
	if err := e.dev.ReadAt(ctx, sub, scratch); err != nil {
		return err
	}
	relOff := offsetBytes - startBlk*lbaNbytes
	copy(scratch[relOff:relOff+uint64(len(buf))], buf)
	return e.dev.WriteAt(ctx, sub, scratch, placementID)
}

// Read reads len(buf) bytes from h starting at offsetBytes. A non-striped
// object issues one read (unaligned requests read the covering blocks and
// copy out the requested slice); a striped object is decomposed into
// per-sub-object ranges, same as Write, and the sub-reads are issued
// concurrently.
func (e *Engine) Read(ctx context.Context, pool flapool.Handle, h Handle, offsetBytes uint64, buf []byte) error {
	if err := e.pools.Verify(pool); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	entry := e.pools.Entry(pool.Ndx)
	if offsetBytes+uint64(len(buf)) > e.objNbytes(entry) {
		return flaerr.New(flaerr.InvalidArgument, "read extends past the end of the object")
	}

	nsub := entry.NumFlaObjs()
	chunkBytes := uint64(entry.StrpNbytes)
	if nsub <= 1 || chunkBytes == 0 {
		r := e.subObjRange(h, entry, 0)
		return e.readSub(ctx, r, offsetBytes, buf)
	}

	segs := splitStripe(offsetBytes, uint64(len(buf)), chunkBytes, nsub)
	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range segs {
		seg := seg
		r := e.subObjRange(h, entry, seg.subIdx)
		segBuf := buf[seg.bufOff : seg.bufOff+seg.length]
		g.Go(func() error {
			return e.readSub(gctx, r, seg.intraOff, segBuf)
		})
	}
	return g.Wait()
}

// readSub reads len(buf) bytes at intraOffsetBytes within sub-object range
// r, reading the covering blocks and copying out the requested slice if
// the request isn't block-aligned.
func (e *Engine) readSub(ctx context.Context, r fladev.Range, intraOffsetBytes uint64, buf []byte) error {
	lbaNbytes := uint64(e.geo.LbNbytes)
	startBlk := intraOffsetBytes / lbaNbytes
	endBlk := flageo.CeilDiv(intraOffsetBytes+uint64(len(buf)), lbaNbytes)
	if endBlk > r.Nlb {
		return flaerr.New(flaerr.InvalidArgument, "read extends past the end of the object")
	}

	sub := fladev.Range{Slba: r.Slba + startBlk, Nlb: endBlk - startBlk}
	scratch := e.dev.AllocDMA(int((endBlk - startBlk) * lbaNbytes))
	if err := e.dev.ReadAt(ctx, sub, scratch); err != nil {
		return err
	}
	relOff := intraOffsetBytes - startBlk*lbaNbytes
	copy(buf, scratch[relOff:relOff+uint64(len(buf))])
	return nil
}

// ioSegment is one contiguous run of a striped I/O that lands entirely
// within a single sub-object.
type ioSegment struct {
	subIdx   uint32
	intraOff uint64 // byte offset within the sub-object
	bufOff   uint64 // byte offset within the caller's buffer
	length   uint64
}

// splitStripe decomposes the byte range [offset, offset+length) into
// per-sub-object segments: byte k of the object lands in sub-object
// floor(k/C) mod S at intra-sub-object offset floor(k/(C*S))*C + (k mod C),
// where C is the stripe-chunk size and S the stripe width. Every
// chunk-sized run of k maps to a single sub-object at a contiguous
// intra-offset, so the range splits cleanly at chunk boundaries.
func splitStripe(offset, length, chunkBytes uint64, nsub uint32) []ioSegment {
	var segs []ioSegment
	var bufOff uint64
	S := uint64(nsub)
	for length > 0 {
		m := offset / chunkBytes
		chunkEnd := (m + 1) * chunkBytes
		segEnd := offset + length
		if segEnd > chunkEnd {
			segEnd = chunkEnd
		}
		segLen := segEnd - offset

		subIdx := uint32(m % S)
		intraOff := (m/S)*chunkBytes + (offset - m*chunkBytes)

		segs = append(segs, ioSegment{subIdx: subIdx, intraOff: intraOff, bufOff: bufOff, length: segLen})

		bufOff += segLen
		length -= segLen
		offset = segEnd
	}
	return segs
}

// openZoneTracker tracks which zones writes currently hold open on a
// zoned device, as a bounded FIFO. Before
// opening a zone not already tracked, the oldest tracked zone is finished
// first if the device's max-open-resources limit has been reached; a zone
// is finished and untracked immediately once a write reaches its end.
type openZoneTracker struct {
	mu    sync.Mutex
	max   uint64
	order []uint64
	open  map[uint64]bool
}

func newOpenZoneTracker(max uint64) *openZoneTracker {
	return &openZoneTracker{max: max, open: make(map[uint64]bool)}
}

// ensureOpen marks zoneStart open, finishing the oldest tracked zone first
// if the device is already at its open-zone limit.
func (z *openZoneTracker) ensureOpen(ctx context.Context, dev fladev.Device, zoneStart uint64) error {
	z.mu.Lock()
	if z.open[zoneStart] {
		z.mu.Unlock()
		return nil
	}
	var oldest uint64
	mustFinish := false
	if z.max > 0 && uint64(len(z.order)) >= z.max {
		oldest = z.order[0]
		z.order = z.order[1:]
		delete(z.open, oldest)
		mustFinish = true
	}
	z.open[zoneStart] = true
	z.order = append(z.order, zoneStart)
	z.mu.Unlock()

	if mustFinish {
		return dev.ZoneManage(ctx, oldest, fladev.ZoneFinish)
	}
	return nil
}

// closeZone finishes zoneStart and drops it from tracking; called once a
// write reaches the end of the zone it targets.
func (z *openZoneTracker) closeZone(ctx context.Context, dev fladev.Device, zoneStart uint64) error {
	if !z.untrack(zoneStart) {
		return nil
	}
	return dev.ZoneManage(ctx, zoneStart, fladev.ZoneFinish)
}

// forget drops zoneStart from tracking without issuing a second
// zone-finish: used when Destroy/Seal have already made their own
// zone-management call for it.
func (z *openZoneTracker) forget(zoneStart uint64) {
	z.untrack(zoneStart)
}

func (z *openZoneTracker) untrack(zoneStart uint64) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.open[zoneStart] {
		return false
	}
	delete(z.open, zoneStart)
	for i, v := range z.order {
		if v == zoneStart {
			z.order = append(z.order[:i], z.order[i+1:]...)
			break
		}
	}
	return true
}
