// Package flafs is the filesystem façade (C11): it owns the single
// metadata DMA buffer (super block + pool segment + slab segment),
// wires every other component to slices of it, and is the only package
// that knows how to open, format, sync and close a whole device.
package flafs

import (
	"context"
	"encoding/binary"

	"github.com/flexalloc/flexalloc/pkg/flabits"
	"github.com/flexalloc/flexalloc/pkg/flacs"
	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/fladp"
	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/flageo"
	"github.com/flexalloc/flexalloc/pkg/flahash"
	"github.com/flexalloc/flexalloc/pkg/flaobj"
	"github.com/flexalloc/flexalloc/pkg/flapool"
	"github.com/flexalloc/flexalloc/pkg/flaslab"
)

var byteOrder binary.ByteOrder = binary.LittleEndian

// FS is an open flexalloc filesystem: a device plus every layer built on
// top of it. md is the device holding the metadata region; on a
// single-device setup it is dev itself.
type FS struct {
	dev fladev.Device
	md  fladev.Device
	geo *flageo.Geo
	cs  flacs.CommandSet
	dp  fladp.DataPlacer

	mdBuf []byte

	poolFreelist *flabits.Freelist
	poolTable    *flahash.Table
	slabMgr      *flaslab.Manager
	flists       *flaslab.Cache

	Pools   *flapool.Manager
	Objects *flaobj.Engine
}

// mdNlb is the logical-block span of the eagerly-loaded metadata buffer:
// super block, pool segment and slab segment. Off-slab zoned freelists
// and slab bodies are not part of it; they're read and written lazily.
func mdNlb(geo *flageo.Geo) uint64 {
	return geo.SlabSgmtLbOff() + uint64(geo.SlabSgmt.SlabSgmtNlb)
}

func (fs *FS) poolSgmtSlices() (freelist, htbl, entries []byte) {
	geo := fs.geo
	off := geo.PoolSgmtOff()
	lbaNbytes := uint64(geo.LbNbytes)

	flEnd := off + uint64(geo.PoolSgmt.FreelistNlb)*lbaNbytes
	htblEnd := flEnd + uint64(geo.PoolSgmt.HtblNlb)*lbaNbytes
	entriesEnd := htblEnd + uint64(geo.PoolSgmt.EntriesNlb)*lbaNbytes

	return fs.mdBuf[off:flEnd], fs.mdBuf[flEnd:htblEnd], fs.mdBuf[htblEnd:entriesEnd]
}

func (fs *FS) slabSgmtSlices() (headers, list []byte) {
	geo := fs.geo
	off := geo.SlabSgmtOff()
	end := off + uint64(geo.SlabSgmt.SlabSgmtNlb)*uint64(geo.LbNbytes)
	buf := fs.mdBuf[off:end]

	headersEnd := uint64(geo.Nslabs) * flageo.SlabHeaderSize
	return buf[:headersEnd], buf[len(buf)-12:]
}

// syncHtblHeader copies the pool hash table's in-memory size/len back into
// its on-disk header bytes; everything else in the metadata buffer is
// mutated in place by the components that hold slices of it.
func (fs *FS) syncHtblHeader() {
	_, htbl, _ := fs.poolSgmtSlices()
	byteOrder.PutUint32(htbl[0:4], fs.poolTable.Size())
	byteOrder.PutUint32(htbl[4:8], fs.poolTable.Len())
}

func (fs *FS) flushMetadata(ctx context.Context) error {
	fs.syncHtblHeader()
	r := fladev.Range{Slba: 0, Nlb: mdNlb(fs.geo)}
	return fs.md.WriteAt(ctx, r, fs.mdBuf, fladp.MetadataPlacementID)
}

// Mkfs formats dev with a fresh flexalloc layout and returns it opened.
// md, when non-nil, is a separate device that takes the whole metadata
// region (super block, pool segment, slab segment, zoned freelists),
// leaving dev to hold only slab bodies.
func Mkfs(ctx context.Context, dev, md fladev.Device, params flageo.MkfsParams) (*FS, error) {
	if md == nil {
		md = dev
	} else {
		params.MdNlb = md.TotalLBA()
	}
	geo, err := flageo.Mkfs(params)
	if err != nil {
		return nil, err
	}

	mdBuf := md.AllocDMA(int(mdNlb(geo) * uint64(geo.LbNbytes)))
	copy(mdBuf[0:flageo.SuperSize], geo.ToSuper().Marshal())

	fs := &FS{dev: dev, md: md, geo: geo, cs: flacs.For(geo), dp: fladp.NullDP{}, mdBuf: mdBuf}

	flBuf, htblBuf, entriesBuf := fs.poolSgmtSlices()
	fs.poolFreelist = flabits.Init(flBuf, geo.Npools)
	fs.poolTable = flahash.Init(htblBuf, geo.PoolSgmt.HtblTblSize)

	headers, listBuf := fs.slabSgmtSlices()
	fs.slabMgr = flaslab.NewManager(headers, listBuf, geo.Nslabs, geo, fs.cs, dev)
	fs.slabMgr.InitFreeList()

	fs.flists = flaslab.NewCache(dev, md, geo)
	fs.Pools = flapool.NewManager(fs.poolFreelist, fs.poolTable, entriesBuf, geo, fs.slabMgr, fs.flists, fs.cs, dev.MaxTransferLBA()*uint64(geo.LbNbytes))
	fs.Objects = flaobj.NewEngine(dev, geo, fs.cs, fs.dp, fs.Pools, fs.flists)

	if err := fs.flushMetadata(ctx); err != nil {
		return nil, err
	}
	return fs, nil
}

// Open reads an existing flexalloc layout. The super block and all other
// metadata are read from md (pass nil when metadata and slab bodies share
// dev). zoned/nzsect describe the device's raw zone characteristics,
// which are never persisted in the super block.
func Open(ctx context.Context, dev, md fladev.Device, zoned bool, nzsect uint64) (*FS, error) {
	if md == nil {
		md = dev
	}
	superNlb := flageo.CeilDiv(flageo.SuperSize, uint64(md.LBANbytes()))
	superBuf := md.AllocDMA(int(superNlb * uint64(md.LBANbytes())))
	if err := md.ReadAt(ctx, fladev.Range{Slba: 0, Nlb: superNlb}, superBuf); err != nil {
		return nil, err
	}
	super := flageo.UnmarshalSuper(superBuf[:flageo.SuperSize])
	if super.Magic != flageo.Magic {
		return nil, flaerr.New(flaerr.Corruption, "super block magic does not match; device is not a flexalloc volume")
	}
	if super.FmtVersion != flageo.FmtVersion {
		return nil, flaerr.Newf(flaerr.Corruption, "unsupported on-disk format version %d", super.FmtVersion)
	}

	geo := flageo.FromSuper(super, dev.LBANbytes(), zoned, nzsect, dev.TotalLBA())
	geo.SeparateMd = md != dev

	mdBuf := md.AllocDMA(int(mdNlb(geo) * uint64(geo.LbNbytes)))
	if err := md.ReadAt(ctx, fladev.Range{Slba: 0, Nlb: mdNlb(geo)}, mdBuf); err != nil {
		return nil, err
	}

	fs := &FS{dev: dev, md: md, geo: geo, cs: flacs.For(geo), dp: fladp.NullDP{}, mdBuf: mdBuf}

	flBuf, htblBuf, entriesBuf := fs.poolSgmtSlices()
	fs.poolFreelist = flabits.Open(flBuf)
	htblSize := byteOrder.Uint32(htblBuf[0:4])
	htblLen := byteOrder.Uint32(htblBuf[4:8])
	fs.poolTable = flahash.Open(htblBuf, htblSize, htblLen)

	headers, listBuf := fs.slabSgmtSlices()
	fs.slabMgr = flaslab.NewManager(headers, listBuf, geo.Nslabs, geo, fs.cs, dev)

	fs.flists = flaslab.NewCache(dev, md, geo)
	fs.Pools = flapool.NewManager(fs.poolFreelist, fs.poolTable, entriesBuf, geo, fs.slabMgr, fs.flists, fs.cs, dev.MaxTransferLBA()*uint64(geo.LbNbytes))
	fs.Objects = flaobj.NewEngine(dev, geo, fs.cs, fs.dp, fs.Pools, fs.flists)
	return fs, nil
}

// Geo exposes the device's derived geometry, for inspect tooling.
func (fs *FS) Geo() *flageo.Geo { return fs.geo }

// LbNbytes is the volume's logical block size in bytes.
func (fs *FS) LbNbytes() uint32 { return fs.geo.LbNbytes }

// IsZoned reports whether the volume sits on a zoned device.
func (fs *FS) IsZoned() bool { return fs.geo.Zoned }

// PoolObjNlb returns the fixed object size, in logical blocks, of the
// pool h refers to.
func (fs *FS) PoolObjNlb(h flapool.Handle) (uint32, error) {
	if err := fs.Pools.Verify(h); err != nil {
		return 0, err
	}
	return fs.Pools.Entry(h.Ndx).ObjNlb, nil
}

// Sync flushes every dirty slab freelist cache entry and then the whole
// metadata buffer. The metadata buffer is written even when some freelist
// flushes fail: one slab's transient write error must not leave the
// super/pool/slab segments unpersisted too. Failed freelist entries stay
// dirty and are reported after the metadata write.
func (fs *FS) Sync(ctx context.Context) error {
	flistErr := fs.flists.FlushAll(ctx)
	if err := fs.flushMetadata(ctx); err != nil {
		return err
	}
	return flistErr
}

// Close syncs and releases the underlying devices.
func (fs *FS) Close(ctx context.Context) error {
	if err := fs.Sync(ctx); err != nil {
		return err
	}
	if fs.md != fs.dev {
		if err := fs.md.Close(); err != nil {
			fs.dev.Close()
			return err
		}
	}
	return fs.dev.Close()
}

// CloseNoFlush releases the underlying device without flushing dirty
// state first. For read-only callers (inspect tooling) that opened the
// device read-write only because the BDA has no read-only mode, but made
// no mutating calls and must not durably write anything back.
func (fs *FS) CloseNoFlush() error {
	if fs.md != fs.dev {
		if err := fs.md.Close(); err != nil {
			fs.dev.Close()
			return err
		}
	}
	return fs.dev.Close()
}

// Problem describes one inconsistency Validate found.
type Problem struct {
	Area   string
	Detail string
}

// Validate walks the in-memory metadata structures looking for internal
// inconsistencies: the pool hash table's live-entry count disagreeing
// with the pool freelist's reservations, an occupied hash-table slot
// whose identity hash no longer matches the name stored at its target
// pool entry, out-of-range slab list links, and non-terminated pool
// names. It does not touch the device.
func (fs *FS) Validate() []Problem {
	var problems []Problem

	if fs.poolTable.Len() != fs.poolFreelist.NumReserved() {
		problems = append(problems, Problem{Area: "pool-table", Detail: "hash table live-entry count disagrees with pool freelist reservation count"})
	}
	for i := uint32(0); i < fs.poolTable.Size(); i++ {
		e := fs.poolTable.EntryAt(i)
		if e.IsUnset() {
			continue
		}
		if e.Val >= fs.geo.Npools {
			problems = append(problems, Problem{Area: "pool-table", Detail: "slot value references an out-of-range pool entry"})
			continue
		}
		name := fs.Pools.Entry(e.Val).NameString()
		if flahash.SDBM(name) != e.H2 {
			problems = append(problems, Problem{Area: "pool-table", Detail: "slot identity hash does not match the name stored at its target pool entry"})
		}
	}

	for id := uint32(0); id < fs.geo.Npools; id++ {
		if fs.poolFreelist.IsFree(id) {
			continue
		}
		e := fs.Pools.Entry(id)
		terminated := false
		for _, b := range e.Name {
			if b == 0 {
				terminated = true
				break
			}
		}
		if !terminated {
			problems = append(problems, Problem{Area: "pool", Detail: "name is not NUL-terminated"})
		}
		for _, head := range []uint32{e.EmptySlabs, e.PartialSlabs, e.FullSlabs} {
			if head != flageo.LinkedListNull && head >= fs.geo.Nslabs {
				problems = append(problems, Problem{Area: "pool", Detail: "slab bucket head references an out-of-range slab id"})
			}
		}
	}

	for id := uint32(0); id < fs.geo.Nslabs; id++ {
		h := fs.slabMgr.Header(id)
		if h.Prev != flageo.LinkedListNull && h.Prev >= fs.geo.Nslabs {
			problems = append(problems, Problem{Area: "slab", Detail: "prev pointer out of range"})
		}
		if h.Next != flageo.LinkedListNull && h.Next >= fs.geo.Nslabs {
			problems = append(problems, Problem{Area: "slab", Detail: "next pointer out of range"})
		}
		if h.Refcount > h.Maxcount && h.Maxcount != 0 {
			problems = append(problems, Problem{Area: "slab", Detail: "refcount exceeds maxcount"})
		}
	}

	return problems
}
