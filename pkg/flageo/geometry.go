package flageo

import (
	"github.com/flexalloc/flexalloc/pkg/flabits"
	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/flahash"
)

// CeilDiv rounds a/b up to the nearest integer.
func CeilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// PoolSgmt is the pool segment's block-granular sub-layout: freelist (1
// bit/pool), hash table (header + 2x pool-count slots), entries.
type PoolSgmt struct {
	FreelistNlb uint32
	HtblTblSize uint32
	HtblNlb     uint32
	EntriesNlb  uint32
}

// Nblocks returns the total logical blocks the pool segment occupies.
func (p PoolSgmt) Nblocks() uint32 {
	return p.FreelistNlb + p.HtblNlb + p.EntriesNlb
}

// SlabSgmt is the slab segment's sub-layout: one SlabHeader per slab,
// followed by the three trailing free-slab-list words.
type SlabSgmt struct {
	SlabSgmtNlb uint32
}

// Geo is the fully-derived geometry of a formatted flexalloc device. Nothing
// here is stored on disk beyond what Super carries; everything else is
// recomputed from Super plus the device's raw characteristics at open time.
type Geo struct {
	LbNbytes uint32
	Nlb      uint64
	Zoned    bool
	Nzsect   uint64 // sectors (logical blocks) per zone; 0 if not zoned

	// SeparateMd is set when the metadata lives on a device distinct from
	// the one holding the slab bodies, in which case slab bodies start at
	// LBA 0 of the data device.
	SeparateMd bool

	Npools  uint32
	SlabNlb uint32
	Nslabs  uint32
	MdNlb   uint32

	PoolSgmt PoolSgmt
	SlabSgmt SlabSgmt
}

// slabSgmtNlb returns the logical blocks needed to hold nslabs SlabHeader
// records plus the three trailing free-slab-list words.
func slabSgmtNlb(nslabs uint32, lbNbytes uint32) uint32 {
	const neededEndBytes = 3 * 4
	headerBytes := uint64(nslabs) * SlabHeaderSize
	return uint32(CeilDiv(headerBytes+neededEndBytes, uint64(lbNbytes)))
}

// NslabsMax finds the largest slab count that fits in blocks total blocks,
// each of size slabNlb, leaving enough room afterward for that many slabs'
// worth of slab-segment metadata (co-located on the same device).
func NslabsMax(blocks uint64, slabNlb uint32, lbNbytes uint32) uint32 {
	if slabNlb == 0 {
		return 0
	}
	nslabs := uint32(blocks / uint64(slabNlb))
	for nslabs > 0 {
		mdNlb := slabSgmtNlb(nslabs, lbNbytes)
		if blocks-uint64(nslabs)*uint64(slabNlb) >= uint64(mdNlb) {
			break
		}
		nslabs--
	}
	return nslabs
}

// NslabsMaxMdDev is NslabsMax's counterpart for a split metadata device: the
// slab segment lives on mdBlocks, the slab bodies on blocks.
func NslabsMaxMdDev(blocks uint64, slabNlb uint32, lbNbytes uint32, mdBlocks uint64) uint32 {
	if slabNlb == 0 {
		return 0
	}
	nslabs := uint32(blocks / uint64(slabNlb))
	if uint64(slabSgmtNlb(nslabs, lbNbytes)) <= mdBlocks {
		return nslabs
	}
	return 0
}

// PoolSgmtCalc derives the pool segment's sub-block-counts for npools pools.
// The hash table is over-provisioned to 2x npools slots, standard practice
// to keep Robin-Hood probe lengths short as the table fills.
func PoolSgmtCalc(npools uint32, lbNbytes uint32) PoolSgmt {
	freelistBytes := uint64(flabits.ByteSize(npools))
	htblSize := npools * 2
	htblBytes := uint64(flahash.ByteSize(htblSize))
	entriesBytes := uint64(npools) * PoolEntrySize
	return PoolSgmt{
		FreelistNlb: uint32(CeilDiv(freelistBytes, uint64(lbNbytes))),
		HtblTblSize: htblSize,
		HtblNlb:     uint32(CeilDiv(htblBytes, uint64(lbNbytes))),
		EntriesNlb:  uint32(CeilDiv(entriesBytes, uint64(lbNbytes))),
	}
}

// MkfsParams describes the inputs to a from-scratch geometry calculation.
type MkfsParams struct {
	Nlb      uint64 // total logical blocks on the primary (data) device
	LbNbytes uint32
	Npools   uint32 // 0 = infer (roughly 1 pool per slab)
	SlabNlb  uint32
	Zoned    bool
	Nzsect   uint64 // required if Zoned
	MdNlb    uint64 // total logical blocks on a *separate* metadata device; 0 = none
}

// Mkfs derives a full Geo from MkfsParams by iterative fitting: first
// approximate nslabs ignoring pool-segment overhead, size the pool
// segment for that many pools, then re-derive nslabs against the blocks
// left over.
func Mkfs(p MkfsParams) (*Geo, error) {
	if p.Zoned && p.Nzsect != 0 && p.SlabNlb%uint32(p.Nzsect) != 0 {
		return nil, flaerr.Newf(flaerr.InvalidArgument,
			"zoned slab_nlb %d is not a multiple of zone size %d sectors", p.SlabNlb, p.Nzsect)
	}

	mdNlb := uint32(CeilDiv(SuperSize, uint64(p.LbNbytes)))
	geo := &Geo{
		LbNbytes:   p.LbNbytes,
		Nlb:        p.Nlb,
		Zoned:      p.Zoned,
		Nzsect:     p.Nzsect,
		SeparateMd: p.MdNlb != 0,
		Npools:     p.Npools,
		SlabNlb:    p.SlabNlb,
		MdNlb:      mdNlb,
	}

	separateMd := p.MdNlb != 0
	var nslabsApprox uint32
	if !separateMd {
		nslabsApprox = NslabsMax(p.Nlb-uint64(mdNlb), p.SlabNlb, p.LbNbytes)
	} else {
		nslabsApprox = NslabsMaxMdDev(p.Nlb, p.SlabNlb, p.LbNbytes, p.MdNlb)
	}
	if nslabsApprox == 0 {
		return nil, flaerr.New(flaerr.InvalidArgument, "slab size too large: not enough space to allocate any slabs")
	}
	if p.Npools > nslabsApprox {
		return nil, flaerr.New(flaerr.InvalidArgument, "npools is too high")
	}
	if p.Npools == 0 {
		geo.Npools = nslabsApprox
	}

	geo.PoolSgmt = PoolSgmtCalc(geo.Npools, p.LbNbytes)

	if !separateMd {
		geo.Nslabs = NslabsMax(p.Nlb-uint64(mdNlb)-uint64(geo.PoolSgmt.Nblocks()), p.SlabNlb, p.LbNbytes)
	} else {
		avail := p.MdNlb - uint64(mdNlb) - uint64(geo.PoolSgmt.Nblocks())
		geo.Nslabs = NslabsMaxMdDev(p.Nlb, p.SlabNlb, p.LbNbytes, avail)
	}
	if geo.Nslabs == 0 {
		return nil, flaerr.New(flaerr.InvalidArgument, "slab size too large: no slabs fit after reserving the pool segment")
	}

	geo.SlabSgmt.SlabSgmtNlb = slabSgmtNlb(geo.Nslabs, p.LbNbytes)

	if p.Npools > geo.Nslabs {
		return nil, flaerr.New(flaerr.InvalidArgument, "npools is too high for the slabs available")
	}
	if geo.Npools > geo.Nslabs {
		geo.Npools = geo.Nslabs
		geo.PoolSgmt = PoolSgmtCalc(geo.Npools, p.LbNbytes)
	}
	return geo, nil
}

// FromSuper rederives geometry from a super block read off disk plus the
// raw device characteristics that are never persisted.
func FromSuper(super Super, lbNbytes uint32, zoned bool, nzsect uint64, nlb uint64) *Geo {
	geo := &Geo{
		LbNbytes: lbNbytes,
		Nlb:      nlb,
		Zoned:    zoned,
		Nzsect:   nzsect,
		SlabNlb:  super.SlabNlb,
		Npools:   super.Npools,
		Nslabs:   super.Nslabs,
		MdNlb:    super.MdNlb,
	}
	geo.PoolSgmt = PoolSgmtCalc(geo.Npools, lbNbytes)
	geo.SlabSgmt.SlabSgmtNlb = slabSgmtNlb(geo.Nslabs, lbNbytes)
	return geo
}

// ToSuper captures the subset of Geo that mkfs persists.
func (g *Geo) ToSuper() Super {
	return Super{
		Magic:      Magic,
		FmtVersion: FmtVersion,
		Nslabs:     g.Nslabs,
		SlabNlb:    g.SlabNlb,
		Npools:     g.Npools,
		MdNlb:      g.MdNlb,
	}
}

// Nblocks returns the total logical blocks spanned by the metadata region
// (super + pool segment + slab segment).
func (g *Geo) Nblocks() uint32 {
	return g.MdNlb + g.PoolSgmt.Nblocks() + g.SlabSgmt.SlabSgmtNlb
}

// Nbytes is Nblocks in bytes.
func (g *Geo) Nbytes() uint64 {
	return uint64(g.Nblocks()) * uint64(g.LbNbytes)
}

// PoolSgmtLbOff is the logical-block offset of the pool segment.
func (g *Geo) PoolSgmtLbOff() uint64 { return uint64(g.MdNlb) }

// PoolSgmtOff is the byte offset of the pool segment.
func (g *Geo) PoolSgmtOff() uint64 { return uint64(g.LbNbytes) * g.PoolSgmtLbOff() }

// SlabSgmtLbOff is the logical-block offset of the slab segment.
func (g *Geo) SlabSgmtLbOff() uint64 {
	return g.PoolSgmtLbOff() + uint64(g.PoolSgmt.Nblocks())
}

// SlabSgmtOff is the byte offset of the slab segment.
func (g *Geo) SlabSgmtOff() uint64 { return uint64(g.LbNbytes) * g.SlabSgmtLbOff() }

// zonedSlabNobj is the fixed object count of a zoned slab: pool checking
// requires obj_nlb to equal exactly one zone, so every slab on a zoned
// device holds the same number of objects regardless of which pool it's
// assigned to.
func (g *Geo) zonedSlabNobj() uint32 {
	if g.Nzsect == 0 {
		return 0
	}
	return g.SlabNlb / uint32(g.Nzsect)
}

// SlabFlistAreaLbOff is the logical-block offset of the off-slab
// slab-freelist area. Only meaningful on zoned devices: a zoned slab's
// object count is fixed device-wide, so its freelist can be precomputed
// and stored off to the side instead of eating into the slab body the way
// a conventional slab's freelist does.
func (g *Geo) SlabFlistAreaLbOff() uint64 {
	return g.SlabSgmtLbOff() + uint64(g.SlabSgmt.SlabSgmtNlb)
}

// SlabFlistAreaNlb is the total size of the off-slab freelist area.
func (g *Geo) SlabFlistAreaNlb() uint32 {
	if !g.Zoned {
		return 0
	}
	return g.Nslabs * g.FlistNlb(g.zonedSlabNobj())
}

// SlabFlistLbOff returns the logical-block offset of slab slabID's
// off-slab freelist (zoned devices only).
func (g *Geo) SlabFlistLbOff(slabID uint32) uint64 {
	return g.SlabFlistAreaLbOff() + uint64(slabID)*uint64(g.FlistNlb(g.zonedSlabNobj()))
}

// SlabsLbOff is the logical-block offset of the first slab body, on a
// device with metadata and slab bodies co-located.
func (g *Geo) SlabsLbOff() uint64 {
	base := g.SlabSgmtLbOff() + uint64(g.SlabSgmt.SlabSgmtNlb)
	if g.Zoned {
		base += uint64(g.SlabFlistAreaNlb())
	}
	return base
}

// SlabLbOff returns the logical-block offset of slab slabID's body. With
// a separate metadata device, slab bodies start at LBA 0 of the data
// device; otherwise they follow the metadata region. A zoned slab must
// start on a zone boundary, so an unaligned offset is advanced to the
// next one.
func (g *Geo) SlabLbOff(slabID uint32) uint64 {
	slabsBase := g.SlabsLbOff()
	if g.SeparateMd {
		slabsBase = 0
	}
	slabBase := slabsBase + uint64(slabID)*uint64(g.SlabNlb)
	if g.Zoned && g.Nzsect != 0 && slabBase%g.Nzsect != 0 {
		slabBase += g.Nzsect - slabBase%g.Nzsect
	}
	return slabBase
}

// FlistNlb returns the logical blocks needed for a per-slab object freelist
// of flistLen entries.
func (g *Geo) FlistNlb(flistLen uint32) uint32 {
	return uint32(CeilDiv(uint64(flabits.ByteSize(flistLen)), uint64(g.LbNbytes)))
}

// ObjectsPerSlab computes how many obj_nlb-sized objects fit in one slab.
// On conventional devices the slab's own tail blocks must also hold that
// slab's object freelist, so the search descends from the naive
// slab_nlb/obj_nlb count until the residual space can hold the freelist for
// that many entries. On zoned devices the freelist lives off-slab (on the
// metadata device) so the naive count is exact.
func (g *Geo) ObjectsPerSlab(objNlb uint32) uint32 {
	if objNlb == 0 {
		return 0
	}
	n := g.SlabNlb / objNlb
	if g.Zoned {
		return n
	}
	for n > 0 {
		if g.SlabNlb-n*objNlb >= g.FlistNlb(n) {
			break
		}
		n--
	}
	return n
}
