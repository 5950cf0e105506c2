// Package flageo derives every on-disk byte offset from a device's raw
// geometry and the chosen slab size / pool count, and defines the fixed-size
// on-disk records (Super, PoolEntry, SlabHeader) the rest of the allocator
// reads and writes through those offsets.
package flageo

import "encoding/binary"

// byteOrder stands in for "native" byte order; see pkg/flabits for the same
// call on the freelist encoding.
var byteOrder binary.ByteOrder = binary.LittleEndian

// Magic identifies a flexalloc super block.
const Magic uint32 = 0x00534621

// FmtVersion is the on-disk format version this implementation writes.
const FmtVersion uint32 = 1

// SuperSize is the fixed on-disk byte size of Super.
const SuperSize = 24

// Super is the fixed-size header at LBA 0 of the metadata device.
type Super struct {
	Magic      uint32
	FmtVersion uint32
	Nslabs     uint32
	SlabNlb    uint32
	Npools     uint32
	MdNlb      uint32
}

// Marshal encodes s into a SuperSize-byte buffer.
func (s Super) Marshal() []byte {
	buf := make([]byte, SuperSize)
	byteOrder.PutUint32(buf[0:4], s.Magic)
	byteOrder.PutUint32(buf[4:8], s.FmtVersion)
	byteOrder.PutUint32(buf[8:12], s.Nslabs)
	byteOrder.PutUint32(buf[12:16], s.SlabNlb)
	byteOrder.PutUint32(buf[16:20], s.Npools)
	byteOrder.PutUint32(buf[20:24], s.MdNlb)
	return buf
}

// UnmarshalSuper decodes a Super from a SuperSize-byte buffer.
func UnmarshalSuper(buf []byte) Super {
	return Super{
		Magic:      byteOrder.Uint32(buf[0:4]),
		FmtVersion: byteOrder.Uint32(buf[4:8]),
		Nslabs:     byteOrder.Uint32(buf[8:12]),
		SlabNlb:    byteOrder.Uint32(buf[12:16]),
		Npools:     byteOrder.Uint32(buf[16:20]),
		MdNlb:      byteOrder.Uint32(buf[20:24]),
	}
}

// RootObjNone is the sentinel "no root object set" value for PoolEntry.RootObjHndl.
const RootObjNone uint64 = ^uint64(0)

// LinkedListNull is the sentinel "no slab" value for slab-list head/tail/
// prev/next fields; IDs are u32 so null is u32::MAX.
const LinkedListNull uint32 = ^uint32(0)

// NameSizePool bounds a pool's human-readable name, null-terminated.
const NameSizePool = 112

// PoolFlagStriped marks a pool entry as using striped placement.
const PoolFlagStriped uint32 = 1 << 0

// PoolEntrySize is the on-disk stride of one pool entry slot. The packed
// fields total well under this; the remainder is reserved padding so the
// record layout can grow without reformatting.
const PoolEntrySize = 512

// PoolEntry is one pool's persistent control record.
type PoolEntry struct {
	EmptySlabs  uint32
	FullSlabs   uint32
	PartialSlabs uint32
	ObjNlb      uint32
	SlabNobj    uint32
	RootObjHndl uint64
	Flags       uint32
	StrpNobjs   uint32
	StrpNbytes  uint32
	Name        [NameSizePool]byte
}

// Striped reports whether the pool entry has striping enabled.
func (p PoolEntry) Striped() bool { return p.Flags&PoolFlagStriped != 0 }

// NumFlaObjs is the number of consecutive freelist slots one logical
// object reserves: the stripe width for a striped pool, one otherwise.
func (p PoolEntry) NumFlaObjs() uint32 {
	if p.Striped() && p.StrpNobjs > 0 {
		return p.StrpNobjs
	}
	return 1
}

// ObjSLBA is the starting logical block address of entryNdx's object,
// given the logical-block offset of its owning slab's body.
func (p PoolEntry) ObjSLBA(slabLbOff uint64, entryNdx uint32) uint64 {
	return slabLbOff + uint64(p.ObjNlb)*uint64(entryNdx)
}

// ObjELBA is the exclusive end logical block address of entryNdx's
// object, spanning NumFlaObjs consecutive obj_nlb-sized slots.
func (p PoolEntry) ObjELBA(slabLbOff uint64, entryNdx uint32) uint64 {
	return slabLbOff + uint64(p.ObjNlb)*uint64(entryNdx+p.NumFlaObjs())
}

// NameString returns the pool's name up to the first NUL byte.
func (p PoolEntry) NameString() string {
	n := 0
	for n < len(p.Name) && p.Name[n] != 0 {
		n++
	}
	return string(p.Name[:n])
}

// Marshal encodes p into a PoolEntrySize-byte buffer.
func (p PoolEntry) Marshal() []byte {
	buf := make([]byte, PoolEntrySize)
	byteOrder.PutUint32(buf[0:4], p.EmptySlabs)
	byteOrder.PutUint32(buf[4:8], p.FullSlabs)
	byteOrder.PutUint32(buf[8:12], p.PartialSlabs)
	byteOrder.PutUint32(buf[12:16], p.ObjNlb)
	byteOrder.PutUint32(buf[16:20], p.SlabNobj)
	byteOrder.PutUint64(buf[20:28], p.RootObjHndl)
	byteOrder.PutUint32(buf[28:32], p.Flags)
	byteOrder.PutUint32(buf[32:36], p.StrpNobjs)
	byteOrder.PutUint32(buf[36:40], p.StrpNbytes)
	copy(buf[40:40+NameSizePool], p.Name[:])
	return buf
}

// UnmarshalPoolEntry decodes a PoolEntry from a PoolEntrySize-byte buffer.
func UnmarshalPoolEntry(buf []byte) PoolEntry {
	var p PoolEntry
	p.EmptySlabs = byteOrder.Uint32(buf[0:4])
	p.FullSlabs = byteOrder.Uint32(buf[4:8])
	p.PartialSlabs = byteOrder.Uint32(buf[8:12])
	p.ObjNlb = byteOrder.Uint32(buf[12:16])
	p.SlabNobj = byteOrder.Uint32(buf[16:20])
	p.RootObjHndl = byteOrder.Uint64(buf[20:28])
	p.Flags = byteOrder.Uint32(buf[28:32])
	p.StrpNobjs = byteOrder.Uint32(buf[32:36])
	p.StrpNbytes = byteOrder.Uint32(buf[36:40])
	copy(p.Name[:], buf[40:40+NameSizePool])
	return p
}

// SlabHeaderSize is the fixed on-disk byte size of SlabHeader.
const SlabHeaderSize = 20

// SlabHeader is one slab's persistent control record.
type SlabHeader struct {
	Pool     uint32
	Prev     uint32
	Next     uint32
	Refcount uint32
	Maxcount uint32
}

// Marshal encodes h into a SlabHeaderSize-byte buffer.
func (h SlabHeader) Marshal() []byte {
	buf := make([]byte, SlabHeaderSize)
	byteOrder.PutUint32(buf[0:4], h.Pool)
	byteOrder.PutUint32(buf[4:8], h.Prev)
	byteOrder.PutUint32(buf[8:12], h.Next)
	byteOrder.PutUint32(buf[12:16], h.Refcount)
	byteOrder.PutUint32(buf[16:20], h.Maxcount)
	return buf
}

// UnmarshalSlabHeader decodes a SlabHeader from a SlabHeaderSize-byte buffer.
func UnmarshalSlabHeader(buf []byte) SlabHeader {
	return SlabHeader{
		Pool:     byteOrder.Uint32(buf[0:4]),
		Prev:     byteOrder.Uint32(buf[4:8]),
		Next:     byteOrder.Uint32(buf[8:12]),
		Refcount: byteOrder.Uint32(buf[12:16]),
		Maxcount: byteOrder.Uint32(buf[16:20]),
	}
}
