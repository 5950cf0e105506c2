// Package flahash implements the Robin-Hood open-addressed hash table used
// by the pool manager to map pool names to pool-entry indices.
package flahash

import (
	"encoding/binary"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
)

var byteOrder binary.ByteOrder = binary.LittleEndian

// h2Unset is the sentinel identity-hash value marking an empty slot.
const h2Unset = ^uint64(0)

// EntrySize is the on-disk byte size of one hash table entry: h2 (8) + val
// (4) + psl (2), packed without alignment padding.
const EntrySize = 14

// HeaderSize is the size of the table header stored ahead of the entry
// array: {size, len}, each a uint32.
const HeaderSize = 8

const (
	madA = 31
	madB = 5745
)

// Entry is one hash table slot.
type Entry struct {
	H2  uint64
	Val uint32
	Psl uint16
}

func (e Entry) unset() bool { return e.H2 == h2Unset }

func readEntry(buf []byte, i uint32) Entry {
	off := i * EntrySize
	return Entry{
		H2:  byteOrder.Uint64(buf[off : off+8]),
		Val: byteOrder.Uint32(buf[off+8 : off+12]),
		Psl: byteOrder.Uint16(buf[off+12 : off+14]),
	}
}

func writeEntry(buf []byte, i uint32, e Entry) {
	off := i * EntrySize
	byteOrder.PutUint64(buf[off:off+8], e.H2)
	byteOrder.PutUint32(buf[off+8:off+12], e.Val)
	byteOrder.PutUint16(buf[off+12:off+14], e.Psl)
}

// ByteSize returns the number of bytes a table with size slots occupies,
// header included.
func ByteSize(size uint32) uint32 {
	return HeaderSize + size*EntrySize
}

// Table is a Robin-Hood hash table view over a caller-owned buffer holding
// size entries. The table tracks len (live entries) itself; callers persist
// it by copying Len() back into the on-disk header before flushing.
type Table struct {
	buf  []byte
	size uint32
	len  uint32

	statInsertCalls  uint64
	statInsertFailed uint64
	statInsertTries  uint64
}

// Init formats buf as a fresh, empty table of the given size.
func Init(buf []byte, size uint32) *Table {
	t := &Table{buf: buf, size: size}
	entries := buf[HeaderSize:]
	for i := uint32(0); i < size; i++ {
		writeEntry(entries, i, Entry{H2: h2Unset})
	}
	return t
}

// Open wraps an existing on-disk table buffer. size and len are read from
// the header (size is whatever geometry computed; len is callers'
// responsibility to have kept current, as DJB2/SDBM are one-way).
func Open(buf []byte, size, len uint32) *Table {
	return &Table{buf: buf, size: size, len: len}
}

func (t *Table) entries() []byte { return t.buf[HeaderSize:] }

// Size returns the fixed table capacity.
func (t *Table) Size() uint32 { return t.size }

// Len returns the number of live entries.
func (t *Table) Len() uint32 { return t.len }

// Stats returns the insert-call, insert-failed and insert-retry counters.
func (t *Table) Stats() (calls, failed, tries uint64) {
	return t.statInsertCalls, t.statInsertFailed, t.statInsertTries
}

// EntryAt returns slot i's raw entry, for inspect-style tooling that walks
// every slot looking for an identity-hash or probe-sequence-length
// violation. i must be < Size().
func (t *Table) EntryAt(i uint32) Entry {
	return readEntry(t.entries(), i)
}

// IsUnset reports whether e is the "no entry" sentinel.
func (e Entry) IsUnset() bool { return e.unset() }

func slot(h1 uint64, size uint32) uint32 {
	return uint32(mad(h1, madA, madB, uint64(size)))
}

func mad(x, a, b, n uint64) uint64 {
	return (a*x + b) % n
}

// Insert places val under key, updating the existing entry if key is
// already present. Robin-Hood displacement moves poorer (lower-PSL)
// residents forward as the new entry walks toward an empty slot.
func (t *Table) Insert(key string, val uint32) error {
	t.statInsertCalls++

	h1 := DJB2(key)
	cur := Entry{H2: SDBM(key), Val: val, Psl: 0}
	idx := slot(h1, t.size)
	entries := t.entries()

	for tries := uint32(0); tries < t.size; tries++ {
		t.statInsertTries++
		e := readEntry(entries, idx)

		if e.unset() {
			writeEntry(entries, idx, cur)
			t.len++
			return nil
		}
		if e.H2 == cur.H2 {
			writeEntry(entries, idx, cur)
			return nil
		}
		if e.Psl < cur.Psl {
			writeEntry(entries, idx, cur)
			cur = e
		}
		cur.Psl++
		idx = (idx + 1) % t.size
	}

	t.statInsertFailed++
	return flaerr.New(flaerr.OutOfSpace, "hash table full")
}

// Lookup returns the entry matching key, or ok=false if absent.
func (t *Table) Lookup(key string) (Entry, bool) {
	h1 := DJB2(key)
	h2 := SDBM(key)
	idx := slot(h1, t.size)
	entries := t.entries()

	for psl := uint16(0); psl < uint16(t.size); psl++ {
		e := readEntry(entries, idx)
		if e.unset() || e.Psl < psl {
			return Entry{}, false
		}
		if e.H2 == h2 {
			return e, true
		}
		idx = (idx + 1) % t.size
	}
	return Entry{}, false
}

// Remove deletes key's entry, if present, back-shifting subsequent entries
// to keep probe sequences tight.
func (t *Table) Remove(key string) {
	h1 := DJB2(key)
	h2 := SDBM(key)
	idx := slot(h1, t.size)
	entries := t.entries()

	var psl uint16
	for ; psl < uint16(t.size); psl++ {
		e := readEntry(entries, idx)
		if e.unset() || e.Psl < psl {
			return // not present
		}
		if e.H2 == h2 {
			break
		}
		idx = (idx + 1) % t.size
	}
	if psl >= uint16(t.size) {
		return
	}

	writeEntry(entries, idx, Entry{H2: h2Unset})
	t.len--

	next := (idx + 1) % t.size
	for {
		e := readEntry(entries, next)
		if e.unset() || e.Psl == 0 {
			break
		}
		e.Psl--
		writeEntry(entries, idx, e)
		writeEntry(entries, next, Entry{H2: h2Unset})
		idx = next
		next = (next + 1) % t.size
	}
}
