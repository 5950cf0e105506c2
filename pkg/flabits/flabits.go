// Package flabits implements the packed bit free-list shared by the pool
// freelist, the pool hash table's sibling freelist, and every per-slab
// object freelist.
package flabits

import (
	"encoding/binary"
	"math/bits"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
)

// byteOrder stands in for "native" byte order: the on-disk format is not
// meant to be portable across architectures in the first place.
var byteOrder binary.ByteOrder = binary.LittleEndian

const wordBits = 32

// ByteSize returns the number of bytes a freelist of length entries occupies
// on disk: one length word followed by ceil(length/32) bitmap words.
func ByteSize(length uint32) uint32 {
	return 4 + numWords(length)*4
}

func numWords(length uint32) uint32 {
	return (length + wordBits - 1) / wordBits
}

// Freelist is a packed bit-array view over a caller-owned buffer. The buffer
// must be at least ByteSize(Len()) bytes; Freelist never reallocates it, so
// it can be backed directly by a slab's DMA buffer.
type Freelist struct {
	buf []byte
}

// Init formats buf as a fresh freelist of the given length: every in-range
// bit set free (1), every trailing slack bit reserved (0).
func Init(buf []byte, length uint32) *Freelist {
	byteOrder.PutUint32(buf[0:4], length)
	fl := &Freelist{buf: buf}
	fl.Reset()
	return fl
}

// Open wraps an existing on-disk freelist buffer without reinitializing it.
func Open(buf []byte) *Freelist {
	return &Freelist{buf: buf}
}

// Len returns the number of entries in the freelist.
func (f *Freelist) Len() uint32 {
	return byteOrder.Uint32(f.buf[0:4])
}

// Bytes returns the backing buffer, for flushing to disk.
func (f *Freelist) Bytes() []byte { return f.buf }

func (f *Freelist) word(i uint32) uint32 {
	off := 4 + i*4
	return byteOrder.Uint32(f.buf[off : off+4])
}

func (f *Freelist) setWord(i uint32, v uint32) {
	off := 4 + i*4
	byteOrder.PutUint32(f.buf[off:off+4], v)
}

func (f *Freelist) bitSet(idx uint32) bool {
	return f.word(idx/wordBits)&(1<<(idx%wordBits)) != 0
}

func (f *Freelist) setBit(idx uint32, v bool) {
	wi := idx / wordBits
	w := f.word(wi)
	mask := uint32(1) << (idx % wordBits)
	if v {
		w |= mask
	} else {
		w &^= mask
	}
	f.setWord(wi, w)
}

// Reset marks every in-range bit free and every slack bit reserved.
func (f *Freelist) Reset() {
	length := f.Len()
	nw := numWords(length)
	for i := uint32(0); i < nw; i++ {
		f.setWord(i, ^uint32(0))
	}
	if rem := length % wordBits; rem != 0 {
		lastMask := (uint32(1) << rem) - 1
		f.setWord(nw-1, f.word(nw-1)&lastMask)
	}
}

// Alloc reserves n consecutive bits and returns the index of the first.
// The run is located before anything is cleared, so a failed allocation
// leaves the freelist untouched rather than holding a partial reservation.
func (f *Freelist) Alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, flaerr.New(flaerr.InvalidArgument, "alloc: n must be > 0")
	}
	if n == 1 {
		return f.allocOne()
	}

	length := f.Len()
	var run, start uint32
	for idx := uint32(0); idx < length; idx++ {
		if !f.bitSet(idx) {
			run = 0
			continue
		}
		if run == 0 {
			start = idx
		}
		run++
		if run == n {
			for i := uint32(0); i < n; i++ {
				f.setBit(start+i, false)
			}
			return start, nil
		}
	}
	return 0, flaerr.Newf(flaerr.OutOfSpace, "freelist: no run of %d consecutive free bits", n)
}

func (f *Freelist) allocOne() (uint32, error) {
	length := f.Len()
	nw := numWords(length)
	for wi := uint32(0); wi < nw; wi++ {
		w := f.word(wi)
		if w == 0 {
			continue
		}
		bit := uint32(bits.TrailingZeros32(w))
		idx := wi*wordBits + bit
		if idx >= length {
			continue
		}
		f.setWord(wi, w&^(uint32(1)<<bit))
		return idx, nil
	}
	return 0, flaerr.New(flaerr.OutOfSpace, "freelist: no free bit")
}

// IsFree reports whether idx is currently marked free, for inspection
// tooling that wants to walk a freelist without mutating it.
func (f *Freelist) IsFree(idx uint32) bool {
	return f.bitSet(idx)
}

// Free marks idx free. Idempotent; an out-of-range index is an error and
// leaves the freelist unchanged.
func (f *Freelist) Free(idx uint32) error {
	if idx >= f.Len() {
		return flaerr.Newf(flaerr.InvalidArgument, "freelist: index %d out of range", idx)
	}
	f.setBit(idx, true)
	return nil
}

// FreeRun marks n consecutive indices starting at start free.
func (f *Freelist) FreeRun(start, n uint32) error {
	if start+n > f.Len() {
		return flaerr.Newf(flaerr.InvalidArgument, "freelist: run [%d,%d) out of range", start, start+n)
	}
	for i := uint32(0); i < n; i++ {
		f.setBit(start+i, true)
	}
	return nil
}

// VisitResult is returned by a Search visitor to steer the scan.
type VisitResult int

const (
	FoundStop VisitResult = iota
	FoundContinue
	Stop
	Continue
)

// Search walks reserved (zero) bits starting at fromStart, invoking visit
// with each index. It returns the number of FOUND_* results. A visitor that
// needs to report a scan-ending error should capture it in a closure
// variable and return Stop.
func (f *Freelist) Search(fromStart uint32, visit func(idx uint32) VisitResult) uint32 {
	length := f.Len()
	var found uint32
	for idx := fromStart; idx < length; idx++ {
		if f.bitSet(idx) {
			continue
		}
		switch visit(idx) {
		case FoundStop:
			return found + 1
		case FoundContinue:
			found++
		case Stop:
			return found
		case Continue:
		}
	}
	return found
}

// NumReserved counts reserved bits live, by summing set bits and
// subtracting from length.
func (f *Freelist) NumReserved() uint32 {
	length := f.Len()
	nw := numWords(length)
	var set uint32
	for wi := uint32(0); wi < nw; wi++ {
		set += uint32(bits.OnesCount32(f.word(wi)))
	}
	return length - set
}
