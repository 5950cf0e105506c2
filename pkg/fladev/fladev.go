// Package fladev is the block device abstraction (BDA): it opens/closes the
// backing device, chunks reads/writes to the device's maximum transfer
// size, and allocates the DMA-style buffers every other component reads and
// writes metadata through.
package fladev

import (
	"context"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
)

// Kind distinguishes a conventional block device from a zoned one.
type Kind int

const (
	Conventional Kind = iota
	Zoned
)

// Range is a (start LBA, block count) request.
type Range struct {
	Slba uint64
	Nlb  uint64
}

// Nbytes is the byte length of the range given a logical block size.
func (r Range) Nbytes(lbaNbytes uint32) uint64 { return r.Nlb * uint64(lbaNbytes) }

// ZoneAction is a zone-management verb.
type ZoneAction int

const (
	ZoneReset ZoneAction = iota
	ZoneFinish
)

// Device is the BDA's public contract. Every operation that touches the
// device may block on I/O completion; nothing else in the allocator
// suspends.
type Device interface {
	Close() error

	LBANbytes() uint32
	TotalLBA() uint64
	MaxTransferLBA() uint64
	Kind() Kind
	SectorsPerZone() uint64
	// ZoneCount is the number of whole zones the device holds; 0 on a
	// conventional device.
	ZoneCount() uint64
	// MaxOpenZones is the device's max-open-resources limit: the number of
	// zones that may be simultaneously open for writes. 0 means the limit
	// is not meaningful for this device (conventional devices).
	MaxOpenZones() uint64

	AllocDMA(nbytes int) []byte
	FreeDMA(buf []byte)

	ReadAt(ctx context.Context, r Range, buf []byte) error
	WriteAt(ctx context.Context, r Range, buf []byte, placementID uint32) error
	Deallocate(ctx context.Context, r Range) error
	ZoneManage(ctx context.Context, slba uint64, action ZoneAction) error
}

// chunked decomposes r into sub-requests no larger than mdtsLBA blocks each,
// issuing them sequentially in LBA order. The first failing sub-request
// aborts the whole request.
func chunked(ctx context.Context, r Range, lbaNbytes uint32, mdtsLBA uint64, buf []byte, do func(sub Range, subBuf []byte) error) error {
	if mdtsLBA == 0 {
		mdtsLBA = r.Nlb
	}
	var done uint64
	for done < r.Nlb {
		select {
		case <-ctx.Done():
			return flaerr.Wrap(flaerr.IoError, ctx.Err(), "i/o cancelled")
		default:
		}

		n := r.Nlb - done
		if n > mdtsLBA {
			n = mdtsLBA
		}
		sub := Range{Slba: r.Slba + done, Nlb: n}
		lo := done * uint64(lbaNbytes)
		hi := lo + n*uint64(lbaNbytes)
		if err := do(sub, buf[lo:hi]); err != nil {
			return err
		}
		done += n
	}
	return nil
}
