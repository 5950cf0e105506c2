package fladev

import (
	"context"
	"io"
	"os"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
)

// FileDevice backs a conventional device with a plain file or block
// special file opened in read-write mode.
type FileDevice struct {
	f         *os.File
	lbaNbytes uint32
	totalLBA  uint64
	mdtsLBA   uint64
}

// OpenFile opens path as a conventional device. mdtsBytes is the maximum
// single-request transfer size in bytes; 0 disables chunking.
func OpenFile(path string, lbaNbytes uint32, mdtsBytes uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, flaerr.Wrap(flaerr.IoError, err, "open device")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, flaerr.Wrap(flaerr.IoError, err, "stat device")
	}
	totalLBA := uint64(fi.Size()) / uint64(lbaNbytes)
	mdtsLBA := uint64(mdtsBytes) / uint64(lbaNbytes)
	return &FileDevice{f: f, lbaNbytes: lbaNbytes, totalLBA: totalLBA, mdtsLBA: mdtsLBA}, nil
}

func (d *FileDevice) Close() error { return d.f.Close() }

func (d *FileDevice) LBANbytes() uint32      { return d.lbaNbytes }
func (d *FileDevice) TotalLBA() uint64       { return d.totalLBA }
func (d *FileDevice) MaxTransferLBA() uint64 { return d.mdtsLBA }
func (d *FileDevice) Kind() Kind             { return Conventional }
func (d *FileDevice) SectorsPerZone() uint64 { return 0 }
func (d *FileDevice) ZoneCount() uint64      { return 0 }
func (d *FileDevice) MaxOpenZones() uint64   { return 0 }

// AllocDMA allocates an I/O buffer. Plain heap memory stands in for a real
// DMA-aligned allocation; the interface exists so a future device backend
// can return page-aligned memory without the call sites changing.
func (d *FileDevice) AllocDMA(nbytes int) []byte { return make([]byte, nbytes) }

// FreeDMA is a no-op for heap-backed buffers; it exists for symmetry with
// AllocDMA and for backends where release matters.
func (d *FileDevice) FreeDMA(buf []byte) {}

func (d *FileDevice) ReadAt(ctx context.Context, r Range, buf []byte) error {
	return chunked(ctx, r, d.lbaNbytes, d.mdtsLBA, buf, func(sub Range, subBuf []byte) error {
		off := int64(sub.Slba) * int64(d.lbaNbytes)
		_, err := d.f.ReadAt(subBuf, off)
		if err != nil && err != io.EOF {
			return flaerr.Wrapf(flaerr.IoError, err, "read lba %d+%d", sub.Slba, sub.Nlb)
		}
		return nil
	})
}

func (d *FileDevice) WriteAt(ctx context.Context, r Range, buf []byte, placementID uint32) error {
	return chunked(ctx, r, d.lbaNbytes, d.mdtsLBA, buf, func(sub Range, subBuf []byte) error {
		off := int64(sub.Slba) * int64(d.lbaNbytes)
		if _, err := d.f.WriteAt(subBuf, off); err != nil {
			return flaerr.Wrapf(flaerr.IoError, err, "write lba %d+%d", sub.Slba, sub.Nlb)
		}
		return nil
	})
}

// Deallocate is a best-effort hint on a conventional device; a plain file
// has no discard primitive, so this simply succeeds without doing anything.
func (d *FileDevice) Deallocate(ctx context.Context, r Range) error {
	return nil
}

func (d *FileDevice) ZoneManage(ctx context.Context, slba uint64, action ZoneAction) error {
	return flaerr.New(flaerr.InvalidArgument, "zone management is not supported on a conventional device")
}
