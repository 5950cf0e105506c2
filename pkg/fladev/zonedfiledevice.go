package fladev

import (
	"context"
	"sync"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
)

// DefaultMaxOpenZones is the max-open-resources limit a ZonedFileDevice
// reports unless a caller overrides it with SetMaxOpenZones; real ZNS
// drives report a far smaller MOR, so this is a conservative stand-in for
// emulation over a flat file.
const DefaultMaxOpenZones = 8

// ZoneCondition is the tracked state of one emulated zone.
type ZoneCondition int

const (
	ZoneConditionEmpty ZoneCondition = iota
	ZoneConditionOpen
	ZoneConditionFull
)

type zoneState struct {
	cond ZoneCondition
	wp   uint64 // blocks written into the zone
}

// ZonedFileDevice emulates a zoned device over a flat file. It tracks a
// per-zone condition and write pointer so that an explicitly finished zone
// refuses further writes until reset, and a reset actually clears the
// zone's bytes. It does not fail writes below the write pointer the way
// real ZNS hardware would, and a zone only becomes full through
// ZoneFinish, never implicitly — sequential-write discipline and zone-fill
// accounting are the object engine's job, and an emulator that enforced
// them device-side would also reject the in-place metadata updates a
// split-device deployment directs at real conventional media.
type ZonedFileDevice struct {
	*FileDevice
	nzsect       uint64
	maxOpenZones uint64

	mu    sync.Mutex
	zones map[uint64]*zoneState // keyed by zone start LBA
}

// OpenZonedFile opens path as a zoned device with nzsect logical blocks
// per zone.
func OpenZonedFile(path string, lbaNbytes uint32, mdtsBytes uint32, nzsect uint64) (*ZonedFileDevice, error) {
	fd, err := OpenFile(path, lbaNbytes, mdtsBytes)
	if err != nil {
		return nil, err
	}
	return &ZonedFileDevice{
		FileDevice:   fd,
		nzsect:       nzsect,
		maxOpenZones: DefaultMaxOpenZones,
		zones:        make(map[uint64]*zoneState),
	}, nil
}

func (d *ZonedFileDevice) Kind() Kind             { return Zoned }
func (d *ZonedFileDevice) SectorsPerZone() uint64 { return d.nzsect }
func (d *ZonedFileDevice) MaxOpenZones() uint64   { return d.maxOpenZones }

// ZoneCount reports how many whole zones the device holds.
func (d *ZonedFileDevice) ZoneCount() uint64 {
	if d.nzsect == 0 {
		return 0
	}
	return d.totalLBA / d.nzsect
}

// SetMaxOpenZones overrides the max-open-resources limit reported to the
// object engine's open-zone tracker.
func (d *ZonedFileDevice) SetMaxOpenZones(n uint64) { d.maxOpenZones = n }

func (d *ZonedFileDevice) zoneStart(slba uint64) uint64 {
	return (slba / d.nzsect) * d.nzsect
}

// state returns the tracked state of the zone containing slba, creating an
// empty record on first touch. Caller holds d.mu.
func (d *ZonedFileDevice) state(slba uint64) *zoneState {
	start := d.zoneStart(slba)
	z, ok := d.zones[start]
	if !ok {
		z = &zoneState{}
		d.zones[start] = z
	}
	return z
}

// ZoneReport exposes the tracked condition and write pointer of the zone
// containing slba, for tests and diagnostics.
func (d *ZonedFileDevice) ZoneReport(slba uint64) (ZoneCondition, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	z := d.state(slba)
	return z.cond, z.wp
}

func (d *ZonedFileDevice) WriteAt(ctx context.Context, r Range, buf []byte, placementID uint32) error {
	if d.nzsect == 0 {
		return flaerr.New(flaerr.InvalidState, "zoned device opened without a zone size")
	}

	d.mu.Lock()
	// A request may span zones (chunked metadata writes do); every touched
	// zone must accept it.
	for start := d.zoneStart(r.Slba); start < r.Slba+r.Nlb; start += d.nzsect {
		if d.state(start).cond == ZoneConditionFull {
			d.mu.Unlock()
			return flaerr.Newf(flaerr.InvalidArgument, "zone at lba %d is full; reset it before writing", start)
		}
	}
	for start := d.zoneStart(r.Slba); start < r.Slba+r.Nlb; start += d.nzsect {
		z := d.state(start)
		zoneEnd := start + d.nzsect
		reqEnd := r.Slba + r.Nlb
		if reqEnd > zoneEnd {
			reqEnd = zoneEnd
		}
		if written := reqEnd - start; written > z.wp {
			z.wp = written
		}
		z.cond = ZoneConditionOpen
	}
	d.mu.Unlock()

	return d.FileDevice.WriteAt(ctx, r, buf, placementID)
}

func (d *ZonedFileDevice) Deallocate(ctx context.Context, r Range) error {
	return flaerr.New(flaerr.InvalidArgument, "deallocate is not meaningful on a zoned device; use ZoneManage")
}

func (d *ZonedFileDevice) ZoneManage(ctx context.Context, slba uint64, action ZoneAction) error {
	if d.nzsect == 0 {
		return flaerr.New(flaerr.InvalidState, "zoned device opened without a zone size")
	}
	start := d.zoneStart(slba)
	switch action {
	case ZoneReset:
		d.mu.Lock()
		z := d.state(start)
		z.cond = ZoneConditionEmpty
		z.wp = 0
		d.mu.Unlock()
		// Clear the zone's bytes so re-reading a reset zone cannot observe
		// stale data.
		zeroed := make([]byte, d.nzsect*uint64(d.lbaNbytes))
		return d.FileDevice.WriteAt(ctx, Range{Slba: start, Nlb: d.nzsect}, zeroed, 0)
	case ZoneFinish:
		d.mu.Lock()
		d.state(start).cond = ZoneConditionFull
		d.mu.Unlock()
		return nil
	default:
		return flaerr.Newf(flaerr.InvalidArgument, "unknown zone action %d", action)
	}
}
