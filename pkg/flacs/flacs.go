// Package flacs is the command-set adapter (CS): it isolates the handful
// of operations that differ between a conventional block device and a
// zoned one behind a single interface, so the rest of the allocator never
// branches on device kind itself.
package flacs

import (
	"context"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/flageo"
)

// CommandSet is implemented once per device kind.
type CommandSet interface {
	// PoolCheck validates that a pool's object size is legal for this
	// device kind. Conventional devices accept any obj_nlb; zoned devices
	// require obj_nlb to equal exactly one zone.
	PoolCheck(geo *flageo.Geo, objNlb uint32) error

	// SlabOffset is the logical-block offset of a slab's body.
	SlabOffset(geo *flageo.Geo, slabID uint32) uint64

	// ObjectSeal finalizes an object after its last write. Conventional
	// devices do nothing; zoned devices finish the zone so it can be
	// reclaimed as a unit.
	ObjectSeal(ctx context.Context, dev fladev.Device, r fladev.Range) error

	// ObjectDestroy releases an object's backing storage ahead of the
	// slab it lives in being freed. Conventional devices do nothing (the
	// slab-level trim below covers it); zoned devices reset the zone.
	ObjectDestroy(ctx context.Context, dev fladev.Device, r fladev.Range) error

	// SlabTrim hints to the device that a whole slab's blocks are free.
	SlabTrim(ctx context.Context, dev fladev.Device, r fladev.Range) error
}

// ConventionalCs is the command set for ordinary randomly-writable block
// devices. Every per-object lifecycle hook is a no-op; only the slab-level
// trim does anything, and that's advisory.
type ConventionalCs struct{}

func (ConventionalCs) PoolCheck(geo *flageo.Geo, objNlb uint32) error {
	return nil
}

func (ConventionalCs) SlabOffset(geo *flageo.Geo, slabID uint32) uint64 {
	return geo.SlabLbOff(slabID)
}

func (ConventionalCs) ObjectSeal(ctx context.Context, dev fladev.Device, r fladev.Range) error {
	return nil
}

func (ConventionalCs) ObjectDestroy(ctx context.Context, dev fladev.Device, r fladev.Range) error {
	return nil
}

func (ConventionalCs) SlabTrim(ctx context.Context, dev fladev.Device, r fladev.Range) error {
	return dev.Deallocate(ctx, r)
}

// ZonedCs is the command set for zoned devices. An object must span
// exactly one zone: flexalloc never issues the kind of mid-zone random
// write a zoned namespace can't service, so every object boundary is a
// zone boundary.
type ZonedCs struct{}

func (ZonedCs) PoolCheck(geo *flageo.Geo, objNlb uint32) error {
	if uint64(objNlb) != geo.Nzsect {
		return flaerr.Newf(flaerr.InvalidArgument,
			"zoned pool object size must equal one zone (%d lbas), got %d", geo.Nzsect, objNlb)
	}
	return nil
}

func (ZonedCs) SlabOffset(geo *flageo.Geo, slabID uint32) uint64 {
	return geo.SlabLbOff(slabID)
}

func (ZonedCs) ObjectSeal(ctx context.Context, dev fladev.Device, r fladev.Range) error {
	return dev.ZoneManage(ctx, r.Slba, fladev.ZoneFinish)
}

func (ZonedCs) ObjectDestroy(ctx context.Context, dev fladev.Device, r fladev.Range) error {
	return dev.ZoneManage(ctx, r.Slba, fladev.ZoneReset)
}

func (ZonedCs) SlabTrim(ctx context.Context, dev fladev.Device, r fladev.Range) error {
	return dev.ZoneManage(ctx, r.Slba, fladev.ZoneReset)
}

// For derives the command set for a geometry's device kind.
func For(geo *flageo.Geo) CommandSet {
	if geo.Zoned {
		return ZonedCs{}
	}
	return ConventionalCs{}
}
