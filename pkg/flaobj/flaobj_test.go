package flaobj

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanhpk/randstr"

	"github.com/flexalloc/flexalloc/pkg/flabits"
	"github.com/flexalloc/flexalloc/pkg/flacs"
	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/fladp"
	"github.com/flexalloc/flexalloc/pkg/flageo"
	"github.com/flexalloc/flexalloc/pkg/flahash"
	"github.com/flexalloc/flexalloc/pkg/flapool"
	"github.com/flexalloc/flexalloc/pkg/flaslab"
)

const (
	engNpools = 2
	engNslabs = 2
	engSlabNlb = 64
)

func newTestEngine(t *testing.T) (*Engine, *flapool.Manager) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dev.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8*1024*1024))
	require.NoError(t, f.Close())
	dev, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	geo := &flageo.Geo{LbNbytes: 512, SlabNlb: engSlabNlb, Nslabs: engNslabs, Npools: engNpools, MdNlb: 1}

	flBuf := make([]byte, flabits.ByteSize(engNpools))
	poolFl := flabits.Init(flBuf, engNpools)
	tblBuf := make([]byte, flahash.ByteSize(engNpools*2))
	tbl := flahash.Init(tblBuf, engNpools*2)
	entries := make([]byte, uint64(engNpools)*flageo.PoolEntrySize)

	headers := make([]byte, uint64(engNslabs)*flageo.SlabHeaderSize)
	listBuf := make([]byte, 12)
	slabMgr := flaslab.NewManager(headers, listBuf, engNslabs, geo, flacs.ConventionalCs{}, dev)
	slabMgr.InitFreeList()

	flists := flaslab.NewCache(dev, nil, geo)
	pools := flapool.NewManager(poolFl, tbl, entries, geo, slabMgr, flists, flacs.ConventionalCs{}, 0)

	eng := NewEngine(dev, geo, flacs.ConventionalCs{}, fladp.NullDP{}, pools, flists)
	return eng, pools
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("widgets", 2, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)
	assert.False(t, h.IsNull())

	payload := randstr.Bytes(1024)
	require.NoError(t, eng.Write(ctx, pool, h, 0, payload))

	readBack := make([]byte, 1024)
	require.NoError(t, eng.Read(ctx, pool, h, 0, readBack))
	assert.Equal(t, payload, readBack)
}

func TestUnalignedWritePreservesSurroundingBytes(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("widgets", 2, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	base := make([]byte, 1024)
	for i := range base {
		base[i] = 0xAA
	}
	require.NoError(t, eng.Write(ctx, pool, h, 0, base))

	patch := []byte{1, 2, 3, 4, 5}
	require.NoError(t, eng.Write(ctx, pool, h, 100, patch))

	readBack := make([]byte, 1024)
	require.NoError(t, eng.Read(ctx, pool, h, 0, readBack))
	assert.Equal(t, patch, readBack[100:105])
	assert.EqualValues(t, 0xAA, readBack[99])
	assert.EqualValues(t, 0xAA, readBack[105])
}

func TestOpenLoadsFreelistAndChecksReservation(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("widgets", 2, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, eng.Open(ctx, pool, h))

	// A slot that was never allocated is not an object.
	err = eng.Open(ctx, pool, Handle{SlabID: h.SlabID, EntryNdx: h.EntryNdx + 1})
	assert.Error(t, err)

	err = eng.Open(ctx, pool, Handle{SlabID: 9999, EntryNdx: 0})
	assert.Error(t, err)
}

func TestUnalignedWriteRejectedOnZonedDevice(t *testing.T) {
	eng, pools, _ := newTestZonedEngine(t, 8)
	pool, err := pools.Create("zobj", zEngNzsect, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	err = eng.UnalignedWrite(ctx, pool, h, 3, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestStaleHandleRejectedByEveryObjectOp(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("widgets", 2, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	bogus := flapool.Handle{Ndx: pool.Ndx, H2: pool.H2 + 1}
	_, err = eng.Create(ctx, bogus)
	assert.Error(t, err)
	assert.Error(t, eng.Write(ctx, bogus, h, 0, make([]byte, 512)))
	assert.Error(t, eng.Read(ctx, bogus, h, 0, make([]byte, 512)))
	assert.Error(t, eng.Destroy(ctx, bogus, h))
}

func TestDestroyThenReallocateReusesSlot(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("widgets", 2, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, eng.Destroy(ctx, pool, h))

	h2, err := eng.Create(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, h, h2)
}

func TestStripedPoolWriteFansOutAcrossChunks(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("striped", 8, true, 4, 256)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	payload := randstr.Bytes(8 * 512)
	require.NoError(t, eng.Write(ctx, pool, h, 0, payload))

	readBack := make([]byte, 8*512)
	require.NoError(t, eng.Read(ctx, pool, h, 0, readBack))
	assert.Equal(t, payload, readBack)
}

func TestStripedPoolWriteReachesFullReservedCapacity(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("striped", 8, true, 4, 256)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	// NumFlaObjs() == 4 stripe members of 8*512 bytes each: the full
	// logical capacity is 4x a single sub-object's size, not just one
	// sub-object's worth of blocks.
	full := randstr.Bytes(4 * 8 * 512)
	require.NoError(t, eng.Write(ctx, pool, h, 0, full))

	readBack := make([]byte, len(full))
	require.NoError(t, eng.Read(ctx, pool, h, 0, readBack))
	assert.Equal(t, full, readBack)

	entry := pools.Entry(pool.Ndx)
	assert.EqualValues(t, 4, entry.NumFlaObjs())

	oversized := make([]byte, len(full)+1)
	err = eng.Write(ctx, pool, h, 0, oversized)
	assert.Error(t, err, "writes still can't exceed the object's full reserved capacity")
}

func TestSplitStripeMapsChunksToSubObjectsPerFormula(t *testing.T) {
	// Byte k maps to sub-object floor(k/C) mod S at intra-offset
	// floor(k/(C*S))*C + (k mod C). With C=4, S=2, chunk 0 -> sub 0,
	// chunk 1 -> sub 1, chunk 2 -> sub 0 at intra-offset 4, etc.
	segs := splitStripe(0, 16, 4, 2)
	require.Len(t, segs, 4)
	assert.EqualValues(t, 0, segs[0].subIdx)
	assert.EqualValues(t, 0, segs[0].intraOff)
	assert.EqualValues(t, 1, segs[1].subIdx)
	assert.EqualValues(t, 0, segs[1].intraOff)
	assert.EqualValues(t, 0, segs[2].subIdx)
	assert.EqualValues(t, 4, segs[2].intraOff)
	assert.EqualValues(t, 1, segs[3].subIdx)
	assert.EqualValues(t, 4, segs[3].intraOff)

	mid := splitStripe(6, 5, 4, 2)
	require.Len(t, mid, 2)
	assert.EqualValues(t, 1, mid[0].subIdx)
	assert.EqualValues(t, 2, mid[0].intraOff)
	assert.EqualValues(t, 2, mid[0].length)
	assert.EqualValues(t, 0, mid[1].subIdx)
	assert.EqualValues(t, 4, mid[1].intraOff)
	assert.EqualValues(t, 3, mid[1].length)
}

func TestOpenZoneTrackerFinishesOldestZoneAtLimit(t *testing.T) {
	dev := &recordingZoneDevice{}
	z := newOpenZoneTracker(2)
	ctx := context.Background()

	require.NoError(t, z.ensureOpen(ctx, dev, 0))
	require.NoError(t, z.ensureOpen(ctx, dev, 100))
	assert.Empty(t, dev.finished, "no eviction needed until a third distinct zone is opened")

	require.NoError(t, z.ensureOpen(ctx, dev, 200))
	assert.Equal(t, []uint64{0}, dev.finished, "zone 0 was the oldest tracked and must be finished first")

	require.NoError(t, z.ensureOpen(ctx, dev, 200))
	assert.Equal(t, []uint64{0}, dev.finished, "an already-open zone is not re-evicted")

	require.NoError(t, z.closeZone(ctx, dev, 100))
	assert.Equal(t, []uint64{0, 100}, dev.finished)

	require.NoError(t, z.ensureOpen(ctx, dev, 300))
	assert.Equal(t, []uint64{0, 100}, dev.finished, "closeZone already untracked 100; opening a new zone evicts nothing else while under the limit")
}

type recordingZoneDevice struct {
	fladev.Device
	finished []uint64
}

func (d *recordingZoneDevice) ZoneManage(ctx context.Context, slba uint64, action fladev.ZoneAction) error {
	if action == fladev.ZoneFinish {
		d.finished = append(d.finished, slba)
	}
	return nil
}

const (
	zEngNzsect  = 4 // blocks per zone: 4*512 = 2048 bytes
	zEngSlabNlb = 8 // 2 zones per slab
	zEngNslabs  = 4
)

type zonedSpyDevice struct {
	*fladev.ZonedFileDevice
	finished []uint64
}

func (d *zonedSpyDevice) ZoneManage(ctx context.Context, slba uint64, action fladev.ZoneAction) error {
	if action == fladev.ZoneFinish {
		d.finished = append(d.finished, slba)
	}
	return d.ZonedFileDevice.ZoneManage(ctx, slba, action)
}

func newTestZonedEngine(t *testing.T, maxOpenZones uint64) (*Engine, *flapool.Manager, *zonedSpyDevice) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "zdev.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4*1024*1024))
	require.NoError(t, f.Close())
	zfd, err := fladev.OpenZonedFile(path, 512, 0, zEngNzsect)
	require.NoError(t, err)
	t.Cleanup(func() { zfd.Close() })
	zfd.SetMaxOpenZones(maxOpenZones)
	dev := &zonedSpyDevice{ZonedFileDevice: zfd}

	geo := &flageo.Geo{
		LbNbytes: 512,
		Zoned:    true,
		Nzsect:   zEngNzsect,
		SlabNlb:  zEngSlabNlb,
		Nslabs:   zEngNslabs,
		Npools:   1,
		MdNlb:    1,
	}
	geo.PoolSgmt = flageo.PoolSgmtCalc(geo.Npools, geo.LbNbytes)
	geo.SlabSgmt.SlabSgmtNlb = 1

	flBuf := make([]byte, flabits.ByteSize(geo.Npools))
	poolFl := flabits.Init(flBuf, geo.Npools)
	tblBuf := make([]byte, flahash.ByteSize(geo.Npools*2))
	tbl := flahash.Init(tblBuf, geo.Npools*2)
	entries := make([]byte, uint64(geo.Npools)*flageo.PoolEntrySize)

	headers := make([]byte, uint64(geo.Nslabs)*flageo.SlabHeaderSize)
	listBuf := make([]byte, 12)
	slabMgr := flaslab.NewManager(headers, listBuf, geo.Nslabs, geo, flacs.ZonedCs{}, dev)
	slabMgr.InitFreeList()

	flists := flaslab.NewCache(dev, nil, geo)
	pools := flapool.NewManager(poolFl, tbl, entries, geo, slabMgr, flists, flacs.ZonedCs{}, 0)

	eng := NewEngine(dev, geo, flacs.ZonedCs{}, fladp.NullDP{}, pools, flists)
	return eng, pools, dev
}

func TestZonedWriteOpensAndFinishesZonesAtMaxOpenLimit(t *testing.T) {
	eng, pools, dev := newTestZonedEngine(t, 2)

	pool, err := pools.Create("zobj", zEngNzsect, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h1, err := eng.Create(ctx, pool)
	require.NoError(t, err)
	h2, err := eng.Create(ctx, pool)
	require.NoError(t, err)
	h3, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	entry := pools.Entry(pool.Ndx)
	zoneBytes := int(entry.ObjNlb) * 512
	half := make([]byte, zoneBytes/2)
	for i := range half {
		half[i] = 0xCD
	}

	r1 := eng.subObjRange(h1, entry, 0)
	r2 := eng.subObjRange(h2, entry, 0)

	// A partial write to h1 and h2 opens both of their zones but reaches
	// neither zone's end, so nothing is finished yet.
	require.NoError(t, eng.Write(ctx, pool, h1, 0, half))
	require.NoError(t, eng.Write(ctx, pool, h2, 0, half))
	assert.Empty(t, dev.finished)

	// A third distinct zone pushes the tracker past its 2-zone limit:
	// h1's zone (the oldest tracked) must be finished first.
	require.NoError(t, eng.Write(ctx, pool, h3, 0, half))
	assert.Equal(t, []uint64{r1.Slba}, dev.finished)

	// Completing h2's write reaches the end of its zone and finishes it
	// immediately, independent of the open-zone limit.
	require.NoError(t, eng.Write(ctx, pool, h2, uint64(zoneBytes/2), half))
	assert.Equal(t, []uint64{r1.Slba, r2.Slba}, dev.finished)
}

func TestZonedSealFinishesObjectZone(t *testing.T) {
	eng, pools, dev := newTestZonedEngine(t, 8)

	pool, err := pools.Create("zobj", zEngNzsect, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	entry := pools.Entry(pool.Ndx)
	r := eng.subObjRange(h, entry, 0)

	payload := make([]byte, int(entry.ObjNlb)*512/2)
	require.NoError(t, eng.Write(ctx, pool, h, 0, payload))
	assert.Empty(t, dev.finished, "the partial write should not have reached the zone's end yet")

	require.NoError(t, eng.Seal(ctx, pool, h))
	assert.Equal(t, []uint64{r.Slba}, dev.finished)
}

func TestWritePastObjectEndFails(t *testing.T) {
	eng, pools := newTestEngine(t)
	pool, err := pools.Create("widgets", 2, false, 0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := eng.Create(ctx, pool)
	require.NoError(t, err)

	oversized := make([]byte, 4096)
	err = eng.Write(ctx, pool, h, 0, oversized)
	assert.Error(t, err)
}
