package flageo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMkfsFitsSlabsAndPoolSegment exercises the same shape of inputs as the
// allocator's canonical "40000 LBAs x 512B, slab=4000, npools=2" scenario.
// Walking the fitting procedure by hand for these inputs settles on 9 slabs
// (not 10): a whole slab's worth of blocks must be given up to the
// super block, the pool segment and the slab segment's own trailing
// free-slab-list words, which the naive total_lba/slab_nlb division ignores.
func TestMkfsFitsSlabsAndPoolSegment(t *testing.T) {
	geo, err := Mkfs(MkfsParams{
		Nlb:      40000,
		LbNbytes: 512,
		Npools:   2,
		SlabNlb:  4000,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 9, geo.Nslabs)
	assert.EqualValues(t, 4000, geo.SlabNlb)
	assert.EqualValues(t, 2, geo.Npools)
	assert.GreaterOrEqual(t, geo.MdNlb, uint32(1))
	assert.GreaterOrEqual(t, geo.PoolSgmt.EntriesNlb, uint32(1))
}

func TestMkfsRejectsOversizedSlab(t *testing.T) {
	_, err := Mkfs(MkfsParams{
		Nlb:      100,
		LbNbytes: 512,
		SlabNlb:  1000, // larger than the whole device
	})
	require.Error(t, err)
}

func TestMkfsRejectsZonedSlabNotMultipleOfZoneSize(t *testing.T) {
	_, err := Mkfs(MkfsParams{
		Nlb:      40000,
		LbNbytes: 512,
		SlabNlb:  4000,
		Zoned:    true,
		Nzsect:   3000, // 4000 is not a multiple of 3000
	})
	require.Error(t, err)
}

func TestFromSuperRoundTripsGeometry(t *testing.T) {
	geo, err := Mkfs(MkfsParams{
		Nlb:      40000,
		LbNbytes: 512,
		Npools:   2,
		SlabNlb:  4000,
	})
	require.NoError(t, err)

	super := geo.ToSuper()
	reopened := FromSuper(super, geo.LbNbytes, geo.Zoned, geo.Nzsect, geo.Nlb)

	assert.Equal(t, geo.Nslabs, reopened.Nslabs)
	assert.Equal(t, geo.SlabNlb, reopened.SlabNlb)
	assert.Equal(t, geo.Npools, reopened.Npools)
	assert.Equal(t, geo.PoolSgmt, reopened.PoolSgmt)
	assert.Equal(t, geo.SlabSgmt, reopened.SlabSgmt)
}

func TestObjectsPerSlabConventionalReservesFreelistSpace(t *testing.T) {
	geo := &Geo{LbNbytes: 512, SlabNlb: 16}
	n := geo.ObjectsPerSlab(1)
	// n objects of 1 LBA each must leave room for their own n-bit freelist
	assert.Less(t, n, geo.SlabNlb)
	assert.GreaterOrEqual(t, geo.SlabNlb-n, geo.FlistNlb(n))
}

func TestObjectsPerSlabZonedIsExact(t *testing.T) {
	geo := &Geo{LbNbytes: 512, SlabNlb: 16, Zoned: true}
	assert.EqualValues(t, 16, geo.ObjectsPerSlab(1))
	assert.EqualValues(t, 8, geo.ObjectsPerSlab(2))
}

func TestSlabLbOffIsZoneAligned(t *testing.T) {
	geo := &Geo{LbNbytes: 512, SlabNlb: 9000, Zoned: true, Nzsect: 4000}
	geo.Npools = 1
	geo.PoolSgmt = PoolSgmtCalc(1, 512)
	geo.Nslabs = 2
	geo.SlabSgmt.SlabSgmtNlb = 1
	geo.MdNlb = 1

	off := geo.SlabLbOff(1)
	assert.Zero(t, off%geo.Nzsect)
}
