package fladp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullDPAlwaysReturnsMetadataPlacementID(t *testing.T) {
	var dp NullDP
	id, err := dp.PlacementID(context.Background(), Key{PoolID: 3, SlabID: 9})
	require.NoError(t, err)
	assert.Equal(t, MetadataPlacementID, id)
}

func TestFdpDPBindsPerObjectConsistently(t *testing.T) {
	dp := NewFdpDP(BindPerObject, 4, nil)
	ctx := context.Background()

	k := Key{PoolID: 1, SlabID: 2, ObjNdx: 5}
	first, err := dp.PlacementID(ctx, k)
	require.NoError(t, err)

	second, err := dp.PlacementID(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := dp.PlacementID(ctx, Key{PoolID: 1, SlabID: 2, ObjNdx: 6})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestFdpDPBindsPerSlabCollapsesObjNdx(t *testing.T) {
	dp := NewFdpDP(BindPerSlab, 4, nil)
	ctx := context.Background()

	a, err := dp.PlacementID(ctx, Key{PoolID: 1, SlabID: 2, ObjNdx: 1})
	require.NoError(t, err)
	b, err := dp.PlacementID(ctx, Key{PoolID: 1, SlabID: 2, ObjNdx: 99})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFdpDPBindsPerWriteNeverCaches(t *testing.T) {
	dp := NewFdpDP(BindPerWrite, 4, nil)
	ctx := context.Background()
	k := Key{PoolID: 1, SlabID: 1, ObjNdx: 1}

	a, err := dp.PlacementID(ctx, k)
	require.NoError(t, err)
	b, err := dp.PlacementID(ctx, k)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Zero(t, dp.Len())
}

func TestFdpDPScopeCacheIsBounded(t *testing.T) {
	dp := NewFdpDP(BindPerObject, 8, nil)
	ctx := context.Background()
	for i := uint32(0); i < maxCacheEntries+10; i++ {
		_, err := dp.PlacementID(ctx, Key{PoolID: 1, SlabID: 1, ObjNdx: i})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, dp.Len(), maxCacheEntries)
}

func TestFdpDPZeroPlacementIDsIsAnError(t *testing.T) {
	dp := NewFdpDP(BindPerObject, 0, nil)
	_, err := dp.PlacementID(context.Background(), Key{})
	assert.Error(t, err)
}
