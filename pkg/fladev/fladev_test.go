package fladev

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestFileDeviceReadWriteRoundTrip(t *testing.T) {
	path := newTestFile(t, 64*512)
	dev, err := OpenFile(path, 512, 0)
	require.NoError(t, err)
	defer dev.Close()

	assert.EqualValues(t, 64, dev.TotalLBA())
	assert.Equal(t, Conventional, dev.Kind())

	payload := dev.AllocDMA(3 * 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	ctx := context.Background()
	require.NoError(t, dev.WriteAt(ctx, Range{Slba: 10, Nlb: 3}, payload, 0))

	readBack := dev.AllocDMA(3 * 512)
	require.NoError(t, dev.ReadAt(ctx, Range{Slba: 10, Nlb: 3}, readBack))
	assert.Equal(t, payload, readBack)
}

func TestFileDeviceChunksAtMaxTransfer(t *testing.T) {
	path := newTestFile(t, 64*512)
	dev, err := OpenFile(path, 512, 2*512) // mdts = 2 blocks
	require.NoError(t, err)
	defer dev.Close()

	buf := dev.AllocDMA(5 * 512)
	for i := range buf {
		buf[i] = 0xAB
	}
	ctx := context.Background()
	require.NoError(t, dev.WriteAt(ctx, Range{Slba: 0, Nlb: 5}, buf, 0))

	readBack := dev.AllocDMA(5 * 512)
	require.NoError(t, dev.ReadAt(ctx, Range{Slba: 0, Nlb: 5}, readBack))
	assert.Equal(t, buf, readBack)
}

func TestFileDeviceZoneManageUnsupported(t *testing.T) {
	path := newTestFile(t, 64*512)
	dev, err := OpenFile(path, 512, 0)
	require.NoError(t, err)
	defer dev.Close()

	err = dev.ZoneManage(context.Background(), 0, ZoneReset)
	assert.Error(t, err)
}

func TestZonedFileDeviceResetClearsZone(t *testing.T) {
	path := newTestFile(t, 64*512)
	dev, err := OpenZonedFile(path, 512, 0, 8)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, Zoned, dev.Kind())
	assert.EqualValues(t, 8, dev.SectorsPerZone())

	ctx := context.Background()
	buf := dev.AllocDMA(8 * 512)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, dev.WriteAt(ctx, Range{Slba: 0, Nlb: 8}, buf, 0))

	require.NoError(t, dev.ZoneManage(ctx, 3, ZoneReset))

	readBack := dev.AllocDMA(8 * 512)
	require.NoError(t, dev.ReadAt(ctx, Range{Slba: 0, Nlb: 8}, readBack))
	for _, b := range readBack {
		assert.Zero(t, b)
	}
}

func TestZonedFileDeviceDeallocateRejected(t *testing.T) {
	path := newTestFile(t, 64*512)
	dev, err := OpenZonedFile(path, 512, 0, 8)
	require.NoError(t, err)
	defer dev.Close()

	err = dev.Deallocate(context.Background(), Range{Slba: 0, Nlb: 8})
	assert.Error(t, err)
}

func TestZonedFileDeviceTracksZoneLifecycle(t *testing.T) {
	path := newTestFile(t, 64*512)
	dev, err := OpenZonedFile(path, 512, 0, 8)
	require.NoError(t, err)
	defer dev.Close()

	assert.EqualValues(t, 8, dev.ZoneCount())

	ctx := context.Background()
	cond, wp := dev.ZoneReport(16)
	assert.Equal(t, ZoneConditionEmpty, cond)
	assert.Zero(t, wp)

	buf := dev.AllocDMA(3 * 512)
	require.NoError(t, dev.WriteAt(ctx, Range{Slba: 16, Nlb: 3}, buf, 0))
	cond, wp = dev.ZoneReport(16)
	assert.Equal(t, ZoneConditionOpen, cond)
	assert.EqualValues(t, 3, wp)

	// Finishing the zone latches it full; further writes are refused
	// until a reset.
	require.NoError(t, dev.ZoneManage(ctx, 16, ZoneFinish))
	err = dev.WriteAt(ctx, Range{Slba: 19, Nlb: 1}, dev.AllocDMA(512), 0)
	require.Error(t, err)

	require.NoError(t, dev.ZoneManage(ctx, 16, ZoneReset))
	cond, wp = dev.ZoneReport(16)
	assert.Equal(t, ZoneConditionEmpty, cond)
	assert.Zero(t, wp)
	require.NoError(t, dev.WriteAt(ctx, Range{Slba: 16, Nlb: 1}, dev.AllocDMA(512), 0))
}
