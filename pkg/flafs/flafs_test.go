package flafs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanhpk/randstr"

	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/flageo"
	"github.com/flexalloc/flexalloc/pkg/flapool"
)

func newTestDevice(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(40000*512))
	require.NoError(t, f.Close())
	return path
}

func TestMkfsThenOpenRoundTripsGeometry(t *testing.T) {
	path := newTestDevice(t)
	dev, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)

	ctx := context.Background()
	fs, err := Mkfs(ctx, dev, nil, flageo.MkfsParams{Nlb: 40000, LbNbytes: 512, Npools: 2, SlabNlb: 4000})
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx))

	dev2, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)
	defer dev2.Close()

	reopened, err := Open(ctx, dev2, nil, false, 0)
	require.NoError(t, err)
	assert.Equal(t, fs.Geo().Nslabs, reopened.Geo().Nslabs)
	assert.Equal(t, fs.Geo().Npools, reopened.Geo().Npools)
	assert.Empty(t, reopened.Validate())
}

func TestFullObjectLifecycleAcrossReopen(t *testing.T) {
	path := newTestDevice(t)
	dev, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)

	ctx := context.Background()
	fs, err := Mkfs(ctx, dev, nil, flageo.MkfsParams{Nlb: 40000, LbNbytes: 512, Npools: 2, SlabNlb: 4000})
	require.NoError(t, err)

	pool, err := fs.Pools.Create("widgets", 4, false, 0, 0)
	require.NoError(t, err)

	h, err := fs.Objects.Create(ctx, pool)
	require.NoError(t, err)

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	require.NoError(t, fs.Objects.Write(ctx, pool, h, 0, payload))
	require.NoError(t, fs.Close(ctx))

	dev2, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)
	defer dev2.Close()

	reopened, err := Open(ctx, dev2, nil, false, 0)
	require.NoError(t, err)

	reopenedPool, err := reopened.Pools.Open("widgets")
	require.NoError(t, err)
	assert.Equal(t, pool, reopenedPool)

	require.NoError(t, reopened.Objects.Open(ctx, reopenedPool, h))

	readBack := make([]byte, 2048)
	require.NoError(t, reopened.Objects.Read(ctx, reopenedPool, h, 0, readBack))
	assert.Equal(t, payload, readBack)
	assert.Empty(t, reopened.Validate())
}

func TestSetRootObjectSurvivesReopen(t *testing.T) {
	path := newTestDevice(t)
	dev, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)

	ctx := context.Background()
	fs, err := Mkfs(ctx, dev, nil, flageo.MkfsParams{Nlb: 40000, LbNbytes: 512, Npools: 2, SlabNlb: 4000})
	require.NoError(t, err)

	pool, err := fs.Pools.Create("rootpool", 4, false, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Pools.SetRootObject(pool, 0xCAFEBABE, flapool.RootObjFlag(0)))
	require.NoError(t, fs.Close(ctx))

	dev2, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)
	defer dev2.Close()

	reopened, err := Open(ctx, dev2, nil, false, 0)
	require.NoError(t, err)
	reopenedPool, err := reopened.Pools.Open("rootpool")
	require.NoError(t, err)

	got, ok := reopened.Pools.RootObject(reopenedPool)
	require.True(t, ok)
	assert.EqualValues(t, 0xCAFEBABE, got)
}

func TestDestroyedPoolHandleGoesStale(t *testing.T) {
	path := newTestDevice(t)
	dev, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)

	ctx := context.Background()
	fs, err := Mkfs(ctx, dev, nil, flageo.MkfsParams{Nlb: 40000, LbNbytes: 512, Npools: 2, SlabNlb: 4000})
	require.NoError(t, err)
	defer fs.Close(ctx)

	// Fill the pool freelist to capacity with uniquely-named pools.
	handles := make([]flapool.Handle, 0, 2)
	for i := 0; i < 2; i++ {
		h, err := fs.Pools.Create(fmt.Sprintf("pool-%s", randstr.Hex(4)), 4, false, 0, 0)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	_, err = fs.Pools.Create("one-too-many", 4, false, 0, 0)
	require.Error(t, err)

	// Destroying one frees its slot; a new pool of a different name can
	// reuse it, after which the old handle no longer verifies.
	old := handles[0]
	require.NoError(t, fs.Pools.Destroy(ctx, old))
	replacement, err := fs.Pools.Create("replacement", 4, false, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, old.Ndx, replacement.Ndx)

	err = fs.Pools.Destroy(ctx, old)
	require.Error(t, err)
	assert.True(t, flaerr.Is(err, flaerr.StaleHandle))

	// The stale destroy must not have touched the replacement pool.
	stillThere, err := fs.Pools.Open("replacement")
	require.NoError(t, err)
	assert.Equal(t, replacement, stillThere)
}

func TestSeparateMetadataDeviceRoundTrip(t *testing.T) {
	dataPath := newTestDevice(t)
	mdPath := filepath.Join(t.TempDir(), "md.img")
	f, err := os.Create(mdPath)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096*512))
	require.NoError(t, f.Close())

	dev, err := fladev.OpenFile(dataPath, 512, 0)
	require.NoError(t, err)
	md, err := fladev.OpenFile(mdPath, 512, 0)
	require.NoError(t, err)

	ctx := context.Background()
	fs, err := Mkfs(ctx, dev, md, flageo.MkfsParams{Nlb: 40000, LbNbytes: 512, Npools: 2, SlabNlb: 4000})
	require.NoError(t, err)
	require.True(t, fs.Geo().SeparateMd)
	assert.EqualValues(t, 10, fs.Geo().Nslabs, "with metadata off-device every slab-sized run of data blocks holds a slab")

	pool, err := fs.Pools.Create("split", 4, false, 0, 0)
	require.NoError(t, err)
	h, err := fs.Objects.Create(ctx, pool)
	require.NoError(t, err)

	payload := []byte("hello, world\x00")
	require.NoError(t, fs.Objects.Write(ctx, pool, h, 0, payload))
	require.NoError(t, fs.Close(ctx))

	dev2, err := fladev.OpenFile(dataPath, 512, 0)
	require.NoError(t, err)
	md2, err := fladev.OpenFile(mdPath, 512, 0)
	require.NoError(t, err)

	reopened, err := Open(ctx, dev2, md2, false, 0)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	pool2, err := reopened.Pools.Open("split")
	require.NoError(t, err)
	require.NoError(t, reopened.Objects.Open(ctx, pool2, h))

	readBack := make([]byte, len(payload))
	require.NoError(t, reopened.Objects.Read(ctx, pool2, h, 0, readBack))
	assert.Equal(t, payload, readBack)
	assert.Empty(t, reopened.Validate())
}

func TestQueryOperations(t *testing.T) {
	path := newTestDevice(t)
	dev, err := fladev.OpenFile(path, 512, 0)
	require.NoError(t, err)

	ctx := context.Background()
	fs, err := Mkfs(ctx, dev, nil, flageo.MkfsParams{Nlb: 40000, LbNbytes: 512, Npools: 2, SlabNlb: 4000})
	require.NoError(t, err)
	defer fs.Close(ctx)

	assert.EqualValues(t, 512, fs.LbNbytes())
	assert.False(t, fs.IsZoned())

	pool, err := fs.Pools.Create("q", 4, false, 0, 0)
	require.NoError(t, err)
	objNlb, err := fs.PoolObjNlb(pool)
	require.NoError(t, err)
	assert.EqualValues(t, 4, objNlb)

	_, err = fs.PoolObjNlb(flapool.Handle{Ndx: 1, H2: 12345})
	assert.Error(t, err)
}
