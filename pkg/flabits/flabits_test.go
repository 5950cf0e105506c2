package flabits

import (
	"testing"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFreelist(t *testing.T, length uint32) *Freelist {
	t.Helper()
	buf := make([]byte, ByteSize(length))
	return Init(buf, length)
}

func TestAllocIsDenseFromLowIndex(t *testing.T) {
	fl := newTestFreelist(t, 10)
	for i := uint32(0); i < 10; i++ {
		idx, err := fl.Alloc(1)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	_, err := fl.Alloc(1)
	require.Error(t, err)
	assert.True(t, flaerr.Is(err, flaerr.OutOfSpace))
}

func TestNumReservedTracksAllocFree(t *testing.T) {
	fl := newTestFreelist(t, 64)
	assert.Zero(t, fl.NumReserved())

	a, err := fl.Alloc(1)
	require.NoError(t, err)
	b, err := fl.Alloc(1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fl.NumReserved())

	require.NoError(t, fl.Free(a))
	assert.EqualValues(t, 1, fl.NumReserved())

	require.NoError(t, fl.Free(b))
	assert.Zero(t, fl.NumReserved())
}

func TestAllocNIsTransactional(t *testing.T) {
	fl := newTestFreelist(t, 4)
	_, err := fl.Alloc(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, fl.NumReserved())

	_, err = fl.Alloc(5)
	require.Error(t, err)
	// a failed run allocation reserves nothing at all
	assert.EqualValues(t, 3, fl.NumReserved())
}

func TestAllocNSkipsFragmentedHoles(t *testing.T) {
	fl := newTestFreelist(t, 16)
	_, err := fl.Alloc(4)
	require.NoError(t, err)
	require.NoError(t, fl.Free(1)) // single-bit hole at index 1

	idx, err := fl.Alloc(2)
	require.NoError(t, err)
	assert.EqualValues(t, 4, idx, "a two-bit run cannot use the one-bit hole")

	idx, err = fl.Alloc(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, idx, "a single-bit alloc backfills the hole")
}

func TestFreeOutOfRange(t *testing.T) {
	fl := newTestFreelist(t, 4)
	err := fl.Free(100)
	require.Error(t, err)
	assert.True(t, flaerr.Is(err, flaerr.InvalidArgument))
}

func TestTrailingSlackBitsStayReserved(t *testing.T) {
	fl := newTestFreelist(t, 33)
	// 33 bits -> 2 words; the 31 slack bits are out of range, start
	// reserved, and never count toward the reservation total.
	assert.Zero(t, fl.NumReserved())
	require.Error(t, fl.Free(33))

	for i := uint32(0); i < 33; i++ {
		_, err := fl.Alloc(1)
		require.NoError(t, err)
	}
	_, err := fl.Alloc(1)
	require.Error(t, err, "slack bits must never be handed out")
}

func TestSearchVisitsReservedBitsOnly(t *testing.T) {
	fl := newTestFreelist(t, 8)
	_, err := fl.Alloc(1)
	require.NoError(t, err)
	_, err = fl.Alloc(1)
	require.NoError(t, err)

	var visited []uint32
	found := fl.Search(0, func(idx uint32) VisitResult {
		visited = append(visited, idx)
		return FoundContinue
	})
	assert.EqualValues(t, 2, found)
	assert.Equal(t, []uint32{0, 1}, visited)
}

func TestResetReclaimsEverything(t *testing.T) {
	fl := newTestFreelist(t, 16)
	_, err := fl.Alloc(5)
	require.NoError(t, err)
	fl.Reset()
	assert.Zero(t, fl.NumReserved())
}
