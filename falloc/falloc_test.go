package falloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulfs/bcache"
	"ulfs/blockdev"
)

func newTestAllocator(t *testing.T, nbits uint32) *Allocator {
	t.Helper()
	bufSize := BitmapBufSize(nbits)
	freeMapLen := bcache.FreeMapSectors(bufSize)
	total := nbits + freeMapLen
	dev := blockdev.NewMemDevice("test", blockdev.RoleFilesys, blockdev.SectorCount(total))
	freeMapBuf := make([]byte, int(freeMapLen)*blockdev.SectorSize)
	c := bcache.New(dev, freeMapBuf, nbits, freeMapLen)
	t.Cleanup(c.Shutdown)
	return New(c, nbits)
}

func TestGetReturnsLowestFreeSector(t *testing.T) {
	a := newTestAllocator(t, 16)
	s, err := a.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s)

	s2, err := a.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s2)
}

func TestReleaseMakesSectorAvailableAgain(t *testing.T) {
	a := newTestAllocator(t, 4)
	s, err := a.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s)

	a.Release(s, 1)

	s2, err := a.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s2)
}

func TestReleaseUnallocatedPanics(t *testing.T) {
	a := newTestAllocator(t, 4)
	assert.Panics(t, func() { a.Release(0, 1) })
}

func TestAllocateFindsConsecutiveRun(t *testing.T) {
	a := newTestAllocator(t, 8)
	_, err := a.Get() // consumes sector 0
	require.NoError(t, err)

	s, err := a.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s)
}

func TestAllocateFailsWhenExhausted(t *testing.T) {
	a := newTestAllocator(t, 2)
	_, err := a.Allocate(2)
	require.NoError(t, err)

	_, err = a.Allocate(1)
	assert.Error(t, err)
}

func TestMarkRangeReservesWithoutAllocation(t *testing.T) {
	a := newTestAllocator(t, 8)
	a.MarkRange(0, 2, true)

	s, err := a.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s)
}
