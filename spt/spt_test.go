package spt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulfs/blockdev"
	"ulfs/frame"
	"ulfs/swaptbl"
)

func newTestTable(t *testing.T, numFrames int) *Table {
	t.Helper()
	frames := frame.New(numFrames)
	dev := blockdev.NewMemDevice("swap", blockdev.RoleSwap, blockdev.SectorCount(4*swaptbl.SectorsPerPage))
	swap := swaptbl.New(dev)
	return New(frames, swap)
}

type fakeFile struct {
	data []byte
}

func (f *fakeFile) ReadAt(buf []byte, offset int64) int {
	n := copy(buf, f.data[offset:])
	return n
}

func (f *fakeFile) WriteAt(buf []byte, offset int64) int {
	for int64(len(f.data)) < offset+int64(len(buf)) {
		f.data = append(f.data, 0)
	}
	return copy(f.data[offset:], buf)
}

func TestSetPageThenLoadProducesAnonymousZeroPage(t *testing.T) {
	tbl := newTestTable(t, 4)
	require.NoError(t, tbl.SetStackPage(1))

	fr := tbl.LoadPage(1)
	defer fr.Unpin()
	for _, b := range fr.Bytes() {
		assert.Zero(t, b)
	}
	assert.True(t, tbl.IsStack(1))
	assert.True(t, tbl.IsWriteable(1))
}

func TestSetPageFailsIfAlreadyMapped(t *testing.T) {
	tbl := newTestTable(t, 4)
	require.NoError(t, tbl.SetStackPage(1))
	err := tbl.SetStackPage(1)
	assert.Error(t, err)
}

func TestLoadFilePageReadsBackingBytes(t *testing.T) {
	tbl := newTestTable(t, 4)
	backing := &fakeFile{data: []byte("hello world, more than a page? no.")}
	require.NoError(t, tbl.SetPage(1, FlagFileWritable, backing, 0, len(backing.data)))

	fr := tbl.LoadPage(1)
	defer fr.Unpin()
	assert.Equal(t, backing.data, fr.Bytes()[:len(backing.data)])
}

func TestClearPageOfNonResidentMappingFreesImmediately(t *testing.T) {
	tbl := newTestTable(t, 4)
	require.NoError(t, tbl.SetStackPage(1))
	tbl.ClearPage(1)
	assert.False(t, tbl.IsMapped(1))
}

func TestClearPageOfResidentMappingOrphansUntilEviction(t *testing.T) {
	tbl := newTestTable(t, 1)
	require.NoError(t, tbl.SetStackPage(1))
	fr := tbl.LoadPage(1)
	fr.Unpin()

	tbl.ClearPage(1)
	assert.False(t, tbl.IsMapped(1))

	// Force eviction by requesting another frame from an exhausted pool.
	require.NoError(t, tbl.SetStackPage(2))
	fr2 := tbl.LoadPage(2)
	fr2.Unpin()
}

func TestMarkAccessedIsConsumedByTryResetAccessed(t *testing.T) {
	tbl := newTestTable(t, 4)
	require.NoError(t, tbl.SetStackPage(1))
	tbl.LoadPage(1).Unpin()

	tbl.MarkAccessed(1)
	m := tbl.lookup(1)
	assert.Equal(t, 1, m.TryResetAccessed())
	assert.Equal(t, 0, m.TryResetAccessed())
}

func TestMarkDirtyCausesFileWritebackOnEvict(t *testing.T) {
	tbl := newTestTable(t, 1)
	backing := &fakeFile{data: make([]byte, 16)}
	require.NoError(t, tbl.SetPage(1, FlagFileWritable, backing, 0, 16))

	fr := tbl.LoadPage(1)
	copy(fr.Bytes(), []byte("changed!"))
	tbl.MarkDirty(1)
	fr.Unpin()

	// Exhaust the single-frame pool so page 1 gets evicted to make room.
	require.NoError(t, tbl.SetStackPage(2))
	fr2 := tbl.LoadPage(2)
	defer fr2.Unpin()

	assert.Equal(t, []byte("changed!"), backing.data[:8])
}

func TestPinPagesLoadsUnresidentMapping(t *testing.T) {
	tbl := newTestTable(t, 4)
	require.NoError(t, tbl.SetStackPage(1))

	tbl.PinPages([]uint64{1})
	tbl.UnpinPages([]uint64{1})
}

func TestIsMappableReflectsCurrentState(t *testing.T) {
	tbl := newTestTable(t, 4)
	assert.True(t, tbl.IsMappable(1))
	require.NoError(t, tbl.SetStackPage(1))
	assert.False(t, tbl.IsMappable(1))
}

func TestDestroyOrphansAllResidentMappings(t *testing.T) {
	tbl := newTestTable(t, 2)
	require.NoError(t, tbl.SetStackPage(1))
	require.NoError(t, tbl.SetStackPage(2))
	tbl.LoadPage(1).Unpin()
	tbl.LoadPage(2).Unpin()

	assert.NotPanics(t, tbl.Destroy)
	assert.False(t, tbl.IsMapped(1))
	assert.False(t, tbl.IsMapped(2))
}
