package inode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulfs/bcache"
	"ulfs/blockdev"
	"ulfs/falloc"
)

func newTestRegistry(t *testing.T, dataSectors uint32) *Registry {
	t.Helper()
	bufSize := falloc.BitmapBufSize(dataSectors)
	freeMapLen := bcache.FreeMapSectors(bufSize)
	total := dataSectors + freeMapLen
	dev := blockdev.NewMemDevice("test", blockdev.RoleFilesys, blockdev.SectorCount(total))
	freeMapBuf := make([]byte, int(freeMapLen)*blockdev.SectorSize)
	c := bcache.New(dev, freeMapBuf, dataSectors, freeMapLen)
	t.Cleanup(c.Shutdown)
	alloc := falloc.New(c, dataSectors)
	return NewRegistry(c, alloc)
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, 64)
	Create(reg.Cache(), 0, 100)

	h := reg.Open(0)
	defer h.Close()
	assert.EqualValues(t, 100, h.Length())
	assert.Equal(t, uint32(0), h.Sector())
}

func TestOpenReturnsSameHandleForSameSector(t *testing.T) {
	reg := newTestRegistry(t, 64)
	Create(reg.Cache(), 0, 0)

	h1 := reg.Open(0)
	h2 := reg.Open(0)
	assert.Same(t, h1, h2)
	assert.EqualValues(t, 2, h1.OpenCnt())
	h1.Close()
	h2.Close()
}

func TestWriteReadAtWithinDirectRange(t *testing.T) {
	reg := newTestRegistry(t, 64)
	reg.Allocator().MarkRange(0, 1, true) // reserve inode's own sector

	Create(reg.Cache(), 0, 0)
	h := reg.Open(0)
	defer h.Close()

	data := []byte("hello, world")
	n := h.WriteAt(data, 0)
	require.Equal(t, len(data), n)
	assert.EqualValues(t, len(data), h.Length())

	out := make([]byte, len(data))
	n = h.ReadAt(out, 0)
	require.Equal(t, len(data), n)
	assert.Equal(t, data, out)
}

func TestWriteSpanningIndirectRange(t *testing.T) {
	reg := newTestRegistry(t, 2048)
	reg.Allocator().MarkRange(0, 1, true)

	Create(reg.Cache(), 0, 0)
	h := reg.Open(0)
	defer h.Close()

	offset := int64((NumDirect + 3) * sectorSize)
	data := []byte("indirect block data")
	n := h.WriteAt(data, offset)
	require.Equal(t, len(data), n)

	out := make([]byte, len(data))
	n = h.ReadAt(out, offset)
	require.Equal(t, len(data), n)
	assert.Equal(t, data, out)
}

func TestReadPastEndOfFileReturnsShort(t *testing.T) {
	reg := newTestRegistry(t, 64)
	reg.Allocator().MarkRange(0, 1, true)

	Create(reg.Cache(), 0, 0)
	h := reg.Open(0)
	defer h.Close()

	data := []byte("abc")
	h.WriteAt(data, 0)

	out := make([]byte, 10)
	n := h.ReadAt(out, 0)
	assert.Equal(t, 3, n)
}

func TestDenyWriteBlocksWrites(t *testing.T) {
	reg := newTestRegistry(t, 64)
	reg.Allocator().MarkRange(0, 1, true) // reserve the inode's own sector

	Create(reg.Cache(), 0, 0)
	h := reg.Open(0)
	defer h.Close()

	h.DenyWrite()
	n := h.WriteAt([]byte("x"), 0)
	assert.Equal(t, 0, n)
	h.AllowWrite()

	n = h.WriteAt([]byte("x"), 0)
	assert.Equal(t, 1, n)
}

func TestCounterAddIsCumulative(t *testing.T) {
	reg := newTestRegistry(t, 64)
	Create(reg.Cache(), 0, 0)
	h := reg.Open(0)
	defer h.Close()

	assert.EqualValues(t, 0, h.Counter())
	assert.EqualValues(t, 3, h.CounterAdd(3))
	assert.EqualValues(t, 1, h.CounterAdd(-2))
}

func TestRemoveFreesSectorsOnLastClose(t *testing.T) {
	reg := newTestRegistry(t, 64)
	reg.Allocator().MarkRange(0, 1, true) // inode sector 0 reserved; sector 1+ free for data

	Create(reg.Cache(), 0, 0)
	h := reg.Open(0)
	h.WriteAt(make([]byte, sectorSize), 0) // allocates one direct data sector (1)

	h.Remove()
	h.Close()

	// Both the inode sector (0) and its data sector (1) are freed, so they
	// are again the two lowest available.
	s, err := reg.Allocator().Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s)
	s, err = reg.Allocator().Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s)
}

// Concurrent Open/Close on the same sector must never hand out a handle
// that Close has already (or is about to) remove from the registry: the
// decrement-to-zero check and the registry delete have to happen under
// the same critical section as a concurrent Open's lookup-and-increment
// (spec.md §8 invariant 3). Run with -race to catch a reintroduced gap.
func TestConcurrentOpenCloseKeepsSingleHandleInvariant(t *testing.T) {
	reg := newTestRegistry(t, 64)
	reg.Allocator().MarkRange(0, 1, true)
	Create(reg.Cache(), 0, 0)

	const goroutines = 32
	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h := reg.Open(0)
				if h.Sector() != 0 {
					t.Errorf("Open returned handle for wrong sector: %d", h.Sector())
				}
				h.Close()
			}
		}()
	}
	wg.Wait()

	reg.mu.Lock()
	_, stillOpen := reg.open[0]
	reg.mu.Unlock()
	assert.False(t, stillOpen, "registry should have no outstanding handle once every Open has a matching Close")
}

func TestAdvisoryLockIsExclusiveForWriters(t *testing.T) {
	reg := newTestRegistry(t, 64)
	Create(reg.Cache(), 0, 0)
	h := reg.Open(0)
	defer h.Close()

	h.LockWrite()
	unlocked := make(chan struct{})
	go func() {
		h.LockRead()
		close(unlocked)
		h.UnlockRead()
	}()
	select {
	case <-unlocked:
		t.Fatal("reader acquired lock while writer held it")
	default:
	}
	h.UnlockWrite()
	<-unlocked
}
