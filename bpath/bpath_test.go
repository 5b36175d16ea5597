package bpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulfs/bcache"
	"ulfs/blockdev"
	"ulfs/directory"
	"ulfs/errs"
	"ulfs/falloc"
	"ulfs/inode"
)

type testFS struct {
	reg   *inode.Registry
	alloc *falloc.Allocator
}

func newTestFS(t *testing.T, dataSectors uint32) *testFS {
	t.Helper()
	bufSize := falloc.BitmapBufSize(dataSectors)
	freeMapLen := bcache.FreeMapSectors(bufSize)
	total := dataSectors + freeMapLen
	dev := blockdev.NewMemDevice("test", blockdev.RoleFilesys, blockdev.SectorCount(total))
	freeMapBuf := make([]byte, int(freeMapLen)*blockdev.SectorSize)
	c := bcache.New(dev, freeMapBuf, dataSectors, freeMapLen)
	t.Cleanup(c.Shutdown)
	alloc := falloc.New(c, dataSectors)
	alloc.MarkRange(directory.RootSector, 1, true)
	reg := inode.NewRegistry(c, alloc)
	require.NoError(t, directory.CreateRoot(reg))
	return &testFS{reg: reg, alloc: alloc}
}

func TestCreateFileAtRootThenOpen(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "a.txt", 0, false, nil))

	h, kind, err := Open(fs.reg, "a.txt", nil)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, KindFile, kind)
}

func TestCreateNestedDirectoriesThenFile(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "sub", 0, true, nil))
	require.NoError(t, Create(fs.reg, fs.alloc, "sub/nested", 0, true, nil))
	require.NoError(t, Create(fs.reg, fs.alloc, "sub/nested/f.txt", 0, false, nil))

	h, kind, err := Open(fs.reg, "sub/nested/f.txt", nil)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, KindFile, kind)
}

func TestOpenMissingComponentFails(t *testing.T) {
	fs := newTestFS(t, 64)
	_, _, err := Open(fs.reg, "missing/f.txt", nil)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestOpenThroughNonDirectoryComponentFails(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "plain.txt", 0, false, nil))
	_, _, err := Open(fs.reg, "plain.txt/nested", nil)
	assert.Error(t, err)
}

func TestOpenTrailingSlashForcesDirectoryKind(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "sub", 0, true, nil))

	h, kind, err := Open(fs.reg, "sub/", nil)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, KindDir, kind)
}

func TestCreateDuplicatePathFails(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "a.txt", 0, false, nil))
	err := Create(fs.reg, fs.alloc, "a.txt", 0, false, nil)
	assert.Error(t, err)
}

func TestCreateUnwindsAllocationOnFailure(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "a.txt", 0, false, nil))

	before, err := fs.alloc.Get()
	require.NoError(t, err)
	fs.alloc.Release(before, 1)

	err = Create(fs.reg, fs.alloc, "a.txt", 0, false, nil)
	assert.Error(t, err)

	after, err := fs.alloc.Get()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveFileUnlinksEntry(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "a.txt", 0, false, nil))
	require.NoError(t, Remove(fs.reg, "a.txt", nil))

	_, _, err := Open(fs.reg, "a.txt", nil)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRemoveNonexistentFails(t *testing.T) {
	fs := newTestFS(t, 64)
	err := Remove(fs.reg, "missing.txt", nil)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRenameMovesAcrossDirectories(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "src", 0, true, nil))
	require.NoError(t, Create(fs.reg, fs.alloc, "dst", 0, true, nil))
	require.NoError(t, Create(fs.reg, fs.alloc, "src/f.txt", 0, false, nil))

	require.NoError(t, Rename(fs.reg, "src/f.txt", "dst/f.txt", nil))

	_, _, err := Open(fs.reg, "src/f.txt", nil)
	assert.True(t, errs.Is(err, errs.NotFound))

	h, _, err := Open(fs.reg, "dst/f.txt", nil)
	require.NoError(t, err)
	h.Close()
}

func TestLocateDirAbsolutePathIgnoresWorkingDir(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "sub", 0, true, nil))

	sub, err := LocateDir(fs.reg, "sub", nil)
	require.NoError(t, err)
	defer sub.Close()

	d, err := LocateDir(fs.reg, "/sub", sub)
	require.NoError(t, err)
	d.Close()
}

func TestLocateParentRejectsTrailingSlash(t *testing.T) {
	fs := newTestFS(t, 64)
	_, _, err := LocateParent(fs.reg, "sub/", nil)
	assert.Error(t, err)
}

// A single-component absolute path's parent is root regardless of wd:
// LocateParent("/sub", wd) must resolve "sub"'s parent from root even
// when wd names some other directory, matching filesys_locate_parent
// passing the full path (and its leading '/') through to
// filesys_locate_dir rather than stripping it off first.
func TestLocateParentSingleComponentAbsoluteIgnoresWorkingDir(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "other", 0, true, nil))
	wd, err := LocateDir(fs.reg, "other", nil)
	require.NoError(t, err)
	defer wd.Close()

	require.NoError(t, Create(fs.reg, fs.alloc, "/sub", 0, true, wd))

	_, _, err = Open(fs.reg, "/sub", nil)
	require.NoError(t, err)

	_, _, err = Open(fs.reg, "other/sub", nil)
	assert.True(t, errs.Is(err, errs.NotFound))
}

// Open's trailing-slash branch must hand the caller exactly one open
// reference to the resolved directory's inode, not two: a single Close
// from the caller has to bring the handle's open count to zero.
func TestOpenTrailingSlashDoesNotLeakInodeReference(t *testing.T) {
	fs := newTestFS(t, 64)
	require.NoError(t, Create(fs.reg, fs.alloc, "sub", 0, true, nil))

	h, kind, err := Open(fs.reg, "sub/", nil)
	require.NoError(t, err)
	assert.Equal(t, KindDir, kind)
	assert.Equal(t, int32(1), h.OpenCnt())
	h.Close()

	h2, _, err := Open(fs.reg, "sub/", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h2.OpenCnt())
	h2.Close()
}
