// Package fsys is the top-level file system harness: it owns the
// block device, sector cache, free-sector allocator, and inode
// registry, and exposes the path-based operations a caller drives
// (create, open, remove, rename, format), grounded on the original
// filesys.c and on the Ufs_t harness pattern of one struct owning the
// device, the cache, and the root handle.
package fsys

import (
	"ulfs/bcache"
	"ulfs/blockdev"
	"ulfs/bpath"
	"ulfs/directory"
	"ulfs/errs"
	"ulfs/falloc"
	"ulfs/inode"
)

// FileSystem wires together every on-disk layer over a single block
// device. Path operations take the caller's working directory (nil for
// the root) for relative path resolution; FileSystem itself keeps none.
type FileSystem struct {
	dev   blockdev.Device
	cache *bcache.Cache
	alloc *falloc.Allocator
	reg   *inode.Registry
}

// Open mounts an already-formatted file system on dev. nbits is the
// device's total sector count, matching the bitmap the allocator was
// formatted with.
func Open(dev blockdev.Device) *FileSystem {
	nbits := uint32(dev.Size())
	bufSize := falloc.BitmapBufSize(nbits)
	freeMapLen := bcache.FreeMapSectors(bufSize)
	freeMapStart := uint32(1)

	freeMapBuf := make([]byte, int(freeMapLen)*blockdev.SectorSize)
	cache := bcache.New(dev, freeMapBuf, freeMapStart, freeMapLen)
	alloc := falloc.New(cache, nbits)
	reg := inode.NewRegistry(cache, alloc)

	return &FileSystem{dev: dev, cache: cache, alloc: alloc, reg: reg}
}

// Format writes a fresh free-sector bitmap (reserving the root
// directory's sector and the bitmap's own sectors) and creates the
// root directory, mirroring do_format's free_map_create +
// dir_create_root.
func Format(dev blockdev.Device) *FileSystem {
	fsys := Open(dev)
	fsys.alloc.MarkRange(directory.RootSector, 1, true)

	nbits := uint32(dev.Size())
	bufSize := falloc.BitmapBufSize(nbits)
	freeMapLen := bcache.FreeMapSectors(bufSize)
	freeMapStart := uint32(1)
	fsys.alloc.MarkRange(freeMapStart, freeMapLen, true)

	if err := directory.CreateRoot(fsys.reg); err != nil {
		errs.Fatalf(errs.Corrupt, "format: root directory creation failed: %v", err)
	}
	return fsys
}

// Sync flushes all dirty cache state to the underlying device.
func (f *FileSystem) Sync() { f.cache.Flush(true) }

// Shutdown flushes pending writes and stops background cache workers.
func (f *FileSystem) Shutdown() { f.cache.Shutdown() }

// Registry exposes the inode registry for layers (directory walking,
// vmsys file-backed mappings) that need to open inodes directly.
func (f *FileSystem) Registry() *inode.Registry { return f.reg }

// OpenRootDir opens the root directory.
func (f *FileSystem) OpenRootDir() *directory.Dir { return directory.OpenRoot(f.reg) }

// CreateFile creates an ordinary file at path (relative to wd, or
// absolute/root-relative if wd is nil) with the given initial size.
func (f *FileSystem) CreateFile(path string, initialSize int64, wd *directory.Dir) error {
	return bpath.Create(f.reg, f.alloc, path, initialSize, false, wd)
}

// CreateDir creates a directory at path.
func (f *FileSystem) CreateDir(path string, wd *directory.Dir) error {
	return bpath.Create(f.reg, f.alloc, path, 0, true, wd)
}

// OpenFile opens the ordinary file at path, failing if it names a
// directory instead.
func (f *FileSystem) OpenFile(path string, wd *directory.Dir) (*inode.Handle, error) {
	h, kind, err := bpath.Open(f.reg, path, wd)
	if err != nil {
		return nil, err
	}
	if kind == bpath.KindDir {
		h.Close()
		return nil, errs.New(errs.IsDir, path)
	}
	return h, nil
}

// OpenDir opens the directory at path, failing if it names a plain
// file instead.
func (f *FileSystem) OpenDir(path string, wd *directory.Dir) (*directory.Dir, error) {
	return bpath.OpenDir(f.reg, path, wd)
}

// Open resolves path to either a file handle or a directory, honoring
// a trailing '/' as forcing directory semantics, matching
// filesys_open.
func (f *FileSystem) Open(path string, wd *directory.Dir) (h *inode.Handle, isDir bool, err error) {
	hh, kind, err := bpath.Open(f.reg, path, wd)
	if err != nil {
		return nil, false, err
	}
	return hh, kind == bpath.KindDir, nil
}

// Remove deletes the file or empty, unopened directory named by path's
// final component.
func (f *FileSystem) Remove(path string, wd *directory.Dir) error {
	return bpath.Remove(f.reg, path, wd)
}

// Rename moves oldPath to newPath.
func (f *FileSystem) Rename(oldPath, newPath string, wd *directory.Dir) error {
	return bpath.Rename(f.reg, oldPath, newPath, wd)
}

// Stat describes a resolved path without opening it for I/O.
type Stat struct {
	Sector uint32
	Length int64
	IsDir  bool
}

// StatPath resolves path and reports its sector, length, and kind.
func (f *FileSystem) StatPath(path string, wd *directory.Dir) (Stat, error) {
	h, isDir, err := f.Open(path, wd)
	if err != nil {
		return Stat{}, err
	}
	defer h.Close()
	return Stat{Sector: h.Sector(), Length: h.Length(), IsDir: isDir}, nil
}
