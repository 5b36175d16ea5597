// Package bpath resolves textual paths against an open directory,
// grounded on filesys.c's locate_dir/locate_parent pair: a path
// starting with '/' (or given no working directory) resolves from the
// root; otherwise each '/'-separated component is looked up in turn,
// failing as soon as a non-final component is missing or is not itself
// a directory.
package bpath

import (
	"strings"

	"ulfs/directory"
	"ulfs/errs"
	"ulfs/falloc"
	"ulfs/inode"
)

// LocateDir walks path's directory components (every component if path
// has no trailing element to split off, as used by OpenDir) starting
// from wd, or from the root if path is absolute or wd is nil. The
// caller owns the returned Dir and must Close it.
func LocateDir(reg *inode.Registry, path string, wd *directory.Dir) (*directory.Dir, error) {
	abs := (len(path) > 0 && path[0] == '/') || wd == nil

	var cur *directory.Dir
	if abs {
		cur = directory.OpenRoot(reg)
	} else {
		cur = wd.Reopen()
	}

	for _, comp := range splitComponents(path) {
		sector, isDir, ok := cur.Lookup(comp)
		if !ok || !isDir {
			cur.Close()
			return nil, errs.New(errs.NotFound, comp)
		}
		next := directory.Open(reg.Open(sector))
		cur.Close()
		cur = next
	}
	return cur, nil
}

func splitComponents(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LocateParent splits path into its final component and the directory
// that should contain it, resolving every component up to the last.
// The returned directory must be closed by the caller. It fails if path
// is empty, ends in '/', or any intermediate component fails to
// resolve.
func LocateParent(reg *inode.Registry, path string, wd *directory.Dir) (name string, dir *directory.Dir, err error) {
	if path == "" {
		return "", nil, errs.New(errs.InvalidName, path)
	}
	if strings.HasSuffix(path, "/") {
		return "", nil, errs.New(errs.InvalidName, path)
	}

	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		if wd != nil {
			return path, wd.Reopen(), nil
		}
		return path, directory.OpenRoot(reg), nil
	}

	parentPath := path[:idx]
	if idx == 0 {
		// path[0] == '/' here (idx is the position of the last '/', and
		// the only way it can be 0 is a single leading slash with no
		// other slash before the final component, e.g. "/sub"). Keep
		// that leading slash so LocateDir's abs check still sees it and
		// resolves from root regardless of wd, matching
		// filesys_locate_dir's abs = (*path == '/') on the full string.
		parentPath = "/"
	}
	d, err := LocateDir(reg, parentPath, wd)
	if err != nil {
		return "", nil, err
	}
	return path[idx+1:], d, nil
}

// Kind distinguishes what Open resolved to.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// OpenInode resolves path to its backing inode, also reporting whether
// it is a directory. The caller must Close the returned handle.
func OpenInode(reg *inode.Registry, path string, wd *directory.Dir) (*inode.Handle, bool, error) {
	name, dir, err := LocateParent(reg, path, wd)
	if err != nil {
		return nil, false, err
	}
	defer dir.Close()

	sector, isDir, ok := dir.Lookup(name)
	if !ok {
		return nil, false, errs.New(errs.NotFound, path)
	}
	return reg.Open(sector), isDir, nil
}

// OpenDir resolves path to a directory, failing unless that path names
// one (or is the empty-suffix root case). The caller must Close the
// result.
func OpenDir(reg *inode.Registry, path string, wd *directory.Dir) (*directory.Dir, error) {
	if path == "" {
		return nil, errs.New(errs.InvalidName, path)
	}
	return LocateDir(reg, path, wd)
}

// Open resolves path the way a trailing slash would force in the
// reference implementation: a trailing '/' requires a directory result,
// otherwise the final component's own type decides.
func Open(reg *inode.Registry, path string, wd *directory.Dir) (h *inode.Handle, kind Kind, err error) {
	if path == "" {
		return nil, 0, errs.New(errs.InvalidName, path)
	}
	if strings.HasSuffix(path, "/") {
		d, err := OpenDir(reg, path, wd)
		if err != nil {
			return nil, 0, err
		}
		// d wraps a single inode reference and owns nothing else; hand
		// that reference straight to the caller instead of Reopen-ing
		// a second one and leaking d's, per Dir.Open's ownership-
		// transfer contract.
		return d.Inode(), KindDir, nil
	}
	hh, isDir, err := OpenInode(reg, path, wd)
	if err != nil {
		return nil, 0, err
	}
	if isDir {
		return hh, KindDir, nil
	}
	return hh, KindFile, nil
}

// Create allocates an inode sector and links it into path's parent
// directory under its final component. isDir selects between a plain
// file (initialSize bytes) and a directory (with default entry-table
// space). Any partially-allocated sector is released on failure,
// mirroring filesys_create's unwind-on-error path.
func Create(reg *inode.Registry, alloc *falloc.Allocator, path string, initialSize int64, isDir bool, wd *directory.Dir) error {
	name, dir, err := LocateParent(reg, path, wd)
	if err != nil {
		return err
	}
	defer dir.Close()

	sector, err := alloc.Get()
	if err != nil {
		return err
	}

	success := false
	inodeWritten := false
	defer func() {
		if success {
			return
		}
		if inodeWritten {
			// Frees any data sectors the new inode already holds (a
			// directory's seed entries) together with the inode sector.
			h := reg.Open(sector)
			h.Remove()
			h.Close()
		} else {
			alloc.Release(sector, 1)
		}
	}()

	inodeWritten = true
	if isDir {
		parentSector := dir.Inode().Sector()
		if err := directory.Create(reg, sector, directory.DefaultEntryCnt, parentSector); err != nil {
			return err
		}
	} else {
		inode.Create(reg.Cache(), sector, int32(initialSize))
	}

	if err := dir.Add(name, sector, isDir); err != nil {
		return err
	}
	success = true
	return nil
}

// Remove deletes the entry named by path's final component, refusing to
// remove a directory that is non-empty or open elsewhere (matching
// filesys_remove's racy open_cnt/counter check, preserved here rather
// than fixed since later opens between the check and the unlink are
// inherent to the reference design).
func Remove(reg *inode.Registry, path string, wd *directory.Dir) error {
	name, dir, err := LocateParent(reg, path, wd)
	if err != nil {
		return err
	}
	defer dir.Close()

	sector, isDir, ok := dir.Lookup(name)
	if !ok {
		return errs.New(errs.NotFound, path)
	}

	if isDir {
		h := reg.Open(sector)
		h.LockWrite()
		openOK := h.OpenCnt() <= 1 && h.Counter() == 0
		h.UnlockWrite()
		h.Close()
		if !openOK {
			return errs.New(errs.InvalidName, path)
		}
	}
	return dir.Remove(reg, name)
}

// Rename moves the file or directory at oldPath to newPath, which may
// name a different parent directory. Supplemental operation absent from
// the reference implementation: see directory.Dir.Rename for its
// invariants.
func Rename(reg *inode.Registry, oldPath, newPath string, wd *directory.Dir) error {
	oldName, oldDir, err := LocateParent(reg, oldPath, wd)
	if err != nil {
		return err
	}
	defer oldDir.Close()

	newName, newDir, err := LocateParent(reg, newPath, wd)
	if err != nil {
		return err
	}
	defer newDir.Close()

	return oldDir.Rename(reg, oldName, newDir, newName)
}
