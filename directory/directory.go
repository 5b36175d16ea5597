// Package directory implements directories as files of fixed-size
// entries, grounded on the original directory.c: each entry packs a
// 14-byte name with a 14-bit sector number and two flag bits into one
// 16-byte record, "." and ".." are synthetic entries added at creation
// time and hidden from Readdir, and every multi-step operation holds
// the backing inode's advisory lock for its full duration.
package directory

import (
	"ulfs/errs"
	"ulfs/inode"
)

// NameMax is the longest name (not counting the implicit / separator)
// storable in one entry.
const NameMax = 14

const entrySize = 16
const selfStr = "."
const parentStr = ".."

// DefaultEntryCnt is the number of entries a freshly created directory
// reserves space for.
const DefaultEntryCnt = 16

// RootSector is the fixed sector of the root directory's inode.
const RootSector = 0

type entry struct {
	buf [entrySize]byte
}

func (e *entry) name() string {
	n := 0
	for n < NameMax && e.buf[n] != 0 {
		n++
	}
	return string(e.buf[:n])
}

func (e *entry) setName(name string) {
	if len(name) > NameMax {
		panic("directory: name too long")
	}
	for i := range e.buf[:NameMax] {
		e.buf[i] = 0
	}
	copy(e.buf[:], name)
}

func (e *entry) packed() uint16 {
	return uint16(e.buf[NameMax]) | uint16(e.buf[NameMax+1])<<8
}

func (e *entry) setPacked(v uint16) {
	e.buf[NameMax] = byte(v)
	e.buf[NameMax+1] = byte(v >> 8)
}

func (e *entry) sector() uint32 { return uint32(e.packed() & 0x3FFF) }
func (e *entry) inUse() bool    { return e.packed()&(1<<14) != 0 }
func (e *entry) isDir() bool    { return e.packed()&(1<<15) != 0 }

func (e *entry) set(sector uint32, inUse, isDir bool) {
	v := uint16(sector & 0x3FFF)
	if inUse {
		v |= 1 << 14
	}
	if isDir {
		v |= 1 << 15
	}
	e.setPacked(v)
}

// Dir is an open directory: a handle to its backing inode plus a
// read cursor used by Readdir.
type Dir struct {
	inode *inode.Handle
	pos   int64
}

// Create writes a fresh directory inode at sector with space for
// entryCnt entries, then seeds it with "." (pointing at itself) and
// ".." (pointing at parent). The two seed entries are added before
// decrementing the live-child counter they bumped, so a freshly
// created empty directory reports zero children.
func Create(reg *inode.Registry, sector uint32, entryCnt int, parent uint32) error {
	inode.Create(reg.Cache(), sector, int32(entryCnt*entrySize))

	h := reg.Open(sector)
	defer h.Close()
	d := &Dir{inode: h}

	if err := d.add(selfStr, sector, true); err != nil {
		return err
	}
	if err := d.add(parentStr, parent, true); err != nil {
		return err
	}
	h.CounterAdd(-2)
	return nil
}

// CreateRoot creates the root directory at RootSector, parented to
// itself.
func CreateRoot(reg *inode.Registry) error {
	return Create(reg, RootSector, DefaultEntryCnt, RootSector)
}

// Open wraps an already-open inode handle as a directory. Ownership of
// h transfers to the returned Dir; Close releases it.
func Open(h *inode.Handle) *Dir {
	return &Dir{inode: h}
}

// OpenRoot opens the root directory.
func OpenRoot(reg *inode.Registry) *Dir {
	return Open(reg.Open(RootSector))
}

// Reopen returns a second independent Dir over the same inode.
func (d *Dir) Reopen() *Dir {
	d.inode.Reopen()
	return &Dir{inode: d.inode}
}

// Close releases the directory's inode handle.
func (d *Dir) Close() { d.inode.Close() }

// Inode returns the backing inode handle.
func (d *Dir) Inode() *inode.Handle { return d.inode }

func readEntry(h *inode.Handle, ofs int64) (entry, bool) {
	var e entry
	n := h.ReadAt(e.buf[:], ofs)
	return e, n == entrySize
}

// lookup scans for name under the caller's own lock discipline (callers
// must already hold the inode lock in the appropriate mode).
func lookup(h *inode.Handle, name string) (entry, int64, bool) {
	var ofs int64
	for {
		e, ok := readEntry(h, ofs)
		if !ok {
			return entry{}, 0, false
		}
		if e.inUse() && e.name() == name {
			return e, ofs, true
		}
		ofs += entrySize
	}
}

// Lookup searches for name, returning the child's sector and whether it
// is itself a directory.
func (d *Dir) Lookup(name string) (sector uint32, isDir bool, ok bool) {
	d.inode.LockRead()
	defer d.inode.UnlockRead()
	e, _, found := lookup(d.inode, name)
	if !found {
		return 0, false, false
	}
	return e.sector(), e.isDir(), true
}

func (d *Dir) add(name string, sector uint32, isDir bool) error {
	if name == "" || len(name) > NameMax {
		return errs.New(errs.InvalidName, name)
	}
	if _, _, found := lookup(d.inode, name); found {
		return errs.New(errs.AlreadyExists, name)
	}

	var ofs int64
	var e entry
	for {
		var ok bool
		e, ok = readEntry(d.inode, ofs)
		if !ok || !e.inUse() {
			break
		}
		ofs += entrySize
	}

	e.setName(name)
	e.set(sector, true, isDir)
	if n := d.inode.WriteAt(e.buf[:], ofs); n != entrySize {
		return errs.New(errs.NoSpace, name)
	}
	d.inode.CounterAdd(1)
	return nil
}

// Add inserts a new entry named name pointing at sector. It fails if
// name already exists, is empty, or exceeds NameMax.
func (d *Dir) Add(name string, sector uint32, isDir bool) error {
	d.inode.LockWrite()
	defer d.inode.UnlockWrite()
	return d.add(name, sector, isDir)
}

// Remove deletes the entry named name and marks its inode for removal.
// A directory is refused (InvalidName, entry kept) unless it is empty
// and not open elsewhere. "." and ".." may not be removed.
func (d *Dir) Remove(reg *inode.Registry, name string) error {
	if name == selfStr || name == parentStr {
		return errs.New(errs.InvalidName, name)
	}

	d.inode.LockWrite()
	defer d.inode.UnlockWrite()

	e, ofs, found := lookup(d.inode, name)
	if !found {
		return errs.New(errs.NotFound, name)
	}

	child := reg.Open(e.sector())
	defer child.Close()

	if e.isDir() {
		// A directory may only be removed while empty and not open
		// elsewhere: open_cnt <= 1 (this handle) and no live children.
		if child.OpenCnt() > 1 || child.Counter() != 0 {
			return errs.New(errs.InvalidName, name)
		}
	}

	e.set(e.sector(), false, e.isDir())
	d.inode.WriteAt(e.buf[:], ofs)

	child.Remove()
	d.inode.CounterAdd(-1)
	return nil
}

// Readdir returns the next non-synthetic entry name in iteration order,
// or ok=false once exhausted. "." and ".." are never returned.
func (d *Dir) Readdir() (name string, ok bool) {
	d.inode.LockRead()
	defer d.inode.UnlockRead()
	for {
		e, readOk := readEntry(d.inode, d.pos)
		if !readOk {
			return "", false
		}
		d.pos += entrySize
		if e.inUse() && e.name() != selfStr && e.name() != parentStr {
			return e.name(), true
		}
	}
}

// Rename moves the entry named oldName in d to newName in dst,
// preserving its target sector and directory flag. It is a
// supplemental operation (not present verbatim in the reference
// implementation): it fails if newName already exists in dst or
// oldName is not found in d, and does not prevent creating a cycle by
// moving a directory into its own descendant; bpath.Rename does not
// check for that either. The new entry is written before the old one is
// freed, so a failed write leaves the old entry in place.
func (d *Dir) Rename(reg *inode.Registry, oldName string, dst *Dir, newName string) error {
	if oldName == selfStr || oldName == parentStr {
		return errs.New(errs.InvalidName, oldName)
	}

	first, second := d, dst
	sameDir := d.inode.Sector() == dst.inode.Sector()
	if !sameDir && d.inode.Sector() > dst.inode.Sector() {
		first, second = dst, d
	}
	first.inode.LockWrite()
	if !sameDir {
		second.inode.LockWrite()
		defer second.inode.UnlockWrite()
	}
	defer first.inode.UnlockWrite()

	e, ofs, found := lookup(d.inode, oldName)
	if !found {
		return errs.New(errs.NotFound, oldName)
	}
	if _, _, exists := lookup(dst.inode, newName); exists {
		return errs.New(errs.AlreadyExists, newName)
	}
	if newName == "" || len(newName) > NameMax {
		return errs.New(errs.InvalidName, newName)
	}

	var ne entry
	ne.setName(newName)
	ne.set(e.sector(), true, e.isDir())

	var wofs int64
	for {
		cur, ok := readEntry(dst.inode, wofs)
		if !ok || !cur.inUse() {
			break
		}
		wofs += entrySize
	}
	if n := dst.inode.WriteAt(ne.buf[:], wofs); n != entrySize {
		return errs.New(errs.NoSpace, newName)
	}
	dst.inode.CounterAdd(1)

	e.set(e.sector(), false, e.isDir())
	d.inode.WriteAt(e.buf[:], ofs)
	d.inode.CounterAdd(-1)
	return nil
}
