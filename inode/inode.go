// Package inode implements growable files via direct and single-indirect
// sector indexing, with a shared in-core registry guaranteeing at most
// one handle per on-disk sector, an advisory reader/writer lock per
// inode, and atomic open/close refcounting. Grounded directly on the
// original inode.c, with one deliberate fix noted in DESIGN.md: the
// indirect-sector lookup no longer reads a cache field after releasing
// the buffer that backs it.
package inode

import (
	"sync"
	"sync/atomic"

	"ulfs/bcache"
	"ulfs/errs"
	"ulfs/falloc"
	"ulfs/util"
)

// Registry is the in-core inode registry: at most one Handle exists per
// sector at any time, looked up/installed atomically under mu.
type Registry struct {
	mu    sync.Mutex
	cache *bcache.Cache
	alloc *falloc.Allocator
	open  map[uint32]*Handle
}

// NewRegistry builds a registry bound to the given cache and allocator.
func NewRegistry(cache *bcache.Cache, alloc *falloc.Allocator) *Registry {
	return &Registry{cache: cache, alloc: alloc, open: make(map[uint32]*Handle)}
}

// Cache returns the sector cache backing this registry, for layers (such
// as directory creation) that need to format a fresh inode sector
// directly.
func (r *Registry) Cache() *bcache.Cache { return r.cache }

// Allocator returns the free-sector allocator backing this registry.
func (r *Registry) Allocator() *falloc.Allocator { return r.alloc }

// Handle is the unique in-core handle for one on-disk inode.
type Handle struct {
	reg          *Registry
	sector       uint32
	openCnt      atomic.Int32
	removed      atomic.Bool
	denyWriteCnt atomic.Int32
	lock         sync.RWMutex
}

// Create initializes a fresh on-disk inode of the given length at
// sector, setting every direct and indirect index to NoSector. Never fails
// (matching inode_create's contract: no disk sector is consumed here,
// only written).
func Create(cache *bcache.Cache, sector uint32, length int32) {
	h := cache.Acquire(sector, bcache.ModeWrite, bcache.FlagNoLoad)
	d := asDiskInode(h.Bytes())
	d.SetLength(length)
	d.SetMagic(Magic)
	d.SetCounter(0)
	for i := 0; i < NumDirect; i++ {
		d.SetDirect(i, NoSector)
	}
	for i := 0; i < NumIndirect; i++ {
		d.SetIndirect(i, NoSector)
	}
	h.Release()
}

// Open returns the unique in-core handle for sector, incrementing its
// open count if it already exists.
func (r *Registry) Open(sector uint32) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.open[sector]; ok {
		h.openCnt.Add(1)
		return h
	}
	h := &Handle{reg: r, sector: sector}
	h.openCnt.Store(1)
	r.open[sector] = h
	return h
}

// Sector returns the inode's on-disk sector number.
func (h *Handle) Sector() uint32 { return h.sector }

// Reopen adds one reference to this handle, mirroring inode_reopen: the
// caller now owns an additional Close. It returns h itself, since the
// registry guarantees one handle per sector.
func (h *Handle) Reopen() *Handle {
	h.openCnt.Add(1)
	return h
}

// OpenCnt returns the number of outstanding references to this handle.
func (h *Handle) OpenCnt() int32 { return h.openCnt.Load() }

// Remove marks the inode to be deleted once its last opener closes it.
func (h *Handle) Remove() { h.removed.Store(true) }

// Removed reports whether Remove has been called on this handle.
func (h *Handle) Removed() bool { return h.removed.Load() }

// Close decrements the open count; on the last close it removes the
// handle from the registry and, if Remove was called, frees every data
// sector reachable from it (direct, indirect, and the indirect sectors
// themselves) plus the inode sector.
func (h *Handle) Close() {
	h.reg.mu.Lock()
	last := h.openCnt.Add(-1) == 0
	if last {
		delete(h.reg.open, h.sector)
	}
	h.reg.mu.Unlock()
	if !last {
		return
	}

	if h.removed.Load() {
		h.freeAllSectors()
	}
}

func (h *Handle) freeAllSectors() {
	cache, alloc := h.reg.cache, h.reg.alloc

	hd := cache.Acquire(h.sector, bcache.ModeRead, bcache.FlagNone)
	d := asDiskInode(hd.Bytes())
	var directs [NumDirect]uint16
	for i := range directs {
		directs[i] = d.Direct(i)
	}
	var indirects [NumIndirect]uint16
	for i := range indirects {
		indirects[i] = d.Indirect(i)
	}
	hd.Release()

	for _, s := range directs {
		if s != NoSector {
			alloc.Release(uint32(s), 1)
		}
	}
	for _, s := range indirects {
		if s == NoSector {
			continue
		}
		sh := cache.Acquire(uint32(s), bcache.ModeRead, bcache.FlagNone)
		sn := asIndirectNode(sh.Bytes())
		var subs [IndirectNumDirect]uint16
		for i := range subs {
			subs[i] = sn.Direct(i)
		}
		sh.Release()
		for _, ss := range subs {
			if ss != NoSector {
				alloc.Release(uint32(ss), 1)
			}
		}
		alloc.Release(uint32(s), 1)
	}
	alloc.Release(h.sector, 1)
}

// LockRead/UnlockRead/LockWrite/UnlockWrite expose the advisory rwlock
// used by the directory layer to make multi-sector operations (entry
// insertion, counter updates) atomic with respect to other openers of
// the same inode. This is orthogonal to the cache's per-sector content
// lock.
func (h *Handle) LockRead()    { h.lock.RLock() }
func (h *Handle) UnlockRead()  { h.lock.RUnlock() }
func (h *Handle) LockWrite()   { h.lock.Lock() }
func (h *Handle) UnlockWrite() { h.lock.Unlock() }

// DenyWrite disables writes to the inode; may be called at most once per
// opener before a matching AllowWrite.
func (h *Handle) DenyWrite() {
	if n := h.denyWriteCnt.Add(1); n > h.openCnt.Load() {
		errs.Fatalf(errs.InvariantViolation, "sector %d: deny-write count exceeds open count", h.sector)
	}
}

// AllowWrite re-enables writes previously disabled by DenyWrite.
func (h *Handle) AllowWrite() {
	if n := h.denyWriteCnt.Add(-1); n < 0 {
		errs.Fatalf(errs.InvariantViolation, "sector %d: deny-write count went negative", h.sector)
	}
}

// Length returns the inode's current byte length.
func (h *Handle) Length() int64 {
	cache := h.reg.cache
	hd := cache.Acquire(h.sector, bcache.ModeRead, bcache.FlagNone)
	l := asDiskInode(hd.Bytes()).Length()
	hd.Release()
	return int64(l)
}

// Counter returns the caller-visible 32-bit counter (used by the
// directory layer to track live child entries).
func (h *Handle) Counter() int32 {
	cache := h.reg.cache
	hd := cache.Acquire(h.sector, bcache.ModeRead, bcache.FlagNone)
	c := asDiskInode(hd.Bytes()).Counter()
	hd.Release()
	return c
}

// CounterAdd atomically adds x to the counter under a cache write lock
// and returns the new value.
func (h *Handle) CounterAdd(x int32) int32 {
	cache := h.reg.cache
	hd := cache.Acquire(h.sector, bcache.ModeWrite, bcache.FlagNone)
	d := asDiskInode(hd.Bytes())
	c := d.Counter() + x
	d.SetCounter(c)
	hd.Release()
	return c
}

// byteToSector translates a byte offset into the data sector that holds
// it, optionally allocating missing sectors. It returns (0, false)
// if no sector is mapped at pos and either create is false or
// allocation failed.
//
// The reference implementation reads data->indirect[subnode_i] after
// releasing the cache buffer that backs it -- a stale read, since the
// buffer could be evicted and reused for a different sector in between.
// This port captures the value while still holding the lock instead.
func byteToSector(cache *bcache.Cache, alloc *falloc.Allocator, inodeSector uint32, pos int64, create bool) (uint32, bool) {
	secOff := int(pos / sectorSize)

	mode := bcache.ModeRead
	if create {
		mode = bcache.ModeWrite
	}
	h := cache.Acquire(inodeSector, mode, bcache.FlagNone)
	d := asDiskInode(h.Bytes())

	if secOff < NumDirect {
		allocated := false
		if create && d.Direct(secOff) == NoSector {
			if sec, err := alloc.Get(); err == nil {
				d.SetDirect(secOff, uint16(sec))
				allocated = true
			}
		}
		v := d.Direct(secOff)
		h.Release()
		if v == NoSector {
			return 0, false
		}
		if allocated {
			zeroSector(cache, uint32(v))
		}
		return uint32(v), true
	}

	subI := (secOff - NumDirect) / IndirectNumDirect
	subJ := (secOff - NumDirect) % IndirectNumDirect

	var sh *bcache.Handle
	var sub indirectNode

	if d.Indirect(subI) == NoSector {
		if !create {
			h.Release()
			return 0, false
		}
		sec, err := alloc.Get()
		if err != nil {
			h.Release()
			return 0, false
		}
		d.SetIndirect(subI, uint16(sec))
		h.Release()
		sh = cache.Acquire(sec, bcache.ModeWrite, bcache.FlagNoLoad)
		sub = asIndirectNode(sh.Bytes())
		for i := 0; i < IndirectNumDirect; i++ {
			sub.SetDirect(i, NoSector)
		}
	} else {
		indirectSector := uint32(d.Indirect(subI)) // captured before release
		h.Release()
		subMode := bcache.ModeRead
		if create {
			subMode = bcache.ModeWrite
		}
		sh = cache.Acquire(indirectSector, subMode, bcache.FlagNone)
		sub = asIndirectNode(sh.Bytes())
	}

	allocated := false
	if create && sub.Direct(subJ) == NoSector {
		if sec, err := alloc.Get(); err == nil {
			sub.SetDirect(subJ, uint16(sec))
			allocated = true
		}
	}
	v := sub.Direct(subJ)
	sh.Release()
	if v == NoSector {
		return 0, false
	}
	if allocated {
		zeroSector(cache, uint32(v))
	}
	return uint32(v), true
}

func zeroSector(cache *bcache.Cache, sector uint32) {
	var zero [sectorSize]byte
	cache.Write(sector, zero[:])
}

// ReadAt reads len(buf) bytes starting at offset, returning the number
// of bytes actually read (short of len(buf) at end of file).
func (h *Handle) ReadAt(buf []byte, offset int64) int {
	cache, alloc := h.reg.cache, h.reg.alloc
	size := int64(len(buf))
	var done int64
	for size > 0 {
		length := h.Length()
		inodeLeft := length - offset
		if inodeLeft <= 0 {
			break
		}
		sectorIdx, ok := byteToSector(cache, alloc, h.sector, offset, false)
		if !ok {
			break
		}
		sectorOfs := int(offset % sectorSize)
		if inodeLeft > sectorSize {
			next, ok := byteToSector(cache, alloc, h.sector, offset+sectorSize, false)
			if !ok {
				next = bcache.InvalidSector
			}
			cache.RequestReadAhead(next)
		}
		sectorLeft := int64(sectorSize - sectorOfs)
		minLeft := util.Min(inodeLeft, sectorLeft)
		chunk := util.Min(size, minLeft)
		if chunk <= 0 {
			break
		}
		if sectorOfs == 0 && chunk == sectorSize {
			cache.Read(sectorIdx, buf[done:done+chunk])
		} else {
			hd := cache.Acquire(sectorIdx, bcache.ModeRead, bcache.FlagNone)
			copy(buf[done:done+chunk], hd.Bytes()[sectorOfs:int64(sectorOfs)+chunk])
			hd.Release()
		}
		size -= chunk
		offset += chunk
		done += chunk
	}
	return int(done)
}

// WriteAt writes len(buf) bytes starting at offset, growing the inode's
// length if the write extends past it. If writes are currently denied,
// it returns 0 immediately.
func (h *Handle) WriteAt(buf []byte, offset int64) int {
	if h.denyWriteCnt.Load() > 0 {
		return 0
	}
	cache, alloc := h.reg.cache, h.reg.alloc
	size := int64(len(buf))
	var done int64
	for size > 0 {
		sectorIdx, ok := byteToSector(cache, alloc, h.sector, offset, true)
		if !ok {
			break
		}
		sectorOfs := int(offset % sectorSize)
		sectorLeft := int64(sectorSize - sectorOfs)
		chunk := util.Min(size, sectorLeft)
		if chunk <= 0 {
			break
		}
		if sectorOfs == 0 && chunk == sectorSize {
			cache.Write(sectorIdx, buf[done:done+chunk])
		} else {
			hd := cache.Acquire(sectorIdx, bcache.ModeWrite, bcache.FlagNone)
			copy(hd.Bytes()[sectorOfs:int64(sectorOfs)+chunk], buf[done:done+chunk])
			hd.Release()
		}
		size -= chunk
		offset += chunk
		done += chunk
	}
	hd := cache.Acquire(h.sector, bcache.ModeWrite, bcache.FlagNone)
	d := asDiskInode(hd.Bytes())
	if int64(d.Length()) < offset {
		d.SetLength(int32(offset))
	}
	hd.Release()
	return int(done)
}
