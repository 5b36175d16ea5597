// Package falloc implements the free-sector bitmap allocator backing the
// file system's data region, grounded on the original free-map.c: scan
// and flip runs of zero bits for allocation, assert-then-clear for
// release. The bitmap buffer lives in the cache's dedicated free-map
// region (acquired/released outside the normal eviction machinery).
package falloc

import (
	"ulfs/bcache"
	"ulfs/errs"
)

// Allocator mutates the on-disk free-sector bitmap through the cache's
// free-map buffer. All operations are atomic with respect to each other
// via the cache's free-map mutex (acquired/released on each call).
type Allocator struct {
	cache *bcache.Cache
	nbits uint32
}

// New wraps the cache's free-map buffer as a bit-addressable allocator
// over nbits sectors (the size of the file-system device).
func New(cache *bcache.Cache, nbits uint32) *Allocator {
	return &Allocator{cache: cache, nbits: nbits}
}

func (a *Allocator) withBuf(f func(buf []byte)) {
	buf := a.cache.AcquireFreeMap()
	defer a.cache.ReleaseFreeMap()
	f(buf)
}

func bitSet(buf []byte, bit uint32) bool {
	return buf[bit/8]&(1<<(bit%8)) != 0
}

func setBit(buf []byte, bit uint32, v bool) {
	if v {
		buf[bit/8] |= 1 << (bit % 8)
	} else {
		buf[bit/8] &^= 1 << (bit % 8)
	}
}

// scanAndFlip finds the first run of cnt consecutive clear bits starting
// at or after start, sets them, and returns the start index, or ok=false
// if no such run exists.
func scanAndFlip(buf []byte, nbits, start, cnt uint32) (uint32, bool) {
	if cnt == 0 {
		return start, true
	}
	run := uint32(0)
	for i := start; i < nbits; i++ {
		if bitSet(buf, i) {
			run = 0
			continue
		}
		run++
		if run == cnt {
			first := i - cnt + 1
			for b := first; b <= i; b++ {
				setBit(buf, b, true)
			}
			return first, true
		}
	}
	return 0, false
}

func lowestClear(buf []byte, nbits uint32) (uint32, bool) {
	for i := uint32(0); i < nbits; i++ {
		if !bitSet(buf, i) {
			return i, true
		}
	}
	return 0, false
}

// Allocate finds cnt consecutive free sectors, marks them used, and
// returns the first sector index.
func (a *Allocator) Allocate(cnt uint32) (uint32, error) {
	var sector uint32
	var ok bool
	a.withBuf(func(buf []byte) {
		sector, ok = scanAndFlip(buf, a.nbits, 0, cnt)
	})
	if !ok {
		return 0, errs.New(errs.NoSpace, "")
	}
	return sector, nil
}

// Get allocates a single free sector (the lowest-numbered clear bit).
func (a *Allocator) Get() (uint32, error) {
	var sector uint32
	var found bool
	a.withBuf(func(buf []byte) {
		sector, found = lowestClear(buf, a.nbits)
		if found {
			setBit(buf, sector, true)
		}
	})
	if !found {
		return 0, errs.New(errs.NoSpace, "")
	}
	return sector, nil
}

// Release makes cnt sectors starting at sector available again. It
// panics (InvariantViolation) if any bit in the range was already clear,
// matching free_map_release's ASSERT(bitmap_all(...)).
func (a *Allocator) Release(sector, cnt uint32) {
	a.withBuf(func(buf []byte) {
		for b := sector; b < sector+cnt; b++ {
			if !bitSet(buf, b) {
				errs.Fatalf(errs.InvariantViolation, "releasing unallocated sector %d", b)
			}
		}
		for b := sector; b < sector+cnt; b++ {
			setBit(buf, b, false)
		}
	})
}

// BitmapBufSize returns the byte size of a bitmap buffer large enough to
// address nbits sectors.
func BitmapBufSize(nbits uint32) int {
	return int((nbits + 7) / 8)
}

// MarkRange sets cnt bits starting at start to used, unconditionally.
// Used by format to reserve the root-inode and free-map sectors up
// front, mirroring free_map_create's direct bitmap_mark/bitmap_set_multiple
// calls (which bypass the allocate/release invariant checks).
func (a *Allocator) MarkRange(start, cnt uint32, used bool) {
	a.withBuf(func(buf []byte) {
		for b := start; b < start+cnt; b++ {
			setBit(buf, b, used)
		}
	})
}
