// Package bcache implements the bounded, concurrent sector cache that
// sits between the inode layer and the block device: read-through,
// write-back, clock-style eviction, a best-effort read-ahead queue, and a
// periodic write-behind flusher. It is grounded on the same design as the
// teacher's fs package buffer cache (blk.go), generalized to 512-byte
// sectors and to the cache/free-map split this stack requires.
package bcache

import (
	"sync"
	"sync/atomic"
	"time"

	"ulfs/blockdev"
	"ulfs/errs"
	"ulfs/util"
)

// Capacity is the number of slots in the cache, not counting the
// dedicated free-map buffer.
const Capacity = 64

// ReadAheadQueueSize bounds the best-effort read-ahead request queue.
const ReadAheadQueueSize = 16

// WriteBehindHz is the cadence of the background write-behind flusher.
const WriteBehindHz = 10

// InvalidSector is the sentinel accepted by Read and Acquire(ModeRead):
// it yields a zero-filled buffer without consuming a slot.
const InvalidSector = 0xFFFFFFFF

const neverAccessed = ^uint64(0)

// Mode selects how a slot is locked for the duration of an Acquire.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// AcquireFlags modify Acquire's behavior.
type AcquireFlags int

const (
	FlagNone   AcquireFlags = 0
	FlagNoLoad AcquireFlags = 1 << 0
)

// slot is one entry of the sector cache.
type slot struct {
	evict   sync.Mutex   // eviction lock: held while selecting in-use vs evictable
	pinCnt  atomic.Int32 // incremented only while holding evict, per cache_pin
	content sync.RWMutex // content lock guarding buf
	mode    Mode         // debug-only: mode under which content is currently held

	sector uint32
	buf    [blockdev.SectorSize]byte

	canReadMu sync.Mutex
	canRead   bool

	dirty        bool
	free         bool
	lastAccessed uint64
}

func newSlot() *slot {
	return &slot{free: true, lastAccessed: neverAccessed}
}

func (s *slot) pin() {
	s.evict.Lock()
	s.pinCnt.Add(1)
	s.evict.Unlock()
}

func (s *slot) tryPin() bool {
	if !s.evict.TryLock() {
		return false
	}
	s.pinCnt.Add(1)
	s.evict.Unlock()
	return true
}

func (s *slot) unpin() {
	if s.pinCnt.Add(-1) < 0 {
		errs.Fatalf(errs.InvariantViolation, "sector %d: pin count went negative", s.sector)
	}
}

func (s *slot) tryPinEvict() bool {
	if s.pinCnt.Load() != 0 {
		return false
	}
	return s.evict.TryLock()
}

func (s *slot) unpinEvict() {
	s.evict.Unlock()
}

// Handle is a held reference to a slot's buffer, returned by Acquire.
type Handle struct {
	c    *Cache
	s    *slot
	mode Mode
}

// Bytes returns the live buffer backing this handle. It remains valid
// until Release is called.
func (h *Handle) Bytes() []byte { return h.s.buf[:] }

// Release releases the slot in whichever mode it was acquired.
func (h *Handle) Release() {
	h.c.release(h.s, h.mode)
}

// Stats reports cache-wide counters for observability tooling.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Evicts  uint64
	Flushes uint64
}

// Cache is the bounded sector cache over a single block device.
type Cache struct {
	mu        sync.Mutex // cache-wide lock, guards index + clockHand
	dev       blockdev.Device
	index     map[uint32]*slot
	entries   [Capacity]*slot
	clockHand int
	closed    bool
	clock     atomic.Uint64

	freeMapMu    sync.Mutex
	freeMapBuf   []byte
	freeMapDirty bool
	freeMapStart uint32
	freeMapLen   uint32

	raQueue chan uint32
	stopCh  chan struct{}
	wg      sync.WaitGroup

	stats struct {
		hits, misses, evicts, flushes atomic.Uint64
	}
}

// New builds a cache over dev with freeMapBuf as the dedicated, out-of-
// band free-map buffer occupying sectors [freeMapStart, freeMapStart+n).
// It starts the read-ahead and write-behind background workers.
func New(dev blockdev.Device, freeMapBuf []byte, freeMapStart, freeMapLen uint32) *Cache {
	c := &Cache{
		dev:          dev,
		index:        make(map[uint32]*slot, Capacity),
		freeMapBuf:   freeMapBuf,
		freeMapStart: freeMapStart,
		freeMapLen:   freeMapLen,
		raQueue:      make(chan uint32, ReadAheadQueueSize),
		stopCh:       make(chan struct{}),
	}
	for i := range c.entries {
		c.entries[i] = newSlot()
	}
	for i := uint32(0); i < freeMapLen; i++ {
		dev.Read(freeMapStart+i, freeMapBuf[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize])
	}
	c.wg.Add(2)
	go c.writeBehindLoop()
	go c.readAheadLoop()
	return c
}

func (c *Cache) isFreeMapSector(sector uint32) bool {
	return sector >= c.freeMapStart && sector < c.freeMapStart+c.freeMapLen
}

// Read copies the 512-byte contents of sector into out. Passing
// InvalidSector yields a zero-filled buffer and touches no slot.
func (c *Cache) Read(sector uint32, out []byte) {
	if sector == InvalidSector {
		for i := range out {
			out[i] = 0
		}
		return
	}
	h := c.Acquire(sector, ModeRead, FlagNone)
	copy(out, h.Bytes())
	h.Release()
}

// Write copies in into the slot for sector, marking it dirty and loaded.
func (c *Cache) Write(sector uint32, in []byte) {
	h := c.Acquire(sector, ModeWrite, FlagNone)
	copy(h.Bytes(), in)
	h.s.dirty = true
	h.Release()
}

// Acquire returns a handle to sector's buffer, locked in the given mode.
// FlagNoLoad elides the disk read (contents are undefined until written)
// and, like a write acquire, forces write-mode locking.
func (c *Cache) Acquire(sector uint32, mode Mode, flags AcquireFlags) *Handle {
	if sector == InvalidSector && mode == ModeRead && flags == FlagNone {
		// Caller wants the zero sentinel; route through Read's fast path
		// instead of consuming a slot.
		return &Handle{c: c, s: zeroSlot(), mode: ModeRead}
	}
	if c.closed {
		errs.Fatalf(errs.InvariantViolation, "cache: acquire after shutdown")
	}
	if c.isFreeMapSector(sector) {
		errs.Fatalf(errs.InvariantViolation, "sector %d belongs to the free-map region", sector)
	}
	noload := flags&FlagNoLoad != 0
	if noload {
		mode = ModeWrite
	}

	s := c.lookupOrInstall(sector)

	if mode == ModeWrite {
		s.content.Lock()
	} else {
		s.content.RLock()
	}
	s.mode = mode
	if mode == ModeWrite {
		s.dirty = true
	}
	if noload {
		c.markReadable(s)
	} else {
		c.ensureReadable(s)
	}
	return &Handle{c: c, s: s, mode: mode}
}

var zeroSlotOnce sync.Once
var zeroSlotVal *slot

func zeroSlot() *slot {
	zeroSlotOnce.Do(func() { zeroSlotVal = newSlot() })
	return zeroSlotVal
}

func (c *Cache) release(s *slot, mode Mode) {
	if s == zeroSlot() {
		return
	}
	s.lastAccessed = c.clock.Add(1)
	if mode == ModeWrite {
		s.content.Unlock()
	} else {
		s.content.RUnlock()
	}
	s.unpin()
}

// lookupOrInstall implements the cache's lookup/install algorithm under
// the cache-wide lock: find-and-pin, wait-for-evictor-and-retry, or
// evict-and-install.
func (c *Cache) lookupOrInstall(sector uint32) *slot {
	c.mu.Lock()
	for {
		if s, ok := c.index[sector]; ok {
			if s.tryPin() {
				c.mu.Unlock()
				c.stats.hits.Add(1)
				return s
			}
			// Someone else is evicting this slot; wait for them to
			// finish and retry the lookup from scratch.
			c.mu.Unlock()
			s.pin()
			s.unpin()
			c.mu.Lock()
			continue
		}
		s := c.getFree()
		s.sector = sector
		s.lastAccessed = neverAccessed
		s.canRead = false
		s.pinCnt.Store(1)
		c.index[sector] = s
		s.free = false
		s.evict.Unlock()
		c.mu.Unlock()
		c.stats.misses.Add(1)
		return s
	}
}

// getFree returns a slot ready to be installed, evicting a victim if the
// free list is empty. Caller holds c.mu; returns with s.evict held.
func (c *Cache) getFree() *slot {
	s := c.evictVictim()
	if !s.free {
		delete(c.index, s.sector)
		s.free = true
		c.stats.evicts.Add(1)
	}
	if s.dirty {
		errs.Fatalf(errs.InvariantViolation, "sector %d: victim still dirty after clean", s.sector)
	}
	return s
}

// evictVictim runs the clock scan described in §4.1: accept a slot whose
// eviction pin is obtainable and whose last_accessed is NEVER; otherwise
// age it by one rotation. Dirty victims are written back while holding
// only the eviction pin, not the cache-wide lock.
func (c *Cache) evictVictim() *slot {
	for i := 0; ; i++ {
		idx := (c.clockHand + i) % Capacity
		s := c.entries[idx]
		if !s.tryPinEvict() {
			continue
		}
		if s.free {
			c.clockHand = (idx + 1) % Capacity
			return s
		}
		if s.lastAccessed != neverAccessed {
			s.lastAccessed = neverAccessed
			s.unpinEvict()
			continue
		}
		if s.dirty {
			c.mu.Unlock()
			c.clean(s)
			c.mu.Lock()
		}
		if s.dirty {
			errs.Fatalf(errs.InvariantViolation, "sector %d: pinned-for-eviction slot still dirty", s.sector)
		}
		c.clockHand = (idx + 1) % Capacity
		return s
	}
}

// clean writes a dirty slot back to disk. Must be called without holding
// the cache-wide lock; the caller holds either the slot's eviction pin
// (eviction) or an in-use pin (blocking Flush).
func (c *Cache) clean(s *slot) {
	s.content.RLock()
	if s.dirty {
		c.dev.Write(s.sector, s.buf[:])
		s.dirty = false
		c.stats.flushes.Add(1)
	}
	s.content.RUnlock()
}

func (c *Cache) ensureReadable(s *slot) {
	s.canReadMu.Lock()
	defer s.canReadMu.Unlock()
	if !s.canRead {
		c.dev.Read(s.sector, s.buf[:])
		s.canRead = true
	}
}

func (c *Cache) markReadable(s *slot) {
	s.canReadMu.Lock()
	s.canRead = true
	s.canReadMu.Unlock()
}

// RequestReadAhead enqueues sector for the background read-ahead worker.
// Enqueue is best-effort: if the queue is full, the request is silently
// dropped, matching the reference policy (§4.1, §9).
func (c *Cache) RequestReadAhead(sector uint32) {
	if sector == InvalidSector {
		return
	}
	select {
	case c.raQueue <- sector:
	default:
	}
}

func (c *Cache) readAheadLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case sector := <-c.raQueue:
			if c.closed {
				return
			}
			h := c.Acquire(sector, ModeRead, FlagNone)
			h.Release()
		}
	}
}

func (c *Cache) writeBehindLoop() {
	defer c.wg.Done()
	period := time.Second / WriteBehindHz
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.closed {
				return
			}
			c.Flush(false)
		}
	}
}

// AcquireFreeMap returns the dedicated free-map buffer, bypassing the
// eviction machinery entirely, per §4.1's "special region" carve-out.
func (c *Cache) AcquireFreeMap() []byte {
	c.freeMapMu.Lock()
	return c.freeMapBuf
}

// ReleaseFreeMap releases the free-map buffer and marks it dirty.
func (c *Cache) ReleaseFreeMap() {
	c.freeMapDirty = true
	c.freeMapMu.Unlock()
}

// Flush writes back all dirty slots. If blocking is false, slots
// currently held are skipped rather than waited for.
func (c *Cache) Flush(blocking bool) {
	for _, s := range c.entries {
		if blocking {
			s.pin()
			c.clean(s)
			s.unpin()
		} else if s.tryPin() {
			// Skip a slot whose content lock a writer holds right now.
			if s.content.TryRLock() {
				if s.dirty {
					c.dev.Write(s.sector, s.buf[:])
					s.dirty = false
					c.stats.flushes.Add(1)
				}
				s.content.RUnlock()
			}
			s.unpin()
		}
	}
	if c.freeMapDirty {
		c.freeMapMu.Lock()
		for i := uint32(0); i < c.freeMapLen; i++ {
			c.dev.Write(c.freeMapStart+i, c.freeMapBuf[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize])
		}
		c.freeMapDirty = false
		c.freeMapMu.Unlock()
	}
}

// Shutdown flushes all dirty state blocking, then rejects further calls.
func (c *Cache) Shutdown() {
	c.freeMapDirty = true
	c.Flush(true)
	c.closed = true
	close(c.stopCh)
	c.wg.Wait()
}

// CacheStats returns a snapshot of the hit/miss/evict/flush counters.
func (c *Cache) CacheStats() Stats {
	return Stats{
		Hits:    c.stats.hits.Load(),
		Misses:  c.stats.misses.Load(),
		Evicts:  c.stats.evicts.Load(),
		Flushes: c.stats.flushes.Load(),
	}
}

// FreeMapSectors computes ceil(bitmapBufSize / SectorSize), the number of
// sectors the free-map bitmap occupies on disk.
func FreeMapSectors(bitmapBufSize int) uint32 {
	return uint32(util.DivRoundUp(bitmapBufSize, blockdev.SectorSize))
}
