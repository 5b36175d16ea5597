// Package frame implements the physical frame table backing page
// eviction, grounded on the original frametbl.c: a fixed pool of
// page-sized buffers, each guarded by a binary-semaphore-style pin, a
// clock-style victim scan that favors the lowest decayed access age,
// and a periodic Tick that ages every frame's recorded accessed bit.
//
// The reference implementation reads hardware accessed/dirty bits from
// the CPU's page tables; this port has no such hardware, so the
// Evictable interface exposes an explicit TryResetAccessed hook that
// the owning supplemental page table drives instead.
package frame

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// PageSize is the size in bytes of one frame, matching the reference
// implementation's PGSIZE.
const PageSize = 4096

var background = context.Background()

// Evictable is implemented by whatever owns the mapping installed into
// a frame (the supplemental page table). Evict is called with the
// frame's pin already held and must release it before returning.
type Evictable interface {
	// TryResetAccessed reports and clears the mapping's accessed bit
	// without blocking, returning 0 or 1, or -1 if the mapping is
	// currently locked by someone else.
	TryResetAccessed() int
	// Evict writes back or swaps out the frame's contents and frees it.
	Evict()
}

type entry struct {
	pin     *semaphore.Weighted
	mapping Evictable
	age     uint8
	buf     [PageSize]byte
}

// Frame is a pinned handle to one physical frame.
type Frame struct {
	t *Table
	e *entry
}

// Bytes returns the frame's backing buffer.
func (f *Frame) Bytes() []byte { return f.e.buf[:] }

// Install associates m with this frame, so that a later eviction scan
// can call back into it.
func (f *Frame) Install(m Evictable) { f.e.mapping = m }

// TryPin attempts to pin the frame without blocking.
func (f *Frame) TryPin() bool { return f.e.pin.TryAcquire(1) }

// Unpin releases the frame's pin.
func (f *Frame) Unpin() { f.e.pin.Release(1) }

// Empty clears the frame's mapping and returns it to the free list. The
// caller must already hold the frame's pin; Empty releases it.
func (f *Frame) Empty() {
	t := f.t
	t.mu.Lock()
	f.e.mapping = nil
	f.e.age = 0
	f.e.pin.Release(1)
	t.unused = append(t.unused, f.e)
	t.mu.Unlock()
}

// Table is the fixed-size pool of physical frames.
type Table struct {
	mu      sync.Mutex
	entries []*entry
	unused  []*entry
	hand    int
}

// New builds a frame table with numFrames frames, all initially free.
func New(numFrames int) *Table {
	t := &Table{entries: make([]*entry, numFrames)}
	for i := range t.entries {
		e := &entry{pin: semaphore.NewWeighted(1)}
		t.entries[i] = e
		t.unused = append(t.unused, e)
	}
	return t
}

// Tick ages a slice [block, block+1) of numBlocks equal slices of the
// table, halving each frame's recorded age and folding in its current
// accessed bit at the top. Meant to be driven by a periodic timer at a
// modest rate (the reference calls it once per scheduler tick sliced
// across NUM_BLOCKS calls per full pass).
func (t *Table) Tick(block, numBlocks int) {
	n := len(t.entries)
	start := n * block / numBlocks
	end := n * (block + 1) / numBlocks
	for i := start; i < end; i++ {
		e := t.entries[i]
		if e.mapping == nil {
			continue
		}
		a := e.mapping.TryResetAccessed()
		if a != -1 && e.pin.TryAcquire(1) {
			e.age = e.age>>1 | uint8(a)<<7
			e.pin.Release(1)
		}
	}
}

// frameToEvict runs the clock scan: starting from a rotating hand,
// pick the pinnable frame with the lowest age, preferring later indices
// on ties (matching the reference's >= comparison) except that the first
// age-0 frame found is taken at once, and retry the full table if every
// frame was transiently pinned.
func (t *Table) frameToEvict() *entry {
	for {
		t.mu.Lock()
		hand := t.hand
		t.hand++
		n := len(t.entries)
		t.mu.Unlock()

		var best *entry
		bestAge := -1
		for i := 0; i < n; i++ {
			e := t.entries[(i+hand)%n]
			if !e.pin.TryAcquire(1) {
				continue
			}
			if best == nil || int(e.age) <= bestAge {
				if best != nil {
					best.pin.Release(1)
				}
				bestAge = int(e.age)
				best = e
			} else {
				e.pin.Release(1)
			}
			if bestAge == 0 {
				return best
			}
		}
		if best != nil {
			return best
		}
	}
}

// GetFrame returns a pinned frame ready for immediate use, evicting a
// victim first if the pool is exhausted. The caller must eventually
// call either Unpin (to keep the frame's mapping installed) or Empty
// (to discard it).
func (t *Table) GetFrame() *Frame {
	t.mu.Lock()
	for len(t.unused) == 0 {
		t.mu.Unlock()
		victim := t.frameToEvict()
		if victim.mapping != nil {
			victim.mapping.Evict()
		} else {
			victim.pin.Release(1)
		}
		t.mu.Lock()
	}
	e := t.unused[len(t.unused)-1]
	t.unused = t.unused[:len(t.unused)-1]
	t.mu.Unlock()
	e.pin.Acquire(background, 1)
	return &Frame{t: t, e: e}
}
