// Package swaptbl implements the swap slot allocator backing page
// eviction, grounded on the original swaptbl.c: a bitmap of occupied
// slots over a dedicated block device, one slot per page, allocated on
// Store and freed on Load.
package swaptbl

import (
	"sync"

	"ulfs/blockdev"
	"ulfs/errs"
)

// PageSize is the size of one virtual page, matching the reference
// implementation's PGSIZE.
const PageSize = 4096

// SectorsPerPage is the number of device sectors one page occupies.
const SectorsPerPage = PageSize / blockdev.SectorSize

// Table is the swap slot allocator over a single block device.
type Table struct {
	mu       sync.Mutex
	dev      blockdev.Device
	occupied []bool
}

// New builds a swap table over dev, with one slot per SectorsPerPage
// sectors the device holds.
func New(dev blockdev.Device) *Table {
	slots := int(dev.Size()) / SectorsPerPage
	return &Table{dev: dev, occupied: make([]bool, slots)}
}

// Store writes page (exactly PageSize bytes) to a free slot and returns
// its index for a later Load. It is a fatal error (matching the
// reference's PANIC) to run out of swap space.
func (t *Table) Store(page []byte) int {
	if len(page) != PageSize {
		errs.Fatalf(errs.InvariantViolation, "swap: page must be %d bytes", PageSize)
	}
	t.mu.Lock()
	slot := -1
	for i, used := range t.occupied {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		t.mu.Unlock()
		errs.Fatalf(errs.SwapExhausted, "swap: no free slots (%d total)", len(t.occupied))
	}
	t.occupied[slot] = true
	t.mu.Unlock()

	for i := 0; i < SectorsPerPage; i++ {
		sec := uint32(slot*SectorsPerPage + i)
		off := i * blockdev.SectorSize
		t.dev.Write(sec, page[off:off+blockdev.SectorSize])
	}
	return slot
}

// Load reads slot's contents into page and frees the slot. If page is
// nil, the slot is freed without being read, matching the reference's
// discard-only path used when an orphaned swapped mapping is destroyed.
func (t *Table) Load(page []byte, slot int) {
	if page != nil {
		if len(page) != PageSize {
			errs.Fatalf(errs.InvariantViolation, "swap: page must be %d bytes", PageSize)
		}
		for i := 0; i < SectorsPerPage; i++ {
			sec := uint32(slot*SectorsPerPage + i)
			off := i * blockdev.SectorSize
			t.dev.Read(sec, page[off:off+blockdev.SectorSize])
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.occupied) || !t.occupied[slot] {
		errs.Fatalf(errs.InvariantViolation, "swap: slot %d not occupied", slot)
	}
	t.occupied[slot] = false
}
