// Package vmsys wires the frame table, supplemental page table, and
// swap table into one virtual memory subsystem, and runs the periodic
// aging sweep that drives clock eviction. It also implements
// memory-mapped files, grounded on mappings.c's MAP_START/hasfile
// handling and exposed here as MapFile/Unmap.
package vmsys

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"ulfs/blockdev"
	"ulfs/errs"
	"ulfs/frame"
	"ulfs/spt"
	"ulfs/swaptbl"
)

// TickHz is the cadence of the background frame-aging sweep.
const TickHz = 4

// NumAgeBlocks is how many slices the frame table is divided into per
// full aging pass, spreading the scan across multiple ticks instead of
// pausing on one long scan.
const NumAgeBlocks = 8

// System owns the shared frame pool and swap table backing every
// address space (Space) created from it.
type System struct {
	frames *frame.Table
	swap   *swaptbl.Table

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New builds a vmsys System with numFrames physical frames and a swap
// table over swapDev.
func New(numFrames int, swapDev blockdev.Device) *System {
	return &System{
		frames: frame.New(numFrames),
		swap:   swaptbl.New(swapDev),
	}
}

// Run starts the background aging sweep; it stops when ctx is
// cancelled or Stop is called. Safe to call at most once.
func (s *System) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	s.g = g
	g.Go(func() error {
		t := time.NewTicker(time.Second / TickHz)
		defer t.Stop()
		block := 0
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				s.frames.Tick(block, NumAgeBlocks)
				block = (block + 1) % NumAgeBlocks
			}
		}
	})
}

// Stop cancels the background aging sweep and waits for it to exit.
func (s *System) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.g.Wait()
}

// NewSpace creates a fresh, empty supplemental page table sharing this
// system's frame pool and swap table.
func (s *System) NewSpace() *spt.Table {
	return spt.New(s.frames, s.swap)
}

// Space is a convenience alias so callers outside this package can name
// the per-address-space page table type without importing spt
// directly.
type Space = spt.Table

// MapFile installs a read-only or writable file-backed mapping spanning
// the bytes [ofs, ofs+size) of backing at virtual pages
// [startPage, startPage+pageCount), marking startPage as the mapping's
// start page. size must not exceed pageCount*frame.PageSize. Grounded
// on the reference's do_mmap/MAP_START handling, generalized from a
// single page to an arbitrary run since this port has no fixed-size
// user address space to bound it to.
func MapFile(space *spt.Table, startPage uint64, pageCount int, backing spt.Backing, ofs int64, size int64, writable bool) error {
	if pageCount <= 0 {
		return errs.New(errs.InvalidName, "")
	}
	remaining := size
	for i := 0; i < pageCount; i++ {
		page := startPage + uint64(i)
		chunk := remaining
		if chunk > frame.PageSize {
			chunk = frame.PageSize
		}
		if chunk < 0 {
			chunk = 0
		}
		flags := spt.SetFlags(0)
		if writable {
			flags |= spt.FlagWrite | spt.FlagFileWritable
		}
		if i == 0 {
			flags |= spt.FlagMapStart
		}
		if err := space.SetPage(page, flags, backing, ofs+int64(i)*frame.PageSize, int(chunk)); err != nil {
			for j := 0; j < i; j++ {
				space.ClearPage(startPage + uint64(j))
			}
			return err
		}
		remaining -= chunk
	}
	return nil
}

// Unmap tears down a file mapping previously installed by MapFile,
// flushing any dirty writable pages back to their file.
func Unmap(space *spt.Table, startPage uint64, pageCount int) {
	for i := 0; i < pageCount; i++ {
		space.ClearPage(startPage + uint64(i))
	}
}
