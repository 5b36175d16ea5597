// Package spt implements the supplemental page table: the mapping from
// a virtual page identity to where its contents live (anonymous,
// file-backed, or swapped out), and the load/evict machinery that
// drives the frame table. Grounded on the original mappings.c.
//
// The reference implementation keys mappings by real user virtual
// addresses and reads hardware accessed/dirty bits. This port has
// neither a real address space nor an MMU, so mappings are keyed by an
// arbitrary caller-chosen uint64 (a page index is the natural choice),
// and the accessed/dirty bits are explicit fields the caller updates
// through MarkAccessed/MarkDirty instead of the CPU setting them.
package spt

import (
	"sync"

	"ulfs/errs"
	"ulfs/frame"
	"ulfs/swaptbl"
)

// Backing is the file interface a file-backed mapping reads from and,
// if writable, writes back to on eviction. inode.Handle satisfies it.
type Backing interface {
	ReadAt(buf []byte, offset int64) int
	WriteAt(buf []byte, offset int64) int
}

// SetFlags controls how SetPage installs a new mapping.
type SetFlags int

const (
	FlagWrite SetFlags = 1 << iota
	FlagStack
	FlagMapStart
	// FlagFileWritable marks a file-backed mapping as writable back to
	// its file on eviction, rather than falling back to swap.
	FlagFileWritable
)

type mapping struct {
	lock sync.Mutex

	page     uint64
	writable bool
	isStack  bool
	mapStart bool

	present  bool
	accessed bool
	dirty    bool
	orphaned bool
	swapped  bool
	swapSlot int

	hasFile  bool
	fwrite   bool
	file     Backing
	fileOfs  int64
	fileSize int

	frame   *frame.Frame
	swapTbl *swaptbl.Table
}

// Table is one address space's supplemental page table.
type Table struct {
	mu       sync.Mutex
	mappings map[uint64]*mapping
	frames   *frame.Table
	swap     *swaptbl.Table
}

// New builds an empty page table backed by the given frame pool and
// swap table.
func New(frames *frame.Table, swap *swaptbl.Table) *Table {
	return &Table{mappings: make(map[uint64]*mapping), frames: frames, swap: swap}
}

func (t *Table) lookup(page uint64) *mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mappings[page]
}

// SetPage records where page's contents should come from, without
// loading them into a frame yet. Fails only if page is already mapped.
func (t *Table) SetPage(page uint64, flags SetFlags, backing Backing, fileOfs int64, fileSize int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.mappings[page]; exists {
		return errs.New(errs.AlreadyExists, "")
	}

	m := &mapping{
		page:     page,
		writable: flags&FlagWrite != 0,
		isStack:  flags&FlagStack != 0,
		mapStart: flags&FlagMapStart != 0,
		swapTbl:  t.swap,
	}
	if backing != nil && fileSize > 0 {
		m.hasFile = true
		m.fwrite = flags&FlagFileWritable != 0
		m.file = backing
		m.fileOfs = fileOfs
		m.fileSize = fileSize
	}
	t.mappings[page] = m
	return nil
}

// SetStackPage records an anonymous, writable stack page.
func (t *Table) SetStackPage(page uint64) error {
	return t.SetPage(page, FlagWrite|FlagStack, nil, 0, 0)
}

// IsMapped reports whether page has a mapping recorded.
func (t *Table) IsMapped(page uint64) bool { return t.lookup(page) != nil }

// IsWriteable reports whether page is mapped and writable.
func (t *Table) IsWriteable(page uint64) bool {
	m := t.lookup(page)
	return m != nil && m.writable
}

// IsMappable reports whether page has no mapping yet (so SetPage would
// succeed barring a race).
func (t *Table) IsMappable(page uint64) bool { return t.lookup(page) == nil }

// IsStack reports whether page is a stack page.
func (t *Table) IsStack(page uint64) bool {
	m := t.lookup(page)
	return m != nil && m.isStack
}

// IsMappingStart reports whether page begins a file mapping.
func (t *Table) IsMappingStart(page uint64) bool {
	m := t.lookup(page)
	return m != nil && m.mapStart
}

func loadAnonymousPage() []byte {
	return make([]byte, frame.PageSize)
}

func loadFilePage(m *mapping) []byte {
	buf := make([]byte, frame.PageSize)
	n := m.file.ReadAt(buf[:m.fileSize], m.fileOfs)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return buf
}

func loadSwapPage(swap *swaptbl.Table, m *mapping) []byte {
	buf := make([]byte, frame.PageSize)
	swap.Load(buf, m.swapSlot)
	return buf
}

// LoadPage loads page's contents into a freshly pinned frame,
// installing the mapping so a later eviction scan can reach it back.
// page must already have a mapping (via SetPage) with no frame loaded.
func (t *Table) LoadPage(page uint64) *frame.Frame {
	m := t.lookup(page)
	if m == nil {
		errs.Fatalf(errs.InvariantViolation, "spt: load of unmapped page %d", page)
	}
	return t.loadLocked(m, true)
}

func (t *Table) loadLocked(m *mapping, acquireLock bool) *frame.Frame {
	if acquireLock {
		m.lock.Lock()
	}
	var buf []byte
	switch {
	case m.hasFile:
		buf = loadFilePage(m)
	case m.swapped:
		buf = loadSwapPage(t.swap, m)
	default:
		buf = loadAnonymousPage()
	}

	fr := t.frames.GetFrame()
	copy(fr.Bytes(), buf)
	fr.Install(m)
	m.frame = fr
	m.present = true
	if acquireLock {
		m.lock.Unlock()
	}
	return fr
}

// SetLoadStackPage installs and immediately loads a new stack page,
// returning the pinned frame, or nil if page was already mapped.
func (t *Table) SetLoadStackPage(page uint64) *frame.Frame {
	if !t.IsMappable(page) {
		return nil
	}
	if err := t.SetStackPage(page); err != nil {
		return nil
	}
	return t.LoadPage(page)
}

func evictToFile(m *mapping) {
	buf := m.frame.Bytes()[:m.fileSize]
	m.file.WriteAt(buf, m.fileOfs)
}

// Evict implements frame.Evictable for a mapping: write back or swap
// out its contents and release the frame. Called by the frame table
// with the frame already pinned.
func (m *mapping) Evict() {
	fr := m.frame
	m.lock.Lock()
	if m.orphaned {
		m.freeLocked()
		return
	}

	m.present = false
	dirty := m.dirty
	m.dirty = false

	if dirty || m.swapped {
		switch {
		case m.hasFile && m.fwrite:
			evictToFile(m)
		case m.hasFile && !m.fwrite:
			m.hasFile = false
			m.swapped = true
			m.swapSlot = m.swapStore(fr.Bytes())
		default:
			m.swapped = true
			m.swapSlot = m.swapStore(fr.Bytes())
		}
	}

	m.frame = nil
	fr.Empty()
	m.lock.Unlock()
}

func (m *mapping) swapStore(buf []byte) int {
	// m.swapTbl is the owning Table's swap table, recorded at SetPage time.
	return m.swapTbl.Store(buf)
}

// freeLocked releases every resource an orphaned, unmapped mapping
// still owns. Caller holds m.lock.
func (m *mapping) freeLocked() {
	if m.hasFile && m.fwrite {
		// Nothing further to close: Backing ownership belongs to the
		// caller that supplied it via SetPage.
	}
	if m.swapped && !m.present {
		m.swapTbl.Load(nil, m.swapSlot)
	}
	if m.present && m.frame != nil {
		m.frame.Empty()
	}
	m.lock.Unlock()
}

// TryResetAccessed implements frame.Evictable: reports and clears the
// mapping's accessed bit without blocking.
func (m *mapping) TryResetAccessed() int {
	if m.orphaned {
		return 0
	}
	if !m.lock.TryLock() {
		return -1
	}
	a := 0
	if m.accessed {
		a = 1
		m.accessed = false
	}
	m.lock.Unlock()
	return a
}

// MarkAccessed records that page was touched, for the frame table's
// aging scan. Callers that read or write a loaded page's bytes should
// call this (and MarkDirty for writes) since there is no hardware MMU
// to do it for them.
func (t *Table) MarkAccessed(page uint64) {
	m := t.lookup(page)
	if m == nil {
		return
	}
	m.lock.Lock()
	m.accessed = true
	m.lock.Unlock()
}

// MarkDirty records that page's frame contents were modified.
func (t *Table) MarkDirty(page uint64) {
	m := t.lookup(page)
	if m == nil {
		return
	}
	m.lock.Lock()
	m.dirty = true
	m.lock.Unlock()
}

// ClearPage removes page's mapping entirely. If it currently holds a
// frame, the mapping is orphaned and only actually freed on its next
// eviction pass; otherwise it is freed immediately.
func (t *Table) ClearPage(page uint64) {
	t.mu.Lock()
	m, ok := t.mappings[page]
	if !ok {
		t.mu.Unlock()
		errs.Fatalf(errs.InvariantViolation, "spt: clear of unmapped page %d", page)
	}
	delete(t.mappings, page)
	t.mu.Unlock()

	m.destroy()
}

func (m *mapping) destroy() {
	m.lock.Lock()
	if m.present {
		m.orphaned = true
		if m.hasFile && m.fwrite && m.dirty {
			evictToFile(m)
		}
		m.lock.Unlock()
		return
	}
	m.freeLocked()
}

// Destroy tears down every mapping in the table, orphaning those still
// resident and freeing the rest immediately.
func (t *Table) Destroy() {
	t.mu.Lock()
	all := make([]*mapping, 0, len(t.mappings))
	for _, m := range t.mappings {
		all = append(all, m)
	}
	t.mappings = make(map[uint64]*mapping)
	t.mu.Unlock()

	for _, m := range all {
		m.destroy()
	}
}

// PinPages loads (if necessary) and pins the frames backing pages,
// blocking until each is resident. Every page must already be mapped.
func (t *Table) PinPages(pages []uint64) {
	for _, p := range pages {
		m := t.lookup(p)
		if m == nil {
			errs.Fatalf(errs.InvariantViolation, "spt: pin of unmapped page %d", p)
		}
		m.lock.Lock()
		if m.frame == nil {
			t.loadLocked(m, false)
			m.lock.Unlock()
			continue
		}
		if !m.frame.TryPin() {
			errs.Fatalf(errs.InvariantViolation, "spt: frame for page %d already pinned", p)
		}
		m.lock.Unlock()
	}
}

// UnpinPages unpins the frames backing pages, which must already be
// mapped and pinned.
func (t *Table) UnpinPages(pages []uint64) {
	for _, p := range pages {
		m := t.lookup(p)
		if m == nil || m.frame == nil {
			errs.Fatalf(errs.InvariantViolation, "spt: unpin of non-resident page %d", p)
		}
		m.frame.Unpin()
	}
}
