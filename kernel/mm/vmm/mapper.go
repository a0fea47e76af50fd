package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// noExecuteEnabled is set once EFER.NXE is on. Until then the NX bit is
	// reserved and must not be written to page table entries.
	noExecuteEnabled bool

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errPageAlreadyMapped  = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errPageNotMapped      = &kernel.Error{Module: "vmm", Message: "page is not mapped"}
	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page frame is not aligned to its size"}
	errRangeSizeMismatch  = &kernel.Error{Module: "vmm", Message: "page and frame ranges have different sizes"}
)

// EnableNoExecute allows FlagNoExecute to reach page table entries. It must be
// called after the CPU has been switched to a mode that honors the NX bit.
func EnableNoExecute() {
	noExecuteEnabled = true
}

// TranslationKind describes how a virtual page is mapped.
type TranslationKind uint8

const (
	// Unmapped indicates that no mapping exists for the page.
	Unmapped TranslationKind = iota

	// Page4K indicates a regular mapping through a P1 entry.
	Page4K

	// Page2M indicates that the page belongs to a 2M page mapped by a P2 entry.
	Page2M

	// Page1G indicates that the page belongs to a 1G page mapped by a P3 entry.
	Page1G
)

// Translation describes the frame that backs a virtual page.
type Translation struct {
	Kind TranslationKind

	// The frame that backs the page. Only valid if Kind != Unmapped.
	Frame mm.Frame
}

// Mapper manipulates the page table tree that is reachable through the
// recursive P4 slot of the currently loaded P4 table. A Mapper can only be
// obtained through an ActivePageTable.
type Mapper struct {
	p4Addr uintptr
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !mm.IsCanonical(virtAddr) {
		return 0, ErrInvalidMapping
	}

	t := m.TranslatePage(mm.PageFromAddress(virtAddr))
	if t.Kind == Unmapped {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return t.Frame.Address() + mm.PageOffset(virtAddr), nil
}

// TranslatePage returns the frame that backs page. Huge page leaves at the P3
// and P2 levels are decoded by adding the lower table indices of the page to
// the leaf frame. A huge leaf whose frame is not aligned to the size of the
// huge page is a corrupted table and causes a panic.
func (m *Mapper) TranslatePage(page mm.Page) Translation {
	p3Addr, ok := nextTable(levelP4, m.p4Addr, page.P4Index())
	if !ok {
		return Translation{Kind: Unmapped}
	}

	p3Entry := tableAt(p3Addr)[page.P3Index()]
	if p3Entry.HasFlags(FlagPresent | FlagHugePage) {
		base := p3Entry.Frame()
		if base%hugePageFrames1G != 0 {
			panic(errMisalignedHugePage)
		}
		return Translation{
			Kind:  Page1G,
			Frame: base + mm.Frame(page.P2Index()*entriesPerTable+page.P1Index()),
		}
	}

	p2Addr, ok := nextTable(levelP3, p3Addr, page.P3Index())
	if !ok {
		return Translation{Kind: Unmapped}
	}

	p2Entry := tableAt(p2Addr)[page.P2Index()]
	if p2Entry.HasFlags(FlagPresent | FlagHugePage) {
		base := p2Entry.Frame()
		if base%hugePageFrames2M != 0 {
			panic(errMisalignedHugePage)
		}
		return Translation{Kind: Page2M, Frame: base + mm.Frame(page.P1Index())}
	}

	p1Addr, ok := nextTable(levelP2, p2Addr, page.P2Index())
	if !ok {
		return Translation{Kind: Unmapped}
	}

	p1Entry := tableAt(p1Addr)[page.P1Index()]
	if !p1Entry.HasFlags(FlagPresent) {
		return Translation{Kind: Unmapped}
	}

	return Translation{Kind: Page4K, Frame: p1Entry.Frame()}
}

// MapTo establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated from alloc. FlagPresent is
// always added to flags.
//
// Mapping a page that is already mapped causes a panic.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	if !noExecuteEnabled {
		flags &^= FlagNoExecute
	}

	tableAddr := m.p4Addr
	for level := levelP4; level < levelP1; level++ {
		var err *kernel.Error
		if tableAddr, err = nextTableCreate(tableAddr, tableIndex(page, level), flags, alloc); err != nil {
			return err
		}
	}

	entry := &tableAt(tableAddr)[page.P1Index()]
	if !entry.IsUnused() {
		panic(errPageAlreadyMapped)
	}

	entry.set(frame, flags|FlagPresent)
	flushTLBEntryFn(page.Address())
	return nil
}

// Map allocates a frame and maps page to it.
func (m *Mapper) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := mm.AllocFrame(alloc)
	if err != nil {
		return err
	}

	return m.MapTo(page, frame, flags, alloc)
}

// MapRange allocates a physically contiguous run of frames and maps each
// page in pages to the frame at the same position in the run. The run is
// returned to alloc if mapping fails.
func (m *Mapper) MapRange(pages mm.PageRange, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frames, err := alloc.AllocFrames(pages.Count())
	if err != nil {
		return err
	}

	if err = m.MapRangeTo(pages, frames, flags, alloc); err != nil {
		alloc.FreeFrames(frames)
		return err
	}

	return nil
}

// MapRangeTo maps each page in pages to the frame at the same position in
// frames. It is primarily used to map device memory. If a mapping fails, the
// pages mapped so far are unmapped again before the error is returned.
func (m *Mapper) MapRangeTo(pages mm.PageRange, frames mm.FrameRange, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	if pages.Count() != frames.Count() {
		return errRangeSizeMismatch
	}

	frame := frames.Start
	for page := pages.Start; page <= pages.End; page, frame = page+1, frame+1 {
		if err := m.MapTo(page, frame, flags, alloc); err != nil {
			for mapped := pages.Start; mapped < page; mapped++ {
				m.unmap(mapped)
			}
			return err
		}
	}

	return nil
}

// IdentityMap maps the page whose number equals frame to frame.
func (m *Mapper) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return m.MapTo(mm.Page(frame), frame, flags, alloc)
}

// Unmap removes the mapping for page, flushes its TLB entry and returns the
// frame that backed it to alloc. Intermediate tables are kept even if they
// become empty.
//
// Unmapping a page that is not mapped causes a panic.
func (m *Mapper) Unmap(page mm.Page, alloc mm.FrameAllocator) {
	mm.FreeFrame(alloc, m.unmap(page))
}

// UnmapRange unmaps each page in pages.
func (m *Mapper) UnmapRange(pages mm.PageRange, alloc mm.FrameAllocator) {
	for page := pages.Start; page <= pages.End; page++ {
		m.Unmap(page, alloc)
	}
}

// unmap clears the P1 entry for page and returns the frame it pointed to.
func (m *Mapper) unmap(page mm.Page) mm.Frame {
	switch m.TranslatePage(page).Kind {
	case Unmapped:
		panic(errPageNotMapped)
	case Page2M, Page1G:
		panic(errNoHugePageSupport)
	}

	tableAddr := m.p4Addr
	for level := levelP4; level < levelP1; level++ {
		tableAddr, _ = nextTable(level, tableAddr, tableIndex(page, level))
	}

	entry := &tableAt(tableAddr)[page.P1Index()]
	frame := entry.Frame()
	entry.SetUnused()
	flushTLBEntryFn(page.Address())

	return frame
}

// P4Entry returns the contents of a P4 slot. Together with SetP4Entry it
// allows sharing top-level subtrees (e.g. the kernel) between trees.
func (m *Mapper) P4Entry(index uintptr) PageTableEntry {
	return tableAt(m.p4Addr)[index]
}

// SetP4Entry overwrites a P4 slot.
func (m *Mapper) SetP4Entry(index uintptr, entry PageTableEntry) {
	tableAt(m.p4Addr)[index] = entry
}
