package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

var (
	errTemporaryPageInUse = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
)

// TemporaryPage is a reserved virtual page that can be pointed at an
// arbitrary physical frame. The kernel uses it to access page tables that
// belong to a tree which is not currently loaded.
type TemporaryPage struct {
	page mm.Page
}

// NewTemporaryPage returns a TemporaryPage backed by the reserved temporary
// mapping address.
func NewTemporaryPage() *TemporaryPage {
	return &TemporaryPage{page: mm.PageFromAddress(tempMappingAddr)}
}

// Page returns the virtual page used for the temporary mappings.
func (tp *TemporaryPage) Page() mm.Page {
	return tp.page
}

// Map points the temporary page to frame using mapper and returns the virtual
// address where the frame contents can be accessed. The temporary page must
// be unmapped before it can be mapped again.
func (tp *TemporaryPage) Map(frame mm.Frame, mapper *Mapper, alloc mm.FrameAllocator) (uintptr, *kernel.Error) {
	if mapper.TranslatePage(tp.page).Kind != Unmapped {
		panic(errTemporaryPageInUse)
	}

	if err := mapper.MapTo(tp.page, frame, FlagPresent|FlagRW, alloc); err != nil {
		return 0, err
	}

	return tp.page.Address(), nil
}

// mapTable maps frame and returns it as a page table.
func (tp *TemporaryPage) mapTable(frame mm.Frame, mapper *Mapper, alloc mm.FrameAllocator) (*pageTable, *kernel.Error) {
	addr, err := tp.Map(frame, mapper, alloc)
	if err != nil {
		return nil, err
	}

	return tableAt(addr), nil
}

// Unmap removes the temporary mapping. The frame that the page pointed to is
// not released since the temporary page never owns it.
func (tp *TemporaryPage) Unmap(mapper *Mapper) {
	mapper.unmap(tp.page)
}
