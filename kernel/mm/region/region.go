// Package region provides bump allocators that hand out mapped ranges of
// virtual address space.
package region

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/vmm"
)

var (
	errZeroSizedRegion = &kernel.Error{Module: "region", Message: "requested region size must be greater than zero"}
	errRegionExhausted = &kernel.Error{Module: "region", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// Mapper is implemented by page table mappers that can populate a virtual
// page range. A failed call must leave no page of the range mapped.
// *vmm.Mapper and *vmm.ActivePageTable satisfy it.
type Mapper interface {
	MapRange(pages mm.PageRange, flags vmm.PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error
	MapRangeTo(pages mm.PageRange, frames mm.FrameRange, flags vmm.PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error
}

// Allocator reserves non-overlapping page ranges from a fixed range of
// virtual pages. Reserved ranges are never returned to the allocator.
type Allocator struct {
	pages mm.PageRange
	free  mm.PageRange
}

// NewAllocator returns an Allocator that hands out pages from pages.
func NewAllocator(pages mm.PageRange) Allocator {
	return Allocator{pages: pages, free: pages}
}

// Reserve takes the next count pages from the allocator. A failed request
// leaves the allocator untouched.
func (a *Allocator) Reserve(count uintptr) (mm.PageRange, *kernel.Error) {
	return a.reserveMapped(count, func(mm.PageRange) *kernel.Error { return nil })
}

// reserveMapped takes the next count pages and passes them to mapFn. The
// pages are only removed from the allocator if mapFn succeeds.
func (a *Allocator) reserveMapped(count uintptr, mapFn func(mm.PageRange) *kernel.Error) (mm.PageRange, *kernel.Error) {
	if count == 0 {
		return mm.PageRange{}, errZeroSizedRegion
	}

	taken, rest, ok := a.free.Take(count)
	if !ok {
		return mm.PageRange{}, errRegionExhausted
	}

	if err := mapFn(taken); err != nil {
		return mm.PageRange{}, err
	}

	a.free = rest
	return taken, nil
}

// Bounds returns the virtual address range [start, end) managed by the
// allocator.
func (a *Allocator) Bounds() (uintptr, uintptr) {
	if a.pages.Count() == 0 {
		return 0, 0
	}
	return a.pages.Start.Address(), a.pages.End.Address() + mm.PageSize
}

// Remaining returns the number of pages that can still be reserved.
func (a *Allocator) Remaining() uintptr {
	return a.free.Count()
}

// Stack describes a mapped kernel stack. The stack grows down from Top
// towards Bottom.
type Stack struct {
	Top    uintptr
	Bottom uintptr
}

// Size returns the stack size in bytes.
func (s Stack) Size() uintptr {
	return s.Top - s.Bottom
}

// StackAllocator hands out stacks. Each stack is preceded by an unmapped
// guard page so an overflow faults instead of corrupting its neighbour.
type StackAllocator struct {
	Allocator
}

// NewStackAllocator returns a StackAllocator that uses pages.
func NewStackAllocator(pages mm.PageRange) StackAllocator {
	return StackAllocator{Allocator: NewAllocator(pages)}
}

// AllocStack reserves and maps a writable stack of the requested size in pages.
func (a *StackAllocator) AllocStack(mapper Mapper, alloc mm.FrameAllocator, pages uintptr) (Stack, *kernel.Error) {
	if pages == 0 {
		return Stack{}, errZeroSizedRegion
	}

	reserved, err := a.reserveMapped(pages+1, func(taken mm.PageRange) *kernel.Error {
		return mapper.MapRange(stackPages(taken), vmm.FlagRW|vmm.FlagNoExecute, alloc)
	})
	if err != nil {
		return Stack{}, err
	}

	mapped := stackPages(reserved)
	return Stack{
		Top:    mapped.End.Address() + mm.PageSize,
		Bottom: mapped.Start.Address(),
	}, nil
}

// stackPages returns the part of reserved that is mapped; the first page is
// the guard page.
func stackPages(reserved mm.PageRange) mm.PageRange {
	return mm.PageRange{Start: reserved.Start + 1, End: reserved.End}
}

// FreeStack is accepted but ignored; stack space is never reclaimed.
func (a *StackAllocator) FreeStack(_ Stack) {}

// PageAllocator hands out general purpose virtual memory regions.
type PageAllocator struct {
	Allocator
}

// NewPageAllocator returns a PageAllocator that uses pages.
func NewPageAllocator(pages mm.PageRange) PageAllocator {
	return PageAllocator{Allocator: NewAllocator(pages)}
}

// AllocRegion reserves pages pages, backs them with newly allocated frames
// and returns the virtual address of the region start.
func (a *PageAllocator) AllocRegion(mapper Mapper, alloc mm.FrameAllocator, pages uintptr, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	reserved, err := a.reserveMapped(pages, func(taken mm.PageRange) *kernel.Error {
		return mapper.MapRange(taken, flags, alloc)
	})
	if err != nil {
		return 0, err
	}

	return reserved.Start.Address(), nil
}

// MapPhysical reserves a region with the same number of pages as frames and
// maps it to frames. It is used to expose device memory to the kernel.
func (a *PageAllocator) MapPhysical(mapper Mapper, alloc mm.FrameAllocator, frames mm.FrameRange, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	reserved, err := a.reserveMapped(frames.Count(), func(taken mm.PageRange) *kernel.Error {
		return mapper.MapRangeTo(taken, frames, flags, alloc)
	})
	if err != nil {
		return 0, err
	}

	return reserved.Start.Address(), nil
}

// FreeRegion is accepted but ignored; regions are never reclaimed.
func (a *PageAllocator) FreeRegion(_ uintptr) {}

// Grant describes a region of memory shared with another context.
type Grant struct {
	Start uintptr
	Size  uintptr
}

// GrantAllocator hands out grant regions.
type GrantAllocator struct {
	Allocator
}

// NewGrantAllocator returns a GrantAllocator that uses pages.
func NewGrantAllocator(pages mm.PageRange) GrantAllocator {
	return GrantAllocator{Allocator: NewAllocator(pages)}
}

// AllocGrant reserves and maps a grant region of the requested size in pages.
func (a *GrantAllocator) AllocGrant(mapper Mapper, alloc mm.FrameAllocator, pages uintptr, flags vmm.PageTableEntryFlag) (Grant, *kernel.Error) {
	reserved, err := a.reserveMapped(pages, func(taken mm.PageRange) *kernel.Error {
		return mapper.MapRange(taken, flags, alloc)
	})
	if err != nil {
		return Grant{}, err
	}

	return Grant{Start: reserved.Start.Address(), Size: reserved.Count() * mm.PageSize}, nil
}

// FreeGrant is accepted but ignored; grants are never reclaimed.
func (a *GrantAllocator) FreeGrant(_ Grant) {}
