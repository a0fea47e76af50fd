// Package dma hands out memory that devices can access directly. Each Buffer
// is a physically contiguous, uncached kernel region whose physical address is
// known, so drivers can pass it to a device.
package dma

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/vmm"
)

// bufferFlags are the mapping flags of a DMA buffer.
const bufferFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute | vmm.FlagDoNotCache

var (
	errDMAExhausted     = &kernel.Error{Module: "dma", Message: "DMA buffer exhausted"}
	errInvalidAlignment = &kernel.Error{Module: "dma", Message: "alignment must be a power of 2"}
	errZeroSizedAlloc   = &kernel.Error{Module: "dma", Message: "allocation size must be greater than zero"}
)

// Memory is the part of the memory controller used to set up a Buffer.
// *memctl.Memory implements it.
type Memory interface {
	AllocRegion(size uintptr, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error)
	TranslateAddress(virtAddr uintptr) (uintptr, *kernel.Error)
}

// Buffer is a bump allocator over a DMA region. Space handed out by Alloc
// is never reclaimed.
type Buffer struct {
	virtStart uintptr
	physStart uintptr
	size      uintptr

	next uintptr
}

// New maps a DMA buffer of at least size bytes. It must be called with the
// memory controller held, e.g. from within memctl.Controller.With.
func New(mem Memory, size uintptr) (Buffer, *kernel.Error) {
	virt, err := mem.AllocRegion(size, bufferFlags)
	if err != nil {
		return Buffer{}, err
	}

	phys, err := mem.TranslateAddress(virt)
	if err != nil {
		return Buffer{}, err
	}

	return Buffer{
		virtStart: virt,
		physStart: phys,
		size:      mm.PageCount(size) * mm.PageSize,
	}, nil
}

// Alloc reserves size bytes whose physical address is a multiple of align
// and returns their virtual and physical address. The reserved memory is
// cleared.
func (b *Buffer) Alloc(size, align uintptr) (uintptr, uintptr, *kernel.Error) {
	if size == 0 {
		return 0, 0, errZeroSizedAlloc
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, 0, errInvalidAlignment
	}

	phys := (b.physStart + b.next + align - 1) &^ (align - 1)
	offset := phys - b.physStart
	if offset > b.size || size > b.size-offset {
		return 0, 0, errDMAExhausted
	}

	virt := b.virtStart + offset
	kernel.Memset(virt, 0, size)
	b.next = offset + size

	return virt, phys, nil
}

// Free returns the number of bytes that have not been handed out yet.
func (b *Buffer) Free() uintptr {
	return b.size - b.next
}

// PhysicalAddress returns the physical address of the buffer start.
func (b *Buffer) PhysicalAddress() uintptr {
	return b.physStart
}
