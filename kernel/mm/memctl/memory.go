package memctl

import (
	"io"
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/region"
	"vmkernel/kernel/mm/vmm"
)

const (
	// identitySlot holds the identity mapped kernel image. User images live
	// in the same slot so every address space gets its own copy of it.
	identitySlot = uintptr(0)

	// kernelSlot holds the heap, the region allocators and the temporary
	// page. It is shared by every address space.
	kernelSlot = (mm.KernelOffset / mm.PML4Size) % 512
)

// Memory provides access to the memory subsystem. It is only reachable via
// Controller.With.
type Memory struct {
	frames mm.FrameAllocator
	table  pageTable
	tp     *vmm.TemporaryPage

	heap    mm.PageRange
	stacks  region.StackAllocator
	grants  region.GrantAllocator
	regions region.PageAllocator
}

// TranslateAddress returns the physical address that virtAddr maps to or
// vmm.ErrInvalidMapping if virtAddr is not mapped.
func (m *Memory) TranslateAddress(virtAddr uintptr) (uintptr, *kernel.Error) {
	return m.table.Translate(virtAddr)
}

// AllocStack maps a kernel stack that is pages long.
func (m *Memory) AllocStack(pages uintptr) (region.Stack, *kernel.Error) {
	return m.stacks.AllocStack(m.table, m.frames, pages)
}

// FreeStack is accepted but ignored.
func (m *Memory) FreeStack(stack region.Stack) {
	m.stacks.FreeStack(stack)
}

// AllocRegion maps a region of at least size bytes backed by physically
// contiguous frames and returns its virtual address.
func (m *Memory) AllocRegion(size uintptr, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	return m.regions.AllocRegion(m.table, m.frames, mm.PageCount(size), flags)
}

// FreeRegion is accepted but ignored.
func (m *Memory) FreeRegion(virtAddr uintptr) {
	m.regions.FreeRegion(virtAddr)
}

// MapPhysical maps the physical range [physAddr, physAddr+size) into the
// kernel and returns the virtual address that corresponds to physAddr. It is
// used for memory mapped device registers and DMA buffers.
func (m *Memory) MapPhysical(physAddr, size uintptr, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	frames := mm.FrameRangeFromAddresses(physAddr, physAddr+size)
	virtAddr, err := m.regions.MapPhysical(m.table, m.frames, frames, flags)
	if err != nil {
		return 0, err
	}

	return virtAddr + mm.PageOffset(physAddr), nil
}

// AllocGrant maps a grant region of at least size bytes.
func (m *Memory) AllocGrant(size uintptr, flags vmm.PageTableEntryFlag) (region.Grant, *kernel.Error) {
	return m.grants.AllocGrant(m.table, m.frames, mm.PageCount(size), flags)
}

// FreeGrant is accepted but ignored.
func (m *Memory) FreeGrant(grant region.Grant) {
	m.grants.FreeGrant(grant)
}

// NewAddressSpace returns a new page table tree that shares the kernel slot
// of the loaded tree and holds a private copy of the identity mapped kernel
// image. Mappings added to the new tree are not visible anywhere else.
func (m *Memory) NewAddressSpace() (vmm.InactivePageTable, *kernel.Error) {
	frame, err := mm.AllocFrame(m.frames)
	if err != nil {
		return vmm.InactivePageTable{}, err
	}

	space, err := m.table.NewAddressSpace(frame, m.tp, m.frames, kernelSlot)
	if err != nil {
		return vmm.InactivePageTable{}, err
	}

	if err = m.table.CopySlot(space, identitySlot, m.tp, m.frames); err != nil {
		return vmm.InactivePageTable{}, err
	}

	return space, nil
}

// WithAddressSpace invokes body with a Mapper that operates on table.
func (m *Memory) WithAddressSpace(table vmm.InactivePageTable, body func(*vmm.Mapper) *kernel.Error) *kernel.Error {
	return m.table.With(table, m.tp, m.frames, body)
}

// SwitchAddressSpace loads table and returns the previously loaded tree.
func (m *Memory) SwitchAddressSpace(table vmm.InactivePageTable) vmm.InactivePageTable {
	return m.table.Switch(table)
}

// FrameAllocator returns the allocator used for new mappings.
func (m *Memory) FrameAllocator() mm.FrameAllocator {
	return m.frames
}

// PrintLayout writes the virtual ranges managed by m to w.
func (m *Memory) PrintLayout(w io.Writer) {
	kfmt.Fprintf(w, "kernel heap: 0x%16x - 0x%16x\n", m.heap.Start.Address(), m.heap.End.Address()+mm.PageSize)
	printSlice(w, "stacks:     ", m.stacks.Allocator)
	printSlice(w, "grants:     ", m.grants.Allocator)
	printSlice(w, "regions:    ", m.regions.Allocator)
}

func printSlice(w io.Writer, name string, alloc region.Allocator) {
	start, end := alloc.Bounds()
	kfmt.Fprintf(w, "%s 0x%16x - 0x%16x, free pages: %d\n", name, start, end, alloc.Remaining())
}
