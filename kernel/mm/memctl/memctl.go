// Package memctl owns the kernel memory subsystem once paging has been set up.
//
// Init builds the frame allocator from the bootloader memory map, moves the
// kernel to a fresh page table tree and carves the region allocators out of
// the kernel slot. All further access goes through Controller.With, which
// serializes callers with a spinlock.
package memctl

import (
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/pmm"
	"vmkernel/kernel/mm/region"
	"vmkernel/kernel/mm/vmm"
	"vmkernel/kernel/sync"
	"vmkernel/multiboot"
)

var (
	// The following functions are used by tests to mock the bootloader
	// information and the page table setup.
	hasMemoryMapFn     = multiboot.HasMemoryMap
	hasElfSectionsFn   = multiboot.HasElfSections
	infoRegionFn       = multiboot.InfoRegion
	visitMemRegionsFn  = multiboot.VisitMemRegions
	visitElfSectionsFn = multiboot.VisitElfSections
	activateTableFn    = activateKernelTable

	// controller is handed out by Init. Its storage is static as Init runs
	// before the Go allocator is available.
	controller  Controller
	initialized bool

	// remapped is set once Init has moved the kernel to a new tree. The
	// loaded tree can only be acquired once so Init cannot be retried
	// after this point.
	remapped bool

	errMissingMemoryMap   = &kernel.Error{Module: "memctl", Message: "bootloader did not supply a memory map"}
	errMissingElfSections = &kernel.Error{Module: "memctl", Message: "bootloader did not supply the kernel ELF sections"}
	errAlreadyInitialized = &kernel.Error{Module: "memctl", Message: "memory controller already initialized"}
	errNotInitialized     = &kernel.Error{Module: "memctl", Message: "memory controller used before initialization"}
	errInitAborted        = &kernel.Error{Module: "memctl", Message: "memory controller setup failed after the kernel was remapped"}
)

// pageTable is the view of the loaded page table tree used by Memory.
// *vmm.ActivePageTable implements it.
type pageTable interface {
	region.Mapper

	Translate(virtAddr uintptr) (uintptr, *kernel.Error)
	With(inactive vmm.InactivePageTable, tp *vmm.TemporaryPage, alloc mm.FrameAllocator, body func(*vmm.Mapper) *kernel.Error) *kernel.Error
	Switch(newTable vmm.InactivePageTable) vmm.InactivePageTable
	NewAddressSpace(frame mm.Frame, tp *vmm.TemporaryPage, alloc mm.FrameAllocator, sharedSlots ...uintptr) (vmm.InactivePageTable, *kernel.Error)
	CopySlot(inactive vmm.InactivePageTable, slot uintptr, tp *vmm.TemporaryPage, alloc mm.FrameAllocator) *kernel.Error
}

// Config describes the virtual memory layout managed by the controller.
type Config struct {
	// The boot heap is mapped writable during Init.
	HeapStart uintptr
	HeapSize  uintptr

	// The number of pages assigned to each region allocator. The stack,
	// grant and VM-region slices follow the heap in that order.
	StackPages  uintptr
	GrantPages  uintptr
	RegionPages uintptr
}

// DefaultConfig returns the layout used by the kernel.
func DefaultConfig() Config {
	return Config{
		HeapStart:   mm.KernelHeapOffset,
		HeapSize:    100 * 1024,
		StackPages:  100,
		GrantPages:  100,
		RegionPages: 100,
	}
}

// Controller guards the Memory of the kernel.
type Controller struct {
	lock sync.Spinlock

	areas pmm.AreaFrameAllocator
	mem   Memory
}

// Init sets up the memory subsystem and returns the Controller that guards
// it. The bootloader must have supplied both a memory map and the kernel ELF
// sections; a missing tag or a second call to Init causes a panic. A failed
// Init may only be retried if it failed before the kernel was remapped.
func Init(cfg Config) (*Controller, *kernel.Error) {
	if initialized {
		panic(errAlreadyInitialized)
	}
	if remapped {
		panic(errInitAborted)
	}
	if !hasMemoryMapFn() {
		panic(errMissingMemoryMap)
	}
	if !hasElfSectionsFn() {
		panic(errMissingElfSections)
	}

	kernelStart, kernelEnd := kernelExtent()
	bootInfoStart, bootInfoEnd := infoRegionFn()

	c := &controller
	if err := c.areas.Init(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd, visitMemRegionsFn); err != nil {
		return nil, err
	}
	c.areas.PrintMemoryMap(kfmt.GetOutputSink())

	table, err := activateTableFn(&c.areas, bootInfoStart, bootInfoEnd)
	if err != nil {
		return nil, err
	}
	remapped = true

	heap := mm.PageRangeFromAddresses(cfg.HeapStart, cfg.HeapSize)
	if err = table.MapRange(heap, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, &c.areas); err != nil {
		return nil, err
	}

	next := heap.End + 1
	stacks := mm.PageRange{Start: next, End: next + mm.Page(cfg.StackPages) - 1}
	next += mm.Page(cfg.StackPages)
	grants := mm.PageRange{Start: next, End: next + mm.Page(cfg.GrantPages) - 1}
	next += mm.Page(cfg.GrantPages)
	regions := mm.PageRange{Start: next, End: next + mm.Page(cfg.RegionPages) - 1}

	c.mem = Memory{
		frames:  &c.areas,
		table:   table,
		tp:      vmm.NewTemporaryPage(),
		heap:    heap,
		stacks:  region.NewStackAllocator(stacks),
		grants:  region.NewGrantAllocator(grants),
		regions: region.NewPageAllocator(regions),
	}
	c.mem.PrintLayout(&kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[memctl] ")})

	initialized = true
	return c, nil
}

// With acquires the controller lock, invokes op and releases the lock once op
// returns or panics. op must not call With itself.
func (c *Controller) With(op func(*Memory)) {
	if c == nil {
		panic(errNotInitialized)
	}

	c.lock.Acquire()
	defer c.lock.Release()

	op(&c.mem)
}

// kernelExtent returns the physical range [start, end) spanned by the
// allocated sections of the kernel image.
func kernelExtent() (uintptr, uintptr) {
	var (
		start, end uintptr
		found      bool
	)

	visitElfSectionsFn(func(_ string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if flags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		secEnd := address + uintptr(size)
		if !found || address < start {
			start = address
		}
		if !found || secEnd > end {
			end = secEnd
		}
		found = true
	})

	return start, end
}

// activateKernelTable acquires the loaded page table tree, moves the kernel to
// a new tree and returns it.
func activateKernelTable(alloc mm.FrameAllocator, bootInfoStart, bootInfoEnd uintptr) (pageTable, *kernel.Error) {
	active := vmm.NewActivePageTable()
	if err := vmm.RemapKernel(active, alloc, bootInfoStart, bootInfoEnd); err != nil {
		return nil, err
	}

	return active, nil
}
