package vmm

import (
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"
)

var (
	// visitElfSectionsFn is used by tests and is automatically inlined
	// by the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections

	errUnalignedSection = &kernel.Error{Module: "vmm", Message: "kernel ELF section is not page aligned"}
)

// RemapKernel builds a new page table tree for the kernel and loads it,
// replacing the tree set up by the bootloader. The new tree identity-maps:
//  - each allocated ELF section of the kernel image, using flags derived from
//    the section flags (see FlagsFromElfSection)
//  - the VGA text buffer frame
//  - the boot information region [bootInfoStart, bootInfoEnd)
//
// Once the new tree is loaded, the page that holds the bootloader's P4 table
// is unmapped so that stray accesses to the old tables fault.
func RemapKernel(active *ActivePageTable, alloc mm.FrameAllocator, bootInfoStart, bootInfoEnd uintptr) *kernel.Error {
	tp := NewTemporaryPage()

	p4Frame, err := mm.AllocFrame(alloc)
	if err != nil {
		return err
	}

	newTable, err := NewInactivePageTable(p4Frame, active, tp, alloc)
	if err != nil {
		return err
	}

	err = active.With(newTable, tp, alloc, func(mapper *Mapper) *kernel.Error {
		var mapErr *kernel.Error

		var visitor = func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
			// Bail out if we have encountered an error; also ignore sections
			// that are not loaded in memory
			if mapErr != nil || (secFlags&multiboot.ElfSectionAllocated) == 0 {
				return
			}

			if mm.PageOffset(secAddress) != 0 {
				panic(errUnalignedSection)
			}

			flags := FlagsFromElfSection(secFlags)
			frames := mm.FrameRangeFromAddresses(secAddress, secAddress+uintptr(secSize))
			for frame := frames.Start; frame <= frames.End; frame++ {
				if mapErr = mapper.IdentityMap(frame, flags, alloc); mapErr != nil {
					return
				}
			}
		}

		// Use the noescape hack to prevent the compiler from leaking the visitor
		// function literal to the heap.
		visitElfSectionsFn(
			*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
		)
		if mapErr != nil {
			return mapErr
		}

		if mapErr = mapper.IdentityMap(mm.FrameFromAddress(vgaTextBufferAddr), FlagPresent|FlagRW|FlagNoExecute, alloc); mapErr != nil {
			return mapErr
		}

		bootInfo := mm.FrameRangeFromAddresses(bootInfoStart, bootInfoEnd)
		for frame := bootInfo.Start; bootInfo.Count() != 0 && frame <= bootInfo.End; frame++ {
			if mapErr = mapper.IdentityMap(frame, FlagPresent|FlagNoExecute, alloc); mapErr != nil {
				return mapErr
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	oldTable := active.Switch(newTable)
	kfmt.Printf("[vmm] switched to new page table (P4 frame 0x%x)\n", newTable.P4Frame().Address())

	// The old P4 table lives in the kernel image; turn it into a guard page.
	guardPage := mm.Page(oldTable.P4Frame())
	active.Unmap(guardPage, alloc)
	kfmt.Printf("[vmm] guard page at 0x%x\n", guardPage.Address())

	return nil
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
