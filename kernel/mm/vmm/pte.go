package vmm

import (
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// PageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type PageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// IsUnused returns true if the entry holds neither a frame nor any flags.
func (pte PageTableEntry) IsUnused() bool {
	return pte == 0
}

// SetUnused clears the entry.
func (pte *PageTableEntry) SetUnused() {
	*pte = 0
}

// PointedFrame returns the frame referenced by a present entry. It returns
// mm.InvalidFrame if the entry is not present.
func (pte PageTableEntry) PointedFrame() mm.Frame {
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame
	}
	return pte.Frame()
}

// set replaces the entry contents with frame and flags.
func (pte *PageTableEntry) set(frame mm.Frame, flags PageTableEntryFlag) {
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
}

// FlagsFromElfSection returns the page table entry flags for mapping an ELF
// section with the supplied flags. Allocated sections are mapped present,
// writable sections get FlagRW and non-executable sections FlagNoExecute.
func FlagsFromElfSection(secFlags multiboot.ElfSectionFlag) PageTableEntryFlag {
	var flags PageTableEntryFlag

	if (secFlags & multiboot.ElfSectionAllocated) != 0 {
		flags |= FlagPresent
	}

	if (secFlags & multiboot.ElfSectionWritable) != 0 {
		flags |= FlagRW
	}

	if (secFlags & multiboot.ElfSectionExecutable) == 0 {
		flags |= FlagNoExecute
	}

	return flags
}
