package vmm

import (
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// tableLevel identifies a level of the 4-level page table tree.
type tableLevel uint8

const (
	levelP4 tableLevel = iota
	levelP3
	levelP2
	levelP1
)

// pageTable describes the contents of a page table at any level.
type pageTable [entriesPerTable]PageTableEntry

var (
	// ptePtrFn returns a pointer to the supplied table address. It is
	// used by tests to redirect page table accesses to a software MMU.
	// When compiling the kernel this function will be automatically
	// inlined.
	ptePtrFn = func(tableAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(tableAddr)
	}
)

// tableAt returns the page table located at the supplied virtual address.
func tableAt(tableAddr uintptr) *pageTable {
	return (*pageTable)(ptePtrFn(tableAddr))
}

// childTableAddr returns the recursive virtual address of the table referenced
// by entry index of the table at tableAddr. Shifting the table address left by
// 9 bits adds one more pass through the recursive P4 slot.
func childTableAddr(tableAddr, index uintptr) uintptr {
	return (tableAddr << tableIndexBits) | (index << mm.PageShift)
}

// tableIndex returns the entry index that page uses at the given level.
func tableIndex(page mm.Page, level tableLevel) uintptr {
	switch level {
	case levelP4:
		return page.P4Index()
	case levelP3:
		return page.P3Index()
	case levelP2:
		return page.P2Index()
	default:
		return page.P1Index()
	}
}

// nextTable returns the address of the next-level table referenced by entry
// index. P1 entries and huge-page leaves never reference a table.
func nextTable(level tableLevel, tableAddr, index uintptr) (uintptr, bool) {
	if level == levelP1 {
		return 0, false
	}

	entry := tableAt(tableAddr)[index]
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return 0, false
	}

	return childTableAddr(tableAddr, index), true
}

// nextTableCreate behaves like nextTable but allocates and clears a frame for
// the next-level table if the entry is unused. User-accessible leaves require
// every table on their path to be user-accessible too.
func nextTableCreate(tableAddr, index uintptr, leafFlags PageTableEntryFlag, alloc mm.FrameAllocator) (uintptr, *kernel.Error) {
	entry := &tableAt(tableAddr)[index]

	if entry.HasFlags(FlagHugePage) {
		return 0, errNoHugePageSupport
	}

	childAddr := childTableAddr(tableAddr, index)
	if !entry.HasFlags(FlagPresent) {
		frame, err := mm.AllocFrame(alloc)
		if err != nil {
			return 0, err
		}

		entry.set(frame, FlagPresent|FlagRW|(leafFlags&FlagUserAccessible))

		// The table becomes reachable via its recursive address; make
		// sure we do not inherit whatever the frame contained before.
		kernel.Memset(uintptr(ptePtrFn(childAddr)), 0, mm.PageSize)
		return childAddr, nil
	}

	if leafFlags&FlagUserAccessible != 0 {
		entry.SetFlags(FlagUserAccessible)
	}

	return childAddr, nil
}
