package vmm

import "math"

const (
	// entriesPerTable is the number of entries in a page table at any level.
	entriesPerTable = 512

	// tableIndexBits is the number of virtual address bits consumed by
	// each page table level.
	tableIndexBits = 9

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// recursiveIndex is the P4 slot that points back to the P4 table itself.
	recursiveIndex = entriesPerTable - 1

	// hugePageFrames2M and hugePageFrames1G are the number of 4K frames
	// covered by a P3 and a P2 leaf entry respectively.
	hugePageFrames2M = entriesPerTable
	hugePageFrames1G = entriesPerTable * entriesPerTable

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive PDT
	// pages). For amd64 this address uses the following table indices:
	// 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// vgaTextBufferAddr is the physical address of the VGA text console
	// buffer which must stay reachable after the kernel is remapped.
	vgaTextBufferAddr = uintptr(0xb8000)
)

var (
	// p4VirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last P4 entry to allow accessing the
	// P4 table using the system's MMU address translation mechanism. By
	// setting all page level bits to 1 the MMU keeps following the last P4
	// entry for all page levels landing on the P4.
	p4VirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on P3 and P2 entries that map a 1G or 2M page
	// instead of pointing to the next table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
