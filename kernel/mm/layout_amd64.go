package mm

// The virtual address space is carved into P4-sized slots. The lower 256 P4
// entries belong to user space. Slot 511 holds the recursive mapping and slot
// 510 the kernel. Every offset below is derived from PML4Size and the values
// must stay fixed as process loaders depend on them.
const (
	// PML4Size is the amount of address space covered by a single P4 entry
	// (512 GiB).
	PML4Size = uintptr(0x0000008000000000)

	// RecursivePageOffset is the start of the recursive mapping slot.
	RecursivePageOffset = ^(PML4Size - 1)

	// KernelOffset is the virtual base of the kernel slot.
	KernelOffset = RecursivePageOffset - PML4Size

	// KernelHeapOffset is the virtual base of the kernel heap.
	KernelHeapOffset = KernelOffset + PML4Size/2

	// KernelHeapSize is the size of the kernel heap.
	KernelHeapSize = uintptr(128 * 1024 * 1024)

	// KernelPercpuOffset is the base of the per-CPU variables.
	KernelPercpuOffset = uintptr(0xC0000000)

	// KernelPercpuSize is the size of the per-CPU area.
	KernelPercpuSize = uintptr(64 * 1024)

	// KernelTmpPageOffset marks the slot reserved for temporary mappings
	// used while building new page tables. It coincides with the recursive
	// slot; the temporary page itself lives at its top.
	KernelTmpPageOffset = KernelOffset + PML4Size

	// UserOffset is the base of a user image.
	UserOffset = uintptr(0)

	// UserTCBOffset is the location of the user thread control block.
	UserTCBOffset = uintptr(0xB0000000)

	// UserArgOffset is where process arguments are placed.
	UserArgOffset = UserOffset + PML4Size/2

	// UserHeapOffset is the base of the user heap.
	UserHeapOffset = UserOffset + PML4Size

	// UserGrantOffset is the base of the user grant area.
	UserGrantOffset = UserHeapOffset + PML4Size

	// UserStackOffset is the base of the user stack.
	UserStackOffset = UserGrantOffset + PML4Size

	// UserStackSize is the size of a user stack.
	UserStackSize = uintptr(1024 * 1024)

	// UserTLSOffset is the base of user thread-local storage.
	UserTLSOffset = UserStackOffset + PML4Size

	// UserTmpOffset is the temporary image slot used while cloning a process.
	UserTmpOffset = UserTLSOffset + PML4Size

	// UserTmpHeapOffset is the temporary heap slot used while cloning.
	UserTmpHeapOffset = UserTmpOffset + PML4Size

	// UserTmpGrantOffset is the temporary grant slot used while cloning.
	UserTmpGrantOffset = UserTmpHeapOffset + PML4Size

	// UserTmpStackOffset is the temporary stack slot used while cloning.
	UserTmpStackOffset = UserTmpGrantOffset + PML4Size

	// UserTmpTLSOffset is the temporary TLS slot used while cloning.
	UserTmpTLSOffset = UserTmpStackOffset + PML4Size
)
