package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// tableIndexBits is the number of page-number bits consumed by each
	// page table level.
	tableIndexBits = uintptr(9)

	// tableIndexMask extracts a single table index.
	tableIndexMask = uintptr(1<<tableIndexBits - 1)

	// canonicalLowEnd is the first address above the canonical lower half.
	canonicalLowEnd = uintptr(0x0000800000000000)

	// canonicalHighStart is the first address of the canonical upper half.
	canonicalHighStart = uintptr(0xffff800000000000)
)
