// Package mm defines the physical frame and virtual page primitives shared by
// the memory management sub-packages.
package mm

import (
	"math"
	"vmkernel/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

var (
	errNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of the P4 entry that covers this page.
func (p Page) P4Index() uintptr { return (uintptr(p) >> (3 * tableIndexBits)) & tableIndexMask }

// P3Index returns the index of the P3 entry that covers this page.
func (p Page) P3Index() uintptr { return (uintptr(p) >> (2 * tableIndexBits)) & tableIndexMask }

// P2Index returns the index of the P2 entry that covers this page.
func (p Page) P2Index() uintptr { return (uintptr(p) >> tableIndexBits) & tableIndexMask }

// P1Index returns the index of the P1 entry that maps this page.
func (p Page) P1Index() uintptr { return uintptr(p) & tableIndexMask }

// IsCanonical returns true if virtAddr lies in either the lower or the upper
// half of the 48-bit virtual address space.
func IsCanonical(virtAddr uintptr) bool {
	return virtAddr < canonicalLowEnd || virtAddr >= canonicalHighStart
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
//
// PageFromAddress panics if virtAddr is not canonical.
func PageFromAddress(virtAddr uintptr) Page {
	if !IsCanonical(virtAddr) {
		panic(errNonCanonicalAddress)
	}

	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageOffset returns the offset of addr within the page that contains it.
func PageOffset(addr uintptr) uintptr {
	return addr & (PageSize - 1)
}

// PageCount returns the number of pages needed to hold size bytes.
func PageCount(size uintptr) uintptr {
	return (size + PageSize - 1) >> PageShift
}
