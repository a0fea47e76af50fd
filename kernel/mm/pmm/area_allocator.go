// Package pmm implements the physical memory allocator that hands out frames
// from the memory map supplied by the bootloader.
package pmm

import (
	"io"
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"
)

// maxAreas is the number of available memory regions that the allocator can
// track. The allocator runs before the Go heap exists so the area list is a
// fixed-size array.
const maxAreas = 128

// noArea is the curArea value before the first allocation.
const noArea = -1

var (
	errInvalidFrameCount = &kernel.Error{Module: "area_frame_alloc", Message: "frame count must be greater than zero"}
	errOutOfFrames       = &kernel.Error{Module: "area_frame_alloc", Message: "out of memory"}
	errTooManyAreas      = &kernel.Error{Module: "area_frame_alloc", Message: "memory map contains too many available regions"}
)

// MemRegionScanner invokes its visitor argument for each memory region
// reported by the bootloader. multiboot.VisitMemRegions satisfies it.
type MemRegionScanner func(multiboot.MemRegionVisitor)

// AreaFrameAllocator implements a bump allocator over the available regions
// of the system memory map. Frames occupied by the kernel image and the boot
// information structure are never handed out.
//
// The allocator advances a cursor through the areas in ascending start
// address order. Frames returned via FreeFrames are not reclaimed.
type AreaFrameAllocator struct {
	areas     [maxAreas]mm.FrameRange
	areaCount int

	// curArea indexes areas; it is noArea until the first allocation.
	curArea       int
	nextFreeFrame mm.Frame

	kernelFrames   mm.FrameRange
	bootInfoFrames mm.FrameRange

	kernelStart, kernelEnd     uintptr
	bootInfoStart, bootInfoEnd uintptr
}

// Init sets up the allocator state. The kernel image occupies the physical
// range [kernelStart, kernelEnd) and the boot information the range
// [bootInfoStart, bootInfoEnd). The available memory regions are obtained by
// invoking scanFn.
func (alloc *AreaFrameAllocator) Init(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd uintptr, scanFn MemRegionScanner) *kernel.Error {
	var err *kernel.Error

	alloc.areaCount = 0
	alloc.curArea = noArea
	alloc.nextFreeFrame = 0
	alloc.kernelStart, alloc.kernelEnd = kernelStart, kernelEnd
	alloc.bootInfoStart, alloc.bootInfoEnd = bootInfoStart, bootInfoEnd
	alloc.kernelFrames = mm.FrameRangeFromAddresses(kernelStart, kernelEnd)
	alloc.bootInfoFrames = mm.FrameRangeFromAddresses(bootInfoStart, bootInfoEnd)

	scanFn(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		endFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1
		if endFrame < startFrame {
			return true
		}

		if alloc.areaCount == maxAreas {
			err = errTooManyAreas
			return false
		}

		alloc.areas[alloc.areaCount] = mm.FrameRange{Start: startFrame, End: endFrame}
		alloc.areaCount++
		return true
	})

	return err
}

// AllocFrames reserves count physically contiguous frames. Requests that do
// not fit in the remainder of the current area are served from the next area
// instead. The allocator state is only updated when the request succeeds so a
// failed request can be followed by a smaller one.
func (alloc *AreaFrameAllocator) AllocFrames(count uintptr) (mm.FrameRange, *kernel.Error) {
	if count == 0 {
		return mm.FrameRange{}, errInvalidFrameCount
	}

	next, cur := alloc.nextFreeFrame, alloc.curArea
	if cur == noArea {
		if cur = alloc.chooseArea(next); cur == noArea {
			return mm.FrameRange{}, errOutOfFrames
		}
	}

	for {
		area := alloc.areas[cur]
		if next < area.Start {
			next = area.Start
		}

		// Not enough room left in this area
		if next > area.End || count-1 > uintptr(area.End-next) {
			if next <= area.End {
				next = area.End + 1
			}
			if cur = alloc.chooseArea(next); cur == noArea {
				return mm.FrameRange{}, errOutOfFrames
			}
			continue
		}

		candidate := mm.FrameRange{Start: next, End: next + mm.Frame(count-1)}
		switch {
		case candidate.Overlaps(alloc.kernelFrames):
			next = alloc.kernelFrames.End + 1
		case candidate.Overlaps(alloc.bootInfoFrames):
			next = alloc.bootInfoFrames.End + 1
		default:
			alloc.nextFreeFrame = candidate.End + 1
			alloc.curArea = cur
			return candidate, nil
		}
	}
}

// FreeFrames is accepted but ignored; the allocator never reclaims frames.
func (alloc *AreaFrameAllocator) FreeFrames(_ mm.FrameRange) {}

// chooseArea returns the index of the area with the lowest start address
// among the areas that still contain frames at or above next.
func (alloc *AreaFrameAllocator) chooseArea(next mm.Frame) int {
	best := noArea
	for i := 0; i < alloc.areaCount; i++ {
		if alloc.areas[i].End < next {
			continue
		}
		if best == noArea || alloc.areas[i].Start < alloc.areas[best].Start {
			best = i
		}
	}

	return best
}

// PrintMemoryMap writes the tracked memory areas and the reserved regions to w.
func (alloc *AreaFrameAllocator) PrintMemoryMap(w io.Writer) {
	var totalFree uint64

	kfmt.Fprintf(w, "[area_frame_alloc] available memory areas:\n")
	for i := 0; i < alloc.areaCount; i++ {
		area := alloc.areas[i]
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], frames: %d\n", area.Start.Address(), area.End.Address()+mm.PageSize, area.Count())
		totalFree += uint64(area.Count() * mm.PageSize)
	}
	kfmt.Fprintf(w, "[area_frame_alloc] available memory: %dKb\n", totalFree/1024)
	kfmt.Fprintf(w, "[area_frame_alloc] kernel loaded at 0x%x - 0x%x, reserved frames: %d\n",
		alloc.kernelStart, alloc.kernelEnd, alloc.kernelFrames.Count(),
	)
	kfmt.Fprintf(w, "[area_frame_alloc] boot info at 0x%x - 0x%x, reserved frames: %d\n",
		alloc.bootInfoStart, alloc.bootInfoEnd, alloc.bootInfoFrames.Count(),
	)
}
