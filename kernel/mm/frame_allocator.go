package mm

import "vmkernel/kernel"

var (
	errMultiFrameRange = &kernel.Error{Module: "mm", Message: "frame allocator returned more than one frame for a single frame request"}
)

// FrameAllocator is implemented by physical memory allocators.
type FrameAllocator interface {
	// AllocFrames reserves count physically contiguous frames.
	AllocFrames(count uintptr) (FrameRange, *kernel.Error)

	// FreeFrames returns a previously allocated range to the allocator.
	FreeFrames(FrameRange)
}

// AllocFrame reserves a single frame from alloc.
func AllocFrame(alloc FrameAllocator) (Frame, *kernel.Error) {
	frames, err := alloc.AllocFrames(1)
	if err != nil {
		return InvalidFrame, err
	}

	if frames.Count() != 1 {
		panic(errMultiFrameRange)
	}

	return frames.Start, nil
}

// FreeFrame returns a single frame to alloc.
func FreeFrame(alloc FrameAllocator, f Frame) {
	alloc.FreeFrames(FrameRange{Start: f, End: f})
}
