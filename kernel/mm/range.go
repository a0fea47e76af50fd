package mm

// FrameRange describes the inclusive frame interval [Start, End].
type FrameRange struct {
	Start Frame
	End   Frame
}

// Count returns the number of frames in the range.
func (r FrameRange) Count() uintptr {
	if r.End < r.Start {
		return 0
	}
	return uintptr(r.End-r.Start) + 1
}

// Contains returns true if f belongs to the range.
func (r FrameRange) Contains(f Frame) bool {
	return f >= r.Start && f <= r.End
}

// Overlaps returns true if the two ranges share at least one frame.
func (r FrameRange) Overlaps(other FrameRange) bool {
	return r.Count() != 0 && other.Count() != 0 && r.Start <= other.End && other.Start <= r.End
}

// FrameRangeFromAddresses returns the frames covering the physical interval
// [start, end). An empty interval yields a range with a zero Count.
func FrameRangeFromAddresses(start, end uintptr) FrameRange {
	if end <= start {
		return FrameRange{Start: 1, End: 0}
	}
	return FrameRange{Start: FrameFromAddress(start), End: FrameFromAddress(end - 1)}
}

// PageRange describes the inclusive page interval [Start, End].
type PageRange struct {
	Start Page
	End   Page
}

// Count returns the number of pages in the range.
func (r PageRange) Count() uintptr {
	if r.End < r.Start {
		return 0
	}
	return uintptr(r.End-r.Start) + 1
}

// Contains returns true if p belongs to the range.
func (r PageRange) Contains(p Page) bool {
	return p >= r.Start && p <= r.End
}

// Take splits off the first n pages of the range. It returns the taken pages,
// the remainder and true on success. When n is zero or exceeds the number of
// available pages Take returns false and the receiver is left untouched, so a
// cursor stored as a PageRange is only advanced by assigning the remainder.
func (r PageRange) Take(n uintptr) (PageRange, PageRange, bool) {
	if n == 0 || n > r.Count() {
		return PageRange{}, r, false
	}

	taken := PageRange{Start: r.Start, End: r.Start + Page(n-1)}
	return taken, PageRange{Start: taken.End + 1, End: r.End}, true
}

// PageRangeFromAddresses returns the pages covering the virtual interval
// [start, start+size).
func PageRangeFromAddresses(start, size uintptr) PageRange {
	if size == 0 {
		return PageRange{Start: 1, End: 0}
	}
	return PageRange{Start: PageFromAddress(start), End: PageFromAddress(start + size - 1)}
}
