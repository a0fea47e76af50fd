package vmm

import (
	"fmt"
	"testing"
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

const (
	// bootP4Frame holds the P4 table that the fake MMU starts with.
	bootP4Frame = mm.Frame(1)

	// firstFreeFrame is the first frame handed out by testAllocator.
	firstFreeFrame = mm.Frame(0x1000)
)

// fakeMMU emulates the amd64 paging hardware. Physical memory is a sparse
// set of frames that is populated on first access and every virtual address
// passed to ptePtrFn is translated by walking the tree loaded in cr3, the
// same way the MMU does it.
type fakeMMU struct {
	mem map[mm.Frame]*pageTable
	cr3 mm.Frame

	tlbEntryFlushes int
	tlbFlushes      int

	irqEnabled  bool
	irqDisables int
	irqEnables  int
}

func (f *fakeMMU) frame(frame mm.Frame) *pageTable {
	table, ok := f.mem[frame]
	if !ok {
		table = new(pageTable)
		f.mem[frame] = table
	}
	return table
}

// leaf walks the tree loaded in cr3 and returns the P1 entry for virtAddr or
// nil if one of the tables on the path is missing.
func (f *fakeMMU) leaf(virtAddr uintptr) *PageTableEntry {
	table := f.frame(f.cr3)
	for shift := uintptr(39); ; shift -= 9 {
		entry := &table[(virtAddr>>shift)&(entriesPerTable-1)]
		if shift == 12 {
			return entry
		}

		if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
			return nil
		}
		table = f.frame(entry.Frame())
	}
}

// resolve translates virtAddr to a pointer into the fake physical memory.
func (f *fakeMMU) resolve(virtAddr uintptr) unsafe.Pointer {
	entry := f.leaf(virtAddr)
	if entry == nil || !entry.HasFlags(FlagPresent) {
		panic(fmt.Sprintf("page fault accessing 0x%x", virtAddr))
	}

	return unsafe.Pointer(uintptr(unsafe.Pointer(f.frame(entry.Frame()))) + mm.PageOffset(virtAddr))
}

type testAllocator struct {
	next  mm.Frame
	freed []mm.FrameRange
	err   *kernel.Error
}

func (a *testAllocator) AllocFrames(count uintptr) (mm.FrameRange, *kernel.Error) {
	if a.err != nil {
		return mm.FrameRange{}, a.err
	}

	r := mm.FrameRange{Start: a.next, End: a.next + mm.Frame(count) - 1}
	a.next += mm.Frame(count)
	return r, nil
}

func (a *testAllocator) FreeFrames(r mm.FrameRange) {
	a.freed = append(a.freed, r)
}

// withFakeMMU redirects all hardware access of the vmm package to a fake MMU
// whose loaded P4 table is recursively mapped and runs fn.
func withFakeMMU(t *testing.T, fn func(*fakeMMU, *testAllocator)) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origActivePDT func() uintptr, origSwitchPDT func(uintptr), origFlushTLBEntry func(uintptr), origFlushTLB func(), origIRQEnabled func() bool, origDisableIRQ, origEnableIRQ func(), origNX bool) {
		ptePtrFn = origPtePtr
		activePDTFn = origActivePDT
		switchPDTFn = origSwitchPDT
		flushTLBEntryFn = origFlushTLBEntry
		flushTLBFn = origFlushTLB
		irqEnabledFn = origIRQEnabled
		disableIRQFn = origDisableIRQ
		enableIRQFn = origEnableIRQ
		noExecuteEnabled = origNX
		activeTableTaken = false
	}(ptePtrFn, activePDTFn, switchPDTFn, flushTLBEntryFn, flushTLBFn, irqEnabledFn, disableIRQFn, enableIRQFn, noExecuteEnabled)

	fake := &fakeMMU{
		mem:        make(map[mm.Frame]*pageTable),
		cr3:        bootP4Frame,
		irqEnabled: true,
	}
	fake.frame(bootP4Frame)[recursiveIndex].set(bootP4Frame, FlagPresent|FlagRW)

	ptePtrFn = fake.resolve
	activePDTFn = func() uintptr { return fake.cr3.Address() }
	switchPDTFn = func(addr uintptr) { fake.cr3 = mm.FrameFromAddress(addr) }
	flushTLBEntryFn = func(_ uintptr) { fake.tlbEntryFlushes++ }
	flushTLBFn = func() { fake.tlbFlushes++ }
	irqEnabledFn = func() bool { return fake.irqEnabled }
	disableIRQFn = func() { fake.irqEnabled = false; fake.irqDisables++ }
	enableIRQFn = func() { fake.irqEnabled = true; fake.irqEnables++ }
	noExecuteEnabled = true
	activeTableTaken = false

	fn(fake, &testAllocator{next: firstFreeFrame})
}

// expectPanic runs fn and fails the test unless it panics with expErr.
func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		if err := recover(); err != expErr {
			t.Errorf("expected a panic with error %v; got %v", expErr, err)
		}
	}()
	fn()
}
