package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBFn is used by tests to override calls to flushTLB.
	flushTLBFn = cpu.FlushTLB

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	irqEnabledFn = cpu.InterruptsEnabled
	disableIRQFn = cpu.DisableInterrupts
	enableIRQFn  = cpu.EnableInterrupts

	// activeTable is handed out by NewActivePageTable. Only one
	// ActivePageTable may exist at any time.
	activeTable      ActivePageTable
	activeTableTaken bool

	errActiveTableExists    = &kernel.Error{Module: "vmm", Message: "active page table already acquired"}
	errNotRecursivelyMapped = &kernel.Error{Module: "vmm", Message: "loaded P4 table is not recursively mapped"}
	errSharedRecursiveSlot  = &kernel.Error{Module: "vmm", Message: "the recursive P4 slot cannot be shared"}
)

// ActivePageTable represents the page table tree that is currently loaded
// by the CPU. Its embedded Mapper operates on that tree.
type ActivePageTable struct {
	Mapper
}

// NewActivePageTable returns the ActivePageTable for the loaded tree. The
// loaded P4 table must contain a recursive mapping in its last slot. Only a
// single ActivePageTable may be obtained; a second call causes a panic.
func NewActivePageTable() *ActivePageTable {
	if activeTableTaken {
		panic(errActiveTableExists)
	}

	p4Frame := mm.FrameFromAddress(activePDTFn())
	if tableAt(p4VirtualAddr)[recursiveIndex].PointedFrame() != p4Frame {
		panic(errNotRecursivelyMapped)
	}

	activeTableTaken = true
	activeTable.Mapper = Mapper{p4Addr: p4VirtualAddr}
	return &activeTable
}

// P4Frame returns the frame that holds the loaded P4 table.
func (t *ActivePageTable) P4Frame() mm.Frame {
	return mm.FrameFromAddress(activePDTFn())
}

// With temporarily points the recursive slot of the loaded P4 table to the
// P4 table of inactive and invokes body. While body runs, the embedded Mapper
// operates on the inactive tree; code and data outside the recursive slot
// keep being served by the loaded tree. The recursive slot is restored on
// every exit path, including a panic in body.
//
// Interrupts are disabled while the recursive slot is redirected.
func (t *ActivePageTable) With(inactive InactivePageTable, tp *TemporaryPage, alloc mm.FrameAllocator, body func(*Mapper) *kernel.Error) *kernel.Error {
	if irqEnabledFn() {
		disableIRQFn()
		defer enableIRQFn()
	}

	// Keep the loaded P4 reachable through the temporary page so we can
	// restore its recursive slot while the slot points elsewhere.
	activeP4Frame := t.P4Frame()
	backup, err := tp.mapTable(activeP4Frame, &t.Mapper, alloc)
	if err != nil {
		return err
	}

	defer func() {
		backup[recursiveIndex].set(activeP4Frame, FlagPresent|FlagRW)
		flushTLBFn()
		tp.Unmap(&t.Mapper)
	}()

	tableAt(t.p4Addr)[recursiveIndex].set(inactive.p4Frame, FlagPresent|FlagRW)
	flushTLBFn()

	return body(&t.Mapper)
}

// Switch loads the tree of newTable and returns the previously loaded tree
// as an InactivePageTable.
func (t *ActivePageTable) Switch(newTable InactivePageTable) InactivePageTable {
	old := InactivePageTable{p4Frame: t.P4Frame()}
	switchPDTFn(newTable.p4Frame.Address())
	return old
}

// InactivePageTable is a page table tree that is not currently loaded. Its
// P4 table is recursively mapped so it can be loaded or borrowed via
// ActivePageTable.With.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// NewInactivePageTable clears frame and installs a recursive mapping in its
// last slot so it can serve as the P4 table of a new tree. The frame is
// accessed through tp.
func NewInactivePageTable(frame mm.Frame, active *ActivePageTable, tp *TemporaryPage, alloc mm.FrameAllocator) (InactivePageTable, *kernel.Error) {
	return active.NewAddressSpace(frame, tp, alloc)
}

// NewAddressSpace builds an inactive tree in frame like NewInactivePageTable
// and copies the P4 entries listed in sharedSlots from the loaded tree so that
// both trees reference the same lower-level tables for those slots. Any
// mapping made later below a shared slot is visible in both trees; use
// CopySlot for slots that must stay private. The recursive slot cannot be
// shared.
func (t *ActivePageTable) NewAddressSpace(frame mm.Frame, tp *TemporaryPage, alloc mm.FrameAllocator, sharedSlots ...uintptr) (InactivePageTable, *kernel.Error) {
	for _, slot := range sharedSlots {
		if slot == recursiveIndex {
			panic(errSharedRecursiveSlot)
		}
	}

	table, err := tp.mapTable(frame, &t.Mapper, alloc)
	if err != nil {
		return InactivePageTable{}, err
	}

	*table = pageTable{}
	for _, slot := range sharedSlots {
		table[slot] = t.P4Entry(slot)
	}
	table[recursiveIndex].set(frame, FlagPresent|FlagRW)
	tp.Unmap(&t.Mapper)

	return InactivePageTable{p4Frame: frame}, nil
}

// CopySlot gives inactive a private copy of every table that the loaded tree
// uses below P4 slot. Leaf entries are copied unchanged so both trees keep
// mapping the same frames, but mappings added or removed later in one tree
// are not visible in the other. An unused slot is left unused in inactive.
//
// CopySlot must not be called from within With since both use tp. Frames of
// a partial copy are not reclaimed if an allocation fails.
func (t *ActivePageTable) CopySlot(inactive InactivePageTable, slot uintptr, tp *TemporaryPage, alloc mm.FrameAllocator) *kernel.Error {
	if slot == recursiveIndex {
		panic(errSharedRecursiveSlot)
	}

	entry := t.P4Entry(slot)
	if !entry.HasFlags(FlagPresent) {
		return nil
	}

	frame, err := t.copyTable(childTableAddr(t.p4Addr, slot), levelP3, tp, alloc)
	if err != nil {
		return err
	}

	entry.SetFrame(frame)
	return t.writeEntry(inactive.p4Frame, slot, entry, tp, alloc)
}

// copyTable copies the table at the recursive address srcAddr and all of its
// child tables into newly allocated frames and returns the frame of the copy.
func (t *ActivePageTable) copyTable(srcAddr uintptr, level tableLevel, tp *TemporaryPage, alloc mm.FrameAllocator) (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame(alloc)
	if err != nil {
		return mm.InvalidFrame, err
	}

	dst, err := tp.mapTable(frame, &t.Mapper, alloc)
	if err != nil {
		return mm.InvalidFrame, err
	}
	*dst = *tableAt(srcAddr)
	tp.Unmap(&t.Mapper)

	for index := uintptr(0); index < entriesPerTable; index++ {
		childAddr, ok := nextTable(level, srcAddr, index)
		if !ok {
			continue
		}

		childFrame, err := t.copyTable(childAddr, level+1, tp, alloc)
		if err != nil {
			return mm.InvalidFrame, err
		}

		entry := tableAt(srcAddr)[index]
		entry.SetFrame(childFrame)
		if err = t.writeEntry(frame, index, entry, tp, alloc); err != nil {
			return mm.InvalidFrame, err
		}
	}

	return frame, nil
}

// writeEntry stores entry at index of the table held in tableFrame.
func (t *ActivePageTable) writeEntry(tableFrame mm.Frame, index uintptr, entry PageTableEntry, tp *TemporaryPage, alloc mm.FrameAllocator) *kernel.Error {
	table, err := tp.mapTable(tableFrame, &t.Mapper, alloc)
	if err != nil {
		return err
	}

	table[index] = entry
	tp.Unmap(&t.Mapper)
	return nil
}

// P4Frame returns the frame that holds the P4 table of this tree.
func (t InactivePageTable) P4Frame() mm.Frame {
	return t.p4Frame
}
