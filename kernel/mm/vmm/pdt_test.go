package vmm

import (
	"testing"
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

func TestNewActivePageTable(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, _ *testAllocator) {
		active := NewActivePageTable()
		if active.P4Frame() != bootP4Frame {
			t.Errorf("expected active P4 frame to be %v; got %v", bootP4Frame, active.P4Frame())
		}

		expectPanic(t, errActiveTableExists, func() {
			NewActivePageTable()
		})
	})

	withFakeMMU(t, func(fake *fakeMMU, _ *testAllocator) {
		// Recursive slot points to a different frame
		fake.frame(bootP4Frame)[recursiveIndex].set(bootP4Frame, FlagPresent|FlagRW)
		fake.frame(bootP4Frame + 1)[recursiveIndex].set(bootP4Frame, FlagPresent|FlagRW)
		fake.cr3 = bootP4Frame + 1

		expectPanic(t, errNotRecursivelyMapped, func() {
			NewActivePageTable()
		})
	})
}

func TestTemporaryPage(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()
		tp := NewTemporaryPage()

		if tp.Page().Address() != tempMappingAddr {
			t.Fatalf("expected temporary page at 0x%x; got 0x%x", tempMappingAddr, tp.Page().Address())
		}

		fake.frame(0x55)[7] = 0xf00

		addr, err := tp.Map(0x55, &active.Mapper, alloc)
		if err != nil {
			t.Fatal(err)
		}

		if got := tableAt(addr)[7]; got != 0xf00 {
			t.Errorf("expected to read the frame contents through the temporary page; got 0x%x", got)
		}

		expectPanic(t, errTemporaryPageInUse, func() {
			_, _ = tp.Map(0x56, &active.Mapper, alloc)
		})

		tp.Unmap(&active.Mapper)
		if got := active.TranslatePage(tp.Page()); got.Kind != Unmapped {
			t.Errorf("expected temporary page to be unmapped; got %+v", got)
		}

		if len(alloc.freed) != 0 {
			t.Errorf("expected the temporary page not to free the frame it pointed to; freed %v", alloc.freed)
		}

		// The page can be reused once unmapped
		if _, err = tp.Map(0x56, &active.Mapper, alloc); err != nil {
			t.Fatal(err)
		}
	})
}

func TestNewInactivePageTable(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()
		tp := NewTemporaryPage()

		frame := mm.Frame(0x77)
		junk := fake.frame(frame)
		for i := range junk {
			junk[i] = 0xf0f0f0f0
		}

		inactive, err := NewInactivePageTable(frame, active, tp, alloc)
		if err != nil {
			t.Fatal(err)
		}

		if inactive.P4Frame() != frame {
			t.Errorf("expected inactive table P4 frame to be %v; got %v", frame, inactive.P4Frame())
		}

		table := fake.frame(frame)
		for i := 0; i < recursiveIndex; i++ {
			if !table[i].IsUnused() {
				t.Fatalf("expected entry %d to be cleared; got 0x%x", i, table[i])
			}
		}

		if !table[recursiveIndex].HasFlags(FlagPresent|FlagRW) || table[recursiveIndex].Frame() != frame {
			t.Errorf("expected last entry to be recursively mapped to frame %v", frame)
		}

		if got := active.TranslatePage(tp.Page()); got.Kind != Unmapped {
			t.Error("expected temporary page to be unmapped")
		}

		alloc.err = &kernel.Error{Module: "test", Message: "out of memory"}
		tpFails := &TemporaryPage{page: mm.PageFromAddress(0x7f0000000000)}
		if _, err = NewInactivePageTable(0x78, active, tpFails, alloc); err != alloc.err {
			t.Errorf("expected error %v; got %v", alloc.err, err)
		}
	})
}

func TestNewAddressSpace(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()
		tp := NewTemporaryPage()

		if err := active.MapTo(mm.PageFromAddress(0x200000), 0x300, FlagRW, alloc); err != nil {
			t.Fatal(err)
		}
		shared := active.P4Entry(0)

		inactive, err := active.NewAddressSpace(0x210, tp, alloc, 0)
		if err != nil {
			t.Fatal(err)
		}

		table := fake.frame(inactive.P4Frame())
		if table[0] != shared {
			t.Errorf("expected P4 slot 0 to be shared; got 0x%x, want 0x%x", table[0], shared)
		}
		if !table[1].IsUnused() {
			t.Error("expected unlisted slots to stay empty")
		}
		if table[recursiveIndex].Frame() != 0x210 {
			t.Error("expected the recursive slot to point to the new P4 frame")
		}

		// Both trees resolve the shared mapping to the same frame
		active.Switch(inactive)
		if got := active.TranslatePage(mm.PageFromAddress(0x200000)); got.Frame != 0x300 {
			t.Errorf("expected shared mapping to resolve to frame 0x300; got %+v", got)
		}

		expectPanic(t, errSharedRecursiveSlot, func() {
			_, _ = active.NewAddressSpace(0x211, tp, alloc, recursiveIndex)
		})
	})
}

func TestCopySlot(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		var (
			active   = NewActivePageTable()
			tp       = NewTemporaryPage()
			kernPage = mm.PageFromAddress(0x100000)
			userPage = mm.PageFromAddress(mm.UserTCBOffset)
		)

		if err := active.IdentityMap(mm.FrameFromAddress(0x100000), FlagRW, alloc); err != nil {
			t.Fatal(err)
		}

		inactive, err := active.NewAddressSpace(0x200, tp, alloc, tp.Page().P4Index())
		if err != nil {
			t.Fatal(err)
		}
		if err = active.CopySlot(inactive, 0, tp, alloc); err != nil {
			t.Fatal(err)
		}

		activeP4 := fake.frame(bootP4Frame)
		table := fake.frame(inactive.P4Frame())
		if table[0].Frame() == activeP4[0].Frame() {
			t.Fatal("expected slot 0 to reference a private P3 table")
		}
		if !table[0].HasFlags(FlagPresent | FlagRW) {
			t.Errorf("expected copied entry to keep its flags; got 0x%x", table[0])
		}
		if got := active.TranslatePage(tp.Page()); got.Kind != Unmapped {
			t.Error("expected temporary page to be unmapped")
		}

		err = active.With(inactive, tp, alloc, func(mapper *Mapper) *kernel.Error {
			if got := mapper.TranslatePage(kernPage); got.Frame != 0x100 {
				t.Errorf("expected copied identity mapping to resolve to frame 0x100; got %+v", got)
			}
			return mapper.Map(userPage, FlagRW|FlagUserAccessible, alloc)
		})
		if err != nil {
			t.Fatal(err)
		}

		if got := active.TranslatePage(userPage); got.Kind != Unmapped {
			t.Errorf("expected mapping in the copied slot to stay out of the loaded tree; got %+v", got)
		}

		active.Switch(inactive)
		if got := active.TranslatePage(userPage); got.Kind != Page4K {
			t.Errorf("expected page to be mapped in the new tree; got %+v", got)
		}
		if got := active.TranslatePage(kernPage); got.Frame != 0x100 {
			t.Errorf("expected identity mapping to survive the switch; got %+v", got)
		}
	})
}

func TestCopySlotEdgeCases(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()
		tp := NewTemporaryPage()

		inactive, err := NewInactivePageTable(0x200, active, tp, alloc)
		if err != nil {
			t.Fatal(err)
		}

		// Nothing to copy
		next := alloc.next
		if err = active.CopySlot(inactive, 3, tp, alloc); err != nil {
			t.Fatal(err)
		}
		if !fake.frame(inactive.P4Frame())[3].IsUnused() || alloc.next != next {
			t.Error("expected an unused slot to be skipped")
		}

		expectPanic(t, errSharedRecursiveSlot, func() {
			_ = active.CopySlot(inactive, recursiveIndex, tp, alloc)
		})

		if err = active.MapTo(mm.PageFromAddress(0x400000), 0x300, FlagRW, alloc); err != nil {
			t.Fatal(err)
		}

		alloc.err = &kernel.Error{Module: "test", Message: "out of memory"}
		if err = active.CopySlot(inactive, 0, tp, alloc); err != alloc.err {
			t.Errorf("expected error %v; got %v", alloc.err, err)
		}
		if !fake.frame(inactive.P4Frame())[0].IsUnused() {
			t.Error("expected a failed copy to leave the slot unused")
		}
	})
}

func TestWith(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		var (
			active = NewActivePageTable()
			tp     = NewTemporaryPage()
			page   = mm.PageFromAddress(0x400000)
		)

		inactive, err := NewInactivePageTable(0x200, active, tp, alloc)
		if err != nil {
			t.Fatal(err)
		}

		// Map something in the active tree that must stay untouched
		if err = active.MapTo(mm.PageFromAddress(0x800000), 0x300, FlagRW, alloc); err != nil {
			t.Fatal(err)
		}

		before := *fake.frame(bootP4Frame)
		flushes := fake.tlbFlushes

		var mappedFrame mm.Frame
		err = active.With(inactive, tp, alloc, func(mapper *Mapper) *kernel.Error {
			if fake.irqEnabled {
				t.Error("expected interrupts to be disabled while the recursive slot is redirected")
			}

			if got := mapper.TranslatePage(mm.PageFromAddress(0x800000)); got.Kind != Unmapped {
				t.Error("expected mapper to operate on the inactive tree")
			}

			if err := mapper.Map(page, FlagRW, alloc); err != nil {
				return err
			}
			mappedFrame = mapper.TranslatePage(page).Frame
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		if after := *fake.frame(bootP4Frame); after != before {
			t.Error("expected the active P4 table to be identical before and after With")
		}

		if exp := flushes + 2; fake.tlbFlushes != exp {
			t.Errorf("expected %d full TLB flushes; got %d", exp, fake.tlbFlushes)
		}

		if !fake.irqEnabled || fake.irqDisables != 1 || fake.irqEnables != 1 {
			t.Error("expected interrupts to be disabled once and restored")
		}

		if got := active.TranslatePage(page); got.Kind != Unmapped {
			t.Errorf("expected page to be mapped only in the inactive tree; got %+v", got)
		}
		if got := active.TranslatePage(mm.PageFromAddress(0x800000)); got.Frame != 0x300 {
			t.Errorf("expected active mappings to be preserved; got %+v", got)
		}
		if got := active.TranslatePage(tp.Page()); got.Kind != Unmapped {
			t.Error("expected temporary page to be unmapped")
		}

		// Load the inactive tree and translate without With
		old := active.Switch(inactive)
		if old.P4Frame() != bootP4Frame {
			t.Errorf("expected Switch to return the previously loaded table %v; got %v", bootP4Frame, old.P4Frame())
		}
		if active.P4Frame() != inactive.P4Frame() {
			t.Errorf("expected loaded P4 frame to be %v; got %v", inactive.P4Frame(), active.P4Frame())
		}

		got := active.TranslatePage(page)
		if got.Kind != Page4K || got.Frame != mappedFrame {
			t.Errorf("expected page to be mapped to frame %v after switching; got %+v", mappedFrame, got)
		}
	})
}

func TestWithRestoresOnFailure(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()
		tp := NewTemporaryPage()

		inactive, err := NewInactivePageTable(0x200, active, tp, alloc)
		if err != nil {
			t.Fatal(err)
		}
		before := *fake.frame(bootP4Frame)

		expErr := &kernel.Error{Module: "test", Message: "body failed"}
		if err = active.With(inactive, tp, alloc, func(_ *Mapper) *kernel.Error { return expErr }); err != expErr {
			t.Errorf("expected error %v; got %v", expErr, err)
		}

		expectPanic(t, expErr, func() {
			_ = active.With(inactive, tp, alloc, func(_ *Mapper) *kernel.Error { panic(expErr) })
		})

		if after := *fake.frame(bootP4Frame); after != before {
			t.Error("expected the active P4 table to be restored")
		}

		if !fake.irqEnabled || fake.irqEnables != 2 {
			t.Errorf("expected interrupts to be re-enabled after each call; got %d enables", fake.irqEnables)
		}

		// With interrupts already disabled, With must not enable them
		fake.irqEnabled = false
		_ = active.With(inactive, tp, alloc, func(_ *Mapper) *kernel.Error { return nil })
		if fake.irqEnabled {
			t.Error("expected interrupts to remain disabled")
		}
	})
}

func TestWithTemporaryMappingFailure(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()
		tp := NewTemporaryPage()

		inactive, err := NewInactivePageTable(0x200, active, tp, alloc)
		if err != nil {
			t.Fatal(err)
		}

		// Drop the tables of the temporary page so mapping it needs frames
		fake.frame(bootP4Frame)[tp.Page().P4Index()].SetUnused()
		alloc.err = &kernel.Error{Module: "test", Message: "out of memory"}

		err = active.With(inactive, tp, alloc, func(_ *Mapper) *kernel.Error {
			t.Error("unexpected call to body")
			return nil
		})
		if err != alloc.err {
			t.Errorf("expected error %v; got %v", alloc.err, err)
		}

		if fake.frame(bootP4Frame)[recursiveIndex].Frame() != bootP4Frame {
			t.Error("expected recursive slot to be untouched")
		}
	})
}
