package vmm

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/multiboot"
)

type testSection struct {
	name    string
	flags   multiboot.ElfSectionFlag
	address uintptr
	size    uint64
}

func mockElfSections(sections ...testSection) func(multiboot.ElfSectionVisitor) {
	return func(visitor multiboot.ElfSectionVisitor) {
		for _, sec := range sections {
			visitor(sec.name, sec.flags, sec.address, sec.size)
		}
	}
}

func TestRemapKernel(t *testing.T) {
	defer func(origVisitElfSections func(multiboot.ElfSectionVisitor), origSink io.Writer) {
		visitElfSectionsFn = origVisitElfSections
		kfmt.SetOutputSink(origSink)
	}(visitElfSectionsFn, kfmt.GetOutputSink())

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		// The bootloader tables live inside the kernel .data section
		fake.cr3 = 0x103
		fake.frame(0x103)[recursiveIndex].set(0x103, FlagPresent|FlagRW)
		active := NewActivePageTable()

		visitElfSectionsFn = mockElfSections(
			testSection{".text", multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, 0x100000, 0x2800},
			testSection{".data", multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, 0x103000, 0x1000},
			testSection{".debug", 0, 0, 0x4000},
		)

		if err := RemapKernel(active, alloc, 0x120000, 0x121800); err != nil {
			t.Fatal(err)
		}

		if fake.cr3 != firstFreeFrame {
			t.Fatalf("expected the new tree (frame %v) to be loaded; cr3 is %v", firstFreeFrame, fake.cr3)
		}

		specs := []struct {
			addr      uintptr
			expMapped bool
			expFlags  PageTableEntryFlag
			noFlags   PageTableEntryFlag
		}{
			{0x100000, true, FlagPresent, FlagRW | FlagNoExecute},
			{0x102fff, true, FlagPresent, FlagRW | FlagNoExecute},
			// guard page for the bootloader P4 table
			{0x103000, false, 0, 0},
			{0xb8000, true, FlagPresent | FlagRW | FlagNoExecute, 0},
			{0x120000, true, FlagPresent | FlagNoExecute, FlagRW},
			{0x121000, true, FlagPresent | FlagNoExecute, FlagRW},
			{0x122000, false, 0, 0},
			{0, false, 0, 0},
		}

		for specIndex, spec := range specs {
			phys, err := active.Translate(spec.addr)
			if !spec.expMapped {
				if err != ErrInvalidMapping {
					t.Errorf("[spec %d] expected 0x%x not to be mapped", specIndex, spec.addr)
				}
				continue
			}

			if err != nil || phys != spec.addr {
				t.Errorf("[spec %d] expected 0x%x to be identity mapped; got 0x%x, %v", specIndex, spec.addr, phys, err)
				continue
			}

			entry := fake.leaf(spec.addr)
			if !entry.HasFlags(spec.expFlags) || entry.HasAnyFlag(spec.noFlags) {
				t.Errorf("[spec %d] unexpected flags 0x%x for 0x%x", specIndex, uintptr(*entry), spec.addr)
			}
		}

		if !strings.Contains(buf.String(), "[vmm] guard page at 0x103000\n") {
			t.Errorf("expected guard page to be logged; got %q", buf.String())
		}
	})
}

func TestRemapKernelUnalignedSection(t *testing.T) {
	defer func(origVisitElfSections func(multiboot.ElfSectionVisitor)) {
		visitElfSectionsFn = origVisitElfSections
	}(visitElfSectionsFn)

	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()

		visitElfSectionsFn = mockElfSections(
			testSection{".text", multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, 0x100800, 0x1000},
		)

		expectPanic(t, errUnalignedSection, func() {
			_ = RemapKernel(active, alloc, 0, 0)
		})

		if fake.cr3 != bootP4Frame {
			t.Error("expected the bootloader tree to stay loaded")
		}
		if fake.frame(bootP4Frame)[recursiveIndex].Frame() != bootP4Frame {
			t.Error("expected the recursive slot to be restored")
		}
	})
}

func TestRemapKernelAllocFailure(t *testing.T) {
	withFakeMMU(t, func(fake *fakeMMU, alloc *testAllocator) {
		active := NewActivePageTable()
		alloc.err = &kernel.Error{Module: "test", Message: "out of memory"}

		if err := RemapKernel(active, alloc, 0, 0); err != alloc.err {
			t.Errorf("expected error %v; got %v", alloc.err, err)
		}
		if fake.cr3 != bootP4Frame {
			t.Error("expected the bootloader tree to stay loaded")
		}
	})
}
