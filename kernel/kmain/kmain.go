package kmain

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/driver/tty"
	"vmkernel/kernel/driver/video/console"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm/memctl"
	"vmkernel/kernel/mm/vmm"
	"vmkernel/kernel/redirect"
	"vmkernel/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	textConsole console.Text
	terminal    tty.Vt
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT,
// a recursively mapped P4 table and a minimal g0 struct that allows Go code to use
// the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	textConsole.Init(console.TextWidth, console.TextHeight, console.TextBufferAddr)
	terminal.AttachTo(&textConsole)
	terminal.Clear()
	kfmt.SetOutputSink(&terminal)

	// Kernel text is only writable until write protection is enabled below
	kfmt.Printf("[kmain] installed %d runtime redirects\n", redirect.Apply())

	if cpu.HasNX() {
		cpu.EnableNX()
		vmm.EnableNoExecute()
	}
	cpu.EnableWriteProtect()

	ctrl, err := memctl.Init(memctl.DefaultConfig())
	if err != nil {
		panic(err)
	}

	ctrl.With(func(mem *memctl.Memory) {
		stack, err := mem.AllocStack(4)
		if err != nil {
			panic(err)
		}
		kfmt.Printf("[kmain] idle stack at 0x%x - 0x%x\n", stack.Bottom, stack.Top)
	})

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
