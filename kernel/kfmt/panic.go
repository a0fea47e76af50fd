package kfmt

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic reports e as an unrecoverable error and halts the CPU. Calls to Panic
// never return. The paging code signals broken invariants (e.g. remapping a
// mapped page) by panicking with a *kernel.Error, so Panic is also the
// redirection target for panic(). The redirect is written into the kernel
// image by tools/redirects and installed at boot by redirect.Apply.
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	halt(err)
}

// panicString serves as a redirect target for runtime.throw. It is called by
// Panic so the linker keeps it in the image.
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	halt(errRuntimePanic)
}

func halt(err *kernel.Error) {
	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
