// Package redirect installs the function redirects that tools/redirects
// writes into the kernel image. Each redirect replaces the first bytes of a
// runtime function with a jump to its kernel replacement, e.g. runtime.gopanic
// is redirected to kfmt.Panic.
package redirect

import (
	"unsafe"
	"vmkernel/kernel"
)

const (
	// MaxEntries is the capacity of Table.
	MaxEntries = 16

	// unpopulated marks a Table that tools/redirects has not written to.
	unpopulated = uintptr(0x7ab1e0000000d1e0)

	// trampolineSize is the length of "movabs $dst, %rax; jmp *%rax".
	trampolineSize = 12
)

// Entry pairs the address of a function with the address of the function
// that replaces it.
type Entry struct {
	Src uintptr
	Dst uintptr
}

var (
	// Table is located in the image by its symbol name and filled in by
	// tools/redirects. It holds a static initializer so it is placed in a
	// data section that is backed by the image file. A zero Src terminates
	// the list.
	Table = [MaxEntries]Entry{{Src: unpopulated}}

	// writeCodeFn is used by tests to capture the patched code.
	writeCodeFn = func(addr uintptr, code []byte) {
		kernel.Memcopy(uintptr(unsafe.Pointer(&code[0])), addr, uintptr(len(code)))
	}

	errTableFull = &kernel.Error{Module: "redirect", Message: "redirect table has no terminating entry"}
)

// Apply patches every function listed in Table and returns the number of
// installed redirects. It must run while the kernel text is still writable,
// i.e. before CR0.WP is set.
func Apply() int {
	if Table[0].Src == unpopulated {
		return 0
	}

	var code [trampolineSize]byte
	for i, entry := range Table {
		if entry.Src == 0 {
			return i
		}

		trampoline(&code, entry.Dst)
		writeCodeFn(entry.Src, code[:])
	}

	panic(errTableFull)
}

// trampoline encodes an absolute jump to dst.
func trampoline(code *[trampolineSize]byte, dst uintptr) {
	code[0], code[1] = 0x48, 0xb8
	for i := uint(0); i < 8; i++ {
		code[2+i] = byte(dst >> (8 * i))
	}
	code[10], code[11] = 0xff, 0xe0
}
