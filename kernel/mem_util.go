package kernel

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-by-byte loop it doubles the initialized prefix with each copy
// call, which needs log2(size) copies for the page-sized blocks it is
// normally called with.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := byteSlice(addr, size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(byteSlice(dst, size), byteSlice(src, size))
}

// byteSlice overlays a byte slice on top of the memory block starting at addr.
func byteSlice(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}
