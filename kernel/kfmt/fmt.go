// Package kfmt implements the kernel's diagnostic output: an allocation-free
// Printf, an early-boot ring buffer and the kernel panic handler.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is large enough for a 64-bit value in base 8 plus a sign.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf [numBufSize]byte

	// oneByte is a shared buffer for writing single characters.
	oneByte = []byte{0}

	// earlyBuffer keeps Printf output produced before SetOutputSink is
	// called.
	earlyBuffer ringBuffer

	// outputSink receives Printf output. When nil, output is written to
	// earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink redirects Printf output to w and replays any output that was
// buffered while no sink was installed.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyBuffer)
	}
}

// GetOutputSink returns the currently installed output sink or nil if output
// is still being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf writes formatted output to the active output sink. It supports the
// following verbs, each with an optional decimal width:
//
//  %s  string or []byte, left-padded with spaces
//  %d  integer in base 10, left-padded with spaces
//  %x  integer in base 16, left-padded with zeroes
//  %o  integer in base 8, left-padded with zeroes
//  %t  bool
//
// Printf does not allocate, so it is safe to call before the Go allocator is
// available. Arguments are never checked for the Stringer interface.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			write(w, errNoVerb)
			break
		}

		verb := format[i]
		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		if verb != 's' && verb != 'd' && verb != 'x' && verb != 'o' && verb != 't' {
			write(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		switch verb {
		case 's':
			fmtString(w, args[argIndex], width)
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		write(w, errWrongArgType)
	case b:
		write(w, trueValue)
	default:
		write(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		// string -> []byte conversions allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

// fmtInt formats any built-in integer type v in the requested base.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val   uint64
		neg   bool
		padCh = byte('0')
	)

	if base == 10 {
		padCh = ' '
	}

	switch n := v.(type) {
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uint:
		val = uint64(n)
	case uintptr:
		val = uint64(n)
	case int8:
		val, neg = abs(int64(n))
	case int16:
		val, neg = abs(int64(n))
	case int32:
		val, neg = abs(int64(n))
	case int64:
		val, neg = abs(n)
	case int:
		val, neg = abs(int64(n))
	default:
		write(w, errWrongArgType)
		return
	}

	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	// Digits are generated right-to-left into the tail of numBuf.
	start := numBufSize
	for {
		start--
		digit := byte(val % base)
		if digit < 10 {
			numBuf[start] = '0' + digit
		} else {
			numBuf[start] = 'a' + digit - 10
		}
		if val /= base; val == 0 {
			break
		}
	}

	if neg && padCh == ' ' {
		start--
		numBuf[start] = '-'
	}

	for numBufSize-start < width {
		start--
		numBuf[start] = padCh
	}

	// Zero-padded values keep the sign in front of the padding.
	if neg && padCh == '0' {
		if numBufSize-start == width && numBuf[start] == '0' {
			numBuf[start] = '-'
		} else {
			start--
			numBuf[start] = '-'
		}
	}

	write(w, numBuf[start:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, b byte) {
	oneByte[0] = b
	write(w, oneByte)
}

// write hides p from escape analysis. The call through the io.Writer
// interface would otherwise make the compiler move every Printf argument
// slice to the heap, which crashes the kernel before the allocator exists.
func write(w io.Writer, p []byte) {
	realWrite(w, noEscape(unsafe.Pointer(&p)))
}

func realWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
		return
	}
	_, _ = earlyBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
