// Package cpu exposes the privileged amd64 instructions used by the memory
// management code.
package cpu

const (
	// rflagsIF is the interrupt-enable bit of the RFLAGS register.
	rflagsIF = 1 << 9

	// efer is the extended feature enable MSR.
	efer = 0xc0000080

	// eferNXE enables the no-execute page protection bit.
	eferNXE = 1 << 11

	// cr0WP makes ring-0 code honour read-only page mappings.
	cr0WP = 1 << 16

	// cpuidNXBit is set in EDX of leaf 0x80000001 when no-execute is supported.
	cpuidNXBit = 1 << 20
)

var (
	cpuidFn    = ID
	readMSRFn  = ReadMSR
	writeMSRFn = WriteMSR
	readCR0Fn  = ReadCR0
	writeCR0Fn = WriteCR0
	readFlagFn = ReadFlags
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB flushes all non-global TLB entries by reloading CR3.
func FlushTLB()

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint64

// WriteCR0 stores val into the CR0 register.
func WriteCR0(val uint64)

// ReadFlags returns the contents of the RFLAGS register.
func ReadFlags() uint64

// ReadMSR returns the value of a model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores val into a model-specific register.
func WriteMSR(msr uint32, val uint64)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// InterruptsEnabled returns true if the interrupt flag is currently set.
func InterruptsEnabled() bool {
	return readFlagFn()&rflagsIF != 0
}

// HasNX returns true if the CPU supports no-execute page protection.
func HasNX() bool {
	if maxLeaf, _, _, _ := cpuidFn(0x80000000); maxLeaf < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&cpuidNXBit != 0
}

// EnableNX sets the NXE bit in the EFER MSR so page table entries may use the
// no-execute flag. Without it, the CPU treats bit 63 of an entry as reserved
// and faults on any mapping that carries it.
func EnableNX() {
	writeMSRFn(efer, readMSRFn(efer)|eferNXE)
}

// EnableWriteProtect sets CR0.WP so read-only mappings are enforced for
// kernel code as well.
func EnableWriteProtect() {
	writeCR0Fn(readCR0Fn() | cr0WP)
}
