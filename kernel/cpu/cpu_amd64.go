package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// ReadCR3 returns the physical address of the currently active top-level
// page table together with the flags bits (PCID et al) stored in CR3's low
// bits.
func ReadCR3() uint64

// WriteCR3 loads a new value into CR3, switching the active address space
// and implicitly flushing all non-global TLB entries.
func WriteCR3(value uint64)

// RDMSR reads the model-specific register identified by ecx and returns the
// 64-bit value packed from EDX:EAX.
func RDMSR(ecx uint32) uint64

// WRMSR writes a 64-bit value to the model-specific register identified by
// ecx.
func WRMSR(ecx uint32, value uint64)

// Pause executes the PAUSE instruction, hinting to the CPU that this is a
// spin-wait loop so it can avoid a memory-order violation penalty.
func Pause()

// Inb reads a single byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inl reads a 32-bit value from the given I/O port.
func Inl(port uint16) uint32

// Outl writes a 32-bit value to the given I/O port.
func Outl(port uint16, value uint32)

// LoadGDT loads the global descriptor table from the given pseudo-descriptor
// address (limit:base, as built by gdt.Init) and reloads the segment
// registers.
func LoadGDT(gdtPtrAddr uintptr)

// LoadIDT loads the interrupt descriptor table from the given
// pseudo-descriptor address.
func LoadIDT(idtPtrAddr uintptr)

// LoadTR loads the task register with the given GDT selector, activating
// the corresponding TSS.
func LoadTR(selector uint16)

// StackPointer returns the current value of RSP. It is used by the
// scheduler to snapshot where a new task's bootstrap stack frame begins.
func StackPointer() uintptr
