package irq

import "github.com/MinkowskiMetric/gokern/kernel/kfmt"

// Vector identifies one of the 256 IDT slots. 0..31 are architectural
// exceptions, 32..47 are the legacy IRQ remap target, the rest are free for
// IPIs and device interrupts.
type Vector uint8

const (
	DivideByZero               = Vector(0)
	Debug                      = Vector(1)
	NMI                        = Vector(2)
	Breakpoint                 = Vector(3)
	Overflow                   = Vector(4)
	BoundRangeExceeded         = Vector(5)
	InvalidOpcode              = Vector(6)
	DeviceNotAvailable         = Vector(7)
	DoubleFault                = Vector(8)
	InvalidTSS                 = Vector(10)
	SegmentNotPresent          = Vector(11)
	StackSegmentFault          = Vector(12)
	GPFException                = Vector(13)
	PageFaultException          = Vector(14)
	FloatingPointException      = Vector(16)
	AlignmentCheck              = Vector(17)
	MachineCheck                = Vector(18)
	SIMDFloatingPointException  = Vector(19)

	// IRQRemapBase is the vector legacy IRQ 0 is remapped to by the IOAPIC
	// setup in kernel/apic.
	IRQRemapBase = Vector(32)

	// VectorTLBShootdown is the IPI every CPU listens on to flush its TLB
	// in response to a remote page-table edit.
	VectorTLBShootdown = Vector(0xF0)
	// VectorHalt tells a CPU to disable interrupts and halt.
	VectorHalt = Vector(0xFE)
	// VectorSpurious is the LAPIC spurious-interrupt vector.
	VectorSpurious = Vector(0xFF)
)

// These IST slot numbers give three exceptions (NMI, double fault, page
// fault) a dedicated IST stack so a fault that occurs with a corrupted or exhausted kernel
// stack still has somewhere safe to run.
const (
	istNone       = uint8(0)
	istDoubleFault = uint8(1)
	istNMI         = uint8(2)
	istPageFault   = uint8(3)
)

// Frame is the portion of the interrupt stack frame the CPU pushes
// automatically before transferring control to a handler.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

func (f *Frame) Print() {
	kfmt.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Printf("RFL = %16x\n", f.RFlags)
}

// Regs is the general-purpose register snapshot saved by the common entry
// stub before it calls into Go.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

func (r *Regs) Print() {
	kfmt.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Printf("RBP = %16x\n", r.RBP)
	kfmt.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// InterruptErrorStack is the uniform layout presented to every handler
// regardless of whether the vector pushes a hardware error code. For
// vectors that do not, the entry stub pushes 0 in its place. commonEntry
// takes the stub's vector-number slot off the stack by swapping it through
// RAX before saving registers, so ErrorCode always sits directly above Regs.
type InterruptErrorStack struct {
	Regs      Regs
	ErrorCode uint64
	Frame     Frame
}

// Handler is invoked with the vector number and the live frame; modifying
// *Regs or *Frame propagates back to the faulting context on return via
// iretq.
type Handler func(vector Vector, stack *InterruptErrorStack)

var handlers [256]Handler

// HandleInterrupt installs handler for vector, optionally routing it
// through the given IST stack slot (0 means "no IST", run on whatever stack
// was active).
func HandleInterrupt(vector Vector, istOffset uint8, handler Handler) {
	handlers[vector] = handler
	installGate(vector, istOffset)
}

// Init loads the IDT built by installGate calls so far and arms the
// default handler for every vector nothing has claimed.
func Init() {
	installIDT()
}

// dispatchVector and dispatchStack are filled in by commonEntry (in
// irq_amd64.s) immediately before it calls dispatchCurrent. Using globals
// rather than passing arguments means the boundary between assembly and Go
// here only ever needs the zero-argument calling convention, which is the
// same regardless of which ABI the compiler chose for multi-argument Go
// functions.
var (
	dispatchVector uint8
	dispatchStack  *InterruptErrorStack
)

//go:nosplit
func dispatchCurrent() {
	dispatch(Vector(dispatchVector), dispatchStack)
}

// dispatch must not allocate -- it may run on an IST stack with no heap
// available -- and must not block.
//
//go:nosplit
func dispatch(vector Vector, stack *InterruptErrorStack) {
	if h := handlers[vector]; h != nil {
		h(vector, stack)
		return
	}
	defaultHandler(vector, stack)
}

func defaultHandler(vector Vector, stack *InterruptErrorStack) {
	kfmt.Printf("unhandled interrupt: vector %d, error code %x\n", vector, stack.ErrorCode)
	if vector < IRQRemapBase {
		kfmt.Printf("faulting instruction: %s\n", disassembleFault(stack.Frame.RIP))
	}
	stack.Regs.Print()
	stack.Frame.Print()
	panic("irq: unhandled interrupt")
}
