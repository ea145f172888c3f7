package irq

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest an x86 instruction can legally encode to.
const maxInstLen = 15

// disassembleFault decodes the instruction at rip and renders it in
// Intel-ish x86asm syntax for the default fault handler's register dump.
// rip is read directly out of the faulting context, so this only ever runs
// against real, already-mapped kernel text.
func disassembleFault(rip uint64) string {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rip))), maxInstLen)

	inst, err := x86asm.Decode(src, 64)
	if err != nil {
		return "<undecodable>"
	}

	return inst.String()
}
