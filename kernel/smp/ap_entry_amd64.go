package smp

import (
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel/cpu"
)

// apEntryStub is the landing point the trampoline blob's final long jump
// targets once it has loaded CR3 from p4TablePhysAddr and reloaded CS
// through the long-mode GDT the BSP built. It has no Go prologue (no stack
// exists yet) and is implemented in ap_entry_amd64.s: it loads RSP from the
// shared area, recovers the startup-data pointer and CPU id the same way,
// and calls apDispatch with no arguments, following the same
// globals-instead-of-parameters convention kernel/irq's interrupt dispatch
// uses for the same reason -- a hand-assembled call site has no way to
// know which Go ABI a multi-argument call would need.
func apEntryStub()

var (
	apDispatchData  unsafe.Pointer
	apDispatchCPUID uint8
)

//go:nosplit
func apDispatch() {
	cpuID := apDispatchCPUID
	data := apDispatchData

	if entry != nil {
		entry(cpuID)
	}
	MarkReady(data)

	WaitForBSP()

	for {
		cpu.Halt()
	}
}
