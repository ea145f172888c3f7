package sched

import (
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel/cpu"
)

// iaFSBase is IA32_FS_BASE; kernel/gdt.InitPostPaging points it at this
// CPU's PerCPUBlock so CurrentCPUBlock can recover it from anywhere.
const iaFSBase = uint32(0xC0000100)

// PerCPUBlock is the minimum thread-local state each CPU needs: its own
// id, the task currently running on it, and the "old" task slot reschedule
// parks the outgoing task in for the duration of a context switch. self
// holds the block's own address, written once at allocation time -- the
// same value handed to gdt.InitPostPaging as the FS-base MSR value, so
// that CurrentCPUBlock can always recover it regardless of which CPU is
// asking.
type PerCPUBlock struct {
	CPUID   uint8
	Current *TaskControl
	Old     *TaskControl

	self uintptr
}

// NewPerCPUBlock allocates and self-references a per-CPU block for cpuID.
// The caller is responsible for passing the returned FSBase value to
// kernel/gdt.InitPostPaging on that CPU.
func NewPerCPUBlock(cpuID uint8) *PerCPUBlock {
	block := &PerCPUBlock{CPUID: cpuID}
	block.self = uintptr(unsafe.Pointer(block))
	return block
}

// FSBase returns the value gdt.InitPostPaging should write to IA32_FS_BASE
// for this block's CPU.
func (b *PerCPUBlock) FSBase() uintptr {
	return b.self
}

// CurrentCPUBlock recovers the calling CPU's per-CPU block through the
// FS-base MSR. Must not be called before gdt.InitPostPaging has run on
// this CPU.
func CurrentCPUBlock() *PerCPUBlock {
	return (*PerCPUBlock)(unsafe.Pointer(uintptr(cpu.RDMSR(iaFSBase))))
}

// CurrentCPUID returns the calling CPU's id.
func CurrentCPUID() uint8 {
	return CurrentCPUBlock().CPUID
}
