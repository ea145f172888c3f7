// Package stack allocates guarded kernel stacks and implements the
// stack-switch trampoline, the one place in the kernel that performs a bare
// stack-pointer transfer outside the scheduler's own context switch.
package stack

import (
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/cpu"
	"github.com/MinkowskiMetric/gokern/kernel/mem/region"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
)

// DefaultPages is the payload size (excluding the guard page) given to a
// stack allocated with New.
const DefaultPages = 16

// KernelStack is a guarded run of kernel virtual address space: a
// not-present guard page immediately below a writable, non-executable
// payload. The stack grows down from Limit; a stray write that walks off
// the bottom of the payload faults against the guard page instead of
// corrupting whatever region happens to sit below it.
type KernelStack struct {
	r *region.Region
}

// errStackTooSmall is returned when New is asked for zero payload pages. A
// kernel stack always carries a guard page below its payload; a stack with
// no payload at all would be nothing but a guard page, which is not a
// usable stack.
var errStackTooSmall = &kernel.Error{Module: "stack", Message: "kernel stack requires at least one page of payload"}

// New allocates a kernel stack with pages of usable payload beneath its
// guard page. pages must be at least 1.
func New(pages uintptr) (KernelStack, *kernel.Error) {
	if pages < 1 {
		return KernelStack{}, errStackTooSmall
	}
	// region.Allocate carves its two header pages and the guard page out
	// of the requested span, so both are added on top of the payload.
	r, err := region.Allocate(pages+3, region.TypeKernelStack, vmm.FlagWritable|vmm.FlagNoExecute)
	if err != nil {
		return KernelStack{}, err
	}
	return KernelStack{r: r}, nil
}

// StackTop returns the initial stack pointer value: the region's limit,
// since x86_64 stacks grow downward from the highest address.
func (s KernelStack) StackTop() uintptr {
	return s.r.Limit
}

// Release unmaps the stack's payload and guard page and returns the backing
// frames to the physical allocator. The caller must not still be running on
// this stack.
func (s KernelStack) Release() *kernel.Error {
	return region.Release(s.r)
}

// trampoline is the heap-resident payload handed across the stack switch.
// It outlives the switch on the new stack's heap reference, not the old
// stack's frame, which is why it must be heap-allocated rather than passed
// by value.
type trampoline struct {
	stack KernelStack
	fn    func(KernelStack)
}

// switchToTrampoline is implemented in assembly: it loads stackTop into RSP
// and trampolinePtr into RDI, then jumps to stackSwitchEntry. It never
// returns on the caller's original stack.
func switchToTrampoline(stackTop uintptr, trampolinePtr unsafe.Pointer)

//go:nosplit
func stackSwitchEntry(trampolinePtr unsafe.Pointer) {
	t := (*trampoline)(trampolinePtr)
	fn := t.fn
	s := t.stack
	t.fn = nil
	fn(s)
	// fn is documented to never return; if it does, there is no stack
	// left to unwind into.
	for {
		cpu.Halt()
	}
}

// SwitchToPermanent moves execution onto s (RSP := s.StackTop()) and invokes
// fn(s) from the new stack. fn must not return. The stack this function was
// called on becomes unreferenced once the switch completes and is reclaimed
// the ordinary way once its KernelStack (if any) is released by whoever
// owns it.
func SwitchToPermanent(s KernelStack, fn func(KernelStack)) {
	t := &trampoline{stack: s, fn: fn}
	switchToTrampoline(s.StackTop(), unsafe.Pointer(t))
}
