package sched

import (
	"reflect"
	"unsafe"
)

// ArchContext is the saved architectural state for a task not currently
// running: the page table root, flags, and every callee-saved register
// plus the stack pointers. Field order and layout are load-bearing --
// switchContext (context_amd64.s) indexes into this struct by fixed byte
// offset rather than through Go field selectors.
type ArchContext struct {
	cr3    uintptr
	rflags uintptr
	rbx    uintptr
	r12    uintptr
	r13    uintptr
	r14    uintptr
	r15    uintptr
	rsp    uintptr
	rbp    uintptr
}

func (c *ArchContext) SetPageTable(cr3 uintptr) { c.cr3 = cr3 }
func (c *ArchContext) PageTable() uintptr       { return c.cr3 }

func (c *ArchContext) SetStack(rsp uintptr) { c.rsp = rsp }
func (c *ArchContext) Stack() uintptr       { return c.rsp }

// PushStack writes value onto this context's (not-currently-running) stack
// and adjusts rsp down by one word. Used before a task has ever run, to lay
// down the initial trampoline frame switchContext will "return" into.
func (c *ArchContext) PushStack(value uintptr) {
	c.rsp -= unsafe.Sizeof(value)
	*(*uintptr)(unsafe.Pointer(c.rsp)) = value
}

// PushStartupTrampoline arranges for this context's first switch-in to
// land in launchTrampoline, which pops the boxed entry closure back off the
// stack and calls it. fn must never return -- the trampoline halts the CPU
// if it does.
func (c *ArchContext) PushStartupTrampoline(fn func()) {
	boxed := &launchBox{fn: fn}
	c.PushStack(uintptr(unsafe.Pointer(boxed)))
	c.PushStack(reflect.ValueOf(launchTrampoline).Pointer())
}

type launchBox struct {
	fn func()
}

// switchContext performs the actual register/CR3/RFLAGS swap and falls
// through into completeTaskSwitch before returning into whatever the new
// context's saved rip was (ret pops it off the new stack). Implemented in
// context_amd64.s; grounded directly on the teacher's do_switch sequence.
func switchContext(current, next *ArchContext)

// launchTrampoline is the bodyless landing stub (context_amd64.s) every
// freshly spawned task's context is arranged to "return" into the first
// time it is ever switched to. It pops the *launchBox PushStartupTrampoline
// left on the stack into launchPending and calls launchDispatch, following
// the same globals-instead-of-arguments convention used everywhere else an
// assembly call site needs to hand control to Go (kernel/irq's dispatch,
// kernel/smp's apEntryStub).
func launchTrampoline()

var launchPending *launchBox

//go:nosplit
func launchDispatch() {
	boxed := launchPending
	launchPending = nil

	fn := boxed.fn
	fn()

	// The sched package has no task-exit path; if a task function returns
	// normally there is nowhere sensible left to go.
	panic("sched: task function returned")
}
