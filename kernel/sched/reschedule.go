package sched

import (
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem/stack"
	"github.com/MinkowskiMetric/gokern/kernel/sync"
)

func newTaskStack() (stack.KernelStack, *kernel.Error) {
	return stack.New(stack.DefaultPages)
}

// Init installs idleTask as this CPU's first running task and registers it
// with the directory. Called once per CPU, after its PerCPUBlock and FS
// base are set up (kernel/gdt.InitPostPaging) but before interrupts are
// re-enabled on it.
func Init(idle *Task) {
	block := CurrentCPUBlock()
	if block.Current != nil {
		panic("sched: Init called twice on this CPU")
	}

	idle.state = StateRunning
	block.Current = &TaskControl{task: idle}

	// Wire the spinlock package's reschedule hook now that there is a
	// reschedule to call: every spinlock retry loop yields to the
	// scheduler instead of just burning cycles.
	sync.SetYieldFunc(Reschedule)
}

// Spawn creates a new Normal-priority task running fn on its own kernel
// stack, with no CPU affinity, pushes it onto the ready list, and gives it
// an immediate chance to run via Reschedule.
func Spawn(fn func()) (*Task, *kernel.Error) {
	task, err := spawn(fn, PriorityNormal, nil)
	if err != nil {
		return nil, err
	}
	Reschedule()
	return task, nil
}

// NewIdleTask creates the Idle-priority task pinned to cpuID that Init
// expects each CPU to run when nothing else is ready. Unlike Spawn, it is
// never pushed onto a ready list: Init makes it this CPU's current task
// directly, the same way the teacher's Task::new_idle feeds straight into
// make_current rather than make_runnable.
func NewIdleTask(cpuID uint8, stackPages uintptr) (*Task, *kernel.Error) {
	st, err := stack.New(stackPages)
	if err != nil {
		return nil, err
	}
	return directory.createTask(true, PriorityIdle, &cpuID, st)
}

func spawn(fn func(), priority Priority, cpuID *uint8) (*Task, *kernel.Error) {
	st, err := newTaskStack()
	if err != nil {
		return nil, err
	}

	task, err := directory.createTask(priority == PriorityIdle, priority, cpuID, st)
	if err != nil {
		return nil, err
	}

	ctx := ArchContext{}
	ctx.SetStack(task.StackTop())
	ctx.PushStartupTrampoline(fn)

	control := &TaskControl{task: task, ctx: ctx}
	task.state = StateReady
	directory.addReady(control)

	return task, nil
}

// Reschedule hands the CPU to the next Ready task of priority >= the
// current task's, if one exists; otherwise it returns immediately and the
// caller keeps running. Must not be called while holding any spinlock:
// switchContext can park this CPU on another task's stack for an
// arbitrarily long time.
func Reschedule() {
	block := CurrentCPUBlock()

	next := directory.findNext(block.Current.Task().Priority(), block.CPUID)
	if next == nil {
		return
	}

	if block.Old != nil {
		panic("sched: reschedule called with a task switch already in progress")
	}

	block.Old = block.Current
	block.Current = next
	block.Current.Task().setRunning()

	switchContext(block.Old.ArchContext(), block.Current.ArchContext())
}

// completeTaskSwitch is called by switchContext (context_amd64.s) on the
// incoming task's stack, immediately after the register/CR3 swap. It moves
// the outgoing task from "old" back onto its ready list. Split out of
// Reschedule because the outgoing task cannot be touched until its
// register state has actually finished landing in its ArchContext, which
// only switchContext itself knows has happened.
//
//go:nosplit
func completeTaskSwitch() {
	block := CurrentCPUBlock()

	old := block.Old
	if old == nil {
		panic("sched: completeTaskSwitch with no switch in progress")
	}
	block.Old = nil

	old.MakeReady()
}

// Current returns the task currently running on the calling CPU.
func Current() *Task {
	return CurrentCPUBlock().Current.Task()
}
