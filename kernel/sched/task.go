package sched

import (
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem/stack"
	"github.com/MinkowskiMetric/gokern/kernel/sync"
)

// State is a task's lifecycle position. A task is in at most one of
// {ready-list, current-on-some-CPU} at any time; New is the transient state
// between creation and either make_current or make_runnable.
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
)

// Priority selects which ready FIFO a task waits in. Idle tasks are only
// ever dequeued when nothing Normal is runnable.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityNormal

	priorityCount = 2
)

// Pid space is partitioned the way spec.md's Task data model requires:
// user pids grow up from 0, system pids grow down from the top, and the
// two ranges never overlap.
type Pid uint64

const (
	minSystemPid = Pid(0xfff8_0000_0000_0000)
	maxPid       = Pid(0x0007_ffff_ffff_ffff)
)

var errOutOfPids = &kernel.Error{Module: "sched", Message: "pid space exhausted"}

// Task is the stable identity of a schedulable unit of
// work. Its architectural context and ready-list linkage live in a separate
// TaskControl, which only exists while the task is not the CPU's current
// task -- mirroring the teacher's split between the long-lived Task and the
// short-lived, ownership-transferring TaskControl.
type Task struct {
	pid      Pid
	priority Priority
	cpuID    *uint8 // nil means "no affinity"
	stack    stack.KernelStack

	state State
}

func (t *Task) Pid() Pid           { return t.pid }
func (t *Task) Priority() Priority { return t.priority }
func (t *Task) State() State       { return t.state }
func (t *Task) StackTop() uintptr  { return t.stack.StackTop() }

func (t *Task) setRunning() {
	if t.state != StateReady {
		panic("sched: setRunning on a task that was not ready")
	}
	t.state = StateRunning
}

func (t *Task) setReady() {
	if t.state != StateRunning {
		panic("sched: setReady on a task that was not running")
	}
	t.state = StateReady
}

// TaskControl wraps a Task with the architectural context and the ready
// list link that only matter while the task isn't the CPU's current task.
type TaskControl struct {
	task *Task
	ctx  ArchContext

	next *TaskControl
}

func (c *TaskControl) Task() *Task              { return c.task }
func (c *TaskControl) ArchContext() *ArchContext { return &c.ctx }

// MakeReady transitions the outgoing task back to Ready and pushes it onto
// its priority's ready list. Called once a context switch to a different
// task has completed.
func (c *TaskControl) MakeReady() {
	c.task.setReady()
	directory.addReady(c)
}

type directoryData struct {
	lock sync.Spinlock

	byPid        map[Pid]*Task
	ready        [priorityCount]readyList
	nextPid      Pid
	nextSystemPid Pid
}

// readyList is a singly-linked FIFO queue of TaskControls. A plain slice
// would also work, but a linked list avoids copying/shifting on a long
// queue and matches the teacher's general preference for linking through
// the payload rather than through auxiliary storage (the region allocator
// and heap free list both do the same).
type readyList struct {
	head, tail *TaskControl
}

func (q *readyList) pushBack(c *TaskControl) {
	c.next = nil
	if q.tail == nil {
		q.head, q.tail = c, c
		return
	}
	q.tail.next = c
	q.tail = c
}

func (q *readyList) popFrontMatching(cpuID uint8, pred func(*TaskControl) bool) *TaskControl {
	var prev *TaskControl
	for cur := q.head; cur != nil; cur = cur.next {
		if pred(cur) {
			if prev == nil {
				q.head = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == q.tail {
				q.tail = prev
			}
			cur.next = nil
			return cur
		}
		prev = cur
	}
	return nil
}

var directory = &directoryData{
	byPid:         make(map[Pid]*Task),
	nextSystemPid: Pid(0xffff_ffff_ffff_ffff),
}

func (d *directoryData) generatePid(systemTask bool) (Pid, *kernel.Error) {
	if systemTask {
		if d.nextSystemPid <= minSystemPid {
			d.nextSystemPid = Pid(0xffff_ffff_ffff_ffff)
		}
		for {
			if d.nextSystemPid <= minSystemPid {
				return 0, errOutOfPids
			}
			if _, taken := d.byPid[d.nextSystemPid]; !taken {
				break
			}
			d.nextSystemPid--
		}
		pid := d.nextSystemPid
		d.nextSystemPid--
		return pid, nil
	}

	if d.nextPid >= maxPid {
		d.nextPid = 0
	}
	for {
		if d.nextPid >= maxPid {
			return 0, errOutOfPids
		}
		if _, taken := d.byPid[d.nextPid]; !taken {
			break
		}
		d.nextPid++
	}
	pid := d.nextPid
	d.nextPid++
	return pid, nil
}

func (d *directoryData) createTask(systemTask bool, priority Priority, cpuID *uint8, st stack.KernelStack) (*Task, *kernel.Error) {
	d.lock.Acquire()
	defer d.lock.Release()

	pid, err := d.generatePid(systemTask)
	if err != nil {
		return nil, err
	}

	task := &Task{pid: pid, priority: priority, cpuID: cpuID, stack: st, state: StateNew}
	d.byPid[pid] = task
	return task, nil
}

func (d *directoryData) addReady(c *TaskControl) {
	d.lock.Acquire()
	d.ready[c.task.priority].pushBack(c)
	d.lock.Release()
}

// findNext pops the highest-priority ready task, at or above minPriority,
// whose affinity admits the calling CPU. Scans from the top priority down,
// exactly as the Ready Queue data model describes.
func (d *directoryData) findNext(minPriority Priority, cpuID uint8) *TaskControl {
	d.lock.Acquire()
	defer d.lock.Release()

	for p := priorityCount - 1; p >= int(minPriority); p-- {
		if c := d.ready[p].popFrontMatching(cpuID, func(c *TaskControl) bool {
			return c.task.cpuID == nil || *c.task.cpuID == cpuID
		}); c != nil {
			return c
		}
	}
	return nil
}

// TaskSnapshot is a point-in-time description of one task, independent of
// whether it is currently ready, running or newly created. kernel/diag uses
// this to build a profile snapshot of the scheduler without reaching into
// directoryData directly.
type TaskSnapshot struct {
	Pid      Pid
	Priority Priority
	State    State
}

// Snapshot returns a point-in-time copy of every task the directory
// currently knows about.
func Snapshot() []TaskSnapshot {
	directory.lock.Acquire()
	defer directory.lock.Release()

	out := make([]TaskSnapshot, 0, len(directory.byPid))
	for _, t := range directory.byPid {
		out = append(out, TaskSnapshot{Pid: t.pid, Priority: t.priority, State: t.state})
	}
	return out
}
