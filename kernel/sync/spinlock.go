// Package sync provides synchronization primitive implementations for spinlocks
// and semaphore.
package sync

import (
	"sync/atomic"

	"github.com/MinkowskiMetric/gokern/kernel/cpu"
)

var (
	// yieldFn is wired up by the scheduler (sched.SetYieldFunc) once task
	// switching is available. Before that point spinlocks degrade to a pure
	// PAUSE busy-wait, which is correct but wasteful on a single-task boot.
	yieldFn func()

	attemptsBeforeYielding uint32 = 1024
)

// SetYieldFunc installs the function spinlocks call after spinning for a
// while without acquiring the lock. The scheduler package calls this once
// its ready queues exist so that a blocked CPU gives another task a chance
// to run instead of spinning forever.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	var spins uint32
	for !l.TryToAcquire() {
		cpu.Pause()
		spins++
		if spins >= attemptsBeforeYielding {
			spins = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
