package sync

// InitMutex guards a value that is set up exactly once during boot and then
// read and written many times afterwards. Calling Init a second time is a
// programming error and panics; calling Lock before Init has run is also a
// programming error and panics. This mirrors the one-shot singleton pattern
// used for the frame-zone tables, the region manager, the heap and the
// scheduler's task directory.
type InitMutex struct {
	lock        Spinlock
	initialized bool
	value       interface{}
}

// Init installs the guarded value. Panics if called more than once.
func (m *InitMutex) Init(value interface{}) {
	m.lock.Acquire()
	defer m.lock.Release()

	if m.initialized {
		panic("InitMutex: Init called twice")
	}
	m.value = value
	m.initialized = true
}

// InitMutexGuard is returned by Lock and holds the InitMutex's spinlock until
// Unlock is called.
type InitMutexGuard struct {
	m *InitMutex
}

// Value returns the guarded value. Panics if the InitMutex was never
// initialized.
func (g InitMutexGuard) Value() interface{} {
	if !g.m.initialized {
		panic("InitMutex: Lock called before Init")
	}
	return g.m.value
}

// Set replaces the guarded value while the guard is held.
func (g InitMutexGuard) Set(value interface{}) {
	if !g.m.initialized {
		panic("InitMutex: Lock called before Init")
	}
	g.m.value = value
}

// Unlock releases the spinlock acquired by Lock.
func (g InitMutexGuard) Unlock() {
	g.m.lock.Release()
}

// Lock acquires the InitMutex's spinlock and returns a guard through which
// the guarded value can be read or replaced. The caller must call Unlock on
// the returned guard.
func (m *InitMutex) Lock() InitMutexGuard {
	m.lock.Acquire()
	if !m.initialized {
		m.lock.Release()
		panic("InitMutex: Lock called before Init")
	}
	return InitMutexGuard{m: m}
}

// TryLock behaves like Lock but returns ok == false instead of blocking when
// the spinlock is already held. Used for best-effort diagnostics (e.g.
// reporting free-frame counts) that must never contend with the allocator's
// fast path.
func (m *InitMutex) TryLock() (guard InitMutexGuard, ok bool) {
	if !m.lock.TryToAcquire() {
		return InitMutexGuard{}, false
	}
	return InitMutexGuard{m: m}, true
}
