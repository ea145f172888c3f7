package sync

import "testing"

func TestInitMutex(t *testing.T) {
	var m InitMutex

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected Lock before Init to panic")
			}
		}()
		m.Lock()
	}()

	m.Init(42)

	g := m.Lock()
	if got := g.Value().(int); got != 42 {
		t.Errorf("expected 42, got %v", got)
	}
	g.Set(43)
	g.Unlock()

	g2 := m.Lock()
	if got := g2.Value().(int); got != 43 {
		t.Errorf("expected 43, got %v", got)
	}
	g2.Unlock()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected double Init to panic")
			}
		}()
		m.Init(44)
	}()
}

func TestInitMutexTryLock(t *testing.T) {
	var m InitMutex
	m.Init(1)

	g := m.Lock()
	if _, ok := m.TryLock(); ok {
		t.Error("expected TryLock to fail while locked")
	}
	g.Unlock()

	g2, ok := m.TryLock()
	if !ok {
		t.Error("expected TryLock to succeed once unlocked")
	}
	g2.Unlock()
}
