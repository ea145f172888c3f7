package vmm

import (
	"testing"

	"github.com/MinkowskiMetric/gokern/kernel/mem/pmm"
)

func TestPresentPTERoundTrip(t *testing.T) {
	frame := pmm.Frame(0x123)
	pte := NewPresentPTE(frame, FlagWritable|FlagUser, 7)

	if !pte.HasFlags(FlagWritable | FlagUser) {
		t.Error("expected writable+user flags to be set")
	}
	if pte.HasFlags(FlagNoExecute) {
		t.Error("did not expect NX to be set")
	}
	if got := pte.Frame(); got != frame {
		t.Errorf("expected frame %v, got %v", frame, got)
	}
	if got := pte.Counter(); got != 7 {
		t.Errorf("expected counter 7, got %d", got)
	}

	raw := pte.Raw()
	if !raw.IsPresent() {
		t.Fatal("expected raw encoding to report present")
	}
}

func TestPresentPTECounterOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected counter overflow to panic")
		}
	}()
	NewPresentPTE(pmm.Frame(0), 0, MaxCounterValue)
}

func TestNotPresentPTERoundTrip(t *testing.T) {
	npte := NewNotPresentPTE(NotPresentRegionHeader, 42)

	if npte.Type() != NotPresentRegionHeader {
		t.Errorf("expected region header type, got %v", npte.Type())
	}
	if got := npte.Counter(); got != 42 {
		t.Errorf("expected counter 42, got %d", got)
	}

	raw := npte.Raw()
	if raw.IsPresent() {
		t.Fatal("expected raw encoding to report not-present")
	}

	decoded, err := raw.NotPresent()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Type() != NotPresentRegionHeader {
		t.Errorf("expected decoded type to round-trip, got %v", decoded.Type())
	}
}

func TestRawNotPresentInvalidTypeFailsDecode(t *testing.T) {
	raw := RawPTE(uint64(250) << typeShift)
	if _, err := raw.NotPresent(); err == nil {
		t.Fatal("expected decode of an out-of-range type tag to fail")
	}
}

func TestKernelStackGuardPagePTE(t *testing.T) {
	g := KernelStackGuardPagePTE()
	if g.Type() != NotPresentGuardPage {
		t.Errorf("expected guard page type, got %v", g.Type())
	}
}

func TestRequireRegionHeaderPanicsOnWrongType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected RequireRegionHeader to panic on a non-header PTE")
		}
	}()
	KernelStackGuardPagePTE().RequireRegionHeader()
}
