package smp

import (
	"testing"
	"unsafe"
)

func TestSharedAreaOffsetsAreDistinctAndWordAligned(t *testing.T) {
	offsets := []uintptr{offsetReadyFlag, offsetStackTop, offsetStartupData, offsetCPUID, offsetEntryPC}

	seen := map[uintptr]bool{}
	for _, off := range offsets {
		if off%8 != 0 {
			t.Fatalf("offset %d is not 8-byte aligned", off)
		}
		if seen[off] {
			t.Fatalf("offset %d used more than once", off)
		}
		seen[off] = true
	}
}

func TestLowMemoryRegionsDoNotOverlap(t *testing.T) {
	const pageSize = 0x1000

	regions := []struct {
		name string
		base uintptr
	}{
		{"shared area", sharedAreaPhysAddr},
		{"p4 table", p4TablePhysAddr},
		{"trampoline blob", trampolinePhysAddr},
	}

	for i, a := range regions {
		for j, b := range regions {
			if i == j {
				continue
			}
			if a.base+pageSize > b.base && a.base < b.base+pageSize {
				t.Fatalf("%s (0x%x) overlaps %s (0x%x)", a.name, a.base, b.name, b.base)
			}
		}
	}
}

func TestMarkReadySetsAPReady(t *testing.T) {
	data := &startupData{cpuID: 3}

	MarkReady(unsafe.Pointer(data))

	if data.apReady == 0 {
		t.Fatal("expected apReady to be set")
	}
}
