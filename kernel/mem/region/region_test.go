package region

import "testing"

func TestAlignUpDown(t *testing.T) {
	specs := []struct {
		v, align, up, down uintptr
	}{
		{0, chunkSize, 0, 0},
		{1, chunkSize, chunkSize, 0},
		{chunkSize, chunkSize, chunkSize, chunkSize},
		{chunkSize + 1, chunkSize, 2 * chunkSize, chunkSize},
	}

	for i, spec := range specs {
		if got := alignUp(spec.v, spec.align); got != spec.up {
			t.Errorf("[spec %d] alignUp: expected %d, got %d", i, spec.up, got)
		}
		if got := alignDown(spec.v, spec.align); got != spec.down {
			t.Errorf("[spec %d] alignDown: expected %d, got %d", i, spec.down, got)
		}
	}
}

func TestRegionSize(t *testing.T) {
	r := &Region{PayloadStart: 0x1000, Limit: 0x5000}
	if got, exp := r.Size(), uintptr(0x4000); got != exp {
		t.Errorf("expected size %d, got %d", exp, got)
	}
}

func TestAllocateRejectsUndersizedKernelStack(t *testing.T) {
	// Both checks run before Allocate ever touches the region manager, so
	// they're exercised here without a live mapper.
	if _, err := Allocate(headerPages+1, TypeKernelStack, 0); err == nil {
		t.Error("expected a kernel stack request with only header and guard pages to be rejected (no room for payload above the guard page)")
	}
	if _, err := Allocate(headerPages, TypeHeap, 0); err == nil {
		t.Error("expected a region too small to hold its own header to be rejected")
	}
}

func TestMaxRegionChunksFitsCounterField(t *testing.T) {
	// The shared PTE counter field is 11 bits; the largest region chunk
	// count must fit below its exclusive upper bound.
	if MaxRegionChunks >= 2048 {
		t.Errorf("MaxRegionChunks %d does not fit the 11-bit counter field", MaxRegionChunks)
	}
}
