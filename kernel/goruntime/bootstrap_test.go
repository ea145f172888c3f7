package goruntime

import (
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem"
	"github.com/MinkowskiMetric/gokern/kernel/mem/region"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"reflect"
	"testing"
	"unsafe"
)

func TestSysReserve(t *testing.T) {
	defer func() {
		regionAllocateFn = region.Allocate
	}()

	t.Run("zero size", func(t *testing.T) {
		var reserved bool
		regionAllocateFn = func(pages uintptr, _ region.Type, _ vmm.PresentFlag) (*region.Region, *kernel.Error) {
			t.Fatal("expected regionAllocateFn not to be called for a zero-sized reservation")
			return nil, nil
		}

		if got := sysReserve(nil, 0, &reserved); uintptr(got) != 0 {
			t.Fatalf("expected sysReserve(0) to return 0; got 0x%x", uintptr(got))
		}
		if !reserved {
			t.Fatal("expected reserved to be set to true")
		}
	})

	t.Run("success", func(t *testing.T) {
		var reserved bool

		specs := []struct {
			reqSize   mem.Size
			expPages  uintptr
			expRegion uintptr
		}{
			// exact multiple of page size
			{100 << mem.PageShift, 100, 0xbadf00d},
			// size should be rounded up to the nearest page
			{2*mem.PageSize - 1, 2, 0xc0ffee},
		}

		for specIndex, spec := range specs {
			regionAllocateFn = func(pages uintptr, regionType region.Type, flags vmm.PresentFlag) (*region.Region, *kernel.Error) {
				if pages != spec.expPages {
					t.Errorf("[spec %d] expected %d pages to be requested; got %d", specIndex, spec.expPages, pages)
				}
				if regionType != region.TypeHeap {
					t.Errorf("[spec %d] expected region type to be TypeHeap; got %v", specIndex, regionType)
				}
				if flags != heapRegionFlags {
					t.Errorf("[spec %d] expected flags to be 0x%x; got 0x%x", specIndex, heapRegionFlags, flags)
				}
				return &region.Region{PayloadStart: spec.expRegion}, nil
			}

			if got := sysReserve(nil, uintptr(spec.reqSize), &reserved); uintptr(got) != spec.expRegion {
				t.Errorf("[spec %d] expected sysReserve to return 0x%x; got 0x%x", specIndex, spec.expRegion, uintptr(got))
			}
			if !reserved {
				t.Errorf("[spec %d] expected reserved to be set to true", specIndex)
			}
		}
	})

	t.Run("region allocation fails", func(t *testing.T) {
		var reserved = true
		regionAllocateFn = func(_ uintptr, _ region.Type, _ vmm.PresentFlag) (*region.Region, *kernel.Error) {
			return nil, &kernel.Error{Module: "test", Message: "out of address space"}
		}

		if got := sysReserve(nil, 0x1000, &reserved); uintptr(got) != 0 {
			t.Fatalf("expected sysReserve to return 0x0 on failure; got 0x%x", uintptr(got))
		}
		if reserved {
			t.Fatal("expected reserved to be set to false")
		}
	})
}

func TestSysMap(t *testing.T) {
	t.Run("reserved", func(t *testing.T) {
		var sysStat uint64

		got := sysMap(unsafe.Pointer(uintptr(0xbadf00d)), 4*uintptr(mem.PageSize), true, &sysStat)
		if uintptr(got) != 0xbadf00d {
			t.Fatalf("expected sysMap to return its input pointer unchanged; got 0x%x", uintptr(got))
		}
		if exp := uint64(4 * mem.PageSize); sysStat != exp {
			t.Fatalf("expected stat counter to be %d; got %d", exp, sysStat)
		}
	})

	t.Run("panic if not reserved", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysMap to panic when reserved is false")
			}
		}()

		sysMap(nil, 0, false, nil)
	})
}

func TestSysAlloc(t *testing.T) {
	defer func() {
		regionAllocateFn = region.Allocate
	}()

	t.Run("zero size", func(t *testing.T) {
		var sysStat uint64
		if got := sysAlloc(0, &sysStat); uintptr(got) != 0 {
			t.Fatalf("expected sysAlloc(0) to return 0; got 0x%x", uintptr(got))
		}
	})

	t.Run("success", func(t *testing.T) {
		expAddr := uintptr(10 * mem.PageSize)
		regionAllocateFn = func(pages uintptr, regionType region.Type, flags vmm.PresentFlag) (*region.Region, *kernel.Error) {
			if regionType != region.TypeHeap {
				t.Errorf("expected region type to be TypeHeap; got %v", regionType)
			}
			if flags != heapRegionFlags {
				t.Errorf("expected flags to be 0x%x; got 0x%x", heapRegionFlags, flags)
			}
			return &region.Region{PayloadStart: expAddr}, nil
		}

		var sysStat uint64
		if got := sysAlloc(4*uintptr(mem.PageSize), &sysStat); uintptr(got) != expAddr {
			t.Fatalf("expected sysAlloc to return 0x%x; got 0x%x", expAddr, uintptr(got))
		}
		if exp := uint64(4 * mem.PageSize); sysStat != exp {
			t.Fatalf("expected stat counter to be %d; got %d", exp, sysStat)
		}
	})

	t.Run("region allocation fails", func(t *testing.T) {
		regionAllocateFn = func(_ uintptr, _ region.Type, _ vmm.PresentFlag) (*region.Region, *kernel.Error) {
			return nil, &kernel.Error{Module: "test", Message: "out of address space"}
		}

		var sysStat uint64
		if got := sysAlloc(uintptr(mem.PageSize), &sysStat); uintptr(got) != 0 {
			t.Fatalf("expected sysAlloc to return 0x0 on failure; got 0x%x", uintptr(got))
		}
	})
}

func TestNanotime(t *testing.T) {
	if got := nanotime(); got == 0 {
		t.Fatal("expected nanotime to return a non-zero value")
	}
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	var callCount int
	mallocInitFn = func() { callCount++ }
	algInitFn = func() { callCount++ }
	modulesInitFn = func() { callCount++ }
	typeLinksInitFn = func() { callCount++ }
	itabsInitFn = func() { callCount++ }

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if callCount != 5 {
		t.Fatalf("expected all 5 init hooks to be invoked; got %d", callCount)
	}
}

func TestPagesFor(t *testing.T) {
	specs := []struct {
		size     uintptr
		expPages uintptr
	}{
		{0, 0},
		{1, 1},
		{uintptr(mem.PageSize), 1},
		{uintptr(mem.PageSize) + 1, 2},
		{100 * uintptr(mem.PageSize), 100},
	}

	for specIndex, spec := range specs {
		if got := pagesFor(spec.size); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages for size %d; got %d", specIndex, spec.expPages, spec.size, got)
		}
	}
}
