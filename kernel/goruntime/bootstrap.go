// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem"
	"github.com/MinkowskiMetric/gokern/kernel/mem/region"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"unsafe"
)

// heapRegionFlags is applied to every mapping the Go allocator asks for.
// Nothing in this kernel supports demand-paging or copy-on-write yet (every
// present PTE is backed by a real frame from the moment it's mapped -- see
// kernel/mem/vmm's present/not-present PTE split), so sysReserve commits
// real frames immediately instead of deferring that to a later sysMap.
const heapRegionFlags = vmm.FlagWritable | vmm.FlagNoExecute | vmm.FlagGlobal

var (
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// regionAllocateFn is overridden in tests; production code always
	// carves sysReserve/sysAlloc's backing pages out of the kernel heap
	// region manager.
	regionAllocateFn = region.Allocate

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

func pagesFor(size uintptr) uintptr {
	return uintptr((mem.Size(size) + mem.PageSize - 1) / mem.PageSize)
}

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve commits real frames for size bytes of kernel virtual address
// space up front and returns the start of the mapping. There is no lazy or
// copy-on-write path in this kernel to defer that work to, so "reserve"
// here means the same thing sysAlloc does.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	if size == 0 {
		*reserved = true
		return unsafe.Pointer(uintptr(0))
	}

	r, err := regionAllocateFn(pagesFor(size), region.TypeHeap, heapRegionFlags)
	if err != nil {
		*reserved = false
		return unsafe.Pointer(uintptr(0))
	}

	*reserved = true
	return unsafe.Pointer(r.PayloadStart)
}

// sysMap is a no-op here: sysReserve already committed real frames for
// every page in the range (this kernel has no copy-on-write or
// demand-paging path to defer that to), so the range virtAddr/size names is
// already fully backed and mapped.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	mSysStatInc(sysStat, uintptr(size))
	return virtAddr
}

// sysAlloc reserves enough phsysical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them returning back
// the pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	if size == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	r, err := regionAllocateFn(pagesFor(size), region.TypeHeap, heapRegionFlags)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(size))
	return unsafe.Pointer(r.PayloadStart)
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
