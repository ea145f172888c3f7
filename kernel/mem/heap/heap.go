// Package heap implements the kernel's global allocator: a chain of
// HeapRegions, each backed either by a static bootstrap buffer or a Region
// obtained from the region allocator, each fronted by its own free list.
package heap

import (
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem"
	"github.com/MinkowskiMetric/gokern/kernel/mem/region"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"github.com/MinkowskiMetric/gokern/kernel/sync"
)

// MinimumHeapRegionPages bounds how small an expansion region is allowed to
// be; growing the heap one page at a time would thrash the region
// allocator on every large allocation run.
const MinimumHeapRegionPages = 16

// heapReserveLimit is the global free-space floor below which a region is
// kept around even if it has gone completely empty, so a alloc/free churn
// at exactly the reserve line doesn't bounce a region in and out of
// existence on every call.
const heapReserveLimit = 64 * 1024

// minimumHeapRegionSize is the region-local mirror of heapReserveLimit: an
// empty region is retained only when the global free space is below
// heapReserveLimit and the region's own free space is below this size; in
// every other case an empty, freeable region is released.
const minimumHeapRegionSize = 16 * 1024

// HeapRegion is one contiguous span of address space backing part of the
// global heap, fronted by its own free list.
type HeapRegion struct {
	base, limit uintptr
	canFree     bool
	backing     *region.Region // nil for the static bootstrap region
	list        freeList
	next        *HeapRegion
}

type regionList struct {
	lock       sync.Spinlock
	sentinel   HeapRegion
	allocated  uintptr
	free       uintptr
}

var regions sync.InitMutex

// normalizedLayout is a size/alignment pair that has already been raised to
// satisfy the free list's own header requirements. Allocation and
// deallocation both normalize before touching a free list, so the same
// bytes are freed that were allocated.
type normalizedLayout struct {
	size, align uintptr
}

func normalize(size, align uintptr) (normalizedLayout, *kernel.Error) {
	if align < freeNodeAlign {
		align = freeNodeAlign
	}
	if size < freeNodeSize {
		size = freeNodeSize
	}
	size = alignUp(size, align)
	if size == 0 {
		return normalizedLayout{}, &kernel.Error{Module: "heap", Message: "cannot normalize a zero-sized allocation"}
	}
	return normalizedLayout{size: size, align: align}, nil
}

// Init installs the static bootstrap region: a caller-owned byte buffer
// (typically a BSS array) used to satisfy allocations before the region
// allocator itself is available. Must run exactly once.
func Init(buf []byte) {
	base := uintptr(unsafe.Pointer(&buf[0]))
	limit := base + uintptr(len(buf))

	l := &regionList{}
	l.sentinel.next = &HeapRegion{
		base: base, limit: limit, canFree: false,
		list: newFreeList(base, limit),
	}
	l.free = l.sentinel.next.list.freeSpace

	regions.Init(l)
}

// Allocate returns size bytes aligned to align, expanding the heap by
// pulling a fresh Region from the region allocator if no existing region
// can satisfy the request.
func Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	layout, err := normalize(size, align)
	if err != nil {
		return 0, err
	}

	g := regions.Lock()
	l := g.Value().(*regionList)
	defer g.Unlock()

	l.lock.Acquire()
	defer l.lock.Release()

	for r := l.sentinel.next; r != nil; r = r.next {
		if addr, ok := r.list.allocate(layout.size, layout.align); ok {
			l.allocated += layout.size
			l.free -= layout.size
			return addr, nil
		}
	}

	return expandAndAllocate(l, layout)
}

// expandAndAllocate grows the heap by one region sized to certainly satisfy
// layout (header + worst-case front/back padding), rounded up to whole
// pages and to MinimumHeapRegionPages.
func expandAndAllocate(l *regionList, layout normalizedLayout) (uintptr, *kernel.Error) {
	worstCase := layout.size + 2*freeNodeSize + layout.align
	pages := (worstCase + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)
	if pages < MinimumHeapRegionPages {
		pages = MinimumHeapRegionPages
	}

	r, err := region.Allocate(pages, region.TypeHeap, vmm.FlagWritable|vmm.FlagNoExecute|vmm.FlagGlobal)
	if err != nil {
		return 0, err
	}

	hr := &HeapRegion{
		base: r.PayloadStart, limit: r.Limit, canFree: true,
		backing: r,
		list:    newFreeList(r.PayloadStart, r.Limit),
	}

	addr, ok := hr.list.allocate(layout.size, layout.align)
	if !ok {
		// The region was sized to guarantee this can't happen; if it
		// somehow does, give the Region straight back rather than
		// leaving a half-usable region installed.
		region.Release(r)
		return 0, &kernel.Error{Module: "heap", Message: "expansion region could not satisfy the allocation that triggered it"}
	}

	hr.next = l.sentinel.next
	l.sentinel.next = hr
	l.free += hr.list.freeSpace
	l.allocated += layout.size

	return addr, nil
}

// Free returns a previously allocated span to its owning region's free
// list, dropping the region itself back to the region allocator if it has
// gone empty and retaining it would not endanger the reserve.
func Free(addr, size, align uintptr) {
	layout, err := normalize(size, align)
	if err != nil {
		panic(err)
	}

	g := regions.Lock()
	l := g.Value().(*regionList)
	defer g.Unlock()

	l.lock.Acquire()
	defer l.lock.Release()

	var prev *HeapRegion
	for r := l.sentinel.next; r != nil; prev, r = r, r.next {
		if addr < r.base || addr >= r.limit {
			continue
		}

		r.list.deallocate(addr, layout.size)
		l.allocated -= layout.size
		l.free += layout.size

		if r.list.allocatedSpace != 0 || !r.canFree {
			return
		}
		if l.free < heapReserveLimit && r.list.freeSpace < minimumHeapRegionSize {
			return
		}

		backing := r.backing
		if prev == nil {
			l.sentinel.next = r.next
		} else {
			prev.next = r.next
		}
		l.free -= r.list.freeSpace
		region.Release(backing)
		return
	}

	panic(&kernel.Error{Module: "heap", Message: "free of address not owned by any heap region"})
}

// AllocatedSpace and FreeSpace report the global counters maintained
// incrementally across every region; they are best-effort under
// contention, used only for diagnostics.
func AllocatedSpace() uintptr {
	g, ok := regions.TryLock()
	if !ok {
		return 0
	}
	defer g.Unlock()
	return g.Value().(*regionList).allocated
}

func FreeSpace() uintptr {
	g, ok := regions.TryLock()
	if !ok {
		return 0
	}
	defer g.Unlock()
	return g.Value().(*regionList).free
}

// AllocBytes matches the func(uintptr) uintptr shape pmm.SetHeapAllocFunc
// expects: allocate size bytes at pointer alignment, panicking rather than
// propagating an error since its only caller (frame bitmask setup) has no
// recovery path if the heap itself is out of memory this early.
func AllocBytes(size uintptr) uintptr {
	addr, err := Allocate(size, unsafe.Alignof(uintptr(0)))
	if err != nil {
		panic(err)
	}
	return addr
}
