// Package region carves the kernel heap's virtual address range into
// contiguously-tagged runs ("regions"), each self-describing via a typed
// page-table-entry header written at its own first two pages. It is the
// allocator the kernel heap, kernel stacks and physical-memory-mapping
// windows all grow and shrink through; none of them talk to the virtual
// memory manager directly.
package region

import (
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem"
	"github.com/MinkowskiMetric/gokern/kernel/mem/pmm"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"github.com/MinkowskiMetric/gokern/kernel/sync"
)

const (
	// chunkPages is the granularity regions are sized and positioned in.
	chunkPages = 16
	chunkSize  = uintptr(chunkPages) * uintptr(mem.PageSize)

	// headerPages is the metadata carved out of the front of every
	// region, free or allocated: one page recording this region's own
	// chunk count, one recording its immediate predecessor's, so a
	// release can find both neighbors without a linear backward scan.
	// Counted as part of a request's page count, not added on top of it.
	headerPages = 2

	// MaxRegionChunks is the largest chunk count the 11-bit shared
	// counter field can record.
	MaxRegionChunks = vmm.MaxCounterValue - 1
)

// Type identifies what a region, once allocated, is being used for, so
// diagnostics can describe what kernel-heap VA space went where. Only
// TypeKernelStack changes the allocator's behaviour: Allocate requires room
// for a guard page, and mapPayload leaves that guard page unmapped.
type Type uint8

const (
	TypeFree Type = iota
	TypeHeap
	TypeKernelStack
	TypePhysicalMapping
)

// Region describes a contiguous, chunk-aligned run of kernel virtual
// address space returned by Allocate. PayloadStart is the first usable byte
// past the region's header pages; Start and Limit bound the whole region
// including that header overhead.
type Region struct {
	Start        uintptr
	Limit        uintptr
	PayloadStart uintptr
	Type         Type

	chunks uint16
}

// Size returns the size, in bytes, of the usable payload (excludes header
// overhead).
func (r *Region) Size() uintptr {
	return r.Limit - r.PayloadStart
}

type manager struct {
	mapper      *vmm.Mapper
	base, limit uintptr
	lock        sync.Spinlock
}

var regionManager sync.InitMutex

var errOutOfRegionSpace = &kernel.Error{Module: "region", Message: "no free region large enough for the request"}

// Init carves [base, limit) into one (or more, if it exceeds
// MaxRegionChunks) chained free regions. base is rounded up and limit
// rounded down to a chunk boundary. Must run exactly once, after the
// identity map is installed (region headers are written through mapper).
func Init(mapper *vmm.Mapper, base, limit uintptr) *kernel.Error {
	base = alignUp(base, chunkSize)
	limit = alignDown(limit, chunkSize)

	m := &manager{mapper: mapper, base: base, limit: limit}

	prevChunks := uint16(0)
	for cur := base; cur < limit; {
		remaining := (limit - cur) / chunkSize
		chunks := remaining
		if chunks > MaxRegionChunks {
			chunks = MaxRegionChunks
		}
		if err := writeHeader(mapper, cur, uint16(chunks), prevChunks, false); err != nil {
			return err
		}
		prevChunks = uint16(chunks)
		cur += uintptr(chunks) * chunkSize
	}

	regionManager.Init(m)
	return nil
}

func alignUp(v, align uintptr) uintptr   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uintptr) uintptr { return v &^ (align - 1) }

// writeHeader writes both header pages for a region starting at addr.
// present selects whether the header pages are backed by real frames
// (allocated regions) or encoded directly into a not-present PTE (free
// regions, which must not waste physical memory on bookkeeping).
func writeHeader(mapper *vmm.Mapper, addr uintptr, thisChunks, prevChunks uint16, present bool) *kernel.Error {
	if !present {
		if err := mapper.SetNotPresent(addr, vmm.NewNotPresentPTE(vmm.NotPresentRegionHeader, thisChunks)); err != nil {
			return err
		}
		if err := mapper.SetNotPresent(addr+uintptr(mem.PageSize), vmm.NewNotPresentPTE(vmm.NotPresentRegionHeader, prevChunks)); err != nil {
			return err
		}
		return nil
	}

	for i, count := range [2]uint16{thisChunks, prevChunks} {
		va := addr + uintptr(i)*uintptr(mem.PageSize)
		if pte, err := mapper.GetPTE(va); err == nil && pte.IsPresent() {
			// Already an allocated region's header page: rewrite its
			// counter in place, keeping the frame that backs it.
			*pte = vmm.NewPresentPTE(pte.Present().Frame(), vmm.FlagWritable|vmm.FlagNoExecute|vmm.FlagRegionHeader, count).Raw()
			continue
		}
		frame, err := pmm.AllocateKernelFrame()
		if err != nil {
			return err
		}
		flush, err := mapper.MapTo(va, frame, vmm.FlagWritable|vmm.FlagNoExecute|vmm.FlagRegionHeader)
		if err != nil {
			return err
		}
		flush.Flush()
		pte, _ := mapper.GetPTE(va)
		*pte = vmm.NewPresentPTE(frame, vmm.FlagWritable|vmm.FlagNoExecute|vmm.FlagRegionHeader, count).Raw()
	}
	return nil
}

// readHeader decodes the region header at addr, returning its chunk count,
// its predecessor's chunk count, and whether the region is currently free.
func readHeader(mapper *vmm.Mapper, addr uintptr) (thisChunks, prevChunks uint16, free bool, err *kernel.Error) {
	thisPTE, e := mapper.GetPTE(addr)
	if e != nil {
		return 0, 0, false, e
	}
	prevPTE, e := mapper.GetPTE(addr + uintptr(mem.PageSize))
	if e != nil {
		return 0, 0, false, e
	}

	if thisPTE.IsPresent() {
		thisChunks = thisPTE.Present().Counter()
	} else {
		np, e := thisPTE.NotPresent()
		if e != nil {
			return 0, 0, false, &kernel.Error{Module: "region", Message: "corrupt region header"}
		}
		thisChunks = np.RequireRegionHeader()
	}

	if prevPTE.IsPresent() {
		prevChunks = prevPTE.Present().Counter()
	} else {
		np, e := prevPTE.NotPresent()
		if e != nil {
			return 0, 0, false, &kernel.Error{Module: "region", Message: "corrupt region header"}
		}
		prevChunks = np.RequireRegionHeader()
	}

	free = !thisPTE.IsPresent()
	return thisChunks, prevChunks, free, nil
}

// Allocate reserves enough whole chunks to cover pages, using first-fit
// over the free region chain, and maps the payload pages with the given
// flags. pages counts the region's own header pages; they are carved out
// of the requested span rather than reserved on top of it, so a 16-page
// request costs exactly one 64 KiB chunk rather than spilling into a
// second.
func Allocate(pages uintptr, regionType Type, flags vmm.PresentFlag) (*Region, *kernel.Error) {
	if pages <= headerPages {
		return nil, &kernel.Error{Module: "region", Message: "requested region too small to hold its own header"}
	}
	if regionType == TypeKernelStack && pages <= headerPages+1 {
		return nil, &kernel.Error{Module: "region", Message: "kernel stack requires at least one page of payload below its guard page"}
	}

	g := regionManager.Lock()
	m := g.Value().(*manager)
	defer g.Unlock()

	m.lock.Acquire()
	defer m.lock.Release()

	// The header pages are carved out of the requested span rather than
	// reserved on top of it: they live at payload pages 0/1 and are
	// counted toward pages like any other, matching the worked example
	// of a 16-page request occupying exactly one 64 KiB chunk.
	requiredChunks := (pages + chunkPages - 1) / chunkPages
	if requiredChunks > MaxRegionChunks {
		return nil, &kernel.Error{Module: "region", Message: "requested region exceeds the maximum region size"}
	}

	for cur := m.base; cur < m.limit; {
		thisChunks, prevChunks, free, err := readHeader(m.mapper, cur)
		if err != nil {
			return nil, err
		}
		if !free || uintptr(thisChunks) < requiredChunks {
			cur += uintptr(thisChunks) * chunkSize
			continue
		}

		remainderChunks := uintptr(thisChunks) - requiredChunks
		if remainderChunks > 0 {
			if err := splitRegion(m, cur, uint16(requiredChunks), uint16(remainderChunks), prevChunks); err != nil {
				return nil, err
			}
		} else if err := writeHeader(m.mapper, cur, uint16(requiredChunks), prevChunks, true); err != nil {
			return nil, err
		}

		region, err := mapPayload(m.mapper, cur, uint16(requiredChunks), pages, regionType, flags)
		if err != nil {
			return nil, err
		}
		return region, nil
	}

	return nil, errOutOfRegionSpace
}

// splitRegion shrinks the free region at addr to keepChunks and creates a
// new free region immediately after it covering the remainder. Both new
// headers are written before either is marked allocated, so a concurrent
// reader (under the region lock, so not truly concurrent, but matching the
// original's atomicity discipline) never observes a torn split.
func splitRegion(m *manager, addr uintptr, keepChunks, remainderChunks uint16, prevChunks uint16) *kernel.Error {
	tailAddr := addr + uintptr(keepChunks)*chunkSize

	// Does a further region exist after the remainder? If so its
	// prev-size pointer must be updated to point at the new tail.
	var nextExists bool
	nextAddr := tailAddr + uintptr(remainderChunks)*chunkSize
	if nextAddr < m.limit {
		nextExists = true
	}

	if err := writeHeader(m.mapper, tailAddr, remainderChunks, keepChunks, false); err != nil {
		return err
	}
	if nextExists {
		nextChunks, _, nextFree, err := readHeader(m.mapper, nextAddr)
		if err != nil {
			return err
		}
		if err := writeHeader(m.mapper, nextAddr, nextChunks, remainderChunks, !nextFree); err != nil {
			return err
		}
	}

	// Finally, shrink this region's own header to the allocated size.
	// Written last so a reader walking the chain never sees a region
	// whose header claims more chunks than its actual (not yet created)
	// neighbors account for.
	return writeHeader(m.mapper, addr, keepChunks, prevChunks, true)
}

// mapPayload maps the payload pages of a just-allocated region and returns
// the Region handle its owner uses to address it. The two header pages are
// already mapped, so the loop below backs every page from PayloadStart up
// to the chunk-rounded limit, which makes all of [PayloadStart, Limit)
// usable even when pages is not a whole number of chunks. A
// TypeKernelStack region leaves its first payload
// page as a not-present guard PTE instead of backing it with a frame; an
// access there traps as a page fault rather than silently corrupting
// whatever lies below the stack.
func mapPayload(mapper *vmm.Mapper, addr uintptr, chunks uint16, pages uintptr, regionType Type, flags vmm.PresentFlag) (*Region, *kernel.Error) {
	payloadStart := addr + uintptr(headerPages)*uintptr(mem.PageSize)
	limit := addr + uintptr(chunks)*chunkSize

	flushAll := vmm.NewMapperFlushAll()
	defer flushAll.Flush()

	va := payloadStart
	if regionType == TypeKernelStack {
		if err := mapper.SetNotPresent(va, vmm.KernelStackGuardPagePTE()); err != nil {
			return nil, err
		}
		va += uintptr(mem.PageSize)
	}

	for ; va < limit; va += uintptr(mem.PageSize) {
		frame, err := pmm.AllocateKernelFrame()
		if err != nil {
			unmapRange(mapper, payloadStart, va)
			return nil, err
		}
		flush, err := mapper.MapTo(va, frame, flags)
		if err != nil {
			unmapRange(mapper, payloadStart, va)
			return nil, err
		}
		flushAll.Consume(flush)
	}

	return &Region{Start: addr, Limit: limit, PayloadStart: payloadStart, Type: regionType, chunks: chunks}, nil
}

func unmapRange(mapper *vmm.Mapper, from, to uintptr) {
	for va := from; va < to; va += uintptr(mem.PageSize) {
		flush, err := mapper.UnmapAndFree(va)
		if err == nil {
			flush.Flush()
		}
	}
}

// Release unmaps r's header pages and payload, returns their frames to the
// physical allocator, and merges the freed span with an adjacent free
// region on either side when one exists, so repeated alloc/release cycles
// do not fragment the heap's virtual address space.
func Release(r *Region) *kernel.Error {
	g := regionManager.Lock()
	m := g.Value().(*manager)
	defer g.Unlock()

	m.lock.Acquire()
	defer m.lock.Release()

	_, prevChunks, _, err := readHeader(m.mapper, r.Start)
	if err != nil {
		return err
	}

	// The header pages are frame-backed while the region is allocated;
	// they are unmapped along with the payload so the not-present free
	// header written below can take their place.
	unmapRange(m.mapper, r.Start, r.Limit)

	start := r.Start
	chunks := r.chunks

	// Merge with the successor if it is free and the combined run still
	// fits the counter field.
	succAddr := start + uintptr(chunks)*chunkSize
	if succAddr < m.limit {
		succChunks, _, succFree, err := readHeader(m.mapper, succAddr)
		if err == nil && succFree && uint32(chunks)+uint32(succChunks) <= MaxRegionChunks {
			chunks += succChunks
		}
	}

	// Merge with the predecessor if it is free and the combined run
	// still fits.
	if prevChunks > 0 {
		predAddr := start - uintptr(prevChunks)*chunkSize
		_, predPrev, predFree, err := readHeader(m.mapper, predAddr)
		if err == nil && predFree && uint32(chunks)+uint32(prevChunks) <= MaxRegionChunks {
			start = predAddr
			chunks += prevChunks
			prevChunks = predPrev
		}
	}

	if err := writeHeader(m.mapper, start, chunks, prevChunks, false); err != nil {
		return err
	}

	nextAddr := start + uintptr(chunks)*chunkSize
	if nextAddr < m.limit {
		nextChunks, _, nextFree, err := readHeader(m.mapper, nextAddr)
		if err == nil {
			if err := writeHeader(m.mapper, nextAddr, nextChunks, chunks, !nextFree); err != nil {
				return err
			}
		}
	}

	return nil
}
