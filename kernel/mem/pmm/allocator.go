package pmm

import (
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem"
	"github.com/MinkowskiMetric/gokern/kernel/sync"
	"github.com/MinkowskiMetric/gokern/multiboot"
)

// bitmaskBytesFor returns the number of bytes needed to track frameCount
// frames, one bit per frame.
func bitmaskBytesFor(frameCount uint64) uintptr {
	return uintptr((frameCount + 7) / 8)
}

// heapAllocFn is overridden by Init to carve bitmasks for the normal and
// high zones out of the kernel heap once it exists. Kept as an indirection
// (rather than importing kernel/mem/heap directly) so pmm has no import
// cycle on the heap package, which itself allocates frames through pmm.
var heapAllocFn func(size uintptr) uintptr

// SetHeapAllocFunc installs the allocation function InitPostPaging uses to
// reserve zone bitmasks. Called once by kernel/boot during the post-paging
// phase, after the region allocator and heap are both up.
func SetHeapAllocFunc(fn func(size uintptr) uintptr) {
	heapAllocFn = fn
}

// EarlyInit brings up only the low zone, using a statically embedded
// bitmask so it never needs to allocate. It must run before paging is set
// up; frames handed out in this phase back the initial page tables
// themselves.
func EarlyInit() {
	z := newZone(ZoneLow, Frame(reservedLowFrames), Frame(lowZoneFrames), lowZoneBitmask[:bitmaskBytesFor(uint64(lowZoneFrames))])

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}
		from := Frame(entry.PhysAddress / uint64(mem.PageSize))
		to := Frame((entry.PhysAddress + entry.Length) / uint64(mem.PageSize))
		z.markFreeRange(from, to)
		return true
	})

	lowZone.Init(z)
}

// InitPostPaging brings up the normal and high zones. It runs after the
// region allocator and heap are available, since their bitmasks are sized
// dynamically (up to gigabytes of RAM need megabytes of tracking bits) and
// must be heap-backed rather than static. This is the chicken-and-egg break:
// the heap itself grows through frames supplied by EarlyInit's low zone.
func InitPostPaging() {
	highestFrame := Frame(0)
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		to := Frame((entry.PhysAddress + entry.Length) / uint64(mem.PageSize))
		if to > highestFrame {
			highestFrame = to
		}
		return true
	})

	normalLimit := Frame(normalZoneLimit / uintptr(mem.PageSize))
	if highestFrame < normalLimit {
		normalLimit = highestFrame
	}

	normalCount := uint64(normalLimit - Frame(lowZoneFrames))
	nz := newZone(ZoneNormal, Frame(lowZoneFrames), normalLimit, allocBitmask(normalCount))

	hz := newZone(ZoneHigh, normalLimit, highestFrame, allocBitmask(uint64(highestFrame-normalLimit)))

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}
		from := Frame(entry.PhysAddress / uint64(mem.PageSize))
		to := Frame((entry.PhysAddress + entry.Length) / uint64(mem.PageSize))
		nz.markFreeRange(from, to)
		hz.markFreeRange(from, to)
		return true
	})

	normalZone.Init(nz)
	highZone.Init(hz)
}

func allocBitmask(frameCount uint64) []byte {
	size := bitmaskBytesFor(frameCount)
	if heapAllocFn == nil {
		panic("pmm: InitPostPaging called before SetHeapAllocFunc")
	}
	return byteSliceOverRegion(heapAllocFn(size), size)
}

// InitReclaim walks the boot memory map a second time and releases the
// frames of every entry tagged ACPI-reclaimable. It releases nothing else:
// bootloader structures, boot page tables, the boot stack and the AP
// trampoline pages stay allocated.
func InitReclaim() {
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAcpiReclaimable {
			return true
		}
		from := Frame(entry.PhysAddress / uint64(mem.PageSize))
		to := Frame((entry.PhysAddress + entry.Length) / uint64(mem.PageSize))
		for f := from; f < to; f++ {
			reclaimFrame(f)
		}
		return true
	})
}

func reclaimFrame(f Frame) {
	m := zoneMutexFor(f)
	g := m.Lock()
	g.Value().(*zone).reclaim(f)
	g.Unlock()
}

// zoneMutexFor returns the InitMutex guarding the zone that owns frame f.
func zoneMutexFor(f Frame) *sync.InitMutex {
	switch {
	case f < Frame(lowZoneFrames):
		return &lowZone
	case f < Frame(normalZoneLimit/uintptr(mem.PageSize)):
		return &normalZone
	default:
		return &highZone
	}
}

// AllocateKernelFrame reserves a free frame for kernel use: intermediate
// page-table frames, region headers, kernel heap and kernel stack payload,
// or anything else reached through the identity-mapped physical window.
// It prefers the normal zone, falling back to low memory, and never
// returns a high-zone frame (high memory is not identity-mapped, so a
// caller that reaches it through phys_to_virt would fault or corrupt
// whatever else lives at that virtual address).
func AllocateKernelFrame() (Frame, *kernel.Error) {
	for _, m := range []*sync.InitMutex{&normalZone, &lowZone} {
		g := m.Lock()
		f := g.Value().(*zone).allocate()
		g.Unlock()
		if f.Valid() {
			return f, nil
		}
	}
	return InvalidFrame, &kernel.Error{Module: "pmm", Message: "out of physical memory"}
}

// AllocateUserFrame reserves a free frame for user-space use, preferring
// high memory (plentiful and never identity-mapped, so best spent on
// mappings the kernel always reaches through an explicit PTE rather than
// phys_to_virt), then normal, then low as a last resort.
func AllocateUserFrame() (Frame, *kernel.Error) {
	for _, m := range []*sync.InitMutex{&highZone, &normalZone, &lowZone} {
		g := m.Lock()
		f := g.Value().(*zone).allocate()
		g.Unlock()
		if f.Valid() {
			return f, nil
		}
	}
	return InvalidFrame, &kernel.Error{Module: "pmm", Message: "out of physical memory"}
}

// AllocateFrameInZone reserves a free frame from a specific zone. Callers
// that need DMA-capable memory (zoneID == ZoneLow) or memory addressable
// without PAE (ZoneNormal) use this instead of AllocateKernelFrame or
// AllocateUserFrame.
func AllocateFrameInZone(zoneID ZoneID) (Frame, *kernel.Error) {
	m := zoneMutexByID(zoneID)
	g := m.Lock()
	f := g.Value().(*zone).allocate()
	g.Unlock()
	if !f.Valid() {
		return InvalidFrame, &kernel.Error{Module: "pmm", Message: "zone " + zoneID.String() + " exhausted"}
	}
	return f, nil
}

// DeallocateFrame returns a previously allocated frame to its owning zone.
func DeallocateFrame(f Frame) {
	m := zoneMutexFor(f)
	g := m.Lock()
	g.Value().(*zone).deallocate(f)
	g.Unlock()
}

func zoneMutexByID(id ZoneID) *sync.InitMutex {
	switch id {
	case ZoneLow:
		return &lowZone
	case ZoneNormal:
		return &normalZone
	default:
		return &highZone
	}
}

// FreeFrames returns the number of free frames across all zones. Contended
// zones are skipped (reported as zero) rather than blocked on, since this is
// a best-effort diagnostic, not something a caller should pay lock-wait cost
// for.
func FreeFrames() uint64 {
	var total uint64
	for _, m := range []*sync.InitMutex{&lowZone, &normalZone, &highZone} {
		if g, ok := m.TryLock(); ok {
			total += g.Value().(*zone).freeFrames
			g.Unlock()
		}
	}
	return total
}

// UsedFrames returns the number of allocated frames across all zones, with
// the same best-effort contention handling as FreeFrames.
func UsedFrames() uint64 {
	var total uint64
	for _, m := range []*sync.InitMutex{&lowZone, &normalZone, &highZone} {
		if g, ok := m.TryLock(); ok {
			total += g.Value().(*zone).usedFrames
			g.Unlock()
		}
	}
	return total
}
