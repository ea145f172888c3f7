package pmm

import (
	"reflect"
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/mem"
	"github.com/MinkowskiMetric/gokern/kernel/sync"
)

// ZoneID identifies one of the three physical memory zones a Frame belongs
// to. The split exists because DMA-capable devices and early boot code place
// different addressability requirements on the frames they are handed.
type ZoneID uint8

const (
	// ZoneLow covers the first 16 MiB of physical memory, the range
	// legacy ISA DMA and pre-paging bootstrap code requires.
	ZoneLow ZoneID = iota
	// ZoneNormal covers memory below 4 GiB, addressable by 32-bit
	// devices and by the identity map installed before the post-paging
	// allocator phase runs.
	ZoneNormal
	// ZoneHigh covers everything else.
	ZoneHigh
)

func (z ZoneID) String() string {
	switch z {
	case ZoneLow:
		return "low"
	case ZoneNormal:
		return "normal"
	case ZoneHigh:
		return "high"
	default:
		return "unknown"
	}
}

const (
	// minAddress is the lowest physical address the allocator will ever
	// hand out; the first 16 frames below it are permanently reserved
	// (real-mode IVT, BDA, and the SMP trampoline's landing page).
	minAddress = 64 * 1024
	reservedLowFrames = minAddress / uintptr(mem.PageSize)

	lowZoneLimit    = 16 * uintptr(mem.Mb)
	normalZoneLimit = 4 * uintptr(mem.Gb)

	lowZoneFrames = lowZoneLimit / uintptr(mem.PageSize)
)

// zone owns a contiguous run of frames [startFrame, limitFrame) together
// with a bitmask that tracks which ones are free. A set bit means free.
type zone struct {
	id ZoneID

	startFrame Frame
	limitFrame Frame

	freeFrames uint64
	usedFrames uint64

	bitmask []byte
}

// lowZoneBitmask is a statically embedded bitmask sized to cover the entire
// low zone. It exists so the low zone can be brought up before the heap (and
// therefore before any slice backing array can be allocated).
var lowZoneBitmask [lowZoneFrames/8 + 1]byte

func newZone(id ZoneID, startFrame, limitFrame Frame, bitmask []byte) *zone {
	z := &zone{
		id:         id,
		startFrame: startFrame,
		limitFrame: limitFrame,
		bitmask:    bitmask,
	}
	for i := range z.bitmask {
		z.bitmask[i] = 0
	}
	return z
}

// markFreeRange flips the bits for [from, to) to free and updates the
// free-frame counter. It is only used while constructing a zone from a boot
// memory map, never after allocation has started.
func (z *zone) markFreeRange(from, to Frame) {
	if from < z.startFrame {
		from = z.startFrame
	}
	if to > z.limitFrame {
		to = z.limitFrame
	}
	for f := from; f < to; f++ {
		idx := uint64(f - z.startFrame)
		if getBit(z.bitmask, idx) {
			continue
		}
		setBit(z.bitmask, idx, true)
		z.freeFrames++
	}
}

// allocate finds the first free frame in the zone, marks it used and returns
// it. Returns InvalidFrame if the zone is exhausted.
func (z *zone) allocate() Frame {
	count := uint64(z.limitFrame - z.startFrame)
	for idx := uint64(0); idx < count; idx++ {
		if !getBit(z.bitmask, idx) {
			continue
		}
		setBit(z.bitmask, idx, false)
		z.freeFrames--
		z.usedFrames++
		return z.startFrame + Frame(idx)
	}
	return InvalidFrame
}

// deallocate returns a previously allocated frame to the zone. It panics if
// the frame was already marked free, mirroring the reclaim-time assertion
// that catches double frees at the earliest possible point.
func (z *zone) deallocate(f Frame) {
	if f < z.startFrame || f >= z.limitFrame {
		panic(&kernel.Error{Module: "pmm", Message: "frame does not belong to this zone"})
	}
	idx := uint64(f - z.startFrame)
	if getBit(z.bitmask, idx) {
		panic(&kernel.Error{Module: "pmm", Message: "deallocating a frame that is already free"})
	}
	setBit(z.bitmask, idx, true)
	z.freeFrames++
	z.usedFrames--
}

// reclaim marks a frame free for the first time, coming from a boot memory
// map region tagged ACPI-reclaimable (the only kind InitReclaim passes
// here). It asserts the frame
// was not already free, the same invariant frame_database.rs's reclaim path
// enforces, because a frame reclaimed twice means the boot memory map lied.
func (z *zone) reclaim(f Frame) {
	if f < z.startFrame || f >= z.limitFrame {
		return
	}
	idx := uint64(f - z.startFrame)
	if getBit(z.bitmask, idx) {
		panic(&kernel.Error{Module: "pmm", Message: "reclaiming a frame that is already marked free"})
	}
	setBit(z.bitmask, idx, true)
	z.freeFrames++
}

func getBit(bitmask []byte, idx uint64) bool {
	return bitmask[idx/8]&(1<<(idx%8)) != 0
}

func setBit(bitmask []byte, idx uint64, value bool) {
	if value {
		bitmask[idx/8] |= 1 << (idx % 8)
	} else {
		bitmask[idx/8] &^= 1 << (idx % 8)
	}
}

// byteSliceOverRegion overlays a []byte on top of an already-mapped virtual
// address range. Used to carve a zone's bitmask out of heap memory once the
// heap is available, the same reflect.SliceHeader trick
// bitmap_allocator.go uses to overlay frame pools.
func byteSliceOverRegion(addr uintptr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
}

var (
	lowZone    sync.InitMutex
	normalZone sync.InitMutex
	highZone   sync.InitMutex
)
