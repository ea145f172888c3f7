// +build amd64

package vmm

import "github.com/MinkowskiMetric/gokern/kernel/mem"

const (
	entriesPerTable = 512

	// index shifts for a 4-level, 4 KiB page, x86_64 hierarchy.
	l4Shift = 39
	l3Shift = 30
	l2Shift = 21
	l1Shift = 12

	indexMask = 0x1ff

	// counterShift/counterMask locate the 11-bit "run length" counter
	// shared by both the present and not-present PTE encodings. The
	// field lives at bits 52-62, above the physical-address bits and
	// below the architectural NX bit.
	counterShift = 52
	counterMask  = 0x7ff

	// MaxCounterValue is one past the largest value the counter field
	// can hold; NewPresentPTE and NewNotPresentPTE panic on a counter this
	// large, so a region never spans this many chunks.
	MaxCounterValue = 2048

	// typeShift/typeMask locate the 8-bit "not-present page type" tag
	// within a not-present PTE.
	typeShift = 1
	typeMask  = 0xff

	// tagShift/tagMask locate the 2-bit software tag (present PTEs only)
	// used to mark a page as a region header.
	tagShift = 9
	tagMask  = 0x3

	// physAddrMask isolates the frame address bits common to both
	// present PTEs and the architectural page-table-pointer fields.
	physAddrMask = 0x000f_ffff_ffff_f000

	// IdentityMapBase is the virtual address at which the entirety of
	// physical memory is mapped 1:1 (shifted up by this base), giving
	// phys_to_virt O(1) access to any page table without recursive or
	// temporary ("hyperspace") mappings.
	IdentityMapBase = uintptr(0xffff_8000_0000_0000)

	// IdentityMapSize bounds how much physical memory the identity
	// window covers; spec.md's frame allocator zones never address
	// memory above this.
	IdentityMapSize = uintptr(mem.Gb) * 512
)

// PhysToVirt returns the virtual address at which the given physical address
// is accessible through the kernel's identity-mapped physical window.
func PhysToVirt(phys uintptr) uintptr {
	return IdentityMapBase + phys
}

// VirtToPhys is the inverse of PhysToVirt. It only works for addresses
// actually inside the identity window; callers must not use it for ordinary
// kernel-heap or userspace addresses.
func VirtToPhys(virt uintptr) uintptr {
	return virt - IdentityMapBase
}
