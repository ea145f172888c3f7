// Package vmm implements the kernel's virtual memory manager: the typed
// present/not-present page table entry encoding, a Mapper that walks and
// mutates a 4-level x86_64 page table hierarchy through an identity-mapped
// physical window, and the must-flush obligation returned by every mapping
// change.
package vmm

import (
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/cpu"
	"github.com/MinkowskiMetric/gokern/kernel/mem/pmm"
)

// activeRootFn is overridden in tests.
var activeRootFn = cpu.ActivePDT

// ActiveMapper returns a Mapper wrapping the page table hierarchy currently
// loaded into CR3.
func ActiveMapper() *Mapper {
	return NewMapper(pmm.FrameFromAddress(activeRootFn()))
}

// Activate switches CR3 to point at m's root table and flushes the TLB.
func (m *Mapper) Activate() {
	cpu.SwitchPDT(m.root.Address())
}

// InstallIdentityMap maps [IdentityMapBase, IdentityMapBase+IdentityMapSize)
// to physical addresses [0, IdentityMapSize) one 4 KiB page at a time, since
// the Mapper above only deals in 4K leaves; no huge (2 MiB) L2 entries are
// used.
func InstallIdentityMap(m *Mapper) *kernel.Error {
	flushAll := NewMapperFlushAll()
	defer flushAll.Flush()

	for phys := uintptr(0); phys < IdentityMapSize; phys += uintptr(1) << l1Shift {
		frame := pmm.FrameFromAddress(phys)
		flush, err := m.MapTo(PhysToVirt(phys), frame, FlagWritable|FlagNoExecute|FlagGlobal)
		if err != nil {
			return err
		}
		flushAll.Consume(flush)
	}
	return nil
}
