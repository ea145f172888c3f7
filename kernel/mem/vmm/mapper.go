package vmm

import (
	"runtime"

	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/cpu"
	"github.com/MinkowskiMetric/gokern/kernel/mem/pmm"
)

// allocFrameFn is overridden in tests; production code always goes through
// pmm.AllocateKernelFrame, since every frame allocated here backs an
// intermediate page-table page zeroed through the identity-mapped window.
var allocFrameFn = pmm.AllocateKernelFrame

// MapperFlush represents an obligation to flush the TLB for a single virtual
// address after a mapping change. The Rust kernel this package is modeled on
// expresses the same obligation as a #[must_use] value that panics in its
// Drop impl if dropped unflushed; Go has no destructors, so the same
// discipline is approximated with a finalizer that panics if a MapperFlush
// is garbage collected while still unconsumed. Call Flush or Ignore before
// letting a MapperFlush go out of scope.
type MapperFlush struct {
	addr     uintptr
	consumed bool
}

func newMapperFlush(addr uintptr) *MapperFlush {
	f := &MapperFlush{addr: addr}
	runtime.SetFinalizer(f, finalizeMapperFlush)
	return f
}

func finalizeMapperFlush(f *MapperFlush) {
	if !f.consumed {
		panic(&kernel.Error{Module: "vmm", Message: "MapperFlush was never flushed or ignored"})
	}
}

// Flush invalidates the TLB entry for the mapped address on this CPU.
func (f *MapperFlush) Flush() {
	cpu.FlushTLBEntry(f.addr)
	f.consumed = true
	runtime.SetFinalizer(f, nil)
}

// Ignore discards the obligation to flush without touching the TLB. Only
// correct when the caller knows the affected translation was never cached,
// e.g. the page was never present before this mapping.
func (f *MapperFlush) Ignore() {
	f.consumed = true
	runtime.SetFinalizer(f, nil)
}

// MapperFlushAll accumulates multiple MapperFlush obligations coming from a
// batch of mapping changes (e.g. mapping every page of a freshly split
// region) into a single obligation to flush the whole TLB once, rather than
// one INVLPG per page.
type MapperFlushAll struct {
	dirty    bool
	consumed bool
}

// NewMapperFlushAll returns an empty batch.
func NewMapperFlushAll() *MapperFlushAll {
	f := &MapperFlushAll{}
	runtime.SetFinalizer(f, finalizeMapperFlushAll)
	return f
}

func finalizeMapperFlushAll(f *MapperFlushAll) {
	if f.dirty && !f.consumed {
		panic(&kernel.Error{Module: "vmm", Message: "MapperFlushAll was never flushed or ignored"})
	}
}

// Consume folds a single-page obligation into the batch, discharging it
// without performing a per-page flush.
func (f *MapperFlushAll) Consume(flush *MapperFlush) {
	flush.consumed = true
	runtime.SetFinalizer(flush, nil)
	f.dirty = true
}

// Flush reloads CR3, which flushes every non-global TLB entry at once.
func (f *MapperFlushAll) Flush() {
	if f.dirty {
		cpu.WriteCR3(cpu.ReadCR3())
	}
	f.consumed = true
	runtime.SetFinalizer(f, nil)
}

// Ignore discards the whole batch without flushing.
func (f *MapperFlushAll) Ignore() {
	f.consumed = true
	runtime.SetFinalizer(f, nil)
}

// Mapper walks and mutates one page table hierarchy rooted at a physical
// frame (the value that belongs in CR3). All access to intermediate tables
// goes through the identity-mapped physical window rather than a recursive
// or temporary mapping, so a Mapper for an inactive address space can be
// manipulated without switching CR3.
type Mapper struct {
	root pmm.Frame
}

// NewMapper wraps the page table hierarchy rooted at root.
func NewMapper(root pmm.Frame) *Mapper {
	return &Mapper{root: root}
}

// Root returns the physical frame of this mapper's top-level table.
func (m *Mapper) Root() pmm.Frame { return m.root }

// walk returns the slot for virtAddr at the leaf (L1) level, creating
// intermediate tables as needed when create is true. When create is false
// and an intermediate table is absent, it returns ErrInvalidMapping.
func (m *Mapper) walk(virtAddr uintptr, create bool) (*RawPTE, *kernel.Error) {
	tbl := tableAt(m.root.Address())

	for level := L4; ; {
		idx := level.index(virtAddr)
		entry := &tbl.entries[idx]

		next, hasNext := level.Next()
		if !hasNext {
			return entry, nil
		}

		if !entry.IsPresent() {
			if !create {
				return nil, ErrInvalidMapping
			}
			frame, err := allocFrameFn()
			if err != nil {
				return nil, err
			}
			kernel.Memset(PhysToVirt(frame.Address()), 0, uintptr(entriesPerTable*8))
			*entry = NewPresentPTE(frame, FlagPresent|FlagWritable, 0).Raw()
		}

		tbl = tableAt(entry.Present().Frame().Address())
		level = next
	}
}

// GetPTE returns the leaf entry mapping virtAddr, or ErrInvalidMapping if no
// intermediate table exists yet.
func (m *Mapper) GetPTE(virtAddr uintptr) (*RawPTE, *kernel.Error) {
	return m.walk(virtAddr, false)
}

// MapTo maps virtAddr to frame with the given flags. The slot must currently
// be not-present; mapping over an existing present entry is a programming
// error (use UnmapAndFree first) and panics, matching the original's
// assert-not-already-mapped discipline.
func (m *Mapper) MapTo(virtAddr uintptr, frame pmm.Frame, flags PresentFlag) (*MapperFlush, *kernel.Error) {
	entry, err := m.walk(virtAddr, true)
	if err != nil {
		return nil, err
	}
	if entry.IsPresent() {
		panic(&kernel.Error{Module: "vmm", Message: "MapTo called on an already-present page"})
	}
	*entry = NewPresentPTE(frame, flags|FlagPresent, 0).Raw()
	return newMapperFlush(virtAddr), nil
}

// UnmapAndFree clears the mapping at virtAddr and returns its frame to the
// physical allocator. If the page was already not-present no frame is
// freed, but the slot is still reset to an unused entry (clearing any typed
// not-present entry) and a flush token is returned.
func (m *Mapper) UnmapAndFree(virtAddr uintptr) (*MapperFlush, *kernel.Error) {
	entry, err := m.walk(virtAddr, false)
	if err != nil {
		return nil, err
	}
	if entry.IsPresent() {
		pmm.DeallocateFrame(entry.Present().Frame())
	}
	*entry = RawPTE(0)
	return newMapperFlush(virtAddr), nil
}

// SetNotPresent writes a typed not-present PTE (region header, guard page,
// ...) into the slot for virtAddr. The slot must currently be not-present
// (unused); overwriting a present mapping this way would leak its frame, so
// it panics instead.
func (m *Mapper) SetNotPresent(virtAddr uintptr, npte NotPresentPTE) *kernel.Error {
	entry, err := m.walk(virtAddr, true)
	if err != nil {
		return err
	}
	if entry.IsPresent() {
		panic(&kernel.Error{Module: "vmm", Message: "SetNotPresent called on a present page"})
	}
	*entry = npte.Raw()
	return nil
}
