// Package gdt builds each CPU's thread-local GDT, TSS and IST stacks. The
// BSP calls Init with a minimal null/code/data/TLS GDT before paging is set
// up, then InitPostPaging once the kernel heap exists to allocate the IST
// stacks and point the FS-base MSR at this CPU's TCB.
package gdt

import (
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel/cpu"
	"github.com/MinkowskiMetric/gokern/kernel/mem/stack"
)

// Selector indices into the per-CPU GDT.
const (
	SelNull       = 0
	SelKernelCode = 1
	SelKernelData = 2
	SelKernelTLS  = 3
	SelUserCode   = 4
	SelUserData   = 5
	SelUserTLS    = 6
	SelTSS        = 7
	SelTSSHigh    = 8

	gdtEntryCount = 9
)

const (
	accessPresent    = uint8(1 << 7)
	accessRing0      = uint8(0 << 5)
	accessRing3      = uint8(3 << 5)
	accessSystem     = uint8(1 << 4)
	accessExecutable = uint8(1 << 3)
	accessPrivilege  = uint8(1 << 1)
	accessTSSAvail   = uint8(0x9)

	flagLongMode = uint8(1 << 5)
)

const iaFSBase = uint32(0xC0000100)

// entry is the 8-byte flat/long-mode segment descriptor format. TSS needs
// two consecutive slots (it carries a 64-bit base), which is why SelTSS and
// SelTSSHigh both exist.
type entry struct {
	limitLow   uint16
	baseLow    uint16
	baseMid    uint8
	access     uint8
	flagsLimit uint8
	baseHigh   uint8
}

func newEntry(access, flags uint8) entry {
	return entry{access: access, flagsLimit: flags & 0xF0}
}

// tss is the 64-bit task state segment. The kernel never uses hardware task
// switching; the only fields that matter are the IST stack pointers and the
// I/O permission bitmap offset (set past the structure's end, denying port
// access from ring 3).
type tss struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

const (
	istDoubleFault = 1
	istNMI         = 2
	istPageFault   = 3
)

// cpuState is one CPU's complete descriptor-table state. The kernel keeps
// one of these per CPU in thread-local storage once TLS is up; the BSP uses
// the package-level bspState before that.
type cpuState struct {
	gdt [gdtEntryCount]entry
	tss tss
}

var bspState cpuState

// Init builds the BSP's GDT with a null descriptor, a kernel code segment,
// a kernel data segment and a kernel TLS segment, loads it, and reloads
// every segment register. Must run before paging is touched.
func Init() {
	initGDT(&bspState)
	loadGDT(&bspState)
}

func initGDT(s *cpuState) {
	s.gdt[SelNull] = entry{}
	s.gdt[SelKernelCode] = newEntry(accessPresent|accessRing0|accessSystem|accessExecutable|accessPrivilege, flagLongMode)
	s.gdt[SelKernelData] = newEntry(accessPresent|accessRing0|accessSystem|accessPrivilege, flagLongMode)
	s.gdt[SelKernelTLS] = newEntry(accessPresent|accessRing3|accessSystem|accessPrivilege, flagLongMode)
}

func loadGDT(s *cpuState) {
	var gdtr struct {
		limit uint16
		base  uint64
	}
	gdtr.limit = uint16(unsafe.Sizeof(s.gdt) - 1)
	gdtr.base = uint64(uintptr(unsafe.Pointer(&s.gdt[0])))

	cpu.LoadGDT(uintptr(unsafe.Pointer(&gdtr)))
	reloadSegments(uint16(SelKernelCode*8), uint16(SelKernelData*8))
}

// reloadSegments performs the far-return CS reload and reloads DS/ES/FS/GS/SS
// with dataSel. Implemented in assembly since there is no portable way to
// assign CS from Go.
func reloadSegments(codeSel, dataSel uint16)

// InitPostPaging allocates the BSP's IST stacks, installs the TSS, loads
// TR, and points the FS-base MSR at tcbOffset so thread-local variables
// resolve correctly.
func InitPostPaging(tcbOffset uintptr) *cpuState {
	return finishInit(&bspState, tcbOffset)
}

// InitAP builds and loads a fresh GDT/TSS for an application processor:
// unlike the BSP, which builds its minimal GDT once (Init) and only later
// attaches IST stacks and FS base (InitPostPaging), an AP reaches Go code
// for the first time only after paging and the heap are already up, so it
// does both steps back to back against its own cpuState rather than the
// BSP's.
func InitAP(tcbOffset uintptr) *cpuState {
	s := &cpuState{}
	initGDT(s)
	loadGDT(s)
	return finishInit(s, tcbOffset)
}

func finishInit(s *cpuState, tcbOffset uintptr) *cpuState {
	for _, ist := range []int{istDoubleFault, istNMI, istPageFault} {
		st, err := stack.New(stack.DefaultPages)
		if err != nil {
			panic(err)
		}
		s.tss.ist[ist-1] = uint64(st.StackTop())
	}
	s.tss.ioMapBase = uint16(unsafe.Sizeof(s.tss))

	installTSS(s)
	cpu.WRMSR(iaFSBase, uint64(tcbOffset))

	return s
}

func installTSS(s *cpuState) {
	base := uint64(uintptr(unsafe.Pointer(&s.tss)))
	limit := uint32(unsafe.Sizeof(s.tss) - 1)

	s.gdt[SelTSS] = entry{
		limitLow:   uint16(limit),
		baseLow:    uint16(base),
		baseMid:    uint8(base >> 16),
		access:     accessPresent | accessTSSAvail,
		flagsLimit: uint8(limit >> 16 & 0x0F),
		baseHigh:   uint8(base >> 24),
	}
	// SelTSSHigh carries the upper 32 bits of the TSS base; on amd64 a
	// system descriptor occupies two consecutive GDT slots.
	s.gdt[SelTSSHigh] = entry{
		limitLow: uint16(base >> 32),
		baseLow:  uint16(base >> 48),
	}

	cpu.LoadTR(uint16(SelTSS * 8))
}
