// Package smp brings up application processors: it seeds a 16-bit real-mode
// trampoline at a fixed low physical address, walks the MADT for every
// listed local APIC besides the boot processor's, and drives each through
// the INIT/SIPI handshake until it reports itself alive.
package smp

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/MinkowskiMetric/gokern/device/acpi"
	"github.com/MinkowskiMetric/gokern/device/acpi/table"
	"github.com/MinkowskiMetric/gokern/kernel/apic"
	"github.com/MinkowskiMetric/gokern/kernel/cpu"
	"github.com/MinkowskiMetric/gokern/kernel/mem/stack"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
)

// Fixed low physical addresses used during AP bring-up. All three sit below
// 1 MiB so 16-bit real-mode code can address them, and all three are
// already covered by the boot-time identity map, so the BSP can read and
// write them through vmm.PhysToVirt without any fresh mapping.
const (
	// sharedAreaPhysAddr holds the five-word handshake area the
	// trampoline blob and the AP's long-mode entry stub both read/write.
	// Must match the literal addresses ap_entry_amd64.s hardcodes.
	sharedAreaPhysAddr = uintptr(0x6000)

	// p4TablePhysAddr is seeded with the BSP's CR3 so the AP enables
	// paging against the exact same address space before leaving the
	// trampoline.
	p4TablePhysAddr = uintptr(0x7000)

	// trampolinePhysAddr is where the 16-bit blob itself is copied to.
	// It must also be a valid SIPI vector page (i.e. page-aligned and
	// < 1 MiB), since the Startup IPI vector field is trampolinePhysAddr>>12.
	trampolinePhysAddr = uintptr(0x8000)
)

// Shared-area word offsets, relative to sharedAreaPhysAddr. offsetEntryPC
// is read by the blob's final instruction, an indirect long jump through
// this memory location, so the 64-bit Go entry address never needs to be
// baked into the 16-bit blob itself.
const (
	offsetReadyFlag   = 0 * 8
	offsetStackTop    = 1 * 8
	offsetStartupData = 2 * 8
	offsetCPUID       = 3 * 8
	offsetEntryPC     = 4 * 8
)

// startupData is boxed on the Go heap; its address is handed to the AP
// through the shared area so the AP's entry stub can recover it after
// switching onto its own stack.
type startupData struct {
	cpuID   uint8
	apReady uint32
}

// EntryFunc is invoked on each AP once it has switched onto its own kernel
// stack and reached long mode through the BSP's page tables. It must not
// call MarkReady itself: apDispatch calls MarkReady once it returns, then
// waits for the BSP and halts.
type EntryFunc func(cpuID uint8)

var entry EntryFunc

// bspReady gates every AP's idle loop until the BSP has finished its own
// post-SMP initialization (component L's scheduler, mainly).
var bspReady uint32

// ReleaseAPs is called once by the BSP after it has finished bringing up
// every subsystem that must exist before APs start running tasks.
func ReleaseAPs() {
	atomic.StoreUint32(&bspReady, 1)
}

// WaitForBSP blocks the calling AP until ReleaseAPs has run.
func WaitForBSP() {
	for atomic.LoadUint32(&bspReady) == 0 {
		cpu.Pause()
	}
}

// Start walks the MADT for every local APIC entry besides the boot
// processor's own and brings each one up in turn: INIT, Startup, wait for
// the trampoline's ready flag, wait for the AP-side entry function to
// finish, then move to the next target. APs come up one at a time because
// they share one handshake area and nothing in boot requires concurrency
// here.
func Start(onEntry EntryFunc) {
	entry = onEntry

	bspAPICID := apic.InitialAPICID()

	installTrampoline()

	madt, ok := acpi.GetMADT()
	if !ok {
		return
	}

	var targets []uint8
	acpi.MADTEntries(madt, func(entryType table.MADTEntryType, payload unsafe.Pointer) {
		if entryType != table.MADTEntryTypeLocalAPIC {
			return
		}
		e := (*table.MADTEntryLocalAPIC)(payload)
		const flagEnabled = 1
		if e.Flags&flagEnabled == 0 || e.APICID == bspAPICID {
			return
		}
		targets = append(targets, e.APICID)
	})

	for _, target := range targets {
		bringUp(target)
	}
}

// installTrampoline copies the real-mode blob into place and seeds the P4
// table physical page with the BSP's current CR3, so the AP maps the exact
// same address space (including the identity window and kernel sections)
// before jumping into Go code.
func installTrampoline() {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(vmm.PhysToVirt(trampolinePhysAddr))), len(trampolineBlob))
	copy(dst, trampolineBlob)

	bspCR3 := cpu.ReadCR3()
	*(*uint64)(unsafe.Pointer(vmm.PhysToVirt(p4TablePhysAddr))) = bspCR3
}

func sharedAreaWord(offset uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(vmm.PhysToVirt(sharedAreaPhysAddr) + offset))
}

// bringUp drives a single AP, identified by its local APIC ID, through
// INIT/SIPI and waits for it to report itself alive before returning.
func bringUp(targetAPICID uint8) {
	st, err := stack.New(stack.DefaultPages)
	if err != nil {
		panic(err)
	}

	data := &startupData{cpuID: targetAPICID}

	atomic.StoreUint64(sharedAreaWord(offsetReadyFlag), 0)
	*sharedAreaWord(offsetStackTop) = uint64(st.StackTop())
	*sharedAreaWord(offsetStartupData) = uint64(uintptr(unsafe.Pointer(data)))
	*sharedAreaWord(offsetCPUID) = uint64(targetAPICID)
	*sharedAreaWord(offsetEntryPC) = uint64(reflect.ValueOf(apEntryStub).Pointer())

	lapic := apic.BSP()

	// INIT IPI: delivery mode 0b101 (INIT), level-assert, targeted at
	// targetAPICID in the ICR's destination field (bits 56-63).
	const (
		icrDeliveryInit    = uint64(0b101) << 8
		icrLevelAssert     = uint64(1) << 14
		icrTriggerLevel    = uint64(1) << 15
		icrDeliveryStartup = uint64(0b110) << 8
	)
	dest := uint64(targetAPICID) << 56

	lapic.SetICR(dest | icrDeliveryInit | icrLevelAssert | icrTriggerLevel)

	// Startup IPI: vector field encodes the trampoline page number
	// (trampolinePhysAddr >> 12), per the Intel MP startup protocol.
	vector := uint64(trampolinePhysAddr >> 12)
	lapic.SetICR(dest | icrDeliveryStartup | vector)

	for atomic.LoadUint64(sharedAreaWord(offsetReadyFlag)) == 0 {
		cpu.Pause()
	}

	for atomic.LoadUint32(&data.apReady) == 0 {
		cpu.Pause()
	}
}

// MarkReady is called by apDispatch once onEntry has returned, i.e. once
// the AP has finished every per-CPU init step and is ready to take
// scheduler work.
func MarkReady(data unsafe.Pointer) {
	d := (*startupData)(data)
	atomic.StoreUint32(&d.apReady, 1)
}
